package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fillrelay/config"
	"fillrelay/internal/dedup"
	"fillrelay/internal/metrics"
	"fillrelay/internal/poller"
	"fillrelay/internal/relay"
	"fillrelay/internal/sink"
	"fillrelay/internal/status"
	"fillrelay/internal/stream"
	"fillrelay/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":   cfg.Relay.Name,
		"version":   cfg.Relay.Version,
		"addresses": len(cfg.Relay.Addresses),
	}).Info("starting fillrelay")

	if len(cfg.Relay.Addresses) == 0 {
		log.Warn("no addresses configured; nothing will be subscribed or polled")
	}

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
	}

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel, log)

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	cache := dedup.NewCache(dedup.DefaultTTL)
	sinkClient := sink.NewClient(cfg.Delivery.URL, cfg.Delivery.Timeout())

	r := relay.New(cfg, cache, sinkClient)
	r.Start(ctx)

	handler := stream.NewHandler(cfg, r)
	p := poller.New(cfg, r)

	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := status.NewServer(cfg, r, handler, p).Run(ctx); err != nil {
			log.WithError(err).Error("status server exited")
		}
	}()

	wg.Wait()
	r.Wait()
	log.Info("fillrelay stopped")
}

func handleShutdown(cancel context.CancelFunc, log *logger.Log) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	log.Warn("Shutdown requested.")
	cancel()
}
