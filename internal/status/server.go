// Package status hosts the liveness endpoint: one GET route with
// operational counters, a 404 for everything else.
package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"fillrelay/config"
	"fillrelay/internal/poller"
	"fillrelay/internal/relay"
	"fillrelay/internal/stream"
	"fillrelay/logger"
)

type Server struct {
	cfg        *config.Config
	relay      *relay.Relay
	handler    *stream.Handler
	poll       *poller.Poller
	log        *logger.Entry
	httpServer *http.Server
}

func NewServer(cfg *config.Config, r *relay.Relay, h *stream.Handler, p *poller.Poller) *Server {
	return &Server{
		cfg:     cfg,
		relay:   r,
		handler: h,
		poll:    p,
		log:     logger.GetLogger().WithComponent("status_server"),
	}
}

// Run starts the status HTTP server and blocks until the provided context
// is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Status.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithFields(logger.Fields{"address": s.httpServer.Addr}).Info("status server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", s.handleStatus)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return router
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.payload())
}

func (s *Server) payload() gin.H {
	stats := s.relay.Snapshot()

	cpuPct := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	memUsedMB := int64(0)
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsedMB = int64(vm.Used) / 1024 / 1024
	}

	return gin.H{
		"service":          s.cfg.Relay.Name,
		"uptime_s":         int64(s.relay.Uptime().Seconds()),
		"stream_connected": s.handler.Connected(),
		"cache_size":       s.relay.Cache.Len(),
		"addresses":        len(s.cfg.Relay.Addresses),
		"intervals": gin.H{
			"heartbeat_ms": s.cfg.Stream.HeartbeatMs,
			"reconnect_ms": s.cfg.Stream.ReconnectMs,
			"keepalive_ms": s.cfg.Stream.KeepaliveMs,
			"poll_ms":      s.cfg.Poll.IntervalMs,
			"lookback_ms":  s.cfg.Poll.LookbackMs,
		},
		"deliveries": gin.H{
			"enqueued":  stats.Enqueued,
			"attempted": stats.Attempted,
			"dropped":   stats.Dropped,
		},
		"counters": logger.CounterSnapshot(),
		"resources": gin.H{
			"goroutines":  runtime.NumGoroutine(),
			"cpu_percent": cpuPct,
			"memory_mb":   memUsedMB,
		},
	}
}
