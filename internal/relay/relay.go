// Package relay owns the state shared by both delivery paths: the dedup
// cache, the delivery sink and the deliveries channel drained by the
// delivery worker. Passing one Relay to the stream handler and the poller
// is what keeps cross-path dedup working: both paths must consult the same
// cache instance, never per-path copies.
package relay

import (
	"context"
	"sync"
	"time"

	"fillrelay/config"
	"fillrelay/internal/dedup"
	"fillrelay/internal/sink"
	"fillrelay/logger"
	"fillrelay/models"
)

const sweepInterval = 5 * time.Minute

type Stats struct {
	Enqueued  int64
	Dropped   int64
	Attempted int64
}

type Relay struct {
	Cache *dedup.Cache
	Sink  *sink.Client

	cfg        *config.Config
	log        *logger.Entry
	deliveries chan models.Envelope

	statsMutex sync.RWMutex
	stats      Stats

	wg      sync.WaitGroup
	started time.Time
}

func New(cfg *config.Config, cache *dedup.Cache, sinkClient *sink.Client) *Relay {
	return &Relay{
		Cache:      cache,
		Sink:       sinkClient,
		cfg:        cfg,
		log:        logger.GetLogger().WithComponent("relay"),
		deliveries: make(chan models.Envelope, 256),
		started:    time.Now(),
	}
}

// Start launches the delivery worker and the background cache sweeper.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.runWorker(ctx)
	go r.runSweeper(ctx)
	r.log.Info("relay started")
}

// Wait blocks until the worker and sweeper have exited.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// Enqueue hands an envelope to the delivery worker. The stream path uses
// this so a stalled sink cannot block the websocket read loop; when the
// buffer is full the envelope is dropped and accounted, matching the
// no-queue delivery contract.
func (r *Relay) Enqueue(ctx context.Context, env models.Envelope) bool {
	select {
	case r.deliveries <- env:
		r.statsMutex.Lock()
		r.stats.Enqueued++
		r.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		r.statsMutex.Lock()
		r.stats.Dropped++
		r.statsMutex.Unlock()
		r.log.WithFields(logger.Fields{"source": env.Source}).Warn("deliveries channel full, envelope dropped")
		return false
	}
}

// Deliver posts an envelope synchronously. The poll path uses this so a
// cycle's deliveries complete before its watermarks advance. Attempted
// counts every post handed to the sink; the sink's own counters split
// successes from failures.
func (r *Relay) Deliver(ctx context.Context, env models.Envelope) {
	r.Sink.Deliver(ctx, env)
	r.statsMutex.Lock()
	r.stats.Attempted++
	r.statsMutex.Unlock()
}

func (r *Relay) Snapshot() Stats {
	r.statsMutex.RLock()
	defer r.statsMutex.RUnlock()
	return r.stats
}

func (r *Relay) Uptime() time.Duration {
	return time.Since(r.started)
}

func (r *Relay) runWorker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case env := <-r.deliveries:
			r.Deliver(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

// runSweeper garbage-collects the cache on a slow timer so it cannot grow
// unbounded through long idle stretches when neither path is processing
// messages. Both paths also sweep opportunistically after their own work.
func (r *Relay) runSweeper(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Cache.Sweep()
			r.log.LogMetric("relay", "cache_size", r.Cache.Len(), "gauge", nil)
		case <-ctx.Done():
			return
		}
	}
}
