// Package poller is the at-least-once safety net under the stream path:
// on a fixed interval it queries the source's info endpoint for each
// tracked account's fills from a per-account watermark, forwarding
// anything the dedup cache has not seen. It runs whether or not the
// stream is connected; covering outages is its purpose.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fillrelay/config"
	"fillrelay/internal/metrics"
	"fillrelay/internal/relay"
	"fillrelay/logger"
	"fillrelay/models"
)

type fillsQuery struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	StartTime int64  `json:"startTime"`
}

type Poller struct {
	cfg     *config.Config
	relay   *relay.Relay
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Entry

	mu         sync.Mutex
	watermarks map[string]int64

	now func() time.Time
}

func New(cfg *config.Config, r *relay.Relay) *Poller {
	return &Poller{
		cfg:   cfg,
		relay: r,
		client: &http.Client{
			Timeout: cfg.Poll.Timeout(),
		},
		limiter:    rate.NewLimiter(rate.Limit(cfg.Poll.RequestsPerSecond), 1),
		log:        logger.GetLogger().WithComponent("poller"),
		watermarks: make(map[string]int64),
		now:        time.Now,
	}
}

// Run polls on a fixed interval until the context is cancelled. The timer
// is process-lifetime; unlike the per-connection stream timers it is never
// torn down and restarted.
func (p *Poller) Run(ctx context.Context) {
	p.log.WithFields(logger.Fields{
		"accounts": len(p.cfg.Relay.Addresses),
		"interval": p.cfg.Poll.Interval().String(),
		"lookback": p.cfg.Poll.Lookback().String(),
	}).Info("poller started")

	ticker := time.NewTicker(p.cfg.Poll.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle queries every account once. A failure for one account is isolated
// to that account for this cycle; the unchanged watermark makes the next
// cycle the retry.
func (p *Poller) cycle(ctx context.Context) {
	logger.IncrementPollCycle()

	for _, addr := range p.cfg.Relay.Addresses {
		if err := p.pollAccount(ctx, addr); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.WithError(err).WithFields(logger.Fields{"address": addr}).Warn("poll query failed")
			metrics.IncrementPollError(addr)
		}
	}

	p.relay.Cache.Sweep()
}

func (p *Poller) pollAccount(ctx context.Context, addr string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	since, seeded := p.watermark(addr)
	if !seeded {
		since = p.now().Add(-p.cfg.Poll.Lookback()).UnixMilli()
	}

	fills, err := p.fetchFills(ctx, addr, since)
	if err != nil {
		return err
	}

	if len(fills) == 0 {
		// Seed the watermark so an idle account does not re-query the
		// same lookback window every cycle forever.
		if !seeded {
			p.advanceWatermark(addr, since)
		}
		return nil
	}

	receivedAt := p.now().UnixMilli()
	for _, fields := range fills {
		ev := models.NewEvent(models.KindFill, fields)
		ev.Address = addr

		if p.relay.Cache.ShouldEmit(ev) {
			p.relay.Deliver(ctx, models.Envelope{
				Source:     models.SourcePoll,
				ReceivedAt: receivedAt,
				Event:      ev,
			})
		} else {
			metrics.IncrementDuplicate(models.SourcePoll)
			logger.IncrementDuplicate()
		}

		// A duplicate still proves this event time was observed;
		// advancing regardless keeps the query window from re-covering
		// delivered ground.
		if ev.Time > 0 {
			p.advanceWatermark(addr, ev.Time)
		}
	}

	return nil
}

func (p *Poller) fetchFills(ctx context.Context, addr string, since int64) ([]map[string]any, error) {
	body, err := json.Marshal(fillsQuery{Type: "userFills", User: addr, StartTime: since})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Poll.InfoURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode fills response: %w", err)
	}
	return fillsOf(v), nil
}

// fillsOf accepts both response shapes the endpoint serves: a bare array
// or an object wrapping a fills array.
func fillsOf(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		if obj, isObj := v.(map[string]any); isObj {
			arr, _ = obj["fills"].([]any)
		}
	}

	fills := make([]map[string]any, 0, len(arr))
	for _, elem := range arr {
		if fields, ok := elem.(map[string]any); ok {
			fills = append(fills, fields)
		}
	}
	return fills
}

// Watermark returns the stored watermark for an account.
func (p *Poller) Watermark(addr string) (int64, bool) {
	return p.watermark(addr)
}

func (p *Poller) watermark(addr string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wm, ok := p.watermarks[addr]
	return wm, ok
}

// advanceWatermark moves the account's watermark forward, never back.
func (p *Poller) advanceWatermark(addr string, t int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t > p.watermarks[addr] {
		p.watermarks[addr] = t
	}
}
