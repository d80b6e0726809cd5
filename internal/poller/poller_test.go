package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fillrelay/config"
	"fillrelay/internal/dedup"
	"fillrelay/internal/relay"
	"fillrelay/internal/sink"
	"fillrelay/models"
)

// fillsHandler serves canned fills per account the way the info endpoint
// does, responding to {"type":"userFills","user":...} queries.
func fillsHandler(t *testing.T, byUser map[string][]map[string]any, fail map[string]bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q fillsQuery
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			t.Errorf("bad query: %v", err)
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		if q.Type != "userFills" {
			t.Errorf("unexpected query type %q", q.Type)
		}
		if fail[q.User] {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(byUser[q.User])
	}
}

func newTestPoller(t *testing.T, infoURL string, delivered *atomic.Int64, addrs ...string) *Poller {
	t.Helper()

	sinkSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(sinkSrv.Close)

	cfg := &config.Config{}
	cfg.Relay.Addresses = addrs
	cfg.Poll.InfoURL = infoURL
	cfg.Poll.IntervalMs = 1000
	cfg.Poll.LookbackMs = 300_000
	cfg.Poll.TimeoutMs = 2000
	cfg.Poll.RequestsPerSecond = 1000

	cache := dedup.NewCache(time.Hour)
	r := relay.New(cfg, cache, sink.NewClient(sinkSrv.URL, 2*time.Second))
	return New(cfg, r)
}

func TestCycleAdvancesWatermarkMonotonically(t *testing.T) {
	var delivered atomic.Int64
	infoSrv := httptest.NewServer(fillsHandler(t, map[string][]map[string]any{
		"0xabc": {
			{"coin": "ETH", "px": "3500", "sz": "1", "hash": "0xa", "time": float64(100)},
			{"coin": "ETH", "px": "3501", "sz": "1", "hash": "0xb", "time": float64(50)},
			{"coin": "ETH", "px": "3502", "sz": "1", "hash": "0xc", "time": float64(200)},
		},
	}, nil))
	defer infoSrv.Close()

	p := newTestPoller(t, infoSrv.URL, &delivered, "0xabc")
	p.cycle(context.Background())

	wm, ok := p.Watermark("0xabc")
	if !ok {
		t.Fatal("watermark never set")
	}
	if wm != 200 {
		t.Fatalf("watermark = %d, want 200 (out-of-order fill must not regress it)", wm)
	}
	if got := delivered.Load(); got != 3 {
		t.Fatalf("delivered %d fills, want 3", got)
	}
}

func TestCycleSeedsIdleAccountWatermark(t *testing.T) {
	var delivered atomic.Int64
	infoSrv := httptest.NewServer(fillsHandler(t, map[string][]map[string]any{}, nil))
	defer infoSrv.Close()

	p := newTestPoller(t, infoSrv.URL, &delivered, "0xidle")
	base := time.UnixMilli(10_000_000)
	p.now = func() time.Time { return base }

	p.cycle(context.Background())

	wm, ok := p.Watermark("0xidle")
	if !ok {
		t.Fatal("idle account watermark not seeded")
	}
	want := base.Add(-p.cfg.Poll.Lookback()).UnixMilli()
	if wm != want {
		t.Fatalf("watermark = %d, want lookback seed %d", wm, want)
	}
	if delivered.Load() != 0 {
		t.Fatal("idle account delivered fills")
	}
}

func TestCycleSuppressesEventsAlreadySeenByStream(t *testing.T) {
	fill := map[string]any{
		"user": "0xabc", "coin": "ETH", "px": "3500", "sz": "1",
		"hash": "0xshared", "time": float64(1234),
	}
	var delivered atomic.Int64
	infoSrv := httptest.NewServer(fillsHandler(t, map[string][]map[string]any{
		"0xabc": {fill},
	}, nil))
	defer infoSrv.Close()

	p := newTestPoller(t, infoSrv.URL, &delivered, "0xabc")

	// The stream path marks the same occurrence first.
	streamEv := models.NewEvent(models.KindFill, fill)
	if !p.relay.Cache.ShouldEmit(streamEv) {
		t.Fatal("stream emission unexpectedly suppressed")
	}

	p.cycle(context.Background())

	if got := delivered.Load(); got != 0 {
		t.Fatalf("poll path re-delivered a stream-seen fill %d times", got)
	}
	if wm, _ := p.Watermark("0xabc"); wm != 1234 {
		t.Fatalf("duplicate must still advance the watermark, got %d", wm)
	}
}

func TestCycleIsolatesPerAccountFailures(t *testing.T) {
	var delivered atomic.Int64
	infoSrv := httptest.NewServer(fillsHandler(t, map[string][]map[string]any{
		"0xgood": {{"coin": "ETH", "px": "1", "sz": "1", "hash": "0xg", "time": float64(77)}},
	}, map[string]bool{"0xbad": true}))
	defer infoSrv.Close()

	p := newTestPoller(t, infoSrv.URL, &delivered, "0xbad", "0xgood")
	p.cycle(context.Background())

	if got := delivered.Load(); got != 1 {
		t.Fatalf("healthy account delivered %d fills, want 1", got)
	}
	if _, ok := p.Watermark("0xbad"); ok {
		t.Fatal("failed account's watermark must stay unset for retry")
	}
	if wm, _ := p.Watermark("0xgood"); wm != 77 {
		t.Fatalf("healthy account watermark = %d, want 77", wm)
	}
}

func TestFillsOfAcceptsBothResponseShapes(t *testing.T) {
	bare := fillsOf([]any{map[string]any{"coin": "ETH"}})
	if len(bare) != 1 {
		t.Fatalf("bare array: got %d fills", len(bare))
	}
	wrapped := fillsOf(map[string]any{"fills": []any{map[string]any{"coin": "ETH"}}})
	if len(wrapped) != 1 {
		t.Fatalf("wrapped object: got %d fills", len(wrapped))
	}
	if len(fillsOf("nonsense")) != 0 {
		t.Fatal("scalar response must yield no fills")
	}
}
