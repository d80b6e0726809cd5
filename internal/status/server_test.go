package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fillrelay/config"
	"fillrelay/internal/dedup"
	"fillrelay/internal/poller"
	"fillrelay/internal/relay"
	"fillrelay/internal/sink"
	"fillrelay/internal/stream"
)

func newTestServer() *Server {
	cfg := &config.Config{}
	cfg.Relay.Name = "fillrelay-test"
	cfg.Relay.Addresses = []string{"0xabc", "0xdef"}
	cfg.Stream.HeartbeatMs = 30_000
	cfg.Poll.IntervalMs = 30_000

	r := relay.New(cfg, dedup.NewCache(time.Hour), sink.NewClient("http://127.0.0.1:0", time.Second))
	h := stream.NewHandler(cfg, r)
	p := poller.New(cfg, r)
	return NewServer(cfg, r, h, p)
}

func TestStatusEndpoint(t *testing.T) {
	router := newTestServer().buildRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}

	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}

	if out["service"] != "fillrelay-test" {
		t.Fatalf("service = %v", out["service"])
	}
	if out["stream_connected"] != false {
		t.Fatalf("stream_connected = %v", out["stream_connected"])
	}
	if out["addresses"] != float64(2) {
		t.Fatalf("addresses = %v", out["addresses"])
	}
	for _, key := range []string{"uptime_s", "cache_size", "intervals", "deliveries", "counters", "resources"} {
		if _, ok := out[key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	router := newTestServer().buildRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if out["error"] != "not found" {
		t.Fatalf("error = %v", out["error"])
	}
}
