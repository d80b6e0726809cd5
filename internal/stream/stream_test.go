package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fillrelay/config"
	"fillrelay/internal/dedup"
	"fillrelay/internal/relay"
	"fillrelay/internal/sink"
)

var upgrader = websocket.Upgrader{}

// newStreamServer runs a mock source: each connection is counted and then
// handed to behave. The returned URL is ready for the websocket dialer.
func newStreamServer(t *testing.T, dials *atomic.Int64, behave func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if dials != nil {
			dials.Add(1)
		}
		behave(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readSubscriptions consumes the subscribe requests the handler issues on
// connect and returns them.
func readSubscriptions(t *testing.T, conn *websocket.Conn, n int) []subscribeRequest {
	t.Helper()
	subs := make([]subscribeRequest, 0, n)
	for len(subs) < n {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("reading subscription %d: %v", len(subs), err)
			return subs
		}
		var req subscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil || req.Method != "subscribe" {
			continue
		}
		subs = append(subs, req)
	}
	return subs
}

func newTestHandler(t *testing.T, streamURL string, bodies chan []byte, addrs ...string) (*Handler, *relay.Relay) {
	t.Helper()

	sinkSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case bodies <- body:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(sinkSrv.Close)

	cfg := &config.Config{}
	cfg.Relay.Addresses = addrs
	cfg.Stream.URL = streamURL
	cfg.Stream.HeartbeatMs = 30_000
	cfg.Stream.KeepaliveMs = 50_000
	cfg.Stream.ReconnectMs = 10

	r := relay.New(cfg, dedup.NewCache(time.Hour), sink.NewClient(sinkSrv.URL, 2*time.Second))
	return NewHandler(cfg, r), r
}

func TestRunSubscribesEveryKindPerAddress(t *testing.T) {
	got := make(chan []subscribeRequest, 1)
	url := newStreamServer(t, nil, func(conn *websocket.Conn) {
		got <- readSubscriptions(t, conn, 6)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h, _ := newTestHandler(t, url, make(chan []byte, 8), "0xaaa", "0xbbb")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	select {
	case subs := <-got:
		seen := make(map[string]bool)
		for _, sub := range subs {
			seen[sub.Subscription.User+"/"+sub.Subscription.Type] = true
		}
		for _, addr := range []string{"0xaaa", "0xbbb"} {
			for _, kind := range SubscriptionKinds {
				if !seen[addr+"/"+kind] {
					t.Errorf("missing subscription %s for %s", kind, addr)
				}
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscriptions never arrived")
	}
}

func TestFramesFlowToSinkWithDuplicatesSuppressed(t *testing.T) {
	fillsFrame := `{"channel":"userFills","data":{"user":"0xabc","fills":[{"coin":"ETH","px":"3500","sz":"1","hash":"0xa","time":1700000000000}]}}`
	ackFrame := `{"channel":"subscriptionResponse","data":{"subscription":{"type":"userFills","user":"0xabc"}}}`

	url := newStreamServer(t, nil, func(conn *websocket.Conn) {
		readSubscriptions(t, conn, 3)
		conn.WriteMessage(websocket.TextMessage, []byte(ackFrame))
		conn.WriteMessage(websocket.TextMessage, []byte(fillsFrame))
		conn.WriteMessage(websocket.TextMessage, []byte(fillsFrame)) // duplicate
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	bodies := make(chan []byte, 8)
	h, r := newTestHandler(t, url, bodies, "0xabc")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	go h.Run(ctx)

	var envelope map[string]any
	select {
	case body := <-bodies:
		if err := json.Unmarshal(body, &envelope); err != nil {
			t.Fatalf("sink received invalid JSON: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fill never reached the sink")
	}

	if envelope["source"] != "stream" {
		t.Fatalf("source = %v", envelope["source"])
	}
	event, _ := envelope["event"].(map[string]any)
	if event["kind"] != "fill" || event["address"] != "0xabc" || event["coin"] != "ETH" {
		t.Fatalf("unexpected event: %v", event)
	}

	// Neither the ack nor the duplicate may produce a second delivery.
	select {
	case body := <-bodies:
		t.Fatalf("unexpected extra delivery: %s", body)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReconnectsAfterHeartbeatSilence(t *testing.T) {
	var dials atomic.Int64
	url := newStreamServer(t, &dials, func(conn *websocket.Conn) {
		// Swallow transport pings so the client never sees a pong and
		// must conclude the connection is dead.
		conn.SetPingHandler(func(string) error { return nil })
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h, _ := newTestHandler(t, url, make(chan []byte, 1), "0xabc")
	h.cfg.Stream.HeartbeatMs = 40

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	deadline := time.After(3 * time.Second)
	for dials.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d dials observed, reconnect never happened", dials.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUnparseableFrameDoesNotKillConnection(t *testing.T) {
	fillsFrame := `{"channel":"userFills","data":{"user":"0xabc","fills":[{"coin":"BTC","px":"90000","sz":"0.1","hash":"0xb","time":1700000000001}]}}`

	url := newStreamServer(t, nil, func(conn *websocket.Conn) {
		readSubscriptions(t, conn, 3)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"broken`))
		conn.WriteMessage(websocket.TextMessage, []byte(fillsFrame))
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	bodies := make(chan []byte, 8)
	h, r := newTestHandler(t, url, bodies, "0xabc")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	go h.Run(ctx)

	select {
	case body := <-bodies:
		var envelope map[string]any
		if err := json.Unmarshal(body, &envelope); err != nil {
			t.Fatalf("sink received invalid JSON: %v", err)
		}
		event, _ := envelope["event"].(map[string]any)
		if event["coin"] != "BTC" {
			t.Fatalf("expected the frame after the bad one, got %v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not survive the unparseable frame")
	}
}
