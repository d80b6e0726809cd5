// Package stream owns the persistent websocket connection to the event
// source: connect, subscribe, keepalive, heartbeat supervision and
// perpetual fixed-delay reconnection. Connection failure is never fatal.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fillrelay/config"
	"fillrelay/internal/metrics"
	"fillrelay/internal/normalize"
	"fillrelay/internal/relay"
	"fillrelay/logger"
	"fillrelay/models"
)

// SubscriptionKinds are the per-account subscriptions issued on every
// successful connect. The set is recomputed and resent in full each time,
// never diffed against what a previous connection had.
var SubscriptionKinds = []string{
	"userFills",
	"userEvents",
	"userNonFundingLedgerUpdates",
}

type subscription struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type subscribeRequest struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

type pingRequest struct {
	Method string `json:"method"`
}

// Handler manages the connection lifecycle and routes inbound frames into
// the relay.
type Handler struct {
	cfg   *config.Config
	relay *relay.Relay
	log   *logger.Entry

	mu      sync.Mutex
	running bool

	// alive is the heartbeat liveness flag: set on every transport pong,
	// cleared by each heartbeat tick. A connection that stays cleared for
	// one full heartbeat interval is torn down.
	alive     atomic.Bool
	connected atomic.Bool
}

func NewHandler(cfg *config.Config, r *relay.Relay) *Handler {
	return &Handler{
		cfg:   cfg,
		relay: r,
		log:   logger.GetLogger().WithComponent("stream_handler"),
	}
}

// Connected reports whether a subscribed connection is currently open.
func (h *Handler) Connected() bool {
	return h.connected.Load()
}

// Run drives the connect/reconnect loop until the context is cancelled.
func (h *Handler) Run(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	dialer := websocket.DefaultDialer
	delay := h.cfg.Stream.ReconnectDelay()

	for {
		if ctx.Err() != nil {
			return
		}

		connID := uuid.NewString()[:8]
		log := h.log.WithFields(logger.Fields{"conn_id": connID, "url": h.cfg.Stream.URL})

		conn, _, err := dialer.DialContext(ctx, h.cfg.Stream.URL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to stream")
			metrics.IncrementReconnect()
			logger.IncrementReconnect()
			if waitForReconnect(ctx, delay) {
				return
			}
			continue
		}

		log.Info("stream connected")
		h.runConnection(ctx, conn, log)
		conn.Close()
		h.connected.Store(false)

		if ctx.Err() != nil {
			return
		}

		log.Info("scheduling stream reconnect")
		metrics.IncrementReconnect()
		logger.IncrementReconnect()
		if waitForReconnect(ctx, delay) {
			return
		}
	}
}

// runConnection services one connection instance: it subscribes, starts
// the per-connection keepalive and heartbeat timers and then reads frames
// until the connection dies. The timers are bound to connCtx so they can
// never outlive this instance and leak across reconnects.
func (h *Handler) runConnection(ctx context.Context, conn *websocket.Conn, log *logger.Entry) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			cancel()
			conn.Close()
		})
	}

	h.alive.Store(true)

	if err := h.subscribeAll(conn); err != nil {
		log.WithError(err).Warn("failed to issue subscriptions")
		return
	}
	h.connected.Store(true)

	conn.SetPongHandler(func(string) error {
		h.alive.Store(true)
		return nil
	})

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	go h.keepaliveLoop(connCtx, conn, log)
	go h.heartbeatLoop(connCtx, conn, log, teardown)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && connCtx.Err() == nil {
				log.WithError(err).Warn("stream read loop ended")
			}
			teardown()
			return
		}
		h.handleFrame(connCtx, raw, log)
	}
}

func (h *Handler) subscribeAll(conn *websocket.Conn) error {
	for _, addr := range h.cfg.Relay.Addresses {
		for _, kind := range SubscriptionKinds {
			req := subscribeRequest{
				Method:       "subscribe",
				Subscription: subscription{Type: kind, User: addr},
			}
			if err := conn.WriteJSON(req); err != nil {
				return err
			}
		}
	}
	h.log.WithFields(logger.Fields{
		"addresses":     len(h.cfg.Relay.Addresses),
		"subscriptions": len(h.cfg.Relay.Addresses) * len(SubscriptionKinds),
	}).Info("subscriptions issued")
	return nil
}

// keepaliveLoop sends the application-level ping payload so intermediaries
// do not drop the connection as idle. This is independent of the
// transport-level ping/pong the heartbeat uses.
func (h *Handler) keepaliveLoop(ctx context.Context, conn *websocket.Conn, log *logger.Entry) {
	ticker := time.NewTicker(h.cfg.Stream.Keepalive())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := conn.WriteJSON(pingRequest{Method: "ping"}); err != nil {
				log.WithError(err).Warn("failed to send keepalive ping")
				return
			}
		}
	}
}

// heartbeatLoop supervises transport liveness. Each tick clears the alive
// flag and sends a transport ping; the pong handler sets it again. A tick
// that finds the flag still cleared tears the connection down, so silence
// is tolerated for exactly one heartbeat interval.
func (h *Handler) heartbeatLoop(ctx context.Context, conn *websocket.Conn, log *logger.Entry, teardown func()) {
	ticker := time.NewTicker(h.cfg.Stream.Heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.alive.Load() {
				log.Warn("no pong observed since last heartbeat, closing connection")
				teardown()
				return
			}
			h.alive.Store(false)
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				log.WithError(err).Warn("failed to send transport ping")
				teardown()
				return
			}
		}
	}
}

// handleFrame parses one inbound frame and routes every resulting
// non-duplicate event to the delivery worker. Parse failures drop the
// frame only, never the connection.
func (h *Handler) handleFrame(ctx context.Context, raw []byte, log *logger.Entry) {
	logger.IncrementStreamMessage(len(raw))

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		log.WithError(err).Warn("dropping unparseable frame")
		metrics.IncrementParseError()
		logger.IncrementParseError()
		return
	}

	if msg, ok := v.(map[string]any); ok && isSubscriptionAck(msg) {
		log.WithFields(logger.Fields{"frame": truncate(raw, 256)}).Debug("subscription acknowledged")
		return
	}

	receivedAt := time.Now().UnixMilli()
	for _, ev := range normalize.FromValue(v) {
		if !h.relay.Cache.ShouldEmit(ev) {
			metrics.IncrementDuplicate(models.SourceStream)
			logger.IncrementDuplicate()
			continue
		}
		h.relay.Enqueue(ctx, models.Envelope{
			Source:     models.SourceStream,
			ReceivedAt: receivedAt,
			Event:      ev,
		})
	}

	h.relay.Cache.Sweep()
}

// isSubscriptionAck recognizes frames that carry both a channel marker and
// a subscription descriptor; those acknowledge our subscribe requests and
// are never forwarded.
func isSubscriptionAck(msg map[string]any) bool {
	ch, ok := msg["channel"].(string)
	if !ok {
		return false
	}
	if ch == "subscriptionResponse" {
		return true
	}
	if _, ok := msg["subscription"]; ok {
		return true
	}
	if data, ok := msg["data"].(map[string]any); ok {
		if _, ok := data["subscription"]; ok {
			return true
		}
	}
	return false
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n])
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
