// Package sink forwards envelopes to the downstream consumer. Delivery is
// best-effort: a failed POST is logged and counted, never retried and never
// surfaced to the caller. Loss of a single delivery is an accepted failure
// mode covered statistically by the dual stream and poll paths.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"fillrelay/internal/metrics"
	"fillrelay/logger"
	"fillrelay/models"
)

const maxLoggedBody = 512

// Client posts envelopes to a single configured URL.
type Client struct {
	url    string
	client *http.Client
	log    *logger.Entry
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		log: logger.GetLogger().WithComponent("sink"),
	}
}

// Deliver posts one envelope. It never returns an error: every failure
// path logs, counts and returns.
func (c *Client) Deliver(ctx context.Context, env models.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		c.log.WithError(err).Warn("failed to encode envelope")
		metrics.IncrementDeliveryError()
		logger.IncrementDeliveryError()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.log.WithError(err).Warn("failed to build delivery request")
		metrics.IncrementDeliveryError()
		logger.IncrementDeliveryError()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.WithError(err).WithFields(logger.Fields{
			"source": env.Source,
		}).Warn("delivery request failed")
		metrics.IncrementDeliveryError()
		logger.IncrementDeliveryError()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
		c.log.WithFields(logger.Fields{
			"status": resp.Status,
			"source": env.Source,
			"body":   string(snippet),
		}).Warn("delivery rejected by sink")
		metrics.IncrementDeliveryError()
		logger.IncrementDeliveryError()
		return
	}

	io.Copy(io.Discard, resp.Body)
	metrics.IncrementDelivered(env.Source)
	logger.IncrementDelivery(env.Source, len(body))
}
