package models

import (
	"encoding/json"
	"strconv"
)

// EventKind tags a normalized event with the family it belongs to.
type EventKind string

const (
	KindFill   EventKind = "fill"
	KindEvent  EventKind = "event"
	KindLedger EventKind = "ledger"
	KindRaw    EventKind = "raw"
)

// Envelope source values.
const (
	SourceStream = "stream"
	SourcePoll   = "poll"
)

// NormalizedEvent is the uniform record both relay paths produce. Kind and
// Address are the load-bearing fields (cache partitioning and fingerprints
// depend on them); everything else from the source message is preserved
// verbatim in Fields so unknown upstream fields survive the trip.
type NormalizedEvent struct {
	Kind    EventKind
	Address string
	Time    int64 // event time in ms, 0 when the source carried none
	Fields  map[string]any
}

// NewEvent builds an event from a decoded source object. Address falls back
// to the user or wallet field when the source used one of those names.
func NewEvent(kind EventKind, fields map[string]any) *NormalizedEvent {
	if fields == nil {
		fields = map[string]any{}
	}
	addr := AddressOf(fields)
	return &NormalizedEvent{
		Kind:    kind,
		Address: addr,
		Time:    intField(fields, "time"),
		Fields:  fields,
	}
}

// AddressOf resolves the account field under any of its source spellings.
func AddressOf(fields map[string]any) string {
	return stringField(fields, "address", "user", "wallet")
}

// TxHash returns the transaction hash under either of its source spellings.
func (e *NormalizedEvent) TxHash() string {
	return stringField(e.Fields, "txHash", "hash")
}

// OrderID returns the order identifier under any of its source spellings.
func (e *NormalizedEvent) OrderID() string {
	return stringField(e.Fields, "orderId", "oid", "cloid")
}

func (e *NormalizedEvent) Coin() string {
	return stringField(e.Fields, "coin")
}

func (e *NormalizedEvent) Price() string {
	return stringField(e.Fields, "px", "price")
}

func (e *NormalizedEvent) Size() string {
	return stringField(e.Fields, "sz", "size")
}

// MarshalJSON flattens the open field set and overlays the kind and address
// tags, so the delivered shape matches what the source sent plus the tags.
func (e *NormalizedEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["kind"] = string(e.Kind)
	if e.Address != "" {
		out["address"] = e.Address
	}
	return json.Marshal(out)
}

// Envelope wraps a normalized event for delivery to the sink.
type Envelope struct {
	Source     string           `json:"source"`
	ReceivedAt int64            `json:"receivedAt"`
	Event      *NormalizedEvent `json:"event"`
}

// stringField returns the first present key rendered as a string. Numbers
// are formatted without an exponent so fingerprints stay stable regardless
// of how the source serialized the value.
func stringField(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				return val
			}
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		case json.Number:
			return val.String()
		case int64:
			return strconv.FormatInt(val, 10)
		case int:
			return strconv.Itoa(val)
		}
	}
	return ""
}

func intField(fields map[string]any, key string) int64 {
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch val := v.(type) {
	case float64:
		return int64(val)
	case json.Number:
		n, _ := val.Int64()
		return n
	case int64:
		return val
	case int:
		return int64(val)
	}
	return 0
}
