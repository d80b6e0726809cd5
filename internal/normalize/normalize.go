// Package normalize maps heterogeneous source frames into the uniform
// event records the rest of the relay operates on.
package normalize

import (
	"encoding/json"
	"fmt"

	"fillrelay/models"
)

// Parse decodes a raw frame and expands it into zero or more normalized
// events. A decode failure is the caller's signal to drop the frame.
func Parse(raw []byte) ([]*models.NormalizedEvent, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return FromValue(v), nil
}

// FromValue applies the shape rules in order, first match wins:
// arrays expand element-wise, fills/fill/event(s)/update(s) map to their
// kinds, pongs produce nothing, and anything unrecognized passes through
// tagged raw so unknown upstream shapes are never silently dropped.
func FromValue(v any) []*models.NormalizedEvent {
	if arr, ok := v.([]any); ok {
		events := make([]*models.NormalizedEvent, 0, len(arr))
		for _, elem := range arr {
			if ev := fromElement(elem); ev != nil {
				events = append(events, ev)
			}
		}
		return events
	}

	msg, ok := v.(map[string]any)
	if !ok {
		// Scalar frames carry no shape to match but are still messages;
		// they pass through raw like any other unrecognized payload.
		if v == nil {
			return nil
		}
		return []*models.NormalizedEvent{models.NewEvent(models.KindRaw, map[string]any{"value": v})}
	}

	// The account often sits beside the event collection rather than on
	// each element; candidates without their own address inherit it so
	// both paths fingerprint the same occurrence identically.
	addr := containerAddress(msg)

	if arr, ok := bodyField(msg, "fills").([]any); ok {
		return eventsOf(models.KindFill, arr, addr)
	}
	if fill, ok := bodyField(msg, "fill").(map[string]any); ok {
		return []*models.NormalizedEvent{newEvent(models.KindFill, fill, addr)}
	}
	if evs := expand(bodyField(msg, "event"), bodyField(msg, "events"), models.KindEvent, addr); evs != nil {
		return evs
	}
	if evs := expand(bodyField(msg, "update"), bodyField(msg, "updates"), models.KindLedger, addr); evs != nil {
		return evs
	}
	if isPong(msg) {
		return nil
	}
	return []*models.NormalizedEvent{models.NewEvent(models.KindRaw, msg)}
}

// bodyField looks a key up at the top level and, failing that, one level
// down under "data" where the source wraps channel frame payloads.
func bodyField(msg map[string]any, key string) any {
	if v, ok := msg[key]; ok {
		return v
	}
	if data, ok := msg["data"].(map[string]any); ok {
		return data[key]
	}
	return nil
}

func expand(single, plural any, kind models.EventKind, addr string) []*models.NormalizedEvent {
	if obj, ok := single.(map[string]any); ok {
		return []*models.NormalizedEvent{newEvent(kind, obj, addr)}
	}
	if arr, ok := single.([]any); ok {
		return eventsOf(kind, arr, addr)
	}
	if obj, ok := plural.(map[string]any); ok {
		return []*models.NormalizedEvent{newEvent(kind, obj, addr)}
	}
	if arr, ok := plural.([]any); ok {
		return eventsOf(kind, arr, addr)
	}
	return nil
}

func eventsOf(kind models.EventKind, arr []any, addr string) []*models.NormalizedEvent {
	events := make([]*models.NormalizedEvent, 0, len(arr))
	for _, elem := range arr {
		fields, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		events = append(events, newEvent(kind, fields, addr))
	}
	return events
}

// newEvent builds the candidate and applies address inheritance: the
// candidate's own address/user/wallet fields win, the container's account
// fills the gap.
func newEvent(kind models.EventKind, fields map[string]any, addr string) *models.NormalizedEvent {
	ev := models.NewEvent(kind, fields)
	if ev.Address == "" {
		ev.Address = addr
	}
	return ev
}

// containerAddress pulls the account from the message or its data wrapper.
func containerAddress(msg map[string]any) string {
	if addr := models.AddressOf(msg); addr != "" {
		return addr
	}
	if data, ok := msg["data"].(map[string]any); ok {
		return models.AddressOf(data)
	}
	return ""
}

func fromElement(elem any) *models.NormalizedEvent {
	fields, ok := elem.(map[string]any)
	if !ok {
		return nil
	}
	return models.NewEvent(inferKind(fields), fields)
}

// inferKind classifies a bare array element: an explicit kind tag wins,
// fill-shaped objects become fills, ledger deltas become ledger entries.
func inferKind(fields map[string]any) models.EventKind {
	if tag, ok := fields["kind"].(string); ok {
		switch models.EventKind(tag) {
		case models.KindFill, models.KindEvent, models.KindLedger, models.KindRaw:
			return models.EventKind(tag)
		}
	}
	if _, hasCoin := fields["coin"]; hasCoin {
		if _, hasPx := fields["px"]; hasPx {
			return models.KindFill
		}
		if _, hasSz := fields["sz"]; hasSz {
			return models.KindFill
		}
	}
	if _, ok := fields["delta"]; ok {
		return models.KindLedger
	}
	return models.KindRaw
}

func isPong(msg map[string]any) bool {
	if ch, ok := msg["channel"].(string); ok && ch == "pong" {
		return true
	}
	if method, ok := msg["method"].(string); ok && method == "pong" {
		return true
	}
	return false
}
