package models

import (
	"encoding/json"
	"testing"
)

func TestNewEventResolvesAliases(t *testing.T) {
	ev := NewEvent(KindFill, map[string]any{
		"wallet": "0xabc",
		"time":   float64(1700000000000),
		"hash":   "0xdead",
		"oid":    float64(42),
		"price":  "3500.5",
		"size":   float64(0.25),
	})

	if ev.Address != "0xabc" {
		t.Fatalf("address: %q", ev.Address)
	}
	if ev.Time != 1700000000000 {
		t.Fatalf("time: %d", ev.Time)
	}
	if ev.TxHash() != "0xdead" {
		t.Fatalf("txHash: %q", ev.TxHash())
	}
	if ev.OrderID() != "42" {
		t.Fatalf("orderId: %q", ev.OrderID())
	}
	if ev.Price() != "3500.5" {
		t.Fatalf("price: %q", ev.Price())
	}
	if ev.Size() != "0.25" {
		t.Fatalf("size: %q", ev.Size())
	}
}

func TestMarshalJSONFlattensFields(t *testing.T) {
	ev := NewEvent(KindFill, map[string]any{
		"user": "0xabc",
		"coin": "ETH",
		"px":   "3500",
		"dir":  "Open Long",
	})

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if out["kind"] != "fill" {
		t.Fatalf("kind tag missing: %v", out["kind"])
	}
	if out["address"] != "0xabc" {
		t.Fatalf("address tag missing: %v", out["address"])
	}
	if out["coin"] != "ETH" || out["dir"] != "Open Long" {
		t.Fatalf("source fields lost: %v", out)
	}
	if _, nested := out["Fields"]; nested {
		t.Fatal("fields not flattened")
	}
}

func TestMarshalJSONOmitsEmptyAddress(t *testing.T) {
	raw, err := json.Marshal(NewEvent(KindRaw, map[string]any{"foo": "bar"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out["address"]; ok {
		t.Fatal("empty address should be omitted")
	}
}
