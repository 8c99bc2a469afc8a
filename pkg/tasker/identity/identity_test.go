package identity

import (
	"encoding/json"
	"testing"
)

func TestHashDeterministicAcrossKeyOrder(t *testing.T) {
	h := SHA256Hasher{}
	a, err := h.Hash("retry_payment", "billing", "v1", json.RawMessage(`{"amount":5,"currency":"USD"}`), "api", "checkout")
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := h.Hash("retry_payment", "billing", "v1", json.RawMessage(`{"currency":"USD","amount":5}`), "api", "checkout")
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a != b {
		t.Fatalf("expected key-order-independent hash, got %s != %s", a, b)
	}
}

func TestHashDiffersOnContext(t *testing.T) {
	h := SHA256Hasher{}
	a, _ := h.Hash("retry_payment", "billing", "v1", json.RawMessage(`{"amount":5}`), "api", "checkout")
	b, _ := h.Hash("retry_payment", "billing", "v1", json.RawMessage(`{"amount":6}`), "api", "checkout")
	if a == b {
		t.Fatalf("expected differing context to produce differing hashes")
	}
}

func TestHashDiffersOnNamedTaskID(t *testing.T) {
	h := SHA256Hasher{}
	a, _ := h.Hash("retry_payment", "billing", "v1", json.RawMessage(`{}`), "", "")
	b, _ := h.Hash("refund_payment", "billing", "v1", json.RawMessage(`{}`), "", "")
	if a == b {
		t.Fatalf("expected differing named_task_id to produce differing hashes")
	}
}

func TestHashEmptyContextIsStable(t *testing.T) {
	h := SHA256Hasher{}
	a, err := h.Hash("t", "ns", "v1", nil, "", "")
	if err != nil {
		t.Fatalf("hash nil context: %v", err)
	}
	b, err := h.Hash("t", "ns", "v1", json.RawMessage(``), "", "")
	if err != nil {
		t.Fatalf("hash empty context: %v", err)
	}
	if a != b {
		t.Fatalf("expected nil and empty raw message to hash identically")
	}
}
