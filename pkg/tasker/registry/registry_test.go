package registry

import (
	"context"
	"testing"

	"github.com/swarmguard/tasker/pkg/tasker/handler"
)

func TestLookupUnknownHandlerReturnsTypedError(t *testing.T) {
	r := New()
	_, err := r.Lookup(Key{Namespace: "billing", Name: "charge", Version: "v1"})
	if _, ok := err.(*ErrUnknownHandler); !ok {
		t.Fatalf("expected ErrUnknownHandler, got %T", err)
	}
}

func TestRegisterThenLookup(t *testing.T) {
	r := New()
	key := Key{Namespace: "billing", Name: "charge", Version: "v1"}
	r.Register(key, func() handler.Handler { return &handler.Generic{} })

	h, err := r.Lookup(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := h.Process(context.Background(), handler.Context{StepConfig: []byte(`{"a":1}`)})
	if err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}
	if string(res.Output) != `{"a":1}` {
		t.Fatalf("unexpected output: %s", res.Output)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	r := New()
	RegisterBuiltins(r)
	if len(r.Keys()) != 2 {
		t.Fatalf("expected 2 builtin handlers, got %d", len(r.Keys()))
	}
}

func TestParseKeyDefaults(t *testing.T) {
	k := ParseKey("charge")
	if k.Namespace != DefaultNamespace || k.Name != "charge" || k.Version != DefaultVersion {
		t.Fatalf("unexpected defaults: %+v", k)
	}
}

func TestParseKeyFullyQualified(t *testing.T) {
	k := ParseKey("billing/charge@v2")
	if k.Namespace != "billing" || k.Name != "charge" || k.Version != "v2" {
		t.Fatalf("unexpected parse: %+v", k)
	}
}

func TestKeysSorted(t *testing.T) {
	r := New()
	r.Register(Key{Namespace: "z", Name: "z", Version: "v1"}, func() handler.Handler { return &handler.Generic{} })
	r.Register(Key{Namespace: "a", Name: "a", Version: "v1"}, func() handler.Handler { return &handler.Generic{} })
	keys := r.Keys()
	if keys[0].Namespace != "a" || keys[1].Namespace != "z" {
		t.Fatalf("expected sorted keys, got %v", keys)
	}
}
