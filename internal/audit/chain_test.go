package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func buildChain(t *testing.T, n int) []Entry {
	t.Helper()
	store := &fakeStore{}
	log := NewLog(store, WithClock(fixedClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))))
	for i := 0; i < n; i++ {
		if _, err := log.Append(context.Background(), Entry{ActorID: "a1", Action: ActionOther, Description: "step",
			Metadata: map[string]any{"n": i}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return store.entries
}

func TestVerifyDetectsTampering(t *testing.T) {
	entries := buildChain(t, 4)
	if err := Verify(entries); err != nil {
		t.Fatalf("untampered chain: %v", err)
	}

	edited := append([]Entry(nil), entries...)
	edited[1].Description = "something else"
	if err := Verify(edited); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected edit to break chain, got %v", err)
	}

	dropped := append(append([]Entry(nil), entries[:1]...), entries[2:]...)
	if err := Verify(dropped); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected deletion to break chain, got %v", err)
	}

	if err := Verify(entries[2:]); err != nil {
		t.Fatalf("window of an intact chain should verify: %v", err)
	}
}

func TestComputeHashStableAcrossMetadataOrder(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Entry{ID: "x", Action: ActionOther, Description: "d", CreatedAt: at, Metadata: map[string]any{"a": "1", "b": "2"}}
	b := Entry{ID: "x", Action: ActionOther, Description: "d", CreatedAt: at, Metadata: map[string]any{"b": "2", "a": "1"}}
	ha, err := ComputeHash(a)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	hb, _ := ComputeHash(b)
	if ha != hb {
		t.Fatalf("hash depends on map order")
	}
	a.Metadata = nil
	b.Metadata = map[string]any{}
	ha, _ = ComputeHash(a)
	hb, _ = ComputeHash(b)
	if ha != hb {
		t.Fatalf("nil and empty metadata should hash equally")
	}
}
