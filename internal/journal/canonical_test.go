package journal

import (
	"testing"
	"time"
)

func TestCanonicalizeIsKeyOrderIndependent(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Event{
		EventID: "e1", EventType: EventAttemptCreated, Timestamp: ts, ActorID: "x",
		Payload: map[string]interface{}{"b": 2, "a": 1},
	}
	b := Event{
		EventID: "e1", EventType: EventAttemptCreated, Timestamp: ts, ActorID: "x",
		Payload: map[string]interface{}{"a": 1, "b": 2},
	}

	ca, err := canonicalize(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := canonicalize(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ by map insertion order:\n%s\n%s", ca, cb)
	}
}

func TestChainHashIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Event{EventID: "e1", EventType: EventAttemptCreated, Timestamp: ts, ActorID: "x", Payload: map[string]interface{}{}}
	c1, _ := canonicalize(e)
	c2, _ := canonicalize(e)
	h1 := chainHash(GenesisHash, c1)
	h2 := chainHash(GenesisHash, c2)
	if h1 != h2 {
		t.Errorf("chainHash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex characters (sha256), got %d", len(h1))
	}
}

func TestGenesisHashIs64Zeros(t *testing.T) {
	if len(GenesisHash) != 64 {
		t.Fatalf("GenesisHash length = %d, want 64", len(GenesisHash))
	}
	for _, c := range GenesisHash {
		if c != '0' {
			t.Fatalf("GenesisHash contains non-zero character %q", c)
		}
	}
}
