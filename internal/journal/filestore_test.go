package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func mkEvent(id string, typ EventType, targetID string) Event {
	return Event{
		EventID:   id,
		EventType: typ,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ActorID:   "scheduler",
		Payload:   map[string]interface{}{"targetId": targetID},
	}
}

func TestFileStoreAppendChainsHashes(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	res, err := store.Append(ctx, Bundle{
		Target:   "demo",
		BundleID: "b1",
		Events: []Event{
			mkEvent("e1", EventAttemptCreated, "demo"),
			mkEvent("e2", EventAttemptStarted, "demo"),
		},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.FirstSequence != 1 || res.LastSequence != 2 {
		t.Fatalf("unexpected sequences: %+v", res)
	}

	events, err := store.Range(ctx, 0, 0, RangeFilter{})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	if events[0].PrevHash != GenesisHash {
		t.Errorf("first event prevHash = %q, want genesis", events[0].PrevHash)
	}
	if events[1].PrevHash != events[0].Hash {
		t.Errorf("second event prevHash %q != first event hash %q", events[1].PrevHash, events[0].Hash)
	}

	if err := store.VerifyChain(ctx, 0, 0); err != nil {
		t.Errorf("VerifyChain on intact chain: %v", err)
	}
}

func TestFileStoreRejectsDuplicateEventID(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if _, err := store.Append(ctx, Bundle{Target: "demo", Events: []Event{mkEvent("dup", EventAttemptCreated, "demo")}}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	_, err = store.Append(ctx, Bundle{Target: "demo", Events: []Event{mkEvent("dup", EventAttemptStarted, "demo")}})
	if err == nil {
		t.Fatal("expected conflict on duplicate eventId, got nil")
	}
}

func TestFileStoreBundleAppendIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	_, err = store.Append(ctx, Bundle{Target: "demo", Events: []Event{
		mkEvent("a", EventAttemptCreated, "demo"),
		mkEvent("a", EventAttemptStarted, "demo"),
	}})
	if err == nil {
		t.Fatal("expected rejection of intra-bundle duplicate eventId")
	}

	tip, err := store.Tip(ctx)
	if err != nil {
		t.Fatalf("Tip: %v", err)
	}
	if tip.Sequence != 0 {
		t.Errorf("expected no events persisted after rejected bundle, got sequence %d", tip.Sequence)
	}
}

func TestFileStoreVerifyChainDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Append(ctx, Bundle{Target: "demo", Events: []Event{
		mkEvent("e1", EventAttemptCreated, "demo"),
		mkEvent("e2", EventAttemptSucceeded, "demo"),
	}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and tamper with the second event's payload in memory to
	// simulate external corruption, then re-verify.
	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	reopened.cachedAll[1].Payload["tampered"] = true

	err = reopened.VerifyChain(ctx, 0, 0)
	if err == nil {
		t.Fatal("expected VerifyChain to detect tamper")
	}
	ve, ok := err.(*VerifyError)
	if !ok {
		t.Fatalf("expected *VerifyError, got %T", err)
	}
	if ve.Sequence != 2 {
		t.Errorf("expected divergence at sequence 2, got %d", ve.Sequence)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Append(ctx, Bundle{Target: "demo", Events: []Event{mkEvent("e1", EventAttemptCreated, "demo")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	tip, err := reopened.Tip(ctx)
	if err != nil {
		t.Fatalf("Tip: %v", err)
	}
	if tip.Sequence != 1 {
		t.Errorf("expected tip sequence 1 after reopen, got %d", tip.Sequence)
	}

	if _, err := reopened.Append(ctx, Bundle{Target: "demo", Events: []Event{mkEvent("e1", EventAttemptStarted, "demo")}}); err == nil {
		t.Fatal("expected duplicate eventId rejection to survive reopen")
	}
}

func TestSegmentFileIsUnderDir(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer func() { _ = store.Close() }()
	want := filepath.Join(dir, SegmentFilename)
	if _, err := filepath.Rel(dir, want); err != nil {
		t.Fatalf("unexpected segment path: %v", err)
	}
}
