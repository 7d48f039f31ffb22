package graph

import (
	"context"
	"testing"
	"time"

	"github.com/leviathan-agent/leviathan/internal/journal"
)

func appendEvent(t *testing.T, store journal.Store, id string, typ journal.EventType, payload map[string]interface{}) {
	t.Helper()
	_, err := store.Append(context.Background(), journal.Bundle{
		Target: "demo",
		Events: []journal.Event{{
			EventID:   id,
			EventType: typ,
			Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			ActorID:   "scheduler",
			Payload:   payload,
		}},
	})
	if err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
}

func TestProjectionDeterministicReplay(t *testing.T) {
	store, err := journal.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	appendEvent(t, store, "e1", journal.EventAttemptCreated, map[string]interface{}{
		"attemptId": "a1", "taskId": "fix-readme", "targetId": "demo", "attemptNumber": 1.0,
	})
	appendEvent(t, store, "e2", journal.EventAttemptStarted, map[string]interface{}{"attemptId": "a1", "targetId": "demo"})
	appendEvent(t, store, "e3", journal.EventPRCreated, map[string]interface{}{
		"attemptId": "a1", "targetId": "demo", "prNumber": "42", "url": "https://example/pr/42",
		"branchName": "agent/fix-readme-a1",
	})
	appendEvent(t, store, "e4", journal.EventAttemptSucceeded, map[string]interface{}{"attemptId": "a1", "targetId": "demo"})

	g1 := New()
	if err := g1.Project(context.Background(), store); err != nil {
		t.Fatal(err)
	}
	g2 := New()
	if err := g2.Project(context.Background(), store); err != nil {
		t.Fatal(err)
	}

	s1, s2 := g1.Summary(), g2.Summary()
	for k := range s1.NodeCounts {
		if s1.NodeCounts[k] != s2.NodeCounts[k] {
			t.Errorf("node count %s diverged: %d vs %d", k, s1.NodeCounts[k], s2.NodeCounts[k])
		}
	}

	view, ok := g1.Attempt("a1")
	if !ok {
		t.Fatal("expected attempt a1 to be projected")
	}
	if view.Attempt.Status != AttemptSucceeded {
		t.Errorf("expected attempt a1 succeeded, got %q", view.Attempt.Status)
	}
	if view.Attempt.PRNumber != "42" {
		t.Errorf("expected attempt a1 to reference PR 42, got %q", view.Attempt.PRNumber)
	}

	open := g1.OpenPRsForTarget("demo", "agent/")
	if len(open) != 1 {
		t.Fatalf("expected 1 open agent PR, got %d", len(open))
	}
}

func TestApplyIsIdempotentForAttemptCreated(t *testing.T) {
	g := New()
	e := journal.Event{
		EventID: "e1", EventType: journal.EventAttemptCreated, Sequence: 1,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"attemptId": "a1", "taskId": "t1", "targetId": "demo", "attemptNumber": 1.0},
	}
	g.Apply(e)
	g.Apply(e) // re-delivery must not create a second node or bump attemptNumber confusion
	if len(g.attempts) != 1 {
		t.Fatalf("expected 1 attempt after idempotent re-apply, got %d", len(g.attempts))
	}
}

func TestAttemptTerminalStateIsSticky(t *testing.T) {
	g := New()
	g.Apply(journal.Event{EventType: journal.EventAttemptCreated, Sequence: 1, Payload: map[string]interface{}{"attemptId": "a1", "taskId": "t1", "targetId": "demo"}})
	g.Apply(journal.Event{EventType: journal.EventAttemptFailed, Sequence: 2, Payload: map[string]interface{}{"attemptId": "a1", "failureKind": "clone"}})
	// A later succeeded event must not overwrite an already-terminal attempt.
	g.Apply(journal.Event{EventType: journal.EventAttemptSucceeded, Sequence: 3, Payload: map[string]interface{}{"attemptId": "a1"}})

	view, _ := g.Attempt("a1")
	if view.Attempt.Status != AttemptFailed {
		t.Errorf("expected attempt to remain failed once terminal, got %q", view.Attempt.Status)
	}
}

func TestTaskCompletedIsMonotonic(t *testing.T) {
	g := New()
	g.Apply(journal.Event{EventType: journal.EventTaskCreated, Sequence: 1, Payload: map[string]interface{}{"taskId": "t1", "targetId": "demo", "status": "pending"}})
	g.Apply(journal.Event{EventType: journal.EventTaskCompleted, Sequence: 2, Payload: map[string]interface{}{"taskId": "t1", "targetId": "demo"}})
	g.Apply(journal.Event{EventType: journal.EventTaskUpdated, Sequence: 3, Payload: map[string]interface{}{"taskId": "t1", "targetId": "demo", "status": "pending"}})

	task, ok := g.Task("t1")
	if !ok {
		t.Fatal("expected task t1")
	}
	if task.Status != "completed" {
		t.Errorf("expected task to stay completed, got %q", task.Status)
	}
}
