package scheduler

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/leviathan-agent/leviathan/internal/graph"
	"github.com/leviathan-agent/leviathan/internal/journal"
	"github.com/leviathan-agent/leviathan/internal/policy"
)

type fakeBacklog struct {
	pol    policy.Policy
	tasks  []policy.Task
	fetchErr error
}

func (f *fakeBacklog) FetchPolicy(ctx context.Context, target Target) (policy.Policy, error) {
	if f.fetchErr != nil {
		return policy.Policy{}, f.fetchErr
	}
	return f.pol, nil
}
func (f *fakeBacklog) FetchBacklog(ctx context.Context, target Target) ([]policy.Task, error) {
	return f.tasks, nil
}

type fakePRHost struct{ count int }

func (f *fakePRHost) OpenAgentPRCount(ctx context.Context, target Target) (int, error) {
	return f.count, nil
}

type recordingEmitter struct{ events []journal.Event }

func (r *recordingEmitter) Emit(ctx context.Context, targetID string, events ...journal.Event) error {
	r.events = append(r.events, events...)
	return nil
}

type recordingDispatcher struct {
	dispatched []DispatchContext
	err        error
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, d DispatchContext) error {
	if r.err != nil {
		return r.err
	}
	r.dispatched = append(r.dispatched, d)
	return nil
}

func basePolicy() policy.Policy {
	return policy.Policy{
		AutonomyEnabled:         true,
		AllowedPathPrefixes:     []string{"docs/"},
		MaxOpenPRs:              1,
		MaxAttemptsPerTask:      2,
		CircuitBreakerFailures:  2,
		AttemptTimeoutSeconds:   600,
		ScheduleIntervalSeconds: 120,
	}
}

func newTestScheduler(t *testing.T, backlog *fakeBacklog, prHost *fakePRHost, g *graph.Graph, emit *recordingEmitter, dispatch *recordingDispatcher) *Scheduler {
	t.Helper()
	s, err := New(zap.NewNop(), backlog, prHost, g, emit, dispatch, NoopLease{}, AlwaysAutonomous{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestTickHappyPathDispatchesOneWorker(t *testing.T) {
	backlog := &fakeBacklog{pol: basePolicy(), tasks: []policy.Task{
		{ID: "fix-readme", Ready: true, Status: "pending", AllowedPaths: []string{"docs/README.md"}},
	}}
	prHost := &fakePRHost{count: 0}
	g := graph.New()
	emit := &recordingEmitter{}
	dispatch := &recordingDispatcher{}

	s := newTestScheduler(t, backlog, prHost, g, emit, dispatch)
	s.tick(context.Background(), Target{ID: "demo"})

	if len(dispatch.dispatched) != 1 {
		t.Fatalf("expected exactly 1 dispatch, got %d", len(dispatch.dispatched))
	}
	if dispatch.dispatched[0].AttemptNumber != 1 {
		t.Errorf("expected attemptNumber 1, got %d", dispatch.dispatched[0].AttemptNumber)
	}
	foundCreated := false
	for _, e := range emit.events {
		if e.EventType == journal.EventAttemptCreated {
			foundCreated = true
		}
	}
	if !foundCreated {
		t.Error("expected an attempt.created event to be emitted")
	}
}

func TestTickSkipsOnAutonomyDisabled(t *testing.T) {
	pol := basePolicy()
	pol.AutonomyEnabled = false
	backlog := &fakeBacklog{pol: pol}
	g := graph.New()
	emit := &recordingEmitter{}
	dispatch := &recordingDispatcher{}

	s := newTestScheduler(t, backlog, &fakePRHost{}, g, emit, dispatch)
	s.tick(context.Background(), Target{ID: "demo"})

	if len(dispatch.dispatched) != 0 {
		t.Fatal("expected no dispatch when autonomy disabled")
	}
	if len(emit.events) != 1 || emit.events[0].Payload["reason"] != string(SkipAutonomyDisabled) {
		t.Fatalf("expected a single autonomyDisabled skip event, got %+v", emit.events)
	}
}

type fakeGlobalAutonomy struct{ enabled bool }

func (f fakeGlobalAutonomy) Enabled() bool { return f.enabled }

func TestTickSkipsOnGlobalKillSwitch(t *testing.T) {
	backlog := &fakeBacklog{pol: basePolicy(), tasks: []policy.Task{
		{ID: "fix-readme", Ready: true, Status: "pending", AllowedPaths: []string{"docs/README.md"}},
	}}
	g := graph.New()
	emit := &recordingEmitter{}
	dispatch := &recordingDispatcher{}

	s, err := New(zap.NewNop(), backlog, &fakePRHost{}, g, emit, dispatch, NoopLease{}, fakeGlobalAutonomy{enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tick(context.Background(), Target{ID: "demo"})

	if len(dispatch.dispatched) != 0 {
		t.Fatal("expected no dispatch when the global kill switch is off, even with a per-target policy allowing it")
	}
	if len(emit.events) != 1 || emit.events[0].Payload["reason"] != string(SkipAutonomyDisabled) {
		t.Fatalf("expected a single autonomyDisabled skip event, got %+v", emit.events)
	}
}

func TestTickSkipsOnPRCap(t *testing.T) {
	backlog := &fakeBacklog{pol: basePolicy(), tasks: []policy.Task{
		{ID: "k1", Ready: true, Status: "pending", AllowedPaths: []string{"docs/a.md"}},
	}}
	prHost := &fakePRHost{count: 1} // already at maxOpenPRs=1
	g := graph.New()
	emit := &recordingEmitter{}
	dispatch := &recordingDispatcher{}

	s := newTestScheduler(t, backlog, prHost, g, emit, dispatch)
	s.tick(context.Background(), Target{ID: "demo"})

	if len(dispatch.dispatched) != 0 {
		t.Fatal("expected no dispatch at PR cap")
	}
	if emit.events[len(emit.events)-1].Payload["reason"] != string(SkipPRCap) {
		t.Fatalf("expected prCap skip, got %+v", emit.events)
	}
}

func TestTickDoesNotSelectOutOfScopeTask(t *testing.T) {
	backlog := &fakeBacklog{pol: basePolicy(), tasks: []policy.Task{
		{ID: "k2", Ready: true, Status: "pending", AllowedPaths: []string{"docs2/notes.md"}},
	}}
	g := graph.New()
	emit := &recordingEmitter{}
	dispatch := &recordingDispatcher{}

	s := newTestScheduler(t, backlog, &fakePRHost{}, g, emit, dispatch)
	s.tick(context.Background(), Target{ID: "demo"})

	if len(dispatch.dispatched) != 0 {
		t.Fatal("expected out-of-scope task to never be selected")
	}
	if emit.events[len(emit.events)-1].Payload["reason"] != string(SkipNoCandidate) {
		t.Fatalf("expected noCandidate skip, got %+v", emit.events)
	}
}

func TestTickRetryCapAfterTwoFailures(t *testing.T) {
	// The circuit check runs before the retry cap; raise its threshold so
	// the two failures on k3 reach the retry cap instead of opening it.
	pol := basePolicy()
	pol.CircuitBreakerFailures = 3
	backlog := &fakeBacklog{pol: pol, tasks: []policy.Task{
		{ID: "k3", Ready: true, Status: "pending", AllowedPaths: []string{"docs/a.md"}},
	}}
	g := graph.New()
	g.Apply(journal.Event{EventType: journal.EventAttemptCreated, Sequence: 1, Payload: map[string]interface{}{"attemptId": "a1", "taskId": "k3", "targetId": "demo"}})
	g.Apply(journal.Event{EventType: journal.EventAttemptFailed, Sequence: 2, Payload: map[string]interface{}{"attemptId": "a1"}})
	g.Apply(journal.Event{EventType: journal.EventAttemptCreated, Sequence: 3, Payload: map[string]interface{}{"attemptId": "a2", "taskId": "k3", "targetId": "demo"}})
	g.Apply(journal.Event{EventType: journal.EventAttemptFailed, Sequence: 4, Payload: map[string]interface{}{"attemptId": "a2"}})

	emit := &recordingEmitter{}
	dispatch := &recordingDispatcher{}
	s := newTestScheduler(t, backlog, &fakePRHost{}, g, emit, dispatch)
	s.tick(context.Background(), Target{ID: "demo"})

	if len(dispatch.dispatched) != 0 {
		t.Fatal("expected retry cap to prevent a third dispatch")
	}
	last := emit.events[len(emit.events)-1]
	if last.Payload["reason"] != string(SkipRetryCap) {
		t.Fatalf("expected retryCap skip, got %+v", last)
	}
}

func TestTickCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	backlog := &fakeBacklog{pol: basePolicy(), tasks: []policy.Task{
		{ID: "other-task", Ready: true, Status: "pending", AllowedPaths: []string{"docs/a.md"}},
	}}
	g := graph.New()
	g.Apply(journal.Event{EventType: journal.EventAttemptCreated, Sequence: 1, Payload: map[string]interface{}{"attemptId": "a1", "taskId": "k1", "targetId": "demo"}})
	g.Apply(journal.Event{EventType: journal.EventAttemptFailed, Sequence: 2, Payload: map[string]interface{}{"attemptId": "a1"}})
	g.Apply(journal.Event{EventType: journal.EventAttemptCreated, Sequence: 3, Payload: map[string]interface{}{"attemptId": "a2", "taskId": "k2", "targetId": "demo"}})
	g.Apply(journal.Event{EventType: journal.EventAttemptFailed, Sequence: 4, Payload: map[string]interface{}{"attemptId": "a2"}})

	emit := &recordingEmitter{}
	dispatch := &recordingDispatcher{}
	s := newTestScheduler(t, backlog, &fakePRHost{}, g, emit, dispatch)
	s.tick(context.Background(), Target{ID: "demo"})

	if len(dispatch.dispatched) != 0 {
		t.Fatal("expected open circuit to block dispatch for any task")
	}
	last := emit.events[len(emit.events)-1]
	if last.Payload["reason"] != string(SkipCircuitOpen) {
		t.Fatalf("expected circuitOpen skip, got %+v", last)
	}
}

func TestTickDispatchErrorIsReportedAsSkip(t *testing.T) {
	backlog := &fakeBacklog{pol: basePolicy(), tasks: []policy.Task{
		{ID: "k1", Ready: true, Status: "pending", AllowedPaths: []string{"docs/a.md"}},
	}}
	g := graph.New()
	emit := &recordingEmitter{}
	dispatch := &recordingDispatcher{err: errors.New("launcher unavailable")}
	s := newTestScheduler(t, backlog, &fakePRHost{}, g, emit, dispatch)
	s.tick(context.Background(), Target{ID: "demo"})

	last := emit.events[len(emit.events)-1]
	if last.Payload["reason"] != string(SkipDispatchError) {
		t.Fatalf("expected dispatchError skip, got %+v", last)
	}
}
