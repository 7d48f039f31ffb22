// Package scheduler implements the periodic per-target tick described in
// spec §4.4: AutonomyCheck -> CircuitCheck -> PRCapCheck -> BacklogFetch
// -> Select -> RetryCapCheck -> Dispatch -> End. Ticking itself is
// delegated to github.com/go-co-op/gocron/v2, one job per target tagged
// with the target id and run in LimitModeReschedule singleton mode so a
// tick never overlaps its own predecessor while different targets tick
// independently (grounded on the arkeep scheduler's identical use of
// gocron tags + singleton mode for per-policy ticking).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/leviathan-agent/leviathan/internal/graph"
	"github.com/leviathan-agent/leviathan/internal/journal"
	"github.com/leviathan-agent/leviathan/internal/leverr"
	"github.com/leviathan-agent/leviathan/internal/policy"
)

// SkipReason enumerates the reasons a tick can end at End without
// dispatching (spec §4.4).
type SkipReason string

const (
	SkipAutonomyDisabled SkipReason = "autonomyDisabled"
	SkipCircuitOpen      SkipReason = "circuitOpen"
	SkipPRCap            SkipReason = "prCap"
	SkipFetchError       SkipReason = "fetchError"
	SkipNoCandidate      SkipReason = "noCandidate"
	SkipRetryCap         SkipReason = "retryCap"
	SkipDispatchError    SkipReason = "dispatchError"
)

// BacklogSource fetches a target's policy and backlog at its remote
// default branch head, read-only (spec §4.4 step 4). The Scheduler does
// not know how those bytes are obtained (git shallow clone, GitHub
// contents API, etc.) — that is the caller's concern.
type BacklogSource interface {
	FetchPolicy(ctx context.Context, target Target) (policy.Policy, error)
	FetchBacklog(ctx context.Context, target Target) ([]policy.Task, error)
}

// PRHost reports the count of open, agent-prefixed PRs for a target
// (spec §4.4 step 3).
type PRHost interface {
	OpenAgentPRCount(ctx context.Context, target Target) (int, error)
}

// Dispatcher launches exactly one worker with a fully-resolved context
// (spec §4.4 step 8) and does not wait for it to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, attempt DispatchContext) error
}

// Target is the minimal target identity the Scheduler needs per tick.
type Target struct {
	ID            string
	RepositoryURL string
	DefaultBranch string
}

// DispatchContext is the fully-resolved context handed to a worker.
type DispatchContext struct {
	Target         Target
	Task           policy.Task
	Policy         policy.Policy
	AttemptID      string
	AttemptNumber  int
	ControlPlaneURL string
}

// AgentBranchPrefix is the fixed prefix used for fingerprinting PRs and
// naming worker branches (spec glossary: "Fingerprint").
const AgentBranchPrefix = "agent/"

// EventEmitter appends the bundles the Scheduler produces
// (attempt.created, scheduler.skipped) to the journal.
type EventEmitter interface {
	Emit(ctx context.Context, targetID string, events ...journal.Event) error
}

// GlobalAutonomy reports the operator's global kill switch (spec §4.6,
// §4.7), consulted by every tick alongside the per-target
// policy.Policy.AutonomyEnabled flag. internal/autonomy.Source is the
// production implementation, shared with the control-plane API's
// GET /v1/autonomy/status so both read the same hot-reloaded file.
type GlobalAutonomy interface {
	Enabled() bool
}

// AlwaysAutonomous always reports the global kill switch as enabled;
// used when no GlobalAutonomy source is configured.
type AlwaysAutonomous struct{}

func (AlwaysAutonomous) Enabled() bool { return true }

// Scheduler evaluates the per-tick procedure for a set of targets.
type Scheduler struct {
	cron    gocron.Scheduler
	logger  *zap.Logger
	backlog BacklogSource
	prHost  PRHost
	graph   *graph.Graph
	emit    EventEmitter
	dispatch Dispatcher
	lease   Lease
	autonomy GlobalAutonomy

	mu      sync.Mutex
	targets map[string]Target
	jobs    map[string]gocron.Job

	controlPlaneURL string
}

// SetControlPlaneURL records the control-plane base URL handed to every
// dispatched worker, so it knows where to submit its event bundle
// (spec §4.5 "bundle submission").
func (s *Scheduler) SetControlPlaneURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlPlaneURL = url
}

// Lease guards the per-target lock beyond a single process (spec §5: "a
// lease on (target, tickInstant) prevents double-dispatch"). gocron's
// own singleton mode already provides this within one scheduler process;
// Lease additionally covers horizontally-scaled deployments where two
// scheduler replicas could otherwise both pick up the same target's tick.
// A no-op Lease is sufficient for a single-process deployment.
type Lease interface {
	// Acquire returns true if the caller may proceed with this tick for
	// target, false if another holder currently owns the lease.
	Acquire(ctx context.Context, target string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, target string) error
}

// NoopLease always grants the lease; used when the scheduler runs as a
// single process and gocron's singleton mode alone is sufficient.
type NoopLease struct{}

func (NoopLease) Acquire(ctx context.Context, target string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (NoopLease) Release(ctx context.Context, target string) error { return nil }

// New constructs a Scheduler. logger is required; a zap.NewNop() is
// appropriate for tests. autonomy may be nil, in which case the global
// kill switch always reports enabled (the per-target
// policy.Policy.AutonomyEnabled flag still applies).
func New(logger *zap.Logger, backlog BacklogSource, prHost PRHost, g *graph.Graph, emit EventEmitter, dispatch Dispatcher, lease Lease, autonomy GlobalAutonomy) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, leverr.New("scheduler.New", leverr.InternalError, err)
	}
	if lease == nil {
		lease = NoopLease{}
	}
	if autonomy == nil {
		autonomy = AlwaysAutonomous{}
	}
	return &Scheduler{
		cron:    cron,
		logger:  logger,
		backlog: backlog,
		prHost:  prHost,
		graph:   g,
		emit:    emit,
		dispatch: dispatch,
		lease:   lease,
		autonomy: autonomy,
		targets: make(map[string]Target),
		jobs:    make(map[string]gocron.Job),
	}, nil
}

// AddTarget registers target to tick every interval (minimum one minute
// per spec §4.4), singleton-mode guarded by the target's own id so
// overlapping ticks for the same target reschedule rather than run
// concurrently.
func (s *Scheduler) AddTarget(target Target, interval time.Duration) error {
	if interval < time.Minute {
		interval = time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.tick(context.Background(), target) }),
		gocron.WithTags(target.ID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return leverr.New("scheduler.AddTarget", leverr.InternalError, err)
	}
	s.targets[target.ID] = target
	s.jobs[target.ID] = job
	return nil
}

// RemoveTarget stops ticking target.
func (s *Scheduler) RemoveTarget(targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[targetID]
	if !ok {
		return nil
	}
	if err := s.cron.RemoveJob(job.ID()); err != nil {
		return leverr.New("scheduler.RemoveTarget", leverr.InternalError, err)
	}
	delete(s.jobs, targetID)
	delete(s.targets, targetID)
	return nil
}

// Start begins ticking all registered targets.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts all ticking. Workers already dispatched continue to
// completion (spec §4.7).
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return leverr.New("scheduler.Stop", leverr.InternalError, err)
	}
	return nil
}

// TriggerNow runs target's tick procedure immediately, out of band from
// its periodic schedule (operator/testing convenience).
func (s *Scheduler) TriggerNow(ctx context.Context, targetID string) {
	s.mu.Lock()
	target, ok := s.targets[targetID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.tick(ctx, target)
}
