// Package worker implements the bounded-lifetime single-attempt process
// described in spec §4.5: clone, apply a task-specific edit, commit, push,
// open a PR, write the backlog status back, and emit events — never loop.
//
// Grounded on the teacher's internal/controller.Controller.Run main loop
// (shutdown handling, workspace init, token fetch, clone), reshaped from an
// iterating multi-turn session into a single-pass state machine, since this
// system's task invention and multi-phase planning are explicit non-goals.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leviathan-agent/leviathan/internal/artifact"
	"github.com/leviathan-agent/leviathan/internal/audit"
	"github.com/leviathan-agent/leviathan/internal/github"
	"github.com/leviathan-agent/leviathan/internal/journal"
	"github.com/leviathan-agent/leviathan/internal/policy"
)

// Phase is one state in the lifecycle state machine (spec §4.5).
type Phase string

const (
	PhaseInit                Phase = "Init"
	PhaseCreated              Phase = "Created"
	PhaseStarted              Phase = "Started"
	PhaseCloning              Phase = "Cloning"
	PhaseExecuting            Phase = "Executing"
	PhaseCommitting           Phase = "Committing"
	PhasePushing              Phase = "Pushing"
	PhaseOpeningPR            Phase = "OpeningPR"
	PhaseWritingBackBacklog   Phase = "WritingBackBacklog"
	PhaseSucceeded            Phase = "Succeeded"
	PhaseFailed               Phase = "Failed"
	PhaseCancelled            Phase = "Cancelled"
)

// FailureKind enumerates the machine-readable terminal-failure kinds
// (spec §4.5).
type FailureKind string

const (
	FailureClone            FailureKind = "clone"
	FailureAuth             FailureKind = "auth"
	FailureScopeViolation   FailureKind = "scopeViolation"
	FailureExecute          FailureKind = "execute"
	FailurePush             FailureKind = "push"
	FailurePROpen           FailureKind = "prOpen"
	FailureBacklogWriteback FailureKind = "backlogWriteback"
	FailureTimeout          FailureKind = "timeout"
)

// Context is the fully-resolved attempt context handed down by the
// Scheduler (spec §4.4 DispatchContext / §4.5 "contract with the
// scheduler").
type Context struct {
	TargetID      string
	RepositoryURL string
	DefaultBranch string
	Task          policy.Task
	Policy        policy.Policy
	AttemptID     string
	AttemptNumber int
	AlreadyCreated bool // true if the scheduler already emitted attempt.created
}

// Editor applies a task-specific edit to a checked-out working copy,
// restricted to task.AllowedPaths, and reports which paths it touched. It
// is an external collaborator per spec §1 — the worker does not know or
// care how an edit is produced (doc generator, test generator, or a coding
// agent), only that it returns a list of changed paths to re-verify and
// stage.
type Editor interface {
	Apply(ctx context.Context, workdir string, task policy.Task) (changedPaths []string, err error)
}

// Git is the narrow set of git operations the worker needs, factored out
// for testability. The production implementation shells out to the git
// binary the way the teacher's controller.cloneRepository does.
type Git interface {
	ShallowClone(ctx context.Context, cloneURL, branch, dir string) error
	CheckoutDetached(ctx context.Context, dir, commit string) error
	CreateBranch(ctx context.Context, dir, branch string) error
	StageForced(ctx context.Context, dir string, paths []string) error
	Commit(ctx context.Context, dir, message string) (headCommit string, err error)
	Push(ctx context.Context, dir, branch string) error
}

// PRHost opens or reuses a pull request against a target.
type PRHost interface {
	FindOpenByHeadBranch(ctx context.Context, target Context, branch string) (*PullRequest, error)
	Create(ctx context.Context, target Context, branch, title, body string) (*PullRequest, error)
}

// PullRequest mirrors the fields the worker needs back from a PRHost call.
type PullRequest struct {
	Number      int
	URL         string
	BranchName  string
	BaseBranch  string
	HeadCommit  string
}

// BundleSubmitter submits accumulated events to the control-plane API
// (spec §4.5 "bundle submission").
type BundleSubmitter interface {
	Submit(ctx context.Context, bundle journal.Bundle) error
}

// TokenSource obtains a short-lived, scoped credential for cloning and
// pushing. The production implementation wraps github.TokenManager.
type TokenSource interface {
	Token() (string, error)
}

// tokenManagerAdapter satisfies TokenSource with a *github.TokenManager.
type tokenManagerAdapter struct{ tm *github.TokenManager }

func (a tokenManagerAdapter) Token() (string, error) { return a.tm.Token() }

// NewTokenSource adapts a github.TokenManager into a worker.TokenSource.
func NewTokenSource(tm *github.TokenManager) TokenSource { return tokenManagerAdapter{tm: tm} }

// Worker runs exactly one attempt to a terminal outcome.
type Worker struct {
	logger    *zap.Logger
	git       Git
	editor    Editor
	prHost    PRHost
	bundler   BundleSubmitter
	tokens    TokenSource
	scratchRoot string
	agentBranchPrefix string
	nowFunc   func() time.Time
	audit     *audit.Recorder
	artifacts *artifact.Store
}

// New constructs a Worker. scratchRoot is the base directory under which
// each attempt gets its own deterministic scratch directory; a sibling
// "_artifacts" directory under it backs crash-artifact storage (spec
// §4.5, §6.6).
func New(logger *zap.Logger, git Git, editor Editor, prHost PRHost, bundler BundleSubmitter, tokens TokenSource, scratchRoot, agentBranchPrefix string) *Worker {
	artifacts, err := artifact.New(filepath.Join(scratchRoot, "_artifacts"))
	if err != nil {
		logger.Warn("artifact store unavailable, crash artifacts will not be persisted", zap.Error(err))
	}
	return &Worker{
		logger:    logger,
		git:       git,
		editor:    editor,
		prHost:    prHost,
		bundler:   bundler,
		tokens:    tokens,
		scratchRoot: scratchRoot,
		agentBranchPrefix: agentBranchPrefix,
		nowFunc:   time.Now,
		audit:     audit.NewRecorder(logger),
		artifacts: artifacts,
	}
}

// Outcome is the worker's terminal result.
type Outcome struct {
	Phase       Phase
	FailureKind FailureKind // zero value if Phase == PhaseSucceeded
	ErrorSummary string
	PR          *PullRequest
}

// Run executes the full lifecycle for attemptCtx, honoring a hard timeout
// of attemptCtx.Policy.AttemptTimeoutSeconds (spec §4.5 "Timeout"). It
// always attempts to submit whatever events were accumulated, even on a
// failure path, before returning.
func (w *Worker) Run(ctx context.Context, attemptCtx Context) Outcome {
	timeout := time.Duration(attemptCtx.Policy.AttemptTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := &attemptRun{
		worker:  w,
		ctx:     attemptCtx,
		events:  nil,
		workdir: filepath.Join(w.scratchRoot, attemptCtx.AttemptID),
	}
	outcome := run.execute(ctx)
	// Only reclassify a failure the context itself actually caused
	// (tracked via failErr as steps fail) — ctx.Err() being set by the
	// time execute returns doesn't mean the in-flight step's own failure
	// (e.g. a scope violation or bad credential) was caused by it; those
	// must keep their real FailureKind even if a SIGTERM or deadline
	// happened to land in the same instant.
	switch {
	case outcome.Phase != PhaseSucceeded && errors.Is(run.contextCause, context.DeadlineExceeded):
		outcome = run.reclassifyAsTimeout(outcome)
	case outcome.Phase != PhaseSucceeded && errors.Is(run.contextCause, context.Canceled):
		outcome = run.reclassifyAsCancelled(outcome)
	}

	if err := w.submit(context.Background(), attemptCtx, run.events); err != nil {
		w.logger.Error("bundle submission failed after retries",
			zap.String("attemptId", attemptCtx.AttemptID), zap.Error(err))
		run.writeCrashArtifact(err)
	}
	return outcome
}

// attemptRun holds the mutable state for a single Run invocation.
type attemptRun struct {
	worker  *Worker
	ctx     Context
	events  []journal.Event
	workdir string

	// contextCause is set by failErr when a step's own error actually
	// wraps ctx.Err(), distinguishing "the context itself killed this
	// step" from "this step failed for its own reason, and the context
	// happened to also be done by the time Run inspects it."
	contextCause error
}

func (r *attemptRun) execute(ctx context.Context) Outcome {
	w := r.worker

	// Step 1: Created.
	if !r.ctx.AlreadyCreated {
		r.emit(journal.EventAttemptCreated, map[string]interface{}{
			"attemptId":     r.ctx.AttemptID,
			"taskId":        r.ctx.Task.ID,
			"targetId":      r.ctx.TargetID,
			"attemptNumber": r.ctx.AttemptNumber,
		})
	}

	// Step 2: Started.
	r.emit(journal.EventAttemptStarted, map[string]interface{}{
		"attemptId": r.ctx.AttemptID,
	})

	// Step 3: Cloning.
	headCommit, failOutcome := r.clone(ctx)
	if failOutcome != nil {
		return *failOutcome
	}

	// Step 4: Executing.
	changedPaths, failOutcome := r.executeEdit(ctx)
	if failOutcome != nil {
		return *failOutcome
	}
	if len(changedPaths) == 0 {
		return r.fail(FailureExecute, "editor made no changes within allowedPaths")
	}

	// Step 5: Committing.
	commitSHA, failOutcome := r.commit(ctx, changedPaths, headCommit)
	if failOutcome != nil {
		return *failOutcome
	}

	// Step 6: Pushing.
	branch := fmt.Sprintf("%s%s-%s", w.agentBranchPrefix, r.ctx.Task.ID, r.ctx.AttemptID)
	if err := w.git.CreateBranch(ctx, r.workdir, branch); err != nil {
		return r.failErr(FailurePush, err)
	}
	if err := w.git.Push(ctx, r.workdir, branch); err != nil {
		return r.failErr(FailurePush, err)
	}

	// Step 7: OpeningPR.
	pr, failOutcome := r.openPR(ctx, branch, commitSHA)
	if failOutcome != nil {
		return *failOutcome
	}

	// Step 8: WritingBackBacklog.
	if failOutcome := r.writeBackBacklog(ctx, branch); failOutcome != nil {
		return *failOutcome
	}

	// Step 9: Succeeded.
	r.emit(journal.EventPRCreated, map[string]interface{}{
		"attemptId":  r.ctx.AttemptID,
		"targetId":   r.ctx.TargetID,
		"prNumber":   pr.Number,
		"url":        pr.URL,
		"branchName": pr.BranchName,
		"baseBranch": pr.BaseBranch,
		"headCommit": pr.HeadCommit,
	})
	r.emit(journal.EventAttemptSucceeded, map[string]interface{}{
		"attemptId": r.ctx.AttemptID,
	})
	return Outcome{Phase: PhaseSucceeded, PR: pr}
}

func (r *attemptRun) emit(t journal.EventType, payload map[string]interface{}) {
	r.events = append(r.events, journal.Event{
		EventID:   uuid.NewString(),
		EventType: t,
		Timestamp: r.worker.nowFunc().UTC(),
		ActorID:   "worker:" + r.ctx.AttemptID,
		Payload:   payload,
	})
}

// fail emits the terminal Failed{kind} event and returns the Outcome.
func (r *attemptRun) fail(kind FailureKind, summary string) Outcome {
	r.emit(journal.EventAttemptFailed, map[string]interface{}{
		"attemptId":    r.ctx.AttemptID,
		"failureKind":  string(kind),
		"errorSummary": summary,
	})
	return Outcome{Phase: PhaseFailed, FailureKind: kind, ErrorSummary: summary}
}

// failErr is fail's counterpart for steps whose failure originates from
// an actual error value rather than a literal message. It records err on
// the run when it wraps the context's own cancellation, so Run can tell
// a context-caused failure apart from an unrelated one that merely
// landed after ctx was done.
func (r *attemptRun) failErr(kind FailureKind, err error) Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.contextCause = err
	}
	return r.fail(kind, err.Error())
}

// reclassifyAsTimeout overrides a terminal failure with FailureTimeout
// when the attempt's own deadline actually fired (spec §4.5 "Timeout",
// §7): whatever step was in flight otherwise surfaces its own generic
// kind (e.g. clone or push), masking the real cause. The already-emitted
// Failed event is patched in place so the submitted bundle agrees with
// the returned Outcome.
func (r *attemptRun) reclassifyAsTimeout(outcome Outcome) Outcome {
	outcome.FailureKind = FailureTimeout
	outcome.ErrorSummary = "attempt exceeded its timeout"
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType == journal.EventAttemptFailed {
			r.events[i].Payload["failureKind"] = string(FailureTimeout)
			r.events[i].Payload["errorSummary"] = outcome.ErrorSummary
			break
		}
	}
	return outcome
}

// reclassifyAsCancelled overrides a terminal outcome with Cancelled when
// Run's context was externally canceled (spec §5: "a cancel signal
// delivered to a worker ... the worker must still attempt to emit a
// terminal event (cancelled) before exit"), rather than the attempt's own
// timeout firing. Whatever Failed event execute() emitted on its way out
// is patched in place into attempt.cancelled; if no such event exists —
// cancellation landed between steps with nothing yet emitted — a fresh
// one is appended.
func (r *attemptRun) reclassifyAsCancelled(outcome Outcome) Outcome {
	cancelled := Outcome{Phase: PhaseCancelled, ErrorSummary: "attempt canceled before completion"}

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType == journal.EventAttemptFailed {
			r.events[i].EventType = journal.EventAttemptCancelled
			r.events[i].Payload = map[string]interface{}{"attemptId": r.ctx.AttemptID}
			return cancelled
		}
	}
	r.emit(journal.EventAttemptCancelled, map[string]interface{}{"attemptId": r.ctx.AttemptID})
	return cancelled
}

func (w *Worker) submit(ctx context.Context, attemptCtx Context, events []journal.Event) error {
	if len(events) == 0 {
		return nil
	}
	bundle := journal.Bundle{
		Target:   attemptCtx.TargetID,
		BundleID: uuid.NewString(),
		Events:   events,
	}
	return submitWithBackoff(ctx, w.bundler, bundle)
}

// writeCrashArtifact persists the attempt's last-known state and
// pending bundle payload after bundle submission has exhausted its
// retries (spec §4.5, "writing a local crash artifact"), so the
// unsubmitted events are recoverable from the content-addressed store
// rather than lost with the worker's scratch directory.
func (r *attemptRun) writeCrashArtifact(cause error) {
	if r.worker.artifacts == nil {
		return
	}
	eventsJSON, err := json.Marshal(r.events)
	if err != nil {
		eventsJSON = []byte("null")
	}
	doc := fmt.Sprintf(`{"attemptId":%q,"targetId":%q,"error":%q,"pendingEvents":%s}`,
		r.ctx.AttemptID, r.ctx.TargetID, cause.Error(), eventsJSON)

	ref, err := r.worker.artifacts.Put(context.Background(), "crash", "application/json", []byte(doc))
	if err != nil {
		r.worker.logger.Error("failed to persist crash artifact",
			zap.String("attemptId", r.ctx.AttemptID), zap.Error(err))
		return
	}
	r.worker.logger.Warn("wrote crash artifact",
		zap.String("attemptId", r.ctx.AttemptID), zap.String("sha256", ref.SHA256))
}

