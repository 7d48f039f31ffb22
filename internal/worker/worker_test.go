package worker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/leviathan-agent/leviathan/internal/artifact"
	"github.com/leviathan-agent/leviathan/internal/journal"
	"github.com/leviathan-agent/leviathan/internal/policy"
)

type fakeGit struct {
	cloneErr error
	pushErr  error
	commits  []string
	branches []string
	pushed   []string

	// blockUntilDone makes ShallowClone block on ctx instead of
	// returning immediately, to exercise Run's timeout and cancellation
	// reclassification.
	blockUntilDone bool
}

func (g *fakeGit) ShallowClone(ctx context.Context, cloneURL, branch, dir string) error {
	if g.cloneErr != nil {
		return g.cloneErr
	}
	if g.blockUntilDone {
		<-ctx.Done()
		return ctx.Err()
	}
	return os.MkdirAll(dir, 0o755)
}
func (g *fakeGit) CheckoutDetached(ctx context.Context, dir, commit string) error { return nil }
func (g *fakeGit) CreateBranch(ctx context.Context, dir, branch string) error {
	g.branches = append(g.branches, branch)
	return nil
}
func (g *fakeGit) StageForced(ctx context.Context, dir string, paths []string) error { return nil }
func (g *fakeGit) Commit(ctx context.Context, dir, message string) (string, error) {
	g.commits = append(g.commits, message)
	return fmt.Sprintf("sha-%d", len(g.commits)), nil
}
func (g *fakeGit) Push(ctx context.Context, dir, branch string) error {
	if g.pushErr != nil {
		return g.pushErr
	}
	g.pushed = append(g.pushed, branch)
	return nil
}

type fakeEditor struct {
	changed []string
	err     error
}

func (e *fakeEditor) Apply(ctx context.Context, workdir string, task policy.Task) ([]string, error) {
	return e.changed, e.err
}

type fakePRHost struct {
	existing *PullRequest
	created  *PullRequest
}

func (h *fakePRHost) FindOpenByHeadBranch(ctx context.Context, target Context, branch string) (*PullRequest, error) {
	return h.existing, nil
}
func (h *fakePRHost) Create(ctx context.Context, target Context, branch, title, body string) (*PullRequest, error) {
	if h.created == nil {
		h.created = &PullRequest{Number: 1, URL: "https://example.invalid/pr/1", BranchName: branch, BaseBranch: target.DefaultBranch}
	}
	return h.created, nil
}

type fakeBundler struct {
	bundles []journal.Bundle
	err     error
}

func (b *fakeBundler) Submit(ctx context.Context, bundle journal.Bundle) error {
	if b.err != nil {
		return b.err
	}
	b.bundles = append(b.bundles, bundle)
	return nil
}

type fakeTokenSource struct{ token string }

func (t fakeTokenSource) Token() (string, error) { return t.token, nil }

func testPolicy() policy.Policy {
	return policy.Policy{
		AllowedPathPrefixes:   []string{"docs/"},
		AttemptTimeoutSeconds: 60,
	}
}

func testTask() policy.Task {
	return policy.Task{ID: "fix-readme", Title: "Fix readme", AllowedPaths: []string{"docs/README.md"}}
}

func newTestWorker(t *testing.T, git Git, editor Editor, prHost PRHost, bundler BundleSubmitter) *Worker {
	t.Helper()
	scratch := t.TempDir()
	return New(zap.NewNop(), git, editor, prHost, bundler, fakeTokenSource{token: "tok"}, scratch, "agent/")
}

func writeBacklogFixture(t *testing.T, workdir, taskID string) {
	t.Helper()
	dir := filepath.Join(workdir, ".leviathan")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := fmt.Sprintf("tasks:\n  - id: %s\n    title: Fix readme\n    ready: true\n    status: pending\n    allowedPaths: [\"docs/README.md\"]\n", taskID)
	if err := os.WriteFile(filepath.Join(dir, "backlog.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerHappyPathSucceeds(t *testing.T) {
	git := &fakeGit{}
	editor := &fakeEditor{changed: []string{"docs/README.md"}}
	prHost := &fakePRHost{}
	bundler := &fakeBundler{}
	w := newTestWorker(t, git, editor, prHost, bundler)

	attemptCtx := Context{
		TargetID:      "demo",
		RepositoryURL: "https://github.com/acme/demo.git",
		DefaultBranch: "main",
		Task:          testTask(),
		Policy:        testPolicy(),
		AttemptID:     "a1",
		AttemptNumber: 1,
	}

	// The worker computes its own scratch dir from scratchRoot+attemptId;
	// pre-create the backlog fixture there before Run clones into it,
	// since fakeGit.ShallowClone only creates the directory itself.
	wd := filepath.Join(w.scratchRoot, attemptCtx.AttemptID)
	if err := os.MkdirAll(wd, 0o755); err != nil {
		t.Fatal(err)
	}
	writeBacklogFixture(t, wd, attemptCtx.Task.ID)

	outcome := w.Run(context.Background(), attemptCtx)

	if outcome.Phase != PhaseSucceeded {
		t.Fatalf("expected success, got phase=%s kind=%s summary=%s", outcome.Phase, outcome.FailureKind, outcome.ErrorSummary)
	}
	if outcome.PR == nil || outcome.PR.Number != 1 {
		t.Fatalf("expected PR to be returned, got %+v", outcome.PR)
	}
	if len(bundler.bundles) != 1 {
		t.Fatalf("expected exactly one bundle submitted, got %d", len(bundler.bundles))
	}
	var sawSucceeded bool
	for _, e := range bundler.bundles[0].Events {
		if e.EventType == journal.EventAttemptSucceeded {
			sawSucceeded = true
		}
	}
	if !sawSucceeded {
		t.Error("expected attempt.succeeded event in submitted bundle")
	}
}

func TestWorkerScopeViolationFailsWithoutPush(t *testing.T) {
	git := &fakeGit{}
	editor := &fakeEditor{changed: []string{"src/main.go"}} // outside allowedPathPrefixes
	prHost := &fakePRHost{}
	bundler := &fakeBundler{}
	w := newTestWorker(t, git, editor, prHost, bundler)

	attemptCtx := Context{
		TargetID:      "demo",
		RepositoryURL: "https://github.com/acme/demo.git",
		DefaultBranch: "main",
		Task:          testTask(),
		Policy:        testPolicy(),
		AttemptID:     "a2",
	}

	outcome := w.Run(context.Background(), attemptCtx)

	if outcome.Phase != PhaseFailed || outcome.FailureKind != FailureScopeViolation {
		t.Fatalf("expected scopeViolation failure, got %+v", outcome)
	}
	if len(git.pushed) != 0 {
		t.Error("expected no push on scope violation")
	}
}

// TestWorkerScopeViolationSurvivesConcurrentCancellation guards against
// reclassification swallowing a real failure kind: if the caller's
// context happens to already be canceled by the time a step fails for
// its own, unrelated reason (here, a scope violation), Run must not
// relabel it as Cancelled — only a failure the context itself actually
// caused should be reclassified.
func TestWorkerScopeViolationSurvivesConcurrentCancellation(t *testing.T) {
	git := &fakeGit{}
	editor := &fakeEditor{changed: []string{"src/main.go"}} // outside allowedPathPrefixes
	prHost := &fakePRHost{}
	bundler := &fakeBundler{}
	w := newTestWorker(t, git, editor, prHost, bundler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already done before Run even starts

	outcome := w.Run(ctx, Context{
		TargetID:      "demo",
		RepositoryURL: "https://github.com/acme/demo.git",
		DefaultBranch: "main",
		Task:          testTask(),
		Policy:        testPolicy(),
		AttemptID:     "a8",
	})

	if outcome.Phase != PhaseFailed || outcome.FailureKind != FailureScopeViolation {
		t.Fatalf("expected the real scopeViolation failure to survive a concurrently canceled context, got %+v", outcome)
	}

	var sawFailed bool
	for _, e := range bundler.bundles[0].Events {
		if e.EventType == journal.EventAttemptFailed && e.Payload["failureKind"] == string(FailureScopeViolation) {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("expected the submitted bundle to still carry the scopeViolation attempt.failed event, not attempt.cancelled")
	}
}

func TestWorkerCloneFailureReportsCloneKind(t *testing.T) {
	git := &fakeGit{cloneErr: fmt.Errorf("host unreachable")}
	editor := &fakeEditor{}
	prHost := &fakePRHost{}
	bundler := &fakeBundler{}
	w := newTestWorker(t, git, editor, prHost, bundler)

	outcome := w.Run(context.Background(), Context{
		TargetID:      "demo",
		RepositoryURL: "https://github.com/acme/demo.git",
		DefaultBranch: "main",
		Task:          testTask(),
		Policy:        testPolicy(),
		AttemptID:     "a3",
	})

	if outcome.Phase != PhaseFailed || outcome.FailureKind != FailureClone {
		t.Fatalf("expected clone failure, got %+v", outcome)
	}
}

func TestWorkerReusesExistingPROnConflict(t *testing.T) {
	git := &fakeGit{}
	editor := &fakeEditor{changed: []string{"docs/README.md"}}
	existing := &PullRequest{Number: 42, URL: "https://example.invalid/pr/42", BranchName: "agent/fix-readme-a4", BaseBranch: "main"}
	prHost := &fakePRHost{existing: existing}
	bundler := &fakeBundler{}
	w := newTestWorker(t, git, editor, prHost, bundler)

	attemptCtx := Context{
		TargetID:      "demo",
		RepositoryURL: "https://github.com/acme/demo.git",
		DefaultBranch: "main",
		Task:          testTask(),
		Policy:        testPolicy(),
		AttemptID:     "a4",
	}
	wd := filepath.Join(w.scratchRoot, attemptCtx.AttemptID)
	if err := os.MkdirAll(wd, 0o755); err != nil {
		t.Fatal(err)
	}
	writeBacklogFixture(t, wd, attemptCtx.Task.ID)

	outcome := w.Run(context.Background(), attemptCtx)

	if outcome.Phase != PhaseSucceeded {
		t.Fatalf("expected success reusing existing PR, got %+v", outcome)
	}
	if outcome.PR.Number != 42 {
		t.Fatalf("expected reused PR #42, got #%d", outcome.PR.Number)
	}
}

func TestWorkerPersistsCrashArtifactWhenBundleSubmissionFails(t *testing.T) {
	git := &fakeGit{}
	editor := &fakeEditor{changed: []string{"docs/README.md"}}
	prHost := &fakePRHost{}
	bundler := &fakeBundler{err: fmt.Errorf("control plane unreachable")}
	w := newTestWorker(t, git, editor, prHost, bundler)

	attemptCtx := Context{
		TargetID:      "demo",
		RepositoryURL: "https://github.com/acme/demo.git",
		DefaultBranch: "main",
		Task:          testTask(),
		Policy:        testPolicy(),
		AttemptID:     "a5",
	}
	wd := filepath.Join(w.scratchRoot, attemptCtx.AttemptID)
	if err := os.MkdirAll(wd, 0o755); err != nil {
		t.Fatal(err)
	}
	writeBacklogFixture(t, wd, attemptCtx.Task.ID)

	outcome := w.Run(context.Background(), attemptCtx)
	if outcome.Phase != PhaseSucceeded {
		t.Fatalf("expected the attempt itself to still succeed, got %+v", outcome)
	}

	store, err := artifact.New(filepath.Join(w.scratchRoot, "_artifacts"))
	if err != nil {
		t.Fatalf("artifact.New: %v", err)
	}

	var found []byte
	err = filepath.WalkDir(filepath.Join(w.scratchRoot, "_artifacts"), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		digest := filepath.Base(filepath.Dir(path)) + filepath.Base(path)
		content, getErr := store.Get(context.Background(), journal.ArtifactRef{SHA256: digest})
		if getErr != nil {
			return getErr
		}
		found = content
		return nil
	})
	if err != nil {
		t.Fatalf("walking artifact store: %v", err)
	}
	if found == nil {
		t.Fatal("expected a crash artifact to have been written")
	}
	if !strings.Contains(string(found), `"attemptId":"a5"`) {
		t.Errorf("expected crash artifact to reference the attempt id, got %s", found)
	}
}

func TestWorkerReclassifiesDeadlineExceededAsTimeout(t *testing.T) {
	git := &fakeGit{blockUntilDone: true}
	editor := &fakeEditor{}
	prHost := &fakePRHost{}
	bundler := &fakeBundler{}
	w := newTestWorker(t, git, editor, prHost, bundler)

	pol := testPolicy()
	pol.AttemptTimeoutSeconds = 1

	outcome := w.Run(context.Background(), Context{
		TargetID:      "demo",
		RepositoryURL: "https://github.com/acme/demo.git",
		DefaultBranch: "main",
		Task:          testTask(),
		Policy:        pol,
		AttemptID:     "a6",
	})

	if outcome.Phase != PhaseFailed || outcome.FailureKind != FailureTimeout {
		t.Fatalf("expected a timeout failure, got %+v", outcome)
	}

	if len(bundler.bundles) != 1 {
		t.Fatalf("expected exactly one bundle submitted, got %d", len(bundler.bundles))
	}
	var sawTimeout bool
	for _, e := range bundler.bundles[0].Events {
		if e.EventType == journal.EventAttemptFailed && e.Payload["failureKind"] == string(FailureTimeout) {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Error("expected the submitted bundle's attempt.failed event to carry failureKind=timeout")
	}
}

func TestWorkerEmitsCancelledOnExternalCancellation(t *testing.T) {
	git := &fakeGit{blockUntilDone: true}
	editor := &fakeEditor{}
	prHost := &fakePRHost{}
	bundler := &fakeBundler{}
	w := newTestWorker(t, git, editor, prHost, bundler)

	pol := testPolicy()
	pol.AttemptTimeoutSeconds = 600 // long enough that only the caller's cancel fires

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome := w.Run(ctx, Context{
		TargetID:      "demo",
		RepositoryURL: "https://github.com/acme/demo.git",
		DefaultBranch: "main",
		Task:          testTask(),
		Policy:        pol,
		AttemptID:     "a7",
	})

	if outcome.Phase != PhaseCancelled {
		t.Fatalf("expected a cancelled outcome, got %+v", outcome)
	}

	if len(bundler.bundles) != 1 {
		t.Fatalf("expected exactly one bundle submitted, got %d", len(bundler.bundles))
	}
	var sawCancelled bool
	for _, e := range bundler.bundles[0].Events {
		if e.EventType == journal.EventAttemptCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Error("expected the submitted bundle to carry an attempt.cancelled event")
	}
}
