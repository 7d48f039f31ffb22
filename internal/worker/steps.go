package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/leviathan-agent/leviathan/internal/policy"
)

// clone implements step 3 (spec §4.5): shallow clone at the base branch.
// No detached checkout is made, since a fresh shallow clone of the branch
// tip already leaves HEAD there, and the returned head commit is always
// empty.
func (r *attemptRun) clone(ctx context.Context) (headCommit string, failure *Outcome) {
	w := r.worker

	token, err := w.tokens.Token()
	if err != nil {
		o := r.failErr(FailureAuth, err)
		return "", &o
	}
	cloneURL, err := tokenEmbeddedURL(r.ctx.RepositoryURL, token)
	if err != nil {
		o := r.failErr(FailureAuth, err)
		return "", &o
	}

	if err := w.git.ShallowClone(ctx, cloneURL, r.ctx.DefaultBranch, r.workdir); err != nil {
		o := r.failErr(FailureClone, err)
		return "", &o
	}
	return "", nil
}

// tokenEmbeddedURL rewrites repoURL into the
// https://<tokenUser>:<token>@host/owner/repo.git shape required by
// spec §4.5 step 3.
func tokenEmbeddedURL(repoURL, token string) (string, error) {
	if !strings.HasPrefix(repoURL, "https://") {
		return "", fmt.Errorf("worker: repository URL must use https, got %q", repoURL)
	}
	rest := strings.TrimPrefix(repoURL, "https://")
	return fmt.Sprintf("https://x-access-token:%s@%s", token, rest), nil
}

// executeEdit implements step 4: apply the editor, then re-verify boundary-
// safe scope for every changed path before allowing staging.
func (r *attemptRun) executeEdit(ctx context.Context) ([]string, *Outcome) {
	changed, err := r.worker.editor.Apply(ctx, r.workdir, r.ctx.Task)
	if err != nil {
		o := r.failErr(FailureExecute, err)
		return nil, &o
	}
	for _, p := range changed {
		if !policy.IsPathWithinPolicy(p, r.ctx.Policy) {
			o := r.fail(FailureScopeViolation, fmt.Sprintf("editor modified out-of-scope path %q", p))
			return nil, &o
		}
	}
	r.worker.audit.RecordPaths(r.ctx.AttemptID, r.ctx.TargetID, changed)
	return changed, nil
}

// commit implements step 5: stage only the allowed changed paths (forced,
// in case any is gitignored) and commit with a deterministic message.
func (r *attemptRun) commit(ctx context.Context, changedPaths []string, _ string) (string, *Outcome) {
	w := r.worker
	if err := w.git.StageForced(ctx, r.workdir, changedPaths); err != nil {
		o := r.failErr(FailurePush, err)
		return "", &o
	}
	msg := fmt.Sprintf("leviathan: %s (attempt %s)", r.ctx.Task.ID, r.ctx.AttemptID)
	sha, err := w.git.Commit(ctx, r.workdir, msg)
	if err != nil {
		o := r.failErr(FailurePush, err)
		return "", &o
	}
	return sha, nil
}

// openPR implements step 7: create a PR, or reuse one already open against
// the same head branch (spec §4.5 step 7, §7 "recovers from Conflict on PR
// open by reusing an existing PR").
func (r *attemptRun) openPR(ctx context.Context, branch, headCommit string) (*PullRequest, *Outcome) {
	w := r.worker

	existing, err := w.prHost.FindOpenByHeadBranch(ctx, r.ctx, branch)
	if err != nil {
		o := r.failErr(FailurePROpen, err)
		return nil, &o
	}
	if existing != nil {
		return existing, nil
	}

	title := fmt.Sprintf("%s: %s", r.ctx.Task.ID, r.ctx.Task.Title)
	body := fmt.Sprintf("Automated change for task %s (attempt %s).", r.ctx.Task.ID, r.ctx.AttemptID)
	pr, err := w.prHost.Create(ctx, r.ctx, branch, title, body)
	if err != nil {
		o := r.failErr(FailurePROpen, err)
		return nil, &o
	}
	return pr, nil
}

// writeBackBacklog implements step 8: a second commit updating
// .leviathan/backlog.yaml to mark the task completed, then push again.
func (r *attemptRun) writeBackBacklog(ctx context.Context, branch string) *Outcome {
	w := r.worker

	path := r.workdir + "/.leviathan/backlog.yaml"
	if err := updateBacklogCompletion(path, r.ctx.Task.ID, r.ctx.AttemptID, branch, w.nowFunc().UTC()); err != nil {
		o := r.failErr(FailureBacklogWriteback, err)
		return &o
	}
	if err := w.git.StageForced(ctx, r.workdir, []string{".leviathan/backlog.yaml"}); err != nil {
		o := r.failErr(FailureBacklogWriteback, err)
		return &o
	}
	msg := fmt.Sprintf("leviathan: mark %s completed (attempt %s)", r.ctx.Task.ID, r.ctx.AttemptID)
	if _, err := w.git.Commit(ctx, r.workdir, msg); err != nil {
		o := r.failErr(FailureBacklogWriteback, err)
		return &o
	}
	if err := w.git.Push(ctx, r.workdir, branch); err != nil {
		o := r.failErr(FailureBacklogWriteback, err)
		return &o
	}
	return nil
}

