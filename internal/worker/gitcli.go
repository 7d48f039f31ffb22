package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/leviathan-agent/leviathan/internal/leverr"
)

// CLIGit shells out to the git binary, grounded on the teacher's
// controller.cloneRepository (exec.CommandContext("git", "clone", ...)).
type CLIGit struct{}

func (CLIGit) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return leverr.New("worker.git", leverr.TransportFailed, fmt.Errorf("git %v: %w", args, err))
	}
	return nil
}

func (g CLIGit) ShallowClone(ctx context.Context, cloneURL, branch, dir string) error {
	return g.run(ctx, "", "clone", "--depth", "1", "--branch", branch, cloneURL, dir)
}

func (g CLIGit) CheckoutDetached(ctx context.Context, dir, commit string) error {
	return g.run(ctx, dir, "checkout", "--detach", commit)
}

func (g CLIGit) CreateBranch(ctx context.Context, dir, branch string) error {
	return g.run(ctx, dir, "checkout", "-b", branch)
}

func (g CLIGit) StageForced(ctx context.Context, dir string, paths []string) error {
	args := append([]string{"add", "-f", "--"}, paths...)
	return g.run(ctx, dir, args...)
}

func (g CLIGit) Commit(ctx context.Context, dir, message string) (string, error) {
	if err := g.run(ctx, dir, "-c", "user.name=leviathan-agent", "-c", "user.email=agent@leviathan.invalid", "commit", "-m", message); err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", leverr.New("worker.git", leverr.TransportFailed, err)
	}
	sha := string(out)
	if n := len(sha); n > 0 && sha[n-1] == '\n' {
		sha = sha[:n-1]
	}
	return sha, nil
}

func (g CLIGit) Push(ctx context.Context, dir, branch string) error {
	return g.run(ctx, dir, "push", "origin", "HEAD:refs/heads/"+branch)
}
