package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/leviathan-agent/leviathan/internal/audit"
	"github.com/leviathan-agent/leviathan/internal/leverr"
	"github.com/leviathan-agent/leviathan/internal/policy"
)

// DockerEditor runs a task-specific editor as a sandboxed container
// against the checked-out workdir, adapted from the teacher's
// controller.runAgentContainer: the only part of that file that survives
// is the container-invocation shape (bind-mount workspace, pass env,
// capture output) — the prompt assembly, memory-signal parsing, and
// multi-adapter dispatch it also did are task-invention machinery this
// system explicitly excludes (spec Non-goals).
type DockerEditor struct {
	Image   string
	Command []string // e.g. {"leviathan-docgen"}; task id and allowedPaths are passed as env
	Audit   *audit.Recorder // optional; nil disables the invocation audit trail
}

func (e DockerEditor) Apply(ctx context.Context, workdir string, task policy.Task) ([]string, error) {
	args := []string{
		"run", "--rm",
		"-v", fmt.Sprintf("%s:/workspace", workdir),
		"-w", "/workspace",
		"-e", "LEVIATHAN_TASK_ID=" + task.ID,
		"-e", "LEVIATHAN_ALLOWED_PATHS=" + strings.Join(task.AllowedPaths, ","),
		e.Image,
	}
	args = append(args, e.Command...)

	if e.Audit != nil {
		e.Audit.RecordEditorCommand(filepath.Base(workdir), strings.Join(append([]string{e.Image}, e.Command...), " "))
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, leverr.New("worker.editor", leverr.InternalError, fmt.Errorf("editor container failed: %w", err))
	}

	return changedPathsSince(ctx, workdir)
}

// changedPathsSince reports the paths git sees as modified or untracked in
// workdir, used to discover what the editor actually touched so step 4 can
// re-verify scope (spec §4.5).
func changedPathsSince(ctx context.Context, workdir string) ([]string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", workdir, "status", "--porcelain").Output()
	if err != nil {
		return nil, leverr.New("worker.editor", leverr.InternalError, err)
	}

	var paths []string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		paths = append(paths, strings.TrimSpace(line[3:]))
	}
	return paths, nil
}
