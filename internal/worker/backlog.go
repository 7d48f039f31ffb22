package worker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leviathan-agent/leviathan/internal/policy"
)

// backlogDoc mirrors the subset of .leviathan/backlog.yaml the worker
// needs to rewrite in place. The rewrite is a typed round-trip, so fields
// outside backlogDoc and policy.Task are dropped. The backlog schema
// (internal/policy/schema.go) rejects such fields only in strict mode,
// when the document declares a schemaVersion.
type backlogDoc struct {
	SchemaVersion string        `yaml:"schemaVersion,omitempty"`
	Tasks         []policy.Task `yaml:"tasks"`
}

// updateBacklogCompletion implements spec §4.5 step 8: mark taskID
// completed, not ready, and stamp it with attempt metadata, in the
// backlog file at path.
func updateBacklogCompletion(path, taskID, attemptID, branch string, completedAt time.Time) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("worker: reading backlog for writeback: %w", err)
	}

	var doc backlogDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("worker: parsing backlog for writeback: %w", err)
	}

	found := false
	for i := range doc.Tasks {
		if doc.Tasks[i].ID != taskID {
			continue
		}
		doc.Tasks[i].Status = "completed"
		doc.Tasks[i].Ready = false
		doc.Tasks[i].Attempts = append(doc.Tasks[i].Attempts, policy.AttemptMetadata{
			AttemptID:   attemptID,
			Branch:      branch,
			CompletedAt: completedAt.Format(time.RFC3339),
		})
		found = true
		break
	}
	if !found {
		return fmt.Errorf("worker: task %q not found in backlog during writeback", taskID)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("worker: re-marshaling backlog for writeback: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
