// Package provisioner adapts a worker attempt into a transient GCP
// Compute Engine instance: one VM per attempt, booted with the
// resolved dispatch context baked into its metadata, torn down by the
// worker itself on exit (or by Reap for anything left behind).
package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/leviathan-agent/leviathan/internal/scheduler"
)

// GCPLauncher implements scheduler.Dispatcher by creating one
// preemptible Compute Engine instance per attempt. It authenticates
// with ambient gcloud credentials unless a service account key is
// configured.
type GCPLauncher struct {
	project           string
	zone              string
	machineType       string
	workerImage       string
	network           string
	serviceAccountKey string
}

// LauncherConfig configures a GCPLauncher.
type LauncherConfig struct {
	Project           string
	Zone              string
	MachineType       string // default: e2-standard-4
	WorkerImage       string // container-optimized image running the worker binary
	Network           string // default: default
	ServiceAccountKey string // path to SA JSON key; empty = ambient credentials
}

// NewGCPLauncher builds a GCPLauncher from cfg, filling in defaults for
// fields left blank.
func NewGCPLauncher(cfg LauncherConfig) (*GCPLauncher, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("provisioner: project is required")
	}
	if cfg.Zone == "" {
		cfg.Zone = "us-central1-a"
	}
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-standard-4"
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	return &GCPLauncher{
		project:           cfg.Project,
		zone:              cfg.Zone,
		machineType:       cfg.MachineType,
		workerImage:       cfg.WorkerImage,
		network:           cfg.Network,
		serviceAccountKey: cfg.ServiceAccountKey,
	}, nil
}

func (l *GCPLauncher) setCredentialEnv(cmd *exec.Cmd) {
	if l.serviceAccountKey == "" {
		return
	}
	cmd.Env = append(cmd.Environ(),
		"GOOGLE_APPLICATION_CREDENTIALS="+l.serviceAccountKey,
		"CLOUDSDK_AUTH_CREDENTIAL_FILE_OVERRIDE="+l.serviceAccountKey,
	)
}

func instanceName(attemptID string) string {
	name := "leviathan-" + strings.ToLower(attemptID)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

// Dispatch implements scheduler.Dispatcher: it launches exactly one
// preemptible worker VM carrying the fully-resolved DispatchContext in
// its instance metadata, and does not wait for the worker to finish
// (spec §4.4 step 8).
func (l *GCPLauncher) Dispatch(ctx context.Context, attempt scheduler.DispatchContext) error {
	payload, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal dispatch context: %w", err)
	}

	args := []string{
		"compute", "instances", "create", instanceName(attempt.AttemptID),
		"--project", l.project,
		"--zone", l.zone,
		"--machine-type", l.machineType,
		"--network", l.network,
		"--provisioning-model", "SPOT",
		"--instance-termination-action", "DELETE",
		"--container-image", l.workerImage,
		"--metadata", "leviathan-dispatch=" + string(payload),
		"--labels", "leviathan-attempt=" + strings.ToLower(attempt.AttemptID),
	}

	cmd := exec.CommandContext(ctx, "gcloud", args...)
	l.setCredentialEnv(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("gcloud compute instances create failed: %w: %s", err, stderr.String())
	}
	return nil
}

// Reap deletes any worker VM still running for an attempt, used when
// an attempt is invalidated or its lease expires without the worker
// having cleaned up after itself.
func (l *GCPLauncher) Reap(ctx context.Context, attemptID string) error {
	args := []string{
		"compute", "instances", "delete", instanceName(attemptID),
		"--project", l.project,
		"--zone", l.zone,
		"--quiet",
	}
	cmd := exec.CommandContext(ctx, "gcloud", args...)
	l.setCredentialEnv(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "was not found") {
			return nil
		}
		return fmt.Errorf("gcloud compute instances delete failed: %w: %s", err, stderr.String())
	}
	return nil
}
