// Command worker runs exactly one attempt to a terminal outcome (spec
// §4.5). Its dispatch context arrives as instance metadata on the GCP
// VM the scheduler provisioned for it (internal/provisioner.Dispatch);
// the process exits once the attempt and its bundle submission are
// done.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/leviathan-agent/leviathan/internal/audit"
	"github.com/leviathan-agent/leviathan/internal/cloud/gcp"
	"github.com/leviathan-agent/leviathan/internal/config"
	"github.com/leviathan-agent/leviathan/internal/github"
	"github.com/leviathan-agent/leviathan/internal/logging"
	"github.com/leviathan-agent/leviathan/internal/scheduler"
	"github.com/leviathan-agent/leviathan/internal/worker"
)

func main() {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("worker exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, canceling in-flight attempt", zap.String("signal", sig.String()))
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateForWorker(); err != nil {
		return err
	}

	dispatch, err := readDispatchContext(ctx)
	if err != nil {
		return err
	}

	tokens, err := newGitHubTokenManager(ctx, cfg.GitHub)
	if err != nil {
		return err
	}

	controlPlaneToken, err := resolveSecret(ctx, cfg.ControlPlane.BearerTokenSecret)
	if err != nil {
		return err
	}
	controlPlaneURL := dispatch.ControlPlaneURL
	if controlPlaneURL == "" {
		controlPlaneURL = cfg.ControlPlane.PublicURL
	}

	w := worker.New(
		logger,
		worker.CLIGit{},
		worker.DockerEditor{Image: cfg.Worker.EditorImage, Command: cfg.Worker.EditorCommand, Audit: audit.NewRecorder(logger)},
		worker.NewGitHubPRHost(mustToken(tokens)),
		worker.NewHTTPBundleSubmitter(controlPlaneURL, controlPlaneToken),
		worker.NewTokenSource(tokens),
		cfg.Worker.ScratchRoot,
		cfg.GitHub.AgentBranchPrefix,
	)

	attemptCtx := worker.Context{
		TargetID:       dispatch.Target.ID,
		RepositoryURL:  dispatch.Target.RepositoryURL,
		DefaultBranch:  dispatch.Target.DefaultBranch,
		Task:           dispatch.Task,
		Policy:         dispatch.Policy,
		AttemptID:      dispatch.AttemptID,
		AttemptNumber:  dispatch.AttemptNumber,
		AlreadyCreated: true, // the scheduler already emitted attempt.created before dispatching
	}

	outcome := w.Run(ctx, attemptCtx)
	logger.Info("attempt finished", zap.String("attemptId", dispatch.AttemptID), zap.String("phase", string(outcome.Phase)))
	if outcome.Phase != worker.PhaseSucceeded {
		return fmt.Errorf("attempt %s ended in phase %s: %s", dispatch.AttemptID, outcome.Phase, outcome.ErrorSummary)
	}
	return nil
}

// readDispatchContext fetches the worker's own DispatchContext from
// GCP instance metadata, where internal/provisioner.GCPLauncher.Dispatch
// placed it as the "leviathan-dispatch" attribute.
func readDispatchContext(ctx context.Context) (scheduler.DispatchContext, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://metadata.google.internal/computeMetadata/v1/instance/attributes/leviathan-dispatch", nil)
	if err != nil {
		return scheduler.DispatchContext{}, err
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return scheduler.DispatchContext{}, fmt.Errorf("worker: fetching dispatch context from instance metadata: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return scheduler.DispatchContext{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return scheduler.DispatchContext{}, fmt.Errorf("worker: instance metadata returned %d: %s", resp.StatusCode, body)
	}

	var dispatch scheduler.DispatchContext
	if err := json.Unmarshal(body, &dispatch); err != nil {
		return scheduler.DispatchContext{}, fmt.Errorf("worker: decoding dispatch context: %w", err)
	}
	return dispatch, nil
}

func newGitHubTokenManager(ctx context.Context, cfg config.GitHubConfig) (*github.TokenManager, error) {
	client, err := gcp.NewSecretManagerClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	privateKey, err := client.FetchSecret(ctx, cfg.PrivateKeySecret)
	if err != nil {
		return nil, err
	}
	return github.NewTokenManager(strconv.FormatInt(cfg.AppID, 10), cfg.InstallationID, []byte(privateKey))
}

func mustToken(tm *github.TokenManager) string {
	token, err := tm.Token()
	if err != nil {
		return ""
	}
	return token
}

func resolveSecret(ctx context.Context, value string) (string, error) {
	if value == "" {
		return os.Getenv("LEVIATHAN_CONTROL_PLANE_TOKEN"), nil
	}
	client, err := gcp.NewSecretManagerClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()
	return client.FetchSecret(ctx, value)
}
