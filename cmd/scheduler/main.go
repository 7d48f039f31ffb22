// Command scheduler runs the periodic per-target tick described in
// spec §4.4, fetching policy and backlog over the GitHub API and
// dispatching worker VMs for selected tasks.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/leviathan-agent/leviathan/internal/autonomy"
	"github.com/leviathan-agent/leviathan/internal/cloud/gcp"
	"github.com/leviathan-agent/leviathan/internal/config"
	"github.com/leviathan-agent/leviathan/internal/ghsource"
	"github.com/leviathan-agent/leviathan/internal/github"
	"github.com/leviathan-agent/leviathan/internal/graph"
	"github.com/leviathan-agent/leviathan/internal/journal"
	"github.com/leviathan-agent/leviathan/internal/logging"
	"github.com/leviathan-agent/leviathan/internal/provisioner"
	"github.com/leviathan-agent/leviathan/internal/scheduler"
)

func main() {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("scheduler exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	viper.SetEnvPrefix("LEVIATHAN")
	viper.AutomaticEnv()
	if cfgFile := os.Getenv("LEVIATHAN_CONFIG"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateForWorker(); err != nil {
		return err
	}

	ctx := context.Background()

	store, err := openStore(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer store.Close()

	g := graph.New()
	projectCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := g.Project(projectCtx, store); err != nil {
		return err
	}

	tokens, err := newGitHubTokenManager(ctx, cfg.GitHub)
	if err != nil {
		return err
	}
	source := ghsource.NewSourceWithTokens(tokens, "", "", cfg.GitHub.AgentBranchPrefix)

	launcher, err := provisioner.NewGCPLauncher(provisioner.LauncherConfig{
		Project:     os.Getenv("LEVIATHAN_GCP_PROJECT"),
		WorkerImage: cfg.Worker.EditorImage,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New(logger, source, source, g, scheduler.NewStoreEmitter(store), launcher, newLease(cfg.Scheduler), autonomy.New(cfg.Autonomy.FilePath, logger))
	if err != nil {
		return err
	}
	sched.SetControlPlaneURL(cfg.ControlPlane.PublicURL)

	for _, t := range cfg.Targets {
		target := scheduler.Target{ID: t.ID, RepositoryURL: t.RepositoryURL, DefaultBranch: t.DefaultBranch}
		if err := sched.AddTarget(target, cfg.Scheduler.TickInterval); err != nil {
			return err
		}
	}

	sched.Start()
	logger.Info("scheduler started", zap.Int("targets", len(cfg.Targets)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
	return sched.Stop()
}

// newLease picks the scheduler's double-dispatch guard for this
// deployment: a no-op when the scheduler runs as a single process, a
// shared redis.Client-backed lease when scheduler.distributed_lease
// opts into running more than one replica (spec §5, §12).
func newLease(cfg config.SchedulerConfig) scheduler.Lease {
	if !cfg.DistributedLease {
		return scheduler.NoopLease{}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return scheduler.NewRedisLease(rdb, "")
}

func openStore(ctx context.Context, cfg config.JournalConfig) (journal.Store, error) {
	if cfg.Backend == "postgres" {
		return journal.NewPGStore(ctx, cfg.PostgresDSN)
	}
	return journal.NewFileStore(cfg.FilePath)
}

// newGitHubTokenManager builds a github.TokenManager whose installation
// tokens ghsource.Source refreshes automatically on expiry, the same
// credential the Worker's TokenSource wraps for clone/push.
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
