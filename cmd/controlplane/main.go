// Command controlplane runs the control-plane API server (spec §4.6):
// bundle ingestion, graph projection queries, autonomy status, and
// attempt invalidation, backed by the configured journal and a
// continuously re-projected in-memory graph.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/leviathan-agent/leviathan/internal/cloud/gcp"
	"github.com/leviathan-agent/leviathan/internal/config"
	"github.com/leviathan-agent/leviathan/internal/controlplane"
	"github.com/leviathan-agent/leviathan/internal/graph"
	"github.com/leviathan-agent/leviathan/internal/journal"
	"github.com/leviathan-agent/leviathan/internal/logging"
)

func main() {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("controlplane exited with error", zap.Error(err))
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
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := openStore(context.Background(), cfg.Journal)
	if err != nil {
		return err
	}
	defer store.Close()

	g := graph.New()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := g.Project(ctx, store); err != nil {
		return err
	}

	bearerToken, err := resolveSecret(ctx, cfg.ControlPlane.BearerTokenSecret)
	if err != nil {
		return err
	}

	srv := controlplane.New(logger, store, g, controlplane.Config{
		BearerToken:        bearerToken,
		AutonomyFilePath:   cfg.Autonomy.FilePath,
		CORSAllowedOrigins: cfg.ControlPlane.CORSAllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:         cfg.ControlPlane.ListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("control-plane listening", zap.String("addr", cfg.ControlPlane.ListenAddr))
		serveErr <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func openStore(ctx context.Context, cfg config.JournalConfig) (journal.Store, error) {
	if cfg.Backend == "postgres" {
		return journal.NewPGStore(ctx, cfg.PostgresDSN)
	}
	return journal.NewFileStore(cfg.FilePath)
}

// resolveSecret treats a "projects/" prefixed value as a GCP Secret
// Manager reference and resolves it; anything else is used verbatim,
// which keeps local/dev deployments free of a Secret Manager
// dependency.
func resolveSecret(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, "projects/") {
		return value, nil
	}
	client, err := gcp.NewSecretManagerClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()
	return client.FetchSecret(ctx, value)
}
