// Package config loads operator-facing daemon configuration: where the
// control-plane API binds, how the journal backend is reached, where
// the autonomy file lives, and how to authenticate as a GitHub App.
// Target-repo-owned files (policy.yaml, backlog.yaml) are never routed
// through this package — those are parsed directly with
// gopkg.in/yaml.v3 by internal/policy, matching the split between "my
// config" and "the target's declarative data."
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration, assembled from a config
// file, environment variables (LEVIATHAN_ prefix), and flags, in that
// ascending order of precedence (spf13/viper's default).
type Config struct {
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Journal      JournalConfig      `mapstructure:"journal"`
	Autonomy     AutonomyConfig     `mapstructure:"autonomy"`
	GitHub       GitHubConfig       `mapstructure:"github"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Targets      []TargetConfig     `mapstructure:"targets"`
}

// TargetConfig is one repository under continuous scheduling.
type TargetConfig struct {
	ID            string `mapstructure:"id"`
	RepositoryURL string `mapstructure:"repository_url"`
	DefaultBranch string `mapstructure:"default_branch"`
}

// ControlPlaneConfig configures the control-plane API server and its
// clients (worker bundle submission, operator CLI).
type ControlPlaneConfig struct {
	ListenAddr         string   `mapstructure:"listen_addr"`
	PublicURL          string   `mapstructure:"public_url"` // externally reachable base URL, handed to dispatched workers
	BearerTokenSecret  string   `mapstructure:"bearer_token_secret"` // secretmanager reference
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
}

// JournalConfig selects and configures the Event Journal backend.
type JournalConfig struct {
	Backend  string `mapstructure:"backend"` // "file" or "postgres"
	FilePath string `mapstructure:"file_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// AutonomyConfig points at the hot-read autonomy override file (spec §4.6).
type AutonomyConfig struct {
	FilePath string `mapstructure:"file_path"`
}

// GitHubConfig authenticates the Worker's token source as a GitHub App.
type GitHubConfig struct {
	AppID                int64  `mapstructure:"app_id"`
	InstallationID       int64  `mapstructure:"installation_id"`
	PrivateKeySecret     string `mapstructure:"private_key_secret"` // secretmanager reference
	AgentBranchPrefix    string `mapstructure:"agent_branch_prefix"`
}

// SchedulerConfig configures the per-target tick loop.
type SchedulerConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	DistributedLease bool          `mapstructure:"distributed_lease"`
	RedisAddr        string        `mapstructure:"redis_addr"`
}

// WorkerConfig configures the bounded-lifetime attempt process.
type WorkerConfig struct {
	ScratchRoot   string   `mapstructure:"scratch_root"`
	EditorImage   string   `mapstructure:"editor_image"`
	EditorCommand []string `mapstructure:"editor_command"`
}

// Load assembles a Config from whatever viper has accumulated from its
// config file, LEVIATHAN_-prefixed environment variables, and bound
// flags, applying daemon defaults for anything left unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ControlPlane.ListenAddr == "" {
		cfg.ControlPlane.ListenAddr = ":8080"
	}
	if cfg.Journal.Backend == "" {
		cfg.Journal.Backend = "file"
	}
	if cfg.Journal.FilePath == "" {
		cfg.Journal.FilePath = "/var/lib/leviathan/journal"
	}
	if cfg.GitHub.AgentBranchPrefix == "" {
		cfg.GitHub.AgentBranchPrefix = "agent/"
	}
	if cfg.Scheduler.TickInterval <= 0 {
		cfg.Scheduler.TickInterval = 60 * time.Second
	}
	if cfg.Worker.ScratchRoot == "" {
		cfg.Worker.ScratchRoot = "/var/lib/leviathan/scratch"
	}
	for i := range cfg.Targets {
		if cfg.Targets[i].DefaultBranch == "" {
			cfg.Targets[i].DefaultBranch = "main"
		}
	}
}

// Validate checks the fields every deployment needs regardless of
// which journal backend or scheduler mode is selected.
func (c *Config) Validate() error {
	if c.ControlPlane.ListenAddr == "" {
		return fmt.Errorf("control_plane.listen_addr is required")
	}
	validBackends := map[string]bool{"file": true, "postgres": true}
	if !validBackends[c.Journal.Backend] {
		return fmt.Errorf("invalid journal backend: %s (must be file or postgres)", c.Journal.Backend)
	}
	if c.Journal.Backend == "postgres" && c.Journal.PostgresDSN == "" {
		return fmt.Errorf("journal.postgres_dsn is required when journal.backend is postgres")
	}
	if c.Journal.Backend == "file" && c.Journal.FilePath == "" {
		return fmt.Errorf("journal.file_path is required when journal.backend is file")
	}
	return nil
}

// ValidateForWorker performs the additional checks a GitHub App token
// source needs (the worker and the scheduler both build one) that an
// API-only deployment does not.
func (c *Config) ValidateForWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.GitHub.AppID == 0 {
		return fmt.Errorf("github.app_id is required")
	}
	if c.GitHub.InstallationID == 0 {
		return fmt.Errorf("github.installation_id is required")
	}
	if c.GitHub.PrivateKeySecret == "" {
		return fmt.Errorf("github.private_key_secret is required")
	}
	return nil
}
