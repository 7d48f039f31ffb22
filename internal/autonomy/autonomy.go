// Package autonomy implements the global operator kill switch (spec
// §4.6, §4.7): a single hot-read file that both the control-plane API's
// status endpoint and the scheduler's per-tick autonomy gate consult,
// so flipping it is one edit with two effects instead of two separate
// overrides that can drift out of sync.
package autonomy

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Status is the response shape for GET /v1/autonomy/status and the
// value the Scheduler's autonomy gate checks on every tick.
type Status struct {
	AutonomyEnabled bool      `json:"autonomyEnabled"`
	Source          string    `json:"source"`
	CheckedAt       time.Time `json:"checkedAt"`
}

type autonomyFile struct {
	AutonomyEnabled *bool `yaml:"autonomyEnabled"`
}

// Source hot-reads an operator-editable autonomy file on every call
// rather than caching it at startup, so flipping the file takes effect
// on the very next status check or scheduler tick without a restart
// (spec §4.6, "Graceful" in §4.7).
//
// Three distinct conditions are not the same thing and must not collapse
// into one fallback: the file being absent (normal — no override
// configured yet) falls back to last-known-good, then to the safe
// default (autonomyEnabled = true); the file existing but being
// unreadable is logged and takes the same fallback; the file existing but failing to
// parse (an operator almost certainly mid-edit, or a bad write) fails
// closed (autonomyEnabled = false) instead, since silently keeping the
// kill switch open while an edit to close it is garbled is the one
// outcome this type exists to prevent.
type Source struct {
	path string

	mu       sync.Mutex
	now      func() time.Time
	logger   *zap.Logger
	lastGood *Status
}

// New builds a Source reading path on every Status call. An empty path
// always reports the default. logger may be nil, in which case parse
// failures are not logged (tests construct Source this way).
func New(path string, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{path: path, now: time.Now, logger: logger}
}

// Status reads the current autonomy override.
func (a *Source) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	if a.path != "" {
		raw, err := os.ReadFile(a.path)
		switch {
		case err == nil:
			var f autonomyFile
			if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil || f.AutonomyEnabled == nil {
				a.logger.Error("autonomy file present but malformed, failing closed",
					zap.String("path", a.path), zap.NamedError("parseError", unmarshalErr))
				return Status{AutonomyEnabled: false, Source: fmt.Sprintf("error(malformed:%s)", a.path), CheckedAt: now}
			}
			status := Status{
				AutonomyEnabled: *f.AutonomyEnabled,
				Source:          fmt.Sprintf("configmap:%s", a.path),
				CheckedAt:       now,
			}
			a.lastGood = &status
			return status
		case !os.IsNotExist(err):
			a.logger.Warn("autonomy file unreadable, falling back to last-known-good",
				zap.String("path", a.path), zap.Error(err))
		}
	}

	if a.lastGood != nil {
		stale := *a.lastGood
		stale.CheckedAt = now
		return stale
	}

	return Status{AutonomyEnabled: true, Source: "default(configMissing)", CheckedAt: now}
}

// Enabled is a convenience wrapper for callers (the scheduler's
// autonomy gate) that only care about the boolean, not the full Status.
func (a *Source) Enabled() bool {
	return a.Status().AutonomyEnabled
}
