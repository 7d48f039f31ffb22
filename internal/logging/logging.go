// Package logging builds the zap.Logger every daemon binary shares.
// Generalized from internal/cloud/gcp/logging.go's environment-probe
// shape (GCP Cloud Logging in production, structured JSON to stdout
// everywhere else) but emitting through zap instead of a bespoke
// LoggerInterface, since zap is what internal/scheduler,
// internal/worker, and internal/controlplane already take as their
// logger dependency.
package logging

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap.Logger when running on a GCP VM (entries
// shaped so the Cloud Logging agent's structured-JSON parser picks up
// severity correctly) and zap's development logger otherwise, which
// writes human-readable console lines rather than JSON.
func New() (*zap.Logger, error) {
	if onGCP() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.LevelKey = "severity"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	}
	return zap.NewDevelopment()
}

func onGCP() bool {
	client := &http.Client{Timeout: 300 * time.Millisecond}
	req, err := http.NewRequest(http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
