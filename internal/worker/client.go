package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/leviathan-agent/leviathan/internal/journal"
	"github.com/leviathan-agent/leviathan/internal/leverr"
)

// HTTPBundleSubmitter posts event bundles to the control-plane API's
// /v1/events/ingest endpoint (spec §4.5, §6.4). Calls are wrapped in a
// circuit breaker (grounded on jordigilh-kubernaut's per-channel gobreaker
// usage) so a control-plane outage trips the breaker instead of the
// worker retrying into a cascading failure; the bounded-backoff retry in
// retry.go governs spacing between attempts while the breaker stays
// closed.
type HTTPBundleSubmitter struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPBundleSubmitter constructs a submitter targeting the control
// plane at baseURL, authenticating with a bearer token.
func NewHTTPBundleSubmitter(baseURL, token string) *HTTPBundleSubmitter {
	return &HTTPBundleSubmitter{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "control-plane-ingest",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (s *HTTPBundleSubmitter) Submit(ctx context.Context, bundle journal.Bundle) error {
	body, err := json.Marshal(bundle)
	if err != nil {
		return leverr.New("worker.Submit", leverr.ValidationFailed, err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/events/ingest", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.token)

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, leverr.New("worker.Submit", leverr.TransportFailed, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, leverr.New("worker.Submit", leverr.RateLimited, fmt.Errorf("control plane returned 429"))
		}
		if resp.StatusCode >= 500 {
			b, _ := io.ReadAll(resp.Body)
			return nil, leverr.New("worker.Submit", leverr.TransportFailed, fmt.Errorf("control plane returned %d: %s", resp.StatusCode, string(b)))
		}
		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(resp.Body)
			return nil, leverr.New("worker.Submit", leverr.ValidationFailed, fmt.Errorf("control plane rejected bundle (%d): %s", resp.StatusCode, string(b)))
		}
		return nil, nil
	})
	return err
}
