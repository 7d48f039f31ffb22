package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

// Exit codes per spec §6.5: 0 success, 1 transport failure, 2
// authentication failure, 3 not found, 4 validation.
const (
	exitSuccess          = 0
	exitTransportFailure = 1
	exitAuthFailure      = 2
	exitNotFound         = 3
	exitValidation       = 4
)

// cliError carries the exit code a RunE should surface via os.Exit,
// distinguishing it from cobra's own usage errors.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func exitCodeFor(err error) int {
	var ce *cliError
	if e, ok := err.(*cliError); ok {
		ce = e
	}
	if ce != nil {
		return ce.code
	}
	return exitTransportFailure
}

// ExitCodeFor maps an error returned by Execute into the process exit
// code spec §6.5 assigns it: 0 success, 1 transport failure, 2
// authentication failure, 3 not found, 4 validation. Callers in cmd/
// should pass it straight to os.Exit after printing err.
func ExitCodeFor(err error) int {
	if err == nil {
		return exitSuccess
	}
	return exitCodeFor(err)
}

// apiClient calls the control-plane API using the configured base URL
// and bearer token.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient() (*apiClient, error) {
	baseURL := viper.GetString("api_url")
	if baseURL == "" {
		return nil, &cliError{code: exitValidation, err: fmt.Errorf("LEVIATHAN_API_URL (or --api-url) is required")}
	}
	token := viper.GetString("control_plane_token")
	if token == "" {
		return nil, &cliError{code: exitValidation, err: fmt.Errorf("LEVIATHAN_CONTROL_PLANE_TOKEN (or --token) is required")}
	}
	timeout := viper.GetDuration("timeout")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &apiClient{baseURL: baseURL, token: token, http: &http.Client{Timeout: timeout}}, nil
}

// do performs method against path (no leading slash assumptions beyond
// what callers pass) and decodes a JSON response body into out, if out
// is non-nil. A non-2xx response is translated into a *cliError whose
// code matches spec §6.5's exit-code table.
func (c *apiClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &cliError{code: exitValidation, err: err}
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &cliError{code: exitTransportFailure, err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &cliError{code: exitTransportFailure, err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &cliError{code: exitTransportFailure, err: err}
	}

	if resp.StatusCode >= 400 {
		return &cliError{code: exitCodeForStatus(resp.StatusCode), err: fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(respBody))}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &cliError{code: exitTransportFailure, err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return nil
}

func exitCodeForStatus(status int) int {
	switch status {
	case http.StatusUnauthorized:
		return exitAuthFailure
	case http.StatusNotFound:
		return exitNotFound
	case http.StatusBadRequest:
		return exitValidation
	default:
		return exitTransportFailure
	}
}
