// Package ghsource implements the Scheduler's two read-only GitHub
// dependencies: fetching a target's policy and backlog files off its
// default branch (spec §4.4 step 4), and counting the target's open
// agent-prefixed pull requests (spec §4.4 step 3). Grounded on
// internal/worker's GitHubPRHost: same circuit-breaker-wrapped REST
// client shape, generalized from PR mutation to read-only backlog and
// PR-count queries.
package ghsource

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/leviathan-agent/leviathan/internal/leverr"
	"github.com/leviathan-agent/leviathan/internal/policy"
	"github.com/leviathan-agent/leviathan/internal/scheduler"
)

// TokenSource obtains a short-lived installation token, refreshed as
// needed. The production implementation wraps github.TokenManager.
type TokenSource interface {
	Token() (string, error)
}

// staticToken satisfies TokenSource with a fixed token, for tests and
// personal-access-token deployments that have no refresh cycle.
type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

// Source implements scheduler.BacklogSource and scheduler.PRHost
// against the GitHub REST API.
type Source struct {
	tokens      TokenSource
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
	policyPath  string
	backlogPath string
	branchPrefix string
}

// NewSource builds a Source against a fixed token. policyPath and
// backlogPath are repo-root relative paths (defaults:
// ".leviathan/policy.yaml", ".leviathan/backlog.yaml"); branchPrefix
// identifies agent-authored PR branches (default "agent/").
func NewSource(token, policyPath, backlogPath, branchPrefix string) *Source {
	return NewSourceWithTokens(staticToken(token), policyPath, backlogPath, branchPrefix)
}

// NewSourceWithTokens builds a Source whose bearer token is refreshed
// by tokens on every call, appropriate for a GitHub App installation
// token whose ~1h lifetime outlasts a single tick but not the
// scheduler's own lifetime.
func NewSourceWithTokens(tokens TokenSource, policyPath, backlogPath, branchPrefix string) *Source {
	if policyPath == "" {
		policyPath = ".leviathan/policy.yaml"
	}
	if backlogPath == "" {
		backlogPath = ".leviathan/backlog.yaml"
	}
	if branchPrefix == "" {
		branchPrefix = "agent/"
	}
	return &Source{
		tokens:       tokens,
		client:       &http.Client{Timeout: 30 * time.Second},
		policyPath:   policyPath,
		backlogPath:  backlogPath,
		branchPrefix: branchPrefix,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "github-backlog-source",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func ownerRepo(repoURL string) (string, error) {
	s := strings.TrimSuffix(repoURL, ".git")
	idx := strings.Index(s, "github.com/")
	if idx < 0 {
		return "", fmt.Errorf("ghsource: cannot parse owner/repo from %q", repoURL)
	}
	return s[idx+len("github.com/"):], nil
}

func (s *Source) do(ctx context.Context, method, reqURL string) (*http.Response, error) {
	token, err := s.tokens.Token()
	if err != nil {
		return nil, leverr.New("ghsource.do", leverr.AuthFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(nil))
	if err != nil {
		return nil, leverr.New("ghsource.do", leverr.InternalError, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)

	result, err := s.breaker.Execute(func() (interface{}, error) {
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, leverr.New("ghsource.do", leverr.TransportFailed, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, leverr.New("ghsource.do", leverr.RateLimited, fmt.Errorf("github returned 429"))
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, leverr.New("ghsource.do", leverr.TransportFailed, fmt.Errorf("github returned %d", resp.StatusCode))
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

type contentsResponse struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (s *Source) fetchFile(ctx context.Context, target scheduler.Target, path string) ([]byte, error) {
	repo, err := ownerRepo(target.RepositoryURL)
	if err != nil {
		return nil, err
	}
	reqURL := fmt.Sprintf("https://api.github.com/repos/%s/contents/%s?ref=%s",
		repo, url.PathEscape(path), url.QueryEscape(target.DefaultBranch))

	resp, err := s.do(ctx, http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, leverr.New("ghsource.fetchFile", leverr.NotFound, fmt.Errorf("%s not found on %s", path, target.DefaultBranch))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, leverr.New("ghsource.fetchFile", leverr.TransportFailed, fmt.Errorf("github returned %d fetching %s", resp.StatusCode, path))
	}

	var body contentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, leverr.New("ghsource.fetchFile", leverr.TransportFailed, err)
	}
	if body.Encoding != "base64" {
		return nil, leverr.New("ghsource.fetchFile", leverr.InternalError, fmt.Errorf("unexpected content encoding %q", body.Encoding))
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(body.Content, "\n", ""))
	if err != nil {
		return nil, leverr.New("ghsource.fetchFile", leverr.InternalError, err)
	}
	return raw, nil
}

// FetchPolicy implements scheduler.BacklogSource.
func (s *Source) FetchPolicy(ctx context.Context, target scheduler.Target) (policy.Policy, error) {
	raw, err := s.fetchFile(ctx, target, s.policyPath)
	if err != nil {
		return policy.Policy{}, err
	}
	return policy.LoadPolicy(raw)
}

// FetchBacklog implements scheduler.BacklogSource.
func (s *Source) FetchBacklog(ctx context.Context, target scheduler.Target) ([]policy.Task, error) {
	raw, err := s.fetchFile(ctx, target, s.backlogPath)
	if err != nil {
		return nil, err
	}
	return policy.LoadBacklog(raw)
}

type ghPull struct {
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// OpenAgentPRCount implements scheduler.PRHost: the number of open pull
// requests whose head branch carries the agent branch prefix.
func (s *Source) OpenAgentPRCount(ctx context.Context, target scheduler.Target) (int, error) {
	repo, err := ownerRepo(target.RepositoryURL)
	if err != nil {
		return 0, err
	}
	reqURL := fmt.Sprintf("https://api.github.com/repos/%s/pulls?state=open&base=%s&per_page=100",
		repo, url.QueryEscape(target.DefaultBranch))

	resp, err := s.do(ctx, http.MethodGet, reqURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, leverr.New("ghsource.OpenAgentPRCount", leverr.TransportFailed, fmt.Errorf("github returned %d", resp.StatusCode))
	}

	var pulls []ghPull
	if err := json.NewDecoder(resp.Body).Decode(&pulls); err != nil {
		return 0, leverr.New("ghsource.OpenAgentPRCount", leverr.TransportFailed, err)
	}

	count := 0
	for _, p := range pulls {
		if strings.HasPrefix(p.Head.Ref, s.branchPrefix) {
			count++
		}
	}
	return count, nil
}
