package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/leviathan-agent/leviathan/internal/leverr"
)

// GitHubPRHost implements PRHost against the GitHub REST API, wrapped in
// a circuit breaker (spec §4.5 "PR-host and control-plane HTTP calls ...
// wrapped in gobreaker", grounded on jordigilh-kubernaut's gobreaker use).
type GitHubPRHost struct {
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewGitHubPRHost(token string) *GitHubPRHost {
	return &GitHubPRHost{
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "github-pr-host",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// ownerRepo extracts "owner/repo" from an https clone URL.
func ownerRepo(repoURL string) (string, error) {
	s := strings.TrimSuffix(repoURL, ".git")
	idx := strings.Index(s, "github.com/")
	if idx < 0 {
		return "", fmt.Errorf("worker: cannot parse owner/repo from %q", repoURL)
	}
	return s[idx+len("github.com/"):], nil
}

func (h *GitHubPRHost) do(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, leverr.New("worker.prhost", leverr.ValidationFailed, err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, leverr.New("worker.prhost", leverr.InternalError, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+h.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	result, err := h.breaker.Execute(func() (interface{}, error) {
		resp, err := h.client.Do(req)
		if err != nil {
			return nil, leverr.New("worker.prhost", leverr.TransportFailed, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, leverr.New("worker.prhost", leverr.RateLimited, fmt.Errorf("github returned 429"))
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, leverr.New("worker.prhost", leverr.TransportFailed, fmt.Errorf("github returned %d", resp.StatusCode))
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

type ghPull struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (h *GitHubPRHost) FindOpenByHeadBranch(ctx context.Context, target Context, branch string) (*PullRequest, error) {
	repo, err := ownerRepo(target.RepositoryURL)
	if err != nil {
		return nil, leverr.New("worker.prhost", leverr.ValidationFailed, err)
	}
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 {
		return nil, leverr.New("worker.prhost", leverr.ValidationFailed, fmt.Errorf("malformed owner/repo %q", repo))
	}
	owner := parts[0]

	url := fmt.Sprintf("https://api.github.com/repos/%s/pulls?state=open&head=%s:%s", repo, owner, branch)
	resp, err := h.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var pulls []ghPull
	if err := json.NewDecoder(resp.Body).Decode(&pulls); err != nil {
		return nil, leverr.New("worker.prhost", leverr.TransportFailed, err)
	}
	if len(pulls) == 0 {
		return nil, nil
	}
	p := pulls[0]
	return &PullRequest{
		Number:     p.Number,
		URL:        p.HTMLURL,
		BranchName: p.Head.Ref,
		BaseBranch: p.Base.Ref,
		HeadCommit: p.Head.SHA,
	}, nil
}

func (h *GitHubPRHost) Create(ctx context.Context, target Context, branch, title, body string) (*PullRequest, error) {
	repo, err := ownerRepo(target.RepositoryURL)
	if err != nil {
		return nil, leverr.New("worker.prhost", leverr.ValidationFailed, err)
	}

	url := fmt.Sprintf("https://api.github.com/repos/%s/pulls", repo)
	payload := map[string]string{
		"title": title,
		"head":  branch,
		"base":  target.DefaultBranch,
		"body":  body,
	}
	resp, err := h.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		// A PR for this head branch already exists (spec §7: "recovers from
		// Conflict on PR open by reusing an existing PR").
		if existing, findErr := h.FindOpenByHeadBranch(ctx, target, branch); findErr == nil && existing != nil {
			return existing, nil
		}
		return nil, leverr.New("worker.prhost", leverr.Conflict, fmt.Errorf("github rejected PR create with 422 and no existing PR was found"))
	}
	if resp.StatusCode >= 400 {
		return nil, leverr.New("worker.prhost", leverr.ValidationFailed, fmt.Errorf("github returned %d creating PR", resp.StatusCode))
	}

	var p ghPull
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, leverr.New("worker.prhost", leverr.TransportFailed, err)
	}
	return &PullRequest{
		Number:     p.Number,
		URL:        p.HTMLURL,
		BranchName: p.Head.Ref,
		BaseBranch: p.Base.Ref,
		HeadCommit: p.Head.SHA,
	}, nil
}
