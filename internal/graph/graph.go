// Package graph implements the single-writer projection that folds the
// event journal into a queryable view of Targets, Tasks, Attempts, PRs,
// and Artifacts (spec §4.2). Nodes live in arena-style maps keyed by
// stable id; relationships between them are (id, id, kind) edge triples,
// never Go pointers between node structs, so the graph has no trouble
// representing the Task<->Attempt<->PR cycle (spec §9).
package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/leviathan-agent/leviathan/internal/journal"
	"github.com/leviathan-agent/leviathan/internal/leverr"
)

// EdgeKind names a relationship between two nodes.
type EdgeKind string

const (
	EdgeTaskOfTarget    EdgeKind = "taskOfTarget"
	EdgeAttemptOfTask   EdgeKind = "attemptOfTask"
	EdgeAttemptOfTarget EdgeKind = "attemptOfTarget"
	EdgePROfAttempt     EdgeKind = "prOfAttempt"
	EdgeArtifactOfAttempt EdgeKind = "artifactOfAttempt"
)

// Edge is one (id, id, kind) triple.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// Target mirrors the spec §3 Target entity.
type Target struct {
	ID             string
	RepositoryURL  string
	DefaultBranch  string
	AutonomyEnabled bool
}

// Task mirrors the spec §3 Task entity as observed through events; the
// authoritative copy lives in the target repo's backlog file.
type Task struct {
	ID       string
	TargetID string
	Title    string
	Status   string // pending | inProgress | completed | blocked
}

// AttemptStatus is the terminal status of an Attempt, or "" if still
// running.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptTimedOut  AttemptStatus = "timedOut"
	AttemptCancelled AttemptStatus = "cancelled"
)

// Attempt mirrors the spec §3 Attempt entity.
type Attempt struct {
	ID            string
	TaskID        string
	TargetID      string
	AttemptNumber int
	CreatedAt     string
	StartedAt     string
	CompletedAt   string
	Status        AttemptStatus // "" while in flight
	FailureKind   string
	Message       string
	Invalidated   bool
	PRNumber      string
}

// PullRequest mirrors the spec §3 PullRequest entity.
type PullRequest struct {
	Number     string
	URL        string
	BranchName string
	BaseBranch string
	TargetID   string
	OpenedAt   string
	ClosedAt   string
	MergedAt   string
}

// Summary is the result of Graph.Summary().
type Summary struct {
	NodeCounts map[string]int
	EdgeCounts map[EdgeKind]int
	LastEvents []journal.Event
}

// Graph is the single-writer projection. All mutation happens through
// Apply, called in strict journal order by the Project loop; Query
// methods are safe to call concurrently with Apply (protected by a
// RWMutex) and may return a slightly stale but never inconsistent view
// (spec §5).
type Graph struct {
	mu sync.RWMutex

	targets   map[string]*Target
	tasks     map[string]*Task
	attempts  map[string]*Attempt
	prs       map[string]*PullRequest
	artifacts map[string]journal.ArtifactRef

	edges []Edge

	lastApplied int64
	recent      []journal.Event
}

// New returns an empty projection.
func New() *Graph {
	return &Graph{
		targets:   make(map[string]*Target),
		tasks:     make(map[string]*Task),
		attempts:  make(map[string]*Attempt),
		prs:       make(map[string]*PullRequest),
		artifacts: make(map[string]journal.ArtifactRef),
	}
}

// LastApplied returns the sequence number of the last event folded in.
func (g *Graph) LastApplied() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastApplied
}

// Rebuild clears the projection to zero state, so that a following
// Project call replays the journal from sequence 0. Nothing in this
// module calls it and no configuration option selects a rebuild at
// startup; the daemons build a fresh Graph and project it from
// sequence 0 instead.
func (g *Graph) Rebuild() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.targets = make(map[string]*Target)
	g.tasks = make(map[string]*Task)
	g.attempts = make(map[string]*Attempt)
	g.prs = make(map[string]*PullRequest)
	g.artifacts = make(map[string]journal.ArtifactRef)
	g.edges = nil
	g.lastApplied = 0
	g.recent = nil
}

// Project replays every event in store with Sequence > g.LastApplied()
// into the projection, in order. It is safe to call repeatedly (e.g.
// from a polling re-projection loop) since it always resumes from the
// last applied sequence.
func (g *Graph) Project(ctx context.Context, store journal.Store) error {
	since := g.LastApplied()
	events, err := store.Range(ctx, since, 0, journal.RangeFilter{})
	if err != nil {
		return leverr.New("graph.Project", leverr.TransportFailed, err)
	}
	for _, e := range events {
		if e.Sequence <= since {
			continue
		}
		g.Apply(e)
	}
	return nil
}

// Apply folds a single event into the projection. It is the only
// mutating entry point; everything else is a read.
func (g *Graph) Apply(e journal.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch e.EventType {
	case journal.EventTargetRegistered, journal.EventTargetUpdated:
		g.applyTarget(e)
	case journal.EventTaskCreated, journal.EventTaskUpdated, journal.EventTaskCompleted:
		g.applyTask(e)
	case journal.EventAttemptCreated:
		g.applyAttemptCreated(e)
	case journal.EventAttemptStarted:
		g.applyAttemptStarted(e)
	case journal.EventAttemptSucceeded:
		g.applyAttemptTerminal(e, AttemptSucceeded)
	case journal.EventAttemptFailed:
		g.applyAttemptTerminal(e, AttemptFailed)
	case journal.EventAttemptCancelled:
		g.applyAttemptTerminal(e, AttemptCancelled)
	case journal.EventAttemptInvalidated:
		g.applyAttemptInvalidated(e)
	case journal.EventPRCreated, journal.EventPRMerged, journal.EventPRClosed:
		g.applyPR(e)
	case journal.EventArtifactCreated:
		g.applyArtifact(e)
	case journal.EventSchedulerSkipped:
		// Observational only; no projection row.
	}

	g.lastApplied = e.Sequence
	g.recent = append(g.recent, e)
	if len(g.recent) > 200 {
		g.recent = g.recent[len(g.recent)-200:]
	}
}

func str(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolean(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func (g *Graph) applyTarget(e journal.Event) {
	id := str(e.Payload, "targetId")
	if id == "" {
		return
	}
	t, ok := g.targets[id]
	if !ok {
		t = &Target{ID: id}
		g.targets[id] = t
	}
	if v := str(e.Payload, "repositoryUrl"); v != "" {
		t.RepositoryURL = v
	}
	if v := str(e.Payload, "defaultBranch"); v != "" {
		t.DefaultBranch = v
	}
	if _, ok := e.Payload["autonomyEnabled"]; ok {
		t.AutonomyEnabled = boolean(e.Payload, "autonomyEnabled")
	}
}

func (g *Graph) applyTask(e journal.Event) {
	id := str(e.Payload, "taskId")
	targetID := str(e.Payload, "targetId")
	if id == "" {
		return
	}
	tk, ok := g.tasks[id]
	if !ok {
		tk = &Task{ID: id, TargetID: targetID, Status: "pending"}
		g.tasks[id] = tk
		g.edges = append(g.edges, Edge{From: id, To: targetID, Kind: EdgeTaskOfTarget})
	}
	if v := str(e.Payload, "title"); v != "" {
		tk.Title = v
	}
	switch e.EventType {
	case journal.EventTaskCompleted:
		// Monotonic terminal: once completed, never revert to pending
		// (spec §3 invariant 6).
		tk.Status = "completed"
	default:
		if v := str(e.Payload, "status"); v != "" && tk.Status != "completed" {
			tk.Status = v
		}
	}
}

func (g *Graph) applyAttemptCreated(e journal.Event) {
	id := str(e.Payload, "attemptId")
	if id == "" {
		return
	}
	if _, exists := g.attempts[id]; exists {
		return // idempotent re-delivery
	}
	a := &Attempt{
		ID:            id,
		TaskID:        str(e.Payload, "taskId"),
		TargetID:      str(e.Payload, "targetId"),
		AttemptNumber: intField(e.Payload, "attemptNumber"),
		CreatedAt:     e.Timestamp.Format(rfc3339),
	}
	g.attempts[id] = a
	g.edges = append(g.edges, Edge{From: id, To: a.TaskID, Kind: EdgeAttemptOfTask})
	g.edges = append(g.edges, Edge{From: id, To: a.TargetID, Kind: EdgeAttemptOfTarget})
}

func (g *Graph) applyAttemptStarted(e journal.Event) {
	id := str(e.Payload, "attemptId")
	a, ok := g.attempts[id]
	if !ok {
		return
	}
	a.StartedAt = e.Timestamp.Format(rfc3339)
}

func (g *Graph) applyAttemptTerminal(e journal.Event, status AttemptStatus) {
	id := str(e.Payload, "attemptId")
	a, ok := g.attempts[id]
	if !ok {
		return
	}
	if a.Status != "" {
		return // already terminal; transitions from a terminal state are forbidden
	}
	a.Status = status
	a.CompletedAt = e.Timestamp.Format(rfc3339)
	a.FailureKind = str(e.Payload, "failureKind")
	a.Message = str(e.Payload, "errorSummary")
}

func (g *Graph) applyAttemptInvalidated(e journal.Event) {
	id := str(e.Payload, "attemptId")
	a, ok := g.attempts[id]
	if !ok {
		return
	}
	a.Invalidated = true // idempotent: invalidating twice is a no-op (spec §8)
}

func (g *Graph) applyPR(e journal.Event) {
	number := str(e.Payload, "prNumber")
	if number == "" {
		return
	}
	pr, ok := g.prs[number]
	if !ok {
		pr = &PullRequest{Number: number, TargetID: str(e.Payload, "targetId")}
		g.prs[number] = pr
	}
	if v := str(e.Payload, "url"); v != "" {
		pr.URL = v
	}
	if v := str(e.Payload, "branchName"); v != "" {
		pr.BranchName = v
	}
	if v := str(e.Payload, "baseBranch"); v != "" {
		pr.BaseBranch = v
	}
	switch e.EventType {
	case journal.EventPRCreated:
		pr.OpenedAt = e.Timestamp.Format(rfc3339)
		if attemptID := str(e.Payload, "attemptId"); attemptID != "" {
			if a, ok := g.attempts[attemptID]; ok {
				a.PRNumber = number
			}
			g.edges = append(g.edges, Edge{From: number, To: attemptID, Kind: EdgePROfAttempt})
		}
	case journal.EventPRMerged:
		pr.MergedAt = e.Timestamp.Format(rfc3339)
	case journal.EventPRClosed:
		pr.ClosedAt = e.Timestamp.Format(rfc3339)
	}
}

func (g *Graph) applyArtifact(e journal.Event) {
	sha := str(e.Payload, "sha256")
	if sha == "" {
		return
	}
	g.artifacts[sha] = journal.ArtifactRef{
		SHA256:   sha,
		Kind:     str(e.Payload, "kind"),
		URI:      str(e.Payload, "uri"),
		MimeType: str(e.Payload, "mimeType"),
	}
	if attemptID := str(e.Payload, "attemptId"); attemptID != "" {
		g.edges = append(g.edges, Edge{From: sha, To: attemptID, Kind: EdgeArtifactOfAttempt})
	}
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"

// Summary implements the Graph Projection's summary() query (spec §4.2).
func (g *Graph) Summary() Summary {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := Summary{
		NodeCounts: map[string]int{
			"target":      len(g.targets),
			"task":        len(g.tasks),
			"attempt":     len(g.attempts),
			"pullRequest": len(g.prs),
			"artifact":    len(g.artifacts),
		},
		EdgeCounts: map[EdgeKind]int{},
	}
	for _, e := range g.edges {
		s.EdgeCounts[e.Kind]++
	}
	n := len(g.recent)
	if n > 20 {
		n = 20
	}
	s.LastEvents = append([]journal.Event(nil), g.recent[len(g.recent)-n:]...)
	return s
}

// AttemptView is the result of Attempt(id): the attempt node plus the
// edges that reference it.
type AttemptView struct {
	Attempt Attempt
	Edges   []Edge
}

// Attempt implements the Graph Projection's attempt(id) query.
func (g *Graph) Attempt(id string) (AttemptView, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.attempts[id]
	if !ok {
		return AttemptView{}, false
	}
	view := AttemptView{Attempt: *a}
	for _, e := range g.edges {
		if e.From == id || e.To == id {
			view.Edges = append(view.Edges, e)
		}
	}
	return view, true
}

// Attempts implements GET /v1/attempts: attempts for target (all targets
// if target == ""), most-recently-created first, capped at limit (0
// means unbounded).
func (g *Graph) Attempts(target string, limit int) []Attempt {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Attempt
	for _, a := range g.attempts {
		if target != "" && a.TargetID != target {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// OpenPRsForTarget implements openPRsForTarget(targetId): PRs on target
// whose branch matches agentBranchPrefix and that are neither merged nor
// closed.
func (g *Graph) OpenPRsForTarget(target, agentBranchPrefix string) []PullRequest {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []PullRequest
	for _, pr := range g.prs {
		if pr.TargetID != target {
			continue
		}
		if !hasPrefix(pr.BranchName, agentBranchPrefix) {
			continue
		}
		if pr.ClosedAt != "" || pr.MergedAt != "" {
			continue
		}
		out = append(out, *pr)
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// RecentFailures implements recentFailures(target?, limit): attempts
// whose terminal status is failed or timedOut, most recent first.
func (g *Graph) RecentFailures(target string, limit int) []Attempt {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Attempt
	for _, a := range g.attempts {
		if target != "" && a.TargetID != target {
			continue
		}
		if a.Status != AttemptFailed && a.Status != AttemptTimedOut {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt > out[j].CompletedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TerminalAttemptsForTarget returns the most recent n terminal attempts
// (of any kind except cancelled) for target, most-recent-first, for use
// by the Scheduler's circuit check (spec §4.4 step 2).
func (g *Graph) TerminalAttemptsForTarget(target string, n int) []Attempt {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var terminal []Attempt
	for _, a := range g.attempts {
		if a.TargetID != target {
			continue
		}
		if a.Status == "" || a.Status == AttemptCancelled {
			continue
		}
		if a.Invalidated {
			continue // invalidation clears the attempt from circuit counting (open question 1, resolved "yes")
		}
		terminal = append(terminal, *a)
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].CompletedAt > terminal[j].CompletedAt })
	if len(terminal) > n {
		terminal = terminal[:n]
	}
	return terminal
}

// AttemptsForTask returns non-invalidated attempts for taskID, used by
// the Scheduler's retry-cap check (spec §4.4 step 6).
func (g *Graph) AttemptsForTask(taskID string) []Attempt {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Attempt
	for _, a := range g.attempts {
		if a.TaskID != taskID || a.Invalidated {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Task returns the projected view of a task, if known.
func (g *Graph) Task(id string) (Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// InvalidateAttempt appends no event itself (callers append
// attempt.invalidated through the Worker/Control-Plane API path) but
// provides the read-side check used before doing so: an already
// invalidated attempt makes a repeat invalidation a no-op (spec §8).
func (g *Graph) InvalidateAttempt(id string) (alreadyInvalidated bool, found bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.attempts[id]
	if !ok {
		return false, false
	}
	return a.Invalidated, true
}
