// Package policy loads a target's declarative policy and backlog files
// and enforces scope containment (spec §4.3). It owns no network I/O
// itself; callers supply already-fetched file contents (the Scheduler
// fetches them from the target's default branch, read-only).
package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leviathan-agent/leviathan/internal/leverr"
)

// AutoMergeRules is intentionally opaque: the core guarantees only the
// *absence* of auto-merge (spec §9 open question 3); it never
// interprets this field.
type AutoMergeRules struct {
	Enabled bool                   `yaml:"enabled"`
	Rules   map[string]interface{} `yaml:"rules,omitempty"`
}

// Policy mirrors spec §3/§6.2.
type Policy struct {
	SchemaVersion           string         `yaml:"schemaVersion,omitempty"`
	AutonomyEnabled         bool           `yaml:"autonomyEnabled"`
	AllowedPathPrefixes     []string       `yaml:"allowedPathPrefixes"`
	MaxOpenPRs              int            `yaml:"maxOpenPRs"`
	MaxRunningAttempts      int            `yaml:"maxRunningAttempts"`
	MaxAttemptsPerTask      int            `yaml:"maxAttemptsPerTask"`
	CircuitBreakerFailures  int            `yaml:"circuitBreakerFailures"`
	AttemptTimeoutSeconds   int            `yaml:"attemptTimeoutSeconds"`
	ScheduleIntervalSeconds int            `yaml:"scheduleIntervalSeconds"`
	AutoMerge               AutoMergeRules `yaml:"autoMerge"`
}

// AttemptMetadata is one entry of a Task's `attempts` list, written back
// by the worker (spec §6.1).
type AttemptMetadata struct {
	AttemptID     string `yaml:"attemptId"`
	Branch        string `yaml:"branch"`
	CompletedAt   string `yaml:"completedAt"`
}

// Task mirrors spec §3/§6.1.
type Task struct {
	ID                 string            `yaml:"id"`
	Title              string            `yaml:"title"`
	Scope              string            `yaml:"scope,omitempty"`
	Ready              bool              `yaml:"ready"`
	Status             string            `yaml:"status"`
	Priority           string            `yaml:"priority"`
	AllowedPaths       []string          `yaml:"allowedPaths"`
	Dependencies       []string          `yaml:"dependencies,omitempty"`
	AcceptanceCriteria []string          `yaml:"acceptanceCriteria,omitempty"`
	Attempts           []AttemptMetadata `yaml:"attempts,omitempty"`
}

type backlogFile struct {
	Tasks []Task `yaml:"tasks"`
}

// priorityRank orders candidates for Scheduler step 5 (spec §4.4):
// high > normal > low.
var priorityRank = map[string]int{"high": 2, "normal": 1, "low": 0, "": 1}

// PriorityRank returns t's numeric priority rank, defaulting unset or
// unrecognized values to "normal".
func PriorityRank(t Task) int {
	if r, ok := priorityRank[strings.ToLower(t.Priority)]; ok {
		return r
	}
	return priorityRank["normal"]
}

// LoadPolicy parses raw (the contents of .leviathan/policy.yaml) into a
// Policy, applying strict-mode unknown-field rejection when
// schemaVersion is present (spec §4.3).
func LoadPolicy(raw []byte) (Policy, error) {
	if err := validateIfStrict(raw, policySchema); err != nil {
		return Policy{}, err
	}
	var p Policy
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&p); err != nil {
		return Policy{}, leverr.New("policy.LoadPolicy", leverr.ValidationFailed, err)
	}
	if err := validatePolicyFields(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func validatePolicyFields(p Policy) error {
	if p.MaxOpenPRs < 1 {
		return leverr.Newf("policy.LoadPolicy", leverr.ValidationFailed, "maxOpenPRs must be >= 1, got %d", p.MaxOpenPRs)
	}
	if p.MaxAttemptsPerTask < 1 {
		return leverr.Newf("policy.LoadPolicy", leverr.ValidationFailed, "maxAttemptsPerTask must be >= 1, got %d", p.MaxAttemptsPerTask)
	}
	if p.CircuitBreakerFailures < 1 {
		return leverr.Newf("policy.LoadPolicy", leverr.ValidationFailed, "circuitBreakerFailures must be >= 1, got %d", p.CircuitBreakerFailures)
	}
	if p.AttemptTimeoutSeconds <= 0 {
		return leverr.Newf("policy.LoadPolicy", leverr.ValidationFailed, "attemptTimeoutSeconds must be > 0, got %d", p.AttemptTimeoutSeconds)
	}
	if p.ScheduleIntervalSeconds < 60 {
		return leverr.Newf("policy.LoadPolicy", leverr.ValidationFailed, "scheduleIntervalSeconds must be >= 60, got %d", p.ScheduleIntervalSeconds)
	}
	for _, prefix := range p.AllowedPathPrefixes {
		if err := rejectDotDot(prefix); err != nil {
			return err
		}
	}
	return nil
}

// LoadBacklog parses raw (the contents of .leviathan/backlog.yaml) into
// an ordered Task list, rejecting duplicate task ids and ".." path
// segments (spec §4.3, §8 boundary behaviors).
func LoadBacklog(raw []byte) ([]Task, error) {
	if err := validateIfStrict(raw, backlogSchema); err != nil {
		return nil, err
	}
	var bf backlogFile
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&bf); err != nil {
		return nil, leverr.New("policy.LoadBacklog", leverr.ValidationFailed, err)
	}

	seen := make(map[string]bool, len(bf.Tasks))
	for _, t := range bf.Tasks {
		if t.ID == "" {
			return nil, leverr.Newf("policy.LoadBacklog", leverr.ValidationFailed, "task missing required id")
		}
		if seen[t.ID] {
			return nil, leverr.Newf("policy.LoadBacklog", leverr.ValidationFailed, "duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		for _, p := range t.AllowedPaths {
			if err := rejectDotDot(p); err != nil {
				return nil, err
			}
		}
	}
	return bf.Tasks, nil
}

func rejectDotDot(p string) error {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return leverr.Newf("policy.validate", leverr.ValidationFailed, "path %q contains a %q segment", p, "..")
		}
	}
	return nil
}

// IsPathWithinPolicy implements the boundary-safe containment rule from
// spec §4.3: p is contained in prefix q iff, after normalization, either
// p == q or p begins with q and the next character of p is "/". Treating
// "docs/" as matching "docs2/readme.md" is explicitly forbidden.
func IsPathWithinPolicy(p string, policy Policy) bool {
	for _, prefix := range policy.AllowedPathPrefixes {
		if isContained(p, prefix) {
			return true
		}
	}
	return false
}

func isContained(p, prefix string) bool {
	np := normalizePath(p)
	nq := normalizePath(prefix)
	if nq == "" {
		return false
	}
	if np == nq {
		return true
	}
	if strings.HasPrefix(np, nq) {
		rest := np[len(nq):]
		if strings.HasPrefix(rest, "/") {
			return true
		}
	}
	// A slash-terminated prefix like "docs/" is itself already
	// boundary-inclusive once trailing slashes are normalized away
	// above; the explicit separator check above still covers it.
	return false
}

// normalizePath strips a leading slash and any trailing slash, per
// spec §4.3 ("no leading slash ... forward slashes"). It does not
// resolve ".." segments — those are rejected outright by
// LoadPolicy/LoadBacklog before containment is ever checked.
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, "/")
	return p
}

// IsTaskInScope implements isTaskInScope(task, policy): true iff every
// entry in task.AllowedPaths is within the policy (spec §4.3).
func IsTaskInScope(t Task, policy Policy) bool {
	if len(t.AllowedPaths) == 0 {
		return false
	}
	for _, p := range t.AllowedPaths {
		if !IsPathWithinPolicy(p, policy) {
			return false
		}
	}
	return true
}

// FormatScopeViolation renders a human-readable diagnostic for a set of
// out-of-scope paths, in the teacher's violation-report style.
func FormatScopeViolation(taskID string, offending []string, policy Policy) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SCOPE VIOLATION: task %s touches %d path(s) outside policy\n", taskID, len(offending))
	fmt.Fprintf(&sb, "Allowed prefixes: %s\n\n", strings.Join(policy.AllowedPathPrefixes, ", "))
	sb.WriteString("Out-of-scope paths:\n")
	for _, p := range offending {
		fmt.Fprintf(&sb, "  - %s\n", p)
	}
	return sb.String()
}
