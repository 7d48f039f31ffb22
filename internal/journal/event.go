// Package journal implements the append-only, hash-chained event log that
// is the system's sole source of truth. Everything else — the graph
// projection, the operator CLI, the control-plane API — is a read-only
// view derived from what is written here.
package journal

import (
	"strings"
	"time"
)

// EventType is the closed set of event kinds the projection knows how to
// fold. New kinds require a new projector handler, not an open-ended
// registry.
type EventType string

const (
	EventTargetRegistered  EventType = "target.registered"
	EventTargetUpdated     EventType = "target.updated"
	EventTaskCreated       EventType = "task.created"
	EventTaskUpdated       EventType = "task.updated"
	EventTaskCompleted     EventType = "task.completed"
	EventAttemptCreated    EventType = "attempt.created"
	EventAttemptStarted    EventType = "attempt.started"
	EventAttemptSucceeded  EventType = "attempt.succeeded"
	EventAttemptFailed     EventType = "attempt.failed"
	EventAttemptCancelled  EventType = "attempt.cancelled"
	EventAttemptInvalidated EventType = "attempt.invalidated"
	EventSchedulerSkipped  EventType = "scheduler.skipped"
	EventPRCreated         EventType = "pr.created"
	EventPRMerged          EventType = "pr.merged"
	EventPRClosed          EventType = "pr.closed"
	EventArtifactCreated   EventType = "artifact.created"
)

// knownEventTypes backs IsValidEventType without allocating a slice on
// every call.
var knownEventTypes = map[EventType]bool{
	EventTargetRegistered:   true,
	EventTargetUpdated:      true,
	EventTaskCreated:        true,
	EventTaskUpdated:        true,
	EventTaskCompleted:      true,
	EventAttemptCreated:     true,
	EventAttemptStarted:     true,
	EventAttemptSucceeded:   true,
	EventAttemptFailed:      true,
	EventAttemptCancelled:   true,
	EventAttemptInvalidated: true,
	EventSchedulerSkipped:   true,
	EventPRCreated:          true,
	EventPRMerged:           true,
	EventPRClosed:           true,
	EventArtifactCreated:    true,
}

// IsValidEventType reports whether t is one of the recognized event kinds.
func IsValidEventType(t EventType) bool {
	return knownEventTypes[t]
}

// GenesisHash is the prevHash of the first event ever appended to a
// chain: 64 zero characters.
var GenesisHash = strings.Repeat("0", 64)

// Event is the sole unit of state mutation (spec §3, §6.3). PrevHash and
// Hash are assigned by the Store at append time; callers never set them.
type Event struct {
	EventID   string                 `json:"eventId"`
	EventType EventType              `json:"eventType"`
	Timestamp time.Time              `json:"timestamp"`
	ActorID   string                 `json:"actorId"`
	Payload   map[string]interface{} `json:"payload"`

	// Sequence, PrevHash, and Hash are populated by Store.Append and are
	// never set by a submitter.
	Sequence int64  `json:"sequence,omitempty"`
	PrevHash string `json:"prevHash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// ArtifactRef is a content-addressed pointer carried alongside a bundle,
// never inlined into an event payload (spec §3, §6.6).
type ArtifactRef struct {
	SHA256   string `json:"sha256"`
	Kind     string `json:"kind"`
	URI      string `json:"uri"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

// Bundle is the unit of atomicity for ingestion (spec §4.1, §6.3). All
// events in a bundle share TargetID; Append either persists every event
// in Events, in order, or none of them.
type Bundle struct {
	Target    string        `json:"target"`
	BundleID  string        `json:"bundleId"`
	Events    []Event       `json:"events"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
}

// AppendResult reports where a successfully appended bundle landed in the
// chain.
type AppendResult struct {
	FirstSequence int64
	LastSequence  int64
	TipHash       string
}

// Tip identifies the latest position in the chain.
type Tip struct {
	Sequence int64
	Hash     string
}

// RangeFilter narrows a Range query. A zero value matches everything.
type RangeFilter struct {
	Target     string
	EventTypes []EventType
}

func (f RangeFilter) matches(e Event) bool {
	if f.Target != "" {
		if actorTarget, ok := e.Payload["targetId"].(string); ok && actorTarget != f.Target {
			return false
		}
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
