package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leviathan-agent/leviathan/internal/graph"
	"github.com/leviathan-agent/leviathan/internal/journal"
	"github.com/leviathan-agent/leviathan/internal/policy"
)

// tick runs the full Start -> AutonomyCheck -> CircuitCheck -> PRCapCheck
// -> BacklogFetch -> Select -> RetryCapCheck -> Dispatch -> End state
// machine for one target (spec §4.4).
func (s *Scheduler) tick(ctx context.Context, target Target) {
	log := s.logger.With(zap.String("target", target.ID))

	granted, err := s.lease.Acquire(ctx, target.ID, 2*time.Minute)
	if err != nil || !granted {
		log.Debug("tick lease not acquired, skipping this instant")
		return
	}
	defer func() { _ = s.lease.Release(ctx, target.ID) }()

	pol, err := s.backlog.FetchPolicy(ctx, target)
	if err != nil {
		s.skip(ctx, target, SkipFetchError, err.Error())
		return
	}

	// Step 1: Autonomy gate. Both the per-target policy flag and the
	// operator's global kill switch (spec §4.6, §4.7) must allow
	// dispatch; either one tripping halts the tick.
	if !pol.AutonomyEnabled {
		s.skip(ctx, target, SkipAutonomyDisabled, "")
		return
	}
	if !s.autonomy.Enabled() {
		s.skip(ctx, target, SkipAutonomyDisabled, "global kill switch")
		return
	}

	// Step 2: Circuit check.
	recent := s.graph.TerminalAttemptsForTarget(target.ID, pol.CircuitBreakerFailures)
	if len(recent) == pol.CircuitBreakerFailures && allFailures(recent) {
		s.skip(ctx, target, SkipCircuitOpen, "")
		return
	}

	// Step 3: PR cap.
	openPRs, err := s.prHost.OpenAgentPRCount(ctx, target)
	if err != nil {
		s.skip(ctx, target, SkipFetchError, err.Error())
		return
	}
	if openPRs >= pol.MaxOpenPRs {
		s.skip(ctx, target, SkipPRCap, "")
		return
	}

	// Step 4: Backlog load.
	tasks, err := s.backlog.FetchBacklog(ctx, target)
	if err != nil {
		s.skip(ctx, target, SkipFetchError, err.Error())
		return
	}

	// Step 5: Task selection.
	candidate, ok := selectTask(tasks, pol)
	if !ok {
		s.skip(ctx, target, SkipNoCandidate, "")
		return
	}

	// Step 6: Retry cap.
	attempts := s.graph.AttemptsForTask(candidate.ID)
	if len(attempts) >= pol.MaxAttemptsPerTask {
		s.skip(ctx, target, SkipRetryCap, candidate.ID)
		return
	}

	// Step 7: Attempt mint.
	attemptID := uuid.NewString()
	attemptNumber := len(attempts) + 1
	createdEvent := journal.Event{
		EventID:   uuid.NewString(),
		EventType: journal.EventAttemptCreated,
		Timestamp: time.Now().UTC(),
		ActorID:   "scheduler",
		Payload: map[string]interface{}{
			"attemptId":     attemptID,
			"taskId":        candidate.ID,
			"targetId":      target.ID,
			"attemptNumber": attemptNumber,
		},
	}
	if err := s.emit.Emit(ctx, target.ID, createdEvent); err != nil {
		log.Warn("failed to emit attempt.created", zap.Error(err))
		s.skip(ctx, target, SkipDispatchError, err.Error())
		return
	}

	// Step 8: Dispatch.
	s.mu.Lock()
	controlPlaneURL := s.controlPlaneURL
	s.mu.Unlock()

	err = s.dispatch.Dispatch(ctx, DispatchContext{
		Target:          target,
		Task:            candidate,
		Policy:          pol,
		AttemptID:       attemptID,
		AttemptNumber:   attemptNumber,
		ControlPlaneURL: controlPlaneURL,
	})
	if err != nil {
		log.Warn("dispatch failed", zap.Error(err))
		s.skip(ctx, target, SkipDispatchError, err.Error())
		return
	}
}

// allFailures reports whether every attempt in attempts is a terminal
// failure of any kind except cancelled (spec §4.4 step 2 — cancelled
// attempts are excluded upstream by TerminalAttemptsForTarget, so any
// status other than succeeded here counts as a failure).
func allFailures(attempts []graph.Attempt) bool {
	for _, a := range attempts {
		if a.Status == graph.AttemptSucceeded {
			return false
		}
	}
	return true
}

// selectTask implements spec §4.4 step 5: ready, pending, dependency-
// satisfied, in-scope tasks, highest priority first, ties broken by
// backlog order.
func selectTask(tasks []policy.Task, pol policy.Policy) (policy.Task, bool) {
	byID := make(map[string]policy.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var best policy.Task
	found := false
	bestRank := -1

	for _, t := range tasks {
		if !t.Ready || t.Status != "pending" {
			continue
		}
		if !dependenciesSatisfied(t, byID) {
			continue
		}
		if !policy.IsTaskInScope(t, pol) {
			continue
		}
		rank := policy.PriorityRank(t)
		// Strict > (not >=) preserves backlog order as the tiebreaker:
		// the first candidate seen at a given rank wins.
		if !found || rank > bestRank {
			best, found, bestRank = t, true, rank
		}
	}
	return best, found
}

func dependenciesSatisfied(t policy.Task, byID map[string]policy.Task) bool {
	for _, dep := range t.Dependencies {
		depTask, ok := byID[dep]
		if !ok || depTask.Status != "completed" {
			return false
		}
	}
	return true
}

func (s *Scheduler) skip(ctx context.Context, target Target, reason SkipReason, detail string) {
	payload := map[string]interface{}{
		"targetId": target.ID,
		"reason":   string(reason),
	}
	if detail != "" {
		payload["detail"] = detail
	}
	e := journal.Event{
		EventID:   uuid.NewString(),
		EventType: journal.EventSchedulerSkipped,
		Timestamp: time.Now().UTC(),
		ActorID:   "scheduler",
		Payload:   payload,
	}
	if err := s.emit.Emit(ctx, target.ID, e); err != nil {
		s.logger.Warn("failed to emit scheduler.skipped", zap.String("target", target.ID), zap.Error(err))
	}
}
