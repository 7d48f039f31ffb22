package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/leviathan-agent/leviathan/internal/journal"
)

// StoreEmitter implements EventEmitter by appending a single-event
// bundle directly to the journal, used when the Scheduler writes its
// own events (attempt.created, scheduler.skipped) rather than having a
// worker submit them over HTTP.
type StoreEmitter struct {
	store journal.Store
}

// NewStoreEmitter wraps store as an EventEmitter.
func NewStoreEmitter(store journal.Store) *StoreEmitter {
	return &StoreEmitter{store: store}
}

func (e *StoreEmitter) Emit(ctx context.Context, targetID string, events ...journal.Event) error {
	if len(events) == 0 {
		return nil
	}
	bundle := journal.Bundle{
		Target:   targetID,
		BundleID: "scheduler-" + uuid.NewString(),
		Events:   events,
	}
	_, err := e.store.Append(ctx, bundle)
	if err != nil {
		return fmt.Errorf("scheduler: emit bundle: %w", err)
	}
	return nil
}
