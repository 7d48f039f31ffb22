package journal

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockPGStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PGStore{db: sqlx.NewDb(db, "sqlmock")}, mock
}

// TestPGStoreRangeIsInclusiveOfSinceID pins down store.go's documented
// contract ("Range returns events in sequence order, inclusive of
// sinceID") against PGStore specifically, matching FileStore's behavior.
func TestPGStoreRangeIsInclusiveOfSinceID(t *testing.T) {
	store, mock := newMockPGStore(t)

	cols := []string{"sequence", "event_id", "event_type", "target_id", "timestamp", "actor_id", "payload", "prev_hash", "hash"}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(5), "e5", string(EventAttemptStarted), "demo", "2026-01-01T00:00:00Z", "scheduler", []byte(`{}`), "prevhash4", "hash5")

	mock.ExpectQuery(`SELECT sequence, event_id, event_type, target_id, timestamp, actor_id, payload, prev_hash, hash FROM events WHERE sequence >= \$1 ORDER BY sequence ASC`).
		WithArgs(int64(5)).
		WillReturnRows(rows)

	events, err := store.Range(context.Background(), 5, 0, RangeFilter{})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 5 {
		t.Fatalf("expected Range(sinceID=5, ...) to include the event at sequence 5 itself, got %+v", events)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestPGStoreRangeExcludesUntilID exercises the upper bound, which was
// already exclusive and must stay that way.
func TestPGStoreRangeExcludesUntilID(t *testing.T) {
	store, mock := newMockPGStore(t)

	cols := []string{"sequence", "event_id", "event_type", "target_id", "timestamp", "actor_id", "payload", "prev_hash", "hash"}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(1), "e1", string(EventAttemptCreated), "demo", "2026-01-01T00:00:00Z", "scheduler", []byte(`{}`), GenesisHash, "hash1")

	mock.ExpectQuery(`SELECT sequence, event_id, event_type, target_id, timestamp, actor_id, payload, prev_hash, hash FROM events WHERE sequence >= \$1 AND sequence < \$2 ORDER BY sequence ASC`).
		WithArgs(int64(0), int64(2)).
		WillReturnRows(rows)

	events, err := store.Range(context.Background(), 0, 2, RangeFilter{})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 1 {
		t.Fatalf("expected only sequence 1 when untilID=2, got %+v", events)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
