package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/leviathan-agent/leviathan/internal/leverr"
)

// PGStore is the production Journal backend: a Postgres table with a
// BIGSERIAL sequence and unique indexes on event_id and hash. Access goes
// through database/sql via the pgx stdlib adapter so the rest of the
// package can use sqlx's struct scanning the same way it would with any
// database/sql driver (grounded on the jackc/pgx/v5 + jmoiron/sqlx pairing
// surveyed across the example corpus's dependency manifests).
type PGStore struct {
	db *sqlx.DB
}

// Schema is the DDL a deployer runs once before pointing a PGStore at a
// database. It is exposed as a constant rather than auto-applied: this
// core does not own migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	sequence   BIGSERIAL PRIMARY KEY,
	event_id   TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	actor_id   TEXT NOT NULL,
	payload    JSONB NOT NULL,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS events_target_id_idx ON events (target_id, sequence);
`

type eventRow struct {
	Sequence  int64  `db:"sequence"`
	EventID   string `db:"event_id"`
	EventType string `db:"event_type"`
	TargetID  string `db:"target_id"`
	Timestamp string `db:"timestamp"`
	ActorID   string `db:"actor_id"`
	Payload   []byte `db:"payload"`
	PrevHash  string `db:"prev_hash"`
	Hash      string `db:"hash"`
}

// NewPGStore opens a connection pool against dsn using the pgx stdlib
// driver registered under the "pgx" name.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, leverr.New("journal.NewPGStore", leverr.TransportFailed, err)
	}
	return &PGStore{db: db}, nil
}

// Append implements Store.
func (s *PGStore) Append(ctx context.Context, bundle Bundle) (AppendResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return AppendResult{}, leverr.New("journal.Append", leverr.TransportFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	var tip Tip
	row := tx.QueryRowContext(ctx, `SELECT sequence, hash FROM events ORDER BY sequence DESC LIMIT 1`)
	if err := row.Scan(&tip.Sequence, &tip.Hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			tip = Tip{Sequence: 0, Hash: GenesisHash}
		} else {
			return AppendResult{}, leverr.New("journal.Append", leverr.TransportFailed, err)
		}
	}

	prevHash := tip.Hash
	var first, last int64
	for _, e := range bundle.Events {
		if !IsValidEventType(e.EventType) {
			return AppendResult{}, leverr.Newf("journal.Append", leverr.ValidationFailed, "unknown eventType %q", e.EventType)
		}
		canon, err := canonicalize(e)
		if err != nil {
			return AppendResult{}, leverr.New("journal.Append", leverr.ValidationFailed, err)
		}
		e.Hash = chainHash(prevHash, canon)
		e.PrevHash = prevHash

		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return AppendResult{}, leverr.New("journal.Append", leverr.ValidationFailed, err)
		}
		targetID, _ := e.Payload["targetId"].(string)
		if targetID == "" {
			targetID = bundle.Target
		}

		var seq int64
		insertRow := tx.QueryRowContext(ctx, `
			INSERT INTO events (event_id, event_type, target_id, timestamp, actor_id, payload, prev_hash, hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING sequence`,
			e.EventID, string(e.EventType), targetID, e.Timestamp, e.ActorID, payload, e.PrevHash, e.Hash)
		if err := insertRow.Scan(&seq); err != nil {
			if isUniqueViolation(err) {
				return AppendResult{}, leverr.Newf("journal.Append", leverr.Conflict, "duplicate eventId %q: %v", e.EventID, err)
			}
			return AppendResult{}, leverr.New("journal.Append", leverr.TransportFailed, err)
		}
		if first == 0 {
			first = seq
		}
		last = seq
		prevHash = e.Hash
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, leverr.New("journal.Append", leverr.TransportFailed, err)
	}

	return AppendResult{FirstSequence: first, LastSequence: last, TipHash: prevHash}, nil
}

// isUniqueViolation reports whether err looks like a Postgres unique
// constraint violation (SQLSTATE 23505), without importing pgconn's
// error type directly so PGStore's call sites stay decoupled from the
// pgx-specific error shape.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

// Range implements Store.
func (s *PGStore) Range(ctx context.Context, sinceID, untilID int64, filter RangeFilter) ([]Event, error) {
	query := `SELECT sequence, event_id, event_type, target_id, timestamp, actor_id, payload, prev_hash, hash FROM events WHERE sequence >= $1`
	args := []interface{}{sinceID}
	if untilID > 0 {
		query += ` AND sequence < $2`
		args = append(args, untilID)
	}
	if filter.Target != "" {
		query += fmt.Sprintf(` AND target_id = $%d`, len(args)+1)
		args = append(args, filter.Target)
	}
	query += ` ORDER BY sequence ASC`

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, leverr.New("journal.Range", leverr.TransportFailed, err)
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		var payload map[string]interface{}
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return nil, leverr.New("journal.Range", leverr.IntegrityAlarm, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return nil, leverr.New("journal.Range", leverr.IntegrityAlarm, err)
		}
		e := Event{
			EventID:   r.EventID,
			EventType: EventType(r.EventType),
			Timestamp: ts,
			ActorID:   r.ActorID,
			Payload:   payload,
			Sequence:  r.Sequence,
			PrevHash:  r.PrevHash,
			Hash:      r.Hash,
		}
		if !filter.matches(e) {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Tip implements Store.
func (s *PGStore) Tip(ctx context.Context) (Tip, error) {
	var t Tip
	row := s.db.QueryRowContext(ctx, `SELECT sequence, hash FROM events ORDER BY sequence DESC LIMIT 1`)
	if err := row.Scan(&t.Sequence, &t.Hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tip{Sequence: 0, Hash: GenesisHash}, nil
		}
		return Tip{}, leverr.New("journal.Tip", leverr.TransportFailed, err)
	}
	return t, nil
}

// VerifyChain implements Store.
func (s *PGStore) VerifyChain(ctx context.Context, from, to int64) error {
	until := int64(0)
	if to > 0 {
		until = to + 1
	}
	events, err := s.Range(ctx, from, until, RangeFilter{})
	if err != nil {
		return err
	}
	prevHash := GenesisHash
	if from > 1 && len(events) > 0 {
		prevHash = events[0].PrevHash
	}
	for _, e := range events {
		if e.PrevHash != prevHash {
			return &VerifyError{Sequence: e.Sequence, Reason: "prevHash does not match predecessor's hash"}
		}
		canon, err := canonicalize(e)
		if err != nil {
			return &VerifyError{Sequence: e.Sequence, Reason: fmt.Sprintf("cannot canonicalize: %v", err)}
		}
		if chainHash(prevHash, canon) != e.Hash {
			return &VerifyError{Sequence: e.Sequence, Reason: "hash does not match recomputed hash"}
		}
		prevHash = e.Hash
	}
	return nil
}

// Close implements Store.
func (s *PGStore) Close() error {
	return s.db.Close()
}
