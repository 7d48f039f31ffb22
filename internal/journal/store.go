package journal

import (
	"context"
	"strconv"
)

// Store is the Event Journal contract (spec §4.1). Both backends
// (file, Postgres) implement it identically from the caller's
// perspective; only durability and query performance differ.
type Store interface {
	// Append persists every event in bundle, in order, assigning a
	// contiguous hash chain, or persists none of them.
	Append(ctx context.Context, bundle Bundle) (AppendResult, error)

	// Range returns events in sequence order, inclusive of sinceID and
	// exclusive of untilID when set (zero means unbounded on that end).
	Range(ctx context.Context, sinceID, untilID int64, filter RangeFilter) ([]Event, error)

	// Tip returns the latest (sequence, hash), or sequence 0 with
	// GenesisHash if the journal is empty.
	Tip(ctx context.Context) (Tip, error)

	// VerifyChain walks [from, to] (0 means "from genesis"/"to tip") and
	// reports the first inconsistency found, or nil if the chain is
	// intact.
	VerifyChain(ctx context.Context, from, to int64) error

	Close() error
}

// VerifyError describes the first point at which chain verification
// failed.
type VerifyError struct {
	Sequence int64
	Reason   string
}

func (e *VerifyError) Error() string {
	return "journal: chain diverges at sequence " + strconv.FormatInt(e.Sequence, 10) + ": " + e.Reason
}
