package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/leviathan-agent/leviathan/internal/leverr"
)

// SegmentFilename is the line-delimited JSON segment file under a
// FileStore's directory. A single segment is enough for the volumes this
// core targets; rotation (by size or count) is a documented follow-up,
// not implemented here.
const SegmentFilename = "events.jsonl"

// TipFilename names a sidecar tip file. FileStore does not write one: it
// recomputes the current (sequence, hash) by replaying the segment on open.
const TipFilename = "tip.json"

// FileStore is the development-default Journal backend: a single
// line-delimited JSON segment under dir, with the tip recomputed from the
// segment on open rather than read from a sidecar file. Modeled directly
// on the buffered-append-under-mutex shape of the teacher's FileSink,
// extended with hash-chain computation, an in-memory eventId index for
// idempotency, and full-file replay for Range/VerifyChain.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	segment  *os.File
	writer   *bufio.Writer
	tip      Tip
	seenIDs  map[string]bool
	cachedAll []Event
}

// NewFileStore opens (or creates) a journal directory at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, leverr.New("journal.NewFileStore", leverr.InternalError, err)
	}

	fs := &FileStore{dir: dir, seenIDs: make(map[string]bool)}
	if err := fs.loadExisting(); err != nil {
		return nil, err
	}

	segPath := filepath.Join(dir, SegmentFilename)
	f, err := os.OpenFile(segPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, leverr.New("journal.NewFileStore", leverr.InternalError, err)
	}
	fs.segment = f
	fs.writer = bufio.NewWriter(f)
	return fs, nil
}

func (fs *FileStore) loadExisting() error {
	segPath := filepath.Join(fs.dir, SegmentFilename)
	f, err := os.Open(segPath)
	if os.IsNotExist(err) {
		fs.tip = Tip{Sequence: 0, Hash: GenesisHash}
		return nil
	}
	if err != nil {
		return leverr.New("journal.loadExisting", leverr.InternalError, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	fs.tip = Tip{Sequence: 0, Hash: GenesisHash}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return leverr.New("journal.loadExisting", leverr.IntegrityAlarm, err)
		}
		fs.seenIDs[e.EventID] = true
		fs.cachedAll = append(fs.cachedAll, e)
		fs.tip = Tip{Sequence: e.Sequence, Hash: e.Hash}
	}
	if err := scanner.Err(); err != nil {
		return leverr.New("journal.loadExisting", leverr.InternalError, err)
	}
	return nil
}

// Append implements Store.
func (fs *FileStore) Append(ctx context.Context, bundle Bundle) (AppendResult, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, e := range bundle.Events {
		if fs.seenIDs[e.EventID] {
			return AppendResult{}, leverr.Newf("journal.Append", leverr.Conflict, "duplicate eventId %q", e.EventID)
		}
	}

	stagedSeen := make(map[string]bool, len(bundle.Events))
	for _, e := range bundle.Events {
		if stagedSeen[e.EventID] {
			return AppendResult{}, leverr.Newf("journal.Append", leverr.Conflict, "duplicate eventId %q within bundle", e.EventID)
		}
		stagedSeen[e.EventID] = true
	}

	prevHash := fs.tip.Hash
	seq := fs.tip.Sequence
	staged := make([]Event, len(bundle.Events))
	lines := make([][]byte, len(bundle.Events))
	for i, e := range bundle.Events {
		if !IsValidEventType(e.EventType) {
			return AppendResult{}, leverr.Newf("journal.Append", leverr.ValidationFailed, "unknown eventType %q", e.EventType)
		}
		canon, err := canonicalize(e)
		if err != nil {
			return AppendResult{}, leverr.New("journal.Append", leverr.ValidationFailed, err)
		}
		seq++
		e.Sequence = seq
		e.PrevHash = prevHash
		e.Hash = chainHash(prevHash, canon)
		prevHash = e.Hash

		line, err := json.Marshal(e)
		if err != nil {
			return AppendResult{}, leverr.New("journal.Append", leverr.ValidationFailed, err)
		}
		lines[i] = line
		staged[i] = e
	}

	for _, line := range lines {
		if _, err := fs.writer.Write(line); err != nil {
			return AppendResult{}, leverr.New("journal.Append", leverr.TransportFailed, err)
		}
		if err := fs.writer.WriteByte('\n'); err != nil {
			return AppendResult{}, leverr.New("journal.Append", leverr.TransportFailed, err)
		}
	}
	if err := fs.writer.Flush(); err != nil {
		return AppendResult{}, leverr.New("journal.Append", leverr.TransportFailed, err)
	}

	for _, e := range staged {
		fs.seenIDs[e.EventID] = true
		fs.cachedAll = append(fs.cachedAll, e)
	}
	fs.tip = Tip{Sequence: seq, Hash: prevHash}

	return AppendResult{
		FirstSequence: staged[0].Sequence,
		LastSequence:  staged[len(staged)-1].Sequence,
		TipHash:       fs.tip.Hash,
	}, nil
}

// Range implements Store.
func (fs *FileStore) Range(ctx context.Context, sinceID, untilID int64, filter RangeFilter) ([]Event, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var out []Event
	for _, e := range fs.cachedAll {
		if sinceID > 0 && e.Sequence < sinceID {
			continue
		}
		if untilID > 0 && e.Sequence >= untilID {
			continue
		}
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Tip implements Store.
func (fs *FileStore) Tip(ctx context.Context) (Tip, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.tip, nil
}

// VerifyChain implements Store.
func (fs *FileStore) VerifyChain(ctx context.Context, from, to int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	prevHash := GenesisHash
	for _, e := range fs.cachedAll {
		if from > 0 && e.Sequence < from {
			prevHash = e.Hash
			continue
		}
		if to > 0 && e.Sequence > to {
			break
		}
		if e.PrevHash != prevHash {
			return &VerifyError{Sequence: e.Sequence, Reason: "prevHash does not match predecessor's hash"}
		}
		canon, err := canonicalize(e)
		if err != nil {
			return &VerifyError{Sequence: e.Sequence, Reason: fmt.Sprintf("cannot canonicalize: %v", err)}
		}
		want := chainHash(prevHash, canon)
		if want != e.Hash {
			return &VerifyError{Sequence: e.Sequence, Reason: "hash does not match recomputed hash"}
		}
		prevHash = e.Hash
	}
	return nil
}

// Close implements Store.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.segment == nil {
		return nil
	}
	if err := fs.writer.Flush(); err != nil {
		_ = fs.segment.Close()
		fs.segment = nil
		return leverr.New("journal.Close", leverr.InternalError, err)
	}
	err := fs.segment.Close()
	fs.segment = nil
	if err != nil {
		return leverr.New("journal.Close", leverr.InternalError, err)
	}
	return nil
}
