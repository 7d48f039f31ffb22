// Package artifact implements the content-addressed blob store backing
// worker crash artifacts and the journal's ArtifactRef pointers (spec
// §3, §6.6). Layout mirrors Go's own module-cache and git's object
// store: a blob's sha256 hex digest splits into a two-character shard
// directory plus the remaining digest as filename, so no single
// directory accumulates more entries than the shard fan-out allows.
// Grounded on internal/journal.FileStore's mutex-guarded, os.MkdirAll-
// on-open shape, narrowed here to content-addressed writes instead of
// an append-only segment.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/leviathan-agent/leviathan/internal/journal"
	"github.com/leviathan-agent/leviathan/internal/leverr"
)

// Store persists content-addressed blobs under a root directory.
type Store struct {
	root string
}

// New opens (or creates) an artifact store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, leverr.New("artifact.New", leverr.InternalError, err)
	}
	return &Store{root: dir}, nil
}

// shardPath returns the on-disk path for a sha256 hex digest, sharded
// two characters deep (e.g. "ab/cd1234...").
func (s *Store) shardPath(sha256Hex string) string {
	return filepath.Join(s.root, sha256Hex[:2], sha256Hex[2:])
}

// Put writes content to the store and returns its ArtifactRef. Writing
// the same content twice is a no-op the second time: the digest is the
// same, so the write lands on the same path.
func (s *Store) Put(ctx context.Context, kind, mimeType string, content []byte) (journal.ArtifactRef, error) {
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	path := s.shardPath(digest)
	if _, err := os.Stat(path); err == nil {
		return s.ref(digest, kind, mimeType, int64(len(content))), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return journal.ArtifactRef{}, leverr.New("artifact.Put", leverr.InternalError, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return journal.ArtifactRef{}, leverr.New("artifact.Put", leverr.InternalError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return journal.ArtifactRef{}, leverr.New("artifact.Put", leverr.InternalError, err)
	}
	return s.ref(digest, kind, mimeType, int64(len(content))), nil
}

func (s *Store) ref(digest, kind, mimeType string, size int64) journal.ArtifactRef {
	return journal.ArtifactRef{
		SHA256:   digest,
		Kind:     kind,
		URI:      "artifact://" + digest,
		Size:     size,
		MimeType: mimeType,
	}
}

// Get reads back the blob identified by ref.SHA256.
func (s *Store) Get(ctx context.Context, ref journal.ArtifactRef) ([]byte, error) {
	path := s.shardPath(ref.SHA256)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, leverr.New("artifact.Get", leverr.NotFound, fmt.Errorf("artifact %s not found", ref.SHA256))
		}
		return nil, leverr.New("artifact.Get", leverr.InternalError, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
