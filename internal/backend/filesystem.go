package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Filesystem stores content under a local directory, named by content hash.
// It is the fallback sink for air-gapped or degraded deployments: better a
// copy on a second disk than no copy at all. It offers no retention lock.
type Filesystem struct {
	dir string
}

// NewFilesystem creates a Filesystem backend rooted at dir.
func NewFilesystem(dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filesystem backend: create %q: %w", dir, err)
	}
	return &Filesystem{dir: dir}, nil
}

// Name implements Backend.
func (f *Filesystem) Name() string { return "filesystem" }

// SupportsRetentionLock implements Backend.
func (f *Filesystem) SupportsRetentionLock() bool { return false }

// Put implements Backend. Content is written once under its SHA-256 name;
// re-putting identical bytes returns the same id without touching the file.
func (f *Filesystem) Put(_ context.Context, content []byte) (string, error) {
	sum := sha256.Sum256(content)
	id := hex.EncodeToString(sum[:])
	path := f.path(id)

	if _, err := os.Stat(path); err == nil {
		return id, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("%w: filesystem: %v", ErrUnavailable, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o400); err != nil {
		return "", fmt.Errorf("%w: filesystem: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: filesystem: %v", ErrUnavailable, err)
	}
	return id, nil
}

// Get implements Backend.
func (f *Filesystem) Get(_ context.Context, id string) ([]byte, error) {
	b, err := os.ReadFile(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: filesystem: %v", ErrUnavailable, err)
	}
	return b, nil
}

// path shards by the leading hash byte to keep directories small.
func (f *Filesystem) path(id string) string {
	shard := "xx"
	if len(id) >= 2 {
		shard = id[:2]
	}
	return filepath.Join(f.dir, shard, id)
}
