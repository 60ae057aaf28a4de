package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// CAS is a content-addressed store: receipts are CIDv1 strings (raw codec,
// SHA2-256), so any IPFS-compatible tool can locate and validate the anchor
// bytes independently of this process. Blocks live in a sharded local
// directory which is expected to be replicated off-machine (mounted network
// volume, pinning sidecar, rsync target).
type CAS struct {
	dir string
}

// NewCAS creates a CAS backend writing blocks under dir.
func NewCAS(dir string) (*CAS, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cas backend: create %q: %w", dir, err)
	}
	return &CAS{dir: dir}, nil
}

// Name implements Backend.
func (c *CAS) Name() string { return "cas" }

// SupportsRetentionLock implements Backend. Content addressing is inherently
// write-once: a mutated block is a different CID, not an overwrite.
func (c *CAS) SupportsRetentionLock() bool { return true }

// Put implements Backend.
func (c *CAS) Put(_ context.Context, content []byte) (string, error) {
	sum, err := mh.Sum(content, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("cas: multihash: %w", err)
	}
	id := cid.NewCidV1(cid.Raw, sum)

	path := c.path(id)
	if _, err := os.Stat(path); err == nil {
		return id.String(), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("%w: cas: %v", ErrUnavailable, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o400); err != nil {
		return "", fmt.Errorf("%w: cas: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: cas: %v", ErrUnavailable, err)
	}
	return id.String(), nil
}

// Get implements Backend. The block is re-hashed on read: a CAS that returns
// bytes not matching their CID is worse than one that returns nothing.
func (c *CAS) Get(_ context.Context, id string) ([]byte, error) {
	parsed, err := cid.Decode(id)
	if err != nil {
		return nil, fmt.Errorf("cas: bad receipt id %q: %w", id, err)
	}

	b, err := os.ReadFile(c.path(parsed))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cas: %v", ErrUnavailable, err)
	}

	sum, err := mh.Sum(b, mh.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("cas: multihash: %w", err)
	}
	if !cid.NewCidV1(cid.Raw, sum).Equals(parsed) {
		return nil, fmt.Errorf("cas: content does not match cid %s", id)
	}
	return b, nil
}

func (c *CAS) path(id cid.Cid) string {
	s := id.String()
	shard := s[len(s)-2:]
	return filepath.Join(c.dir, shard, s)
}
