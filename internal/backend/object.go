package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ObjectStore talks to a write-once-read-many HTTP object store (any
// S3-compatible gateway with object lock, or a purpose-built WORM service).
// Objects are keyed by content hash; a conditional PUT makes retries
// idempotent, and an already-stored object is success, not conflict.
type ObjectStore struct {
	baseURL   string
	retention time.Duration
	http      *http.Client
}

// NewObjectStore creates an ObjectStore client for baseURL. retention is the
// lock duration requested on each object; timeout <= 0 selects 30s.
func NewObjectStore(baseURL string, retention time.Duration, timeout time.Duration) *ObjectStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ObjectStore{
		baseURL:   baseURL,
		retention: retention,
		http:      &http.Client{Timeout: timeout},
	}
}

// Name implements Backend.
func (o *ObjectStore) Name() string { return "object-store" }

// SupportsRetentionLock implements Backend.
func (o *ObjectStore) SupportsRetentionLock() bool { return true }

// Put implements Backend.
func (o *ObjectStore) Put(ctx context.Context, content []byte) (string, error) {
	sum := sha256.Sum256(content)
	id := hex.EncodeToString(sum[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		o.baseURL+"/objects/"+id, bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("object-store: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("If-None-Match", "*")
	if o.retention > 0 {
		req.Header.Set("X-Retention-Until",
			time.Now().UTC().Add(o.retention).Format(time.RFC3339))
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: object-store: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return id, nil
	case http.StatusPreconditionFailed, http.StatusConflict:
		// Object already exists under this hash. Idempotent success.
		return id, nil
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: object-store returned %d: %s", ErrUnavailable, resp.StatusCode, b)
	}
}

// Get implements Backend.
func (o *ObjectStore) Get(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/objects/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("object-store: build request: %w", err)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: object-store: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: object-store returned %d", ErrUnavailable, resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: object-store: %v", ErrUnavailable, err)
	}

	// Validate content against its hash-derived key.
	sum := sha256.Sum256(b)
	if hex.EncodeToString(sum[:]) != id {
		return nil, fmt.Errorf("object-store: content does not match id %s", id)
	}
	return b, nil
}
