// Package client provides the Go SDK for the sovereign audit ledger HTTP
// API: appending entries, checking integrity, inspecting anchors, and
// downloading compliance bundles.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sovereign-ledger/sovereign/internal/bundle"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
)

// Entry mirrors the wire form of a ledger entry.
type Entry = ledger.Entry

// VerificationResult mirrors the wire form of a verification report.
type VerificationResult = ledger.VerificationResult

// Overview is the summary returned by GET /api/v1/ledger.
type Overview struct {
	Entries      uint64 `json:"entries"`
	Head         string `json:"head"`
	Frozen       bool   `json:"frozen"`
	FreezeReason string `json:"freeze_reason,omitempty"`
}

// AnchorSummary is one anchor as returned by the API.
type AnchorSummary struct {
	ID             string    `json:"anchor_id"`
	Seq            uint64    `json:"anchor_seq"`
	BatchStart     uint64    `json:"batch_start_seq"`
	BatchEnd       uint64    `json:"batch_end_seq"`
	MerkleRoot     string    `json:"merkle_root"`
	TSATime        time.Time `json:"tsa_time"`
	PrevAnchorHash string    `json:"previous_anchor_hash"`
	Hash           string    `json:"anchor_hash"`
}

// Client is the SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout on the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a Client for the daemon at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append appends one entry and returns it as recorded, including its
// sequence number, hash, and HMAC tag.
func (c *Client) Append(ctx context.Context, eventType string, payload []byte) (*Entry, error) {
	var e Entry
	err := c.call(ctx, http.MethodPost, "/api/v1/ledger/entries",
		map[string]any{"event_type": eventType, "payload": payload}, &e)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntry fetches the entry at seq.
func (c *Client) GetEntry(ctx context.Context, seq uint64) (*Entry, error) {
	var e Entry
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/v1/ledger/entries/%d", seq), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Overview fetches the chain length, head hash, and freeze state.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var o Overview
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger", nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// VerifyChain asks the daemon to recompute the chain over [from, to].
func (c *Client) VerifyChain(ctx context.Context, from, to uint64) (*VerificationResult, error) {
	var res VerificationResult
	path := fmt.Sprintf("/api/v1/ledger/verify?from=%d&to=%d", from, to)
	if err := c.call(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Unfreeze clears a frozen ledger, recording operator in the daemon's log.
func (c *Client) Unfreeze(ctx context.Context, operator string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/ledger/unfreeze",
		map[string]string{"operator": operator}, nil)
}

// ListAnchors returns all anchors in sequence order.
func (c *Client) ListAnchors(ctx context.Context) ([]AnchorSummary, error) {
	var resp struct {
		Anchors []AnchorSummary `json:"anchors"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/anchors", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Anchors, nil
}

// ForceAnchor anchors all uncovered entries regardless of batch
// completeness.
func (c *Client) ForceAnchor(ctx context.Context) (*AnchorSummary, error) {
	var a AnchorSummary
	if err := c.call(ctx, http.MethodPost, "/api/v1/anchors/force", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// VerifyAnchors asks the daemon to walk the anchor chain. A nil error with
// valid=false means the daemon completed the walk and found a violation.
func (c *Client) VerifyAnchors(ctx context.Context) (valid bool, reason string, err error) {
	var resp struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/anchors/verify", nil, &resp); err != nil {
		return false, "", err
	}
	return resp.Valid, resp.Error, nil
}

// Export downloads a compliance bundle covering [from, to]. The returned
// bundle is already parsed; call its Verify method for offline checking.
func (c *Client) Export(ctx context.Context, from, to uint64) (*bundle.Bundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/export?from=%d&to=%d", c.base, from, to), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, body)
	}
	return bundle.Read(resp.Body)
}

// call performs one JSON round-trip. out may be nil when the response body
// is irrelevant.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found: %s", path)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server error %d: %s", resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
