package tsa

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client requests tokens from a remote timestamp authority over HTTP and
// verifies every response against the authority's published key before
// accepting it. The authority is trusted for time, never blindly for content.
type Client struct {
	baseURL string
	pub     ed25519.PublicKey
	http    *http.Client
}

// NewClient creates a Client for the authority at baseURL whose tokens verify
// under pub. timeout <= 0 selects DefaultRequestTimeout.
func NewClient(baseURL string, pub ed25519.PublicKey, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		baseURL: baseURL,
		pub:     pub,
		http:    &http.Client{Timeout: timeout},
	}
}

type timestampRequest struct {
	Digest string `json:"digest"`
}

type timestampResponse struct {
	Token string `json:"token"`
}

// RequestTimestamp implements Provider.
func (c *Client) RequestTimestamp(ctx context.Context, digest []byte) (*Token, error) {
	body, err := json.Marshal(timestampRequest{Digest: hex.EncodeToString(digest)})
	if err != nil {
		return nil, fmt.Errorf("tsa: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/timestamp", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tsa: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tsa: request timestamp: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tsa: authority returned %d: %s", resp.StatusCode, b)
	}

	var tr timestampResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("tsa: decode response: %w", err)
	}

	return Verify(tr.Token, digest, c.pub)
}
