package tsa_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

var ctx = context.Background()

func newAuthority(t *testing.T) *tsa.Authority {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return tsa.NewAuthority(key, "test-authority")
}

func TestAuthority_issueAndVerify(t *testing.T) {
	a := newAuthority(t)
	digest := sha256.Sum256([]byte("merkle root"))

	tok, err := a.RequestTimestamp(ctx, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	verified, err := tsa.Verify(tok.Raw, digest[:], a.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	if !verified.Time.Equal(tok.Time) {
		t.Errorf("verified time %s does not match issued time %s", verified.Time, tok.Time)
	}
	if verified.Digest != tok.Digest {
		t.Errorf("verified digest %q does not match issued digest %q", verified.Digest, tok.Digest)
	}
}

func TestVerify_rejectsWrongDigest(t *testing.T) {
	a := newAuthority(t)
	digest := sha256.Sum256([]byte("root"))
	other := sha256.Sum256([]byte("different root"))

	tok, err := a.RequestTimestamp(ctx, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tsa.Verify(tok.Raw, other[:], a.PublicKey()); !errors.Is(err, tsa.ErrDigestMismatch) {
		t.Errorf("got %v, want ErrDigestMismatch", err)
	}
}

func TestVerify_rejectsForeignSigner(t *testing.T) {
	a := newAuthority(t)
	b := newAuthority(t)
	digest := sha256.Sum256([]byte("root"))

	tok, err := a.RequestTimestamp(ctx, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tsa.Verify(tok.Raw, digest[:], b.PublicKey()); !errors.Is(err, tsa.ErrBadToken) {
		t.Errorf("got %v, want ErrBadToken", err)
	}
}

func TestGuard_monotonicViolation(t *testing.T) {
	a := newAuthority(t)
	g := tsa.NewGuard(time.Time{}, time.Hour, zap.NewNop())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.Now = func() time.Time { return base }
	digest := sha256.Sum256([]byte("root"))

	issue := func(at time.Time) *tsa.Token {
		a.Now = func() time.Time { return at }
		tok, err := a.RequestTimestamp(ctx, digest[:])
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}

	// t1 < t2 < t1: the third admission must trip the monotonic rule.
	if err := g.Admit(issue(base.Add(-2 * time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := g.Admit(issue(base.Add(-1 * time.Minute))); err != nil {
		t.Fatal(err)
	}
	err := g.Admit(issue(base.Add(-2 * time.Minute)))
	if !errors.Is(err, tsa.ErrMonotonicViolation) {
		t.Fatalf("got %v, want ErrMonotonicViolation", err)
	}

	// Guard stays halted, even for otherwise valid tokens.
	if err := g.Admit(issue(base)); !errors.Is(err, tsa.ErrHalted) {
		t.Errorf("got %v, want ErrHalted", err)
	}

	g.Acknowledge("ops@example.com")
	if err := g.Admit(issue(base)); err != nil {
		t.Errorf("admission after acknowledge failed: %v", err)
	}
}

func TestGuard_clockSkew(t *testing.T) {
	a := newAuthority(t)
	g := tsa.NewGuard(time.Time{}, 5*time.Minute, zap.NewNop())

	local := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.Now = func() time.Time { return local }

	// Authority clock 20 minutes ahead of local: outside the window.
	a.Now = func() time.Time { return local.Add(20 * time.Minute) }
	digest := sha256.Sum256([]byte("root"))
	tok, err := a.RequestTimestamp(ctx, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	if err := g.Admit(tok); !errors.Is(err, tsa.ErrClockSkew) {
		t.Fatalf("got %v, want ErrClockSkew", err)
	}
	if halted, _ := g.Halted(); !halted {
		t.Error("guard should be halted after skew violation")
	}
}

func TestClient_remoteRoundTrip(t *testing.T) {
	a := newAuthority(t)
	digest := sha256.Sum256([]byte("root"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Digest string `json:"digest"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tok, err := a.RequestTimestamp(r.Context(), digest[:])
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": tok.Raw})
	}))
	defer srv.Close()

	c := tsa.NewClient(srv.URL, a.PublicKey(), time.Second)
	tok, err := c.RequestTimestamp(ctx, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	if tok.Digest == "" || tok.Time.IsZero() {
		t.Errorf("incomplete token: %+v", tok)
	}
}

func TestClient_rejectsAuthorityError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := tsa.NewClient(srv.URL, nil, time.Second)
	digest := sha256.Sum256([]byte("root"))
	if _, err := c.RequestTimestamp(ctx, digest[:]); err == nil {
		t.Error("expected error from failing authority")
	}
}
