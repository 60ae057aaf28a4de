// Package tsa obtains and validates external timestamp attestations for
// anchor roots.
//
// A token is a detached, third-party-verifiable claim that a digest existed
// at a given time. Tokens are signed JWTs (EdDSA) carrying the digest and the
// authority's issuance time; the same format is produced by the remote HTTP
// client and the in-process authority, so verification code never cares which
// one minted a token.
package tsa

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds a single call to a remote authority.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrDigestMismatch is returned when a token does not attest the
	// presented digest.
	ErrDigestMismatch = errors.New("tsa: token digest does not match")

	// ErrBadToken is returned for tokens that fail signature or structural
	// validation.
	ErrBadToken = errors.New("tsa: invalid token")
)

// Token is a verified timestamp attestation.
type Token struct {
	// Raw is the opaque serialized token as received from the authority.
	Raw string `json:"raw"`
	// Digest is the hex digest the authority attested.
	Digest string `json:"digest"`
	// Time is the authority's issuance time.
	Time time.Time `json:"time"`
}

// Provider requests timestamp attestations for digests.
type Provider interface {
	RequestTimestamp(ctx context.Context, digest []byte) (*Token, error)
}

// claims is the signed payload of a timestamp token.
type claims struct {
	jwt.RegisteredClaims
	Digest string `json:"digest"`
}

// Authority is an in-process timestamp authority. It exists for self-hosted
// deployments and tests; production setups point the HTTP client at an
// independently operated service instead, since an attacker controlling the
// host also controls this authority's clock.
type Authority struct {
	key    ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string

	// Now is the clock used for issuance; overridable in tests.
	Now func() time.Time
}

// NewAuthority creates an Authority signing with key under the given issuer name.
func NewAuthority(key ed25519.PrivateKey, issuer string) *Authority {
	return &Authority{
		key:    key,
		pub:    key.Public().(ed25519.PublicKey),
		issuer: issuer,
		Now:    time.Now,
	}
}

// PublicKey returns the verification key for tokens minted by this authority.
func (a *Authority) PublicKey() ed25519.PublicKey { return a.pub }

// RequestTimestamp implements Provider.
func (a *Authority) RequestTimestamp(_ context.Context, digest []byte) (*Token, error) {
	// Truncate to the token wire precision so the returned Time matches
	// what any later Verify recovers from the serialized claim.
	now := a.Now().UTC().Truncate(time.Second)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   a.issuer,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.New().String(),
		},
		Digest: hex.EncodeToString(digest),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c).SignedString(a.key)
	if err != nil {
		return nil, fmt.Errorf("tsa: sign token: %w", err)
	}
	return &Token{Raw: raw, Digest: c.Digest, Time: now}, nil
}

// Verify checks raw against the authority public key and the expected digest,
// returning the parsed token on success.
func Verify(raw string, digest []byte, pub ed25519.PublicKey) (*Token, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.IssuedAt == nil {
		return nil, ErrBadToken
	}
	if c.Digest != hex.EncodeToString(digest) {
		return nil, ErrDigestMismatch
	}
	return &Token{Raw: raw, Digest: c.Digest, Time: c.IssuedAt.Time.UTC()}, nil
}
