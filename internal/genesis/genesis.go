// Package genesis manages the root cryptographic identity of a ledger instance.
//
// A Genesis identity is an Ed25519 signing keypair plus an opaque unique id,
// created exactly once per deployment. Every ledger entry HMAC key and every
// anchor signature derives its authority from this identity. Generate refuses
// to run when any identity material already exists on disk, readable or not:
// replacing a Genesis is always an operator decision, never an automatic one.
package genesis

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	keyFile  = "genesis.key"
	infoFile = "genesis.json"

	keyPEMType = "SOVEREIGN GENESIS PRIVATE KEY"

	// seedInfo is the HKDF info string separating the HMAC seed from the
	// signing key. The two must never be interchangeable.
	seedInfo = "sovereign/v1/hmac-seed"
)

// SeedSize is the size in bytes of the derived HMAC seed.
const SeedSize = 32

var (
	// ErrExists is returned by Generate when identity material is already
	// present in the key directory.
	ErrExists = errors.New("genesis: identity already exists, refusing to overwrite")

	// ErrNotFound is returned by Load when no identity has been generated yet.
	ErrNotFound = errors.New("genesis: no identity found")
)

// Identity is the root signing identity of a ledger instance.
// The private key never leaves process memory except through Sign.
type Identity struct {
	id      string
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	created time.Time
}

// info is the on-disk metadata document stored next to the key.
type info struct {
	GenesisID string    `json:"genesis_id"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Generate creates a brand-new identity in dir.
// It fails with ErrExists if either the key or the metadata file is present,
// even when the existing material is unreadable or corrupt. A half-written
// identity is an operator problem, not something to silently paper over.
func Generate(dir string) (*Identity, error) {
	for _, name := range []string{keyFile, infoFile} {
		if _, err := os.Lstat(filepath.Join(dir, name)); err == nil {
			return nil, fmt.Errorf("%w: found %s in %s", ErrExists, name, dir)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("genesis: stat %s: %w", name, err)
		}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("genesis: create key dir %q: %w", dir, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("genesis: generate keypair: %w", err)
	}

	id := &Identity{
		id:      uuid.New().String(),
		pub:     pub,
		priv:    priv,
		created: time.Now().UTC(),
	}
	if err := id.save(dir); err != nil {
		return nil, err
	}
	return id, nil
}

// Load reads an existing identity from dir.
func Load(dir string) (*Identity, error) {
	keyPEM, err := os.ReadFile(filepath.Join(dir, keyFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("genesis: read key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != keyPEMType {
		return nil, fmt.Errorf("genesis: %s is not a %s PEM block", keyFile, keyPEMType)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("genesis: parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("genesis: key is %T, want ed25519", parsed)
	}

	raw, err := os.ReadFile(filepath.Join(dir, infoFile))
	if err != nil {
		return nil, fmt.Errorf("genesis: read metadata: %w", err)
	}
	var meta info
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("genesis: parse metadata: %w", err)
	}

	pub := priv.Public().(ed25519.PublicKey)
	if meta.PublicKey != hex.EncodeToString(pub) {
		return nil, fmt.Errorf("genesis: metadata public key does not match private key")
	}

	return &Identity{
		id:      meta.GenesisID,
		pub:     pub,
		priv:    priv,
		created: meta.CreatedAt,
	}, nil
}

// LoadOrGenerate loads the identity from dir, generating one only when no
// identity material exists at all. Unreadable material still fails.
func LoadOrGenerate(dir string) (*Identity, bool, error) {
	id, err := Load(dir)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	id, err = Generate(dir)
	if err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func (g *Identity) save(dir string) error {
	der, err := x509.MarshalPKCS8PrivateKey(g.priv)
	if err != nil {
		return fmt.Errorf("genesis: marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: keyPEMType, Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, keyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("genesis: write key: %w", err)
	}

	meta, err := json.Marshal(info{
		GenesisID: g.id,
		PublicKey: hex.EncodeToString(g.pub),
		CreatedAt: g.created,
	})
	if err != nil {
		return fmt.Errorf("genesis: marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, infoFile), meta, 0o600); err != nil {
		return fmt.Errorf("genesis: write metadata: %w", err)
	}
	return nil
}

// ID returns the opaque unique identifier assigned at creation.
func (g *Identity) ID() string { return g.id }

// PublicKey returns the 32-byte Ed25519 public key.
func (g *Identity) PublicKey() ed25519.PublicKey { return g.pub }

// CreatedAt returns when the identity was generated.
func (g *Identity) CreatedAt() time.Time { return g.created }

// Sign signs msg with the Genesis private key.
func (g *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(g.priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Fingerprint returns the hex SHA-256 of the public key. It is the immutable
// value pinned by the continuity guard.
func (g *Identity) Fingerprint() string {
	return FingerprintOf(g.pub)
}

// FingerprintOf computes the fingerprint of a bare public key, for callers
// verifying exported evidence without a full identity on hand.
func FingerprintOf(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// HMACSeed derives the 32-byte seed from which all per-epoch HMAC keys are
// drawn. The derivation is deterministic: the same identity always yields the
// same seed, which is what makes audit replay reproduce identical tags.
func (g *Identity) HMACSeed() [SeedSize]byte {
	var seed [SeedSize]byte
	r := hkdf.New(sha256.New, g.priv.Seed(), nil, []byte(seedInfo))
	if _, err := r.Read(seed[:]); err != nil {
		// HKDF over a fixed-size request cannot fail.
		panic(fmt.Sprintf("genesis: hkdf: %v", err))
	}
	return seed
}

// SameSigner reports in constant time whether two public keys are identical.
func SameSigner(a, b ed25519.PublicKey) bool {
	return len(a) == len(b) && hmac.Equal(a, b)
}
