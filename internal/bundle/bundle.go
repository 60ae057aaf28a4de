// Package bundle assembles self-contained compliance evidence: a slice of
// ledger entries together with the anchors covering them, the genesis and
// timestamp-authority public keys, and the continuity pin. A bundle is
// verifiable by an auditor with no access to the ledger host.
package bundle

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/continuity"
	"github.com/sovereign-ledger/sovereign/internal/genesis"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
	"github.com/sovereign-ledger/sovereign/internal/merkle"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

const formatVersion = 1

// Bundle is the export envelope.
type Bundle struct {
	FormatVersion    int              `json:"format_version"`
	GeneratedAt      time.Time        `json:"generated_at"`
	GenesisID        string           `json:"genesis_id"`
	GenesisPublicKey string           `json:"genesis_public_key"`
	TSAPublicKey     string           `json:"tsa_public_key"`
	Pin              *continuity.Pin  `json:"continuity_pin,omitempty"`
	HeadSeq          uint64           `json:"head_seq"`
	HeadHash         string           `json:"head_hash"`
	Entries          []*ledger.Entry  `json:"entries"`
	Anchors          []*anchor.Anchor `json:"anchors"`
}

// Exporter builds bundles from a live ledger.
type Exporter struct {
	Ledger   *ledger.Ledger
	Anchors  anchor.Store
	Identity *genesis.Identity
	TSAPub   ed25519.PublicKey
	Pin      *continuity.Pin
}

// Export assembles a bundle covering entries [from,to] and every anchor
// whose batch intersects that range.
func (x *Exporter) Export(ctx context.Context, from, to uint64) (*Bundle, error) {
	n, err := x.Ledger.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle: ledger length: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("bundle: ledger is empty")
	}
	if to >= n {
		to = n - 1
	}
	if from > to {
		return nil, fmt.Errorf("bundle: empty range [%d,%d]", from, to)
	}

	entries, err := x.Ledger.Entries(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("bundle: read entries: %w", err)
	}

	all, err := x.Anchors.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle: list anchors: %w", err)
	}
	var covering []*anchor.Anchor
	for _, a := range all {
		if a.BatchEnd >= from && a.BatchStart <= to {
			covering = append(covering, a)
		}
	}

	head := entries[len(entries)-1]
	return &Bundle{
		FormatVersion:    formatVersion,
		GeneratedAt:      time.Now().UTC(),
		GenesisID:        x.Identity.ID(),
		GenesisPublicKey: hex.EncodeToString(x.Identity.PublicKey()),
		TSAPublicKey:     hex.EncodeToString(x.TSAPub),
		Pin:              x.Pin,
		HeadSeq:          head.Seq,
		HeadHash:         head.Hash,
		Entries:          entries,
		Anchors:          covering,
	}, nil
}

// WriteTo streams the bundle as indented JSON.
func (b *Bundle) WriteTo(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}

// Read parses a bundle previously produced by WriteTo.
func Read(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("bundle: decode: %w", err)
	}
	if b.FormatVersion != formatVersion {
		return nil, fmt.Errorf("bundle: unsupported format version %d", b.FormatVersion)
	}
	return &b, nil
}

// Verify checks the bundle offline: entry hashes and chain linkage, the
// continuity pin against the embedded public key, and for every fully
// contained anchor the Merkle root, genesis signature, timestamp token, and
// anchor chain hash. HMAC tags are not checkable without the genesis seed
// and are deliberately not part of offline evidence.
func (b *Bundle) Verify() error {
	genPub, err := hex.DecodeString(b.GenesisPublicKey)
	if err != nil || len(genPub) != ed25519.PublicKeySize {
		return fmt.Errorf("bundle: bad genesis public key")
	}
	tsaPub, err := hex.DecodeString(b.TSAPublicKey)
	if err != nil || len(tsaPub) != ed25519.PublicKeySize {
		return fmt.Errorf("bundle: bad tsa public key")
	}

	if b.Pin != nil {
		if b.Pin.PublicKeyHash != genesis.FingerprintOf(genPub) {
			return fmt.Errorf("bundle: continuity pin does not match embedded public key")
		}
	}

	if len(b.Entries) == 0 {
		return fmt.Errorf("bundle: no entries")
	}
	byHash := make(map[uint64]*ledger.Entry, len(b.Entries))
	prev := b.Entries[0]
	for i, e := range b.Entries {
		if i > 0 {
			if e.Seq != prev.Seq+1 {
				return fmt.Errorf("bundle: sequence gap at %d", e.Seq)
			}
			if e.PrevHash != prev.Hash {
				return fmt.Errorf("bundle: chain broken at entry %d", e.Seq)
			}
		}
		if e.Hash != ledger.ComputeHash(e) {
			return fmt.Errorf("bundle: entry %d hash mismatch", e.Seq)
		}
		byHash[e.Seq] = e
		prev = e
	}
	head := b.Entries[len(b.Entries)-1]
	if head.Seq != b.HeadSeq || head.Hash != b.HeadHash {
		return fmt.Errorf("bundle: head marker does not match final entry")
	}

	for _, a := range b.Anchors {
		if a.Hash != anchor.ComputeHash(a) {
			return fmt.Errorf("bundle: anchor %s hash mismatch", a.ID)
		}
		root, err := hex.DecodeString(a.MerkleRoot)
		if err != nil {
			return fmt.Errorf("bundle: anchor %s root malformed", a.ID)
		}
		sig, err := hex.DecodeString(a.GenesisSignature)
		if err != nil || !genesis.Verify(genPub, root, sig) {
			return fmt.Errorf("bundle: anchor %s genesis signature invalid", a.ID)
		}
		if _, err := tsa.Verify(a.TSAToken, root, tsaPub); err != nil {
			return fmt.Errorf("bundle: anchor %s timestamp invalid: %w", a.ID, err)
		}

		// Recompute the root only when the whole batch is present.
		first, okF := byHash[a.BatchStart]
		_, okL := byHash[a.BatchEnd]
		if !okF || !okL {
			continue
		}
		leaves := make([][]byte, 0, a.BatchEnd-a.BatchStart+1)
		for seq := a.BatchStart; seq <= a.BatchEnd; seq++ {
			e, ok := byHash[seq]
			if !ok {
				return fmt.Errorf("bundle: anchor %s batch has a hole at %d", a.ID, seq)
			}
			leaves = append(leaves, e.HashBytes())
		}
		got, err := merkle.Root(leaves)
		if err != nil {
			return fmt.Errorf("bundle: anchor %s: %w", a.ID, err)
		}
		if hex.EncodeToString(got) != a.MerkleRoot {
			return fmt.Errorf("bundle: anchor %s root does not match entries %d-%d",
				a.ID, first.Seq, a.BatchEnd)
		}
	}
	return nil
}
