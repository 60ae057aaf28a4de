// Package anchor periodically condenses batches of ledger entries into
// signed, externally timestamped Merkle roots and replicates them to
// off-machine backends.
//
// Anchors form their own hash chain through PrevAnchorHash, independent of
// the entry chain they summarize. An attacker who rewrites local entries
// would also have to rewrite every historical anchor, and those already
// live on backends outside the host's trust boundary.
package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sovereign-ledger/sovereign/internal/backend"
)

// ZeroAnchorHash seeds the anchor chain, mirroring the entry chain's seed.
const ZeroAnchorHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrNoAnchors is returned when no anchor has been created yet.
var ErrNoAnchors = errors.New("anchor: no anchors")

// ErrNotFound is returned for unknown anchor ids.
var ErrNotFound = errors.New("anchor: not found")

// Anchor is one signed, timestamped Merkle root over a contiguous batch of
// ledger entries, plus the receipts proving off-machine persistence.
type Anchor struct {
	ID               string            `json:"anchor_id"`
	Seq              uint64            `json:"anchor_seq"`
	BatchStart       uint64            `json:"batch_start_seq"`
	BatchEnd         uint64            `json:"batch_end_seq"`
	MerkleRoot       string            `json:"merkle_root"`
	GenesisSignature string            `json:"genesis_signature"`
	TSAToken         string            `json:"tsa_token"`
	TSATime          time.Time         `json:"tsa_time"`
	PrevAnchorHash   string            `json:"previous_anchor_hash"`
	Hash             string            `json:"anchor_hash"`
	Receipts         []backend.Receipt `json:"backend_receipts"`
	CreatedAt        time.Time         `json:"created_at"`
}

// ComputeHash computes the chained anchor hash. Receipts and CreatedAt are
// excluded: receipts accrue after the fact as failed backends catch up, and
// neither may change what the chain commits to.
func ComputeHash(a *Anchor) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%d|%s|%s|%s|%s",
		a.Seq, a.BatchStart, a.BatchEnd,
		a.MerkleRoot, a.GenesisSignature, a.TSAToken, a.PrevAnchorHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// record is the canonical form submitted to backends: the full anchor minus
// receipts, which only exist once submission succeeds.
type record struct {
	ID               string    `json:"anchor_id"`
	Seq              uint64    `json:"anchor_seq"`
	BatchStart       uint64    `json:"batch_start_seq"`
	BatchEnd         uint64    `json:"batch_end_seq"`
	MerkleRoot       string    `json:"merkle_root"`
	GenesisSignature string    `json:"genesis_signature"`
	TSAToken         string    `json:"tsa_token"`
	PrevAnchorHash   string    `json:"previous_anchor_hash"`
	Hash             string    `json:"anchor_hash"`
}

// Marshal returns the canonical bytes persisted to each backend.
func (a *Anchor) Marshal() ([]byte, error) {
	return json.Marshal(record{
		ID:               a.ID,
		Seq:              a.Seq,
		BatchStart:       a.BatchStart,
		BatchEnd:         a.BatchEnd,
		MerkleRoot:       a.MerkleRoot,
		GenesisSignature: a.GenesisSignature,
		TSAToken:         a.TSAToken,
		PrevAnchorHash:   a.PrevAnchorHash,
		Hash:             a.Hash,
	})
}

// RootBytes returns the decoded Merkle root.
func (a *Anchor) RootBytes() []byte {
	b, err := hex.DecodeString(a.MerkleRoot)
	if err != nil {
		return nil
	}
	return b
}
