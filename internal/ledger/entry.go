package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ZeroHash is the well-known previous-hash seed of the first ledger entry.
// The chain anchors to this constant rather than to a computed value.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single authenticated record in the audit ledger.
//
// The timestamp is informational only; ordering is defined solely by Seq.
// Hash deliberately excludes the timestamp so that replaying the same
// appends against the same Genesis reproduces byte-identical hashes.
type Entry struct {
	Seq       uint64    `json:"sequence_number"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Payload   []byte    `json:"payload"`
	PrevHash  string    `json:"previous_hash"`
	Hash      string    `json:"entry_hash"`
	KeyEpoch  uint64    `json:"key_epoch"`
	HMACTag   string    `json:"hmac_tag"`
}

// ComputeHash computes the deterministic SHA-256 hash over the chained
// fields. Exported so exported evidence can be re-verified offline.
func ComputeHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%x|%s", e.Seq, e.EventType, e.Payload, e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes returns the decoded entry hash. Malformed hashes yield nil,
// which any downstream verification will reject.
func (e *Entry) HashBytes() []byte {
	b, err := hex.DecodeString(e.Hash)
	if err != nil {
		return nil
	}
	return b
}
