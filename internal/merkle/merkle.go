// Package merkle builds the binary hash trees used to anchor batches of
// ledger entries, and produces per-leaf inclusion proofs against those roots.
//
// Tree rule, fixed and shared by the build and verify paths: interior nodes
// are SHA-256(left || right); a level with an odd node count promotes its
// last node to the next level unchanged. Changing this rule invalidates all
// previously published anchors.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
)

// ErrNoLeaves is returned when a tree is requested over an empty batch.
var ErrNoLeaves = errors.New("merkle: no leaves")

// ErrLeafOutOfRange is returned when a proof is requested for a leaf index
// outside the batch.
var ErrLeafOutOfRange = errors.New("merkle: leaf index out of range")

// ProofStep is one sibling on the audit path from a leaf to the root.
type ProofStep struct {
	Hash []byte `json:"hash"`
	Left bool   `json:"left"` // sibling sits to the left of the running hash
}

// Root computes the Merkle root over the given leaf hashes.
func Root(leaves [][]byte) ([]byte, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		level[i] = append([]byte(nil), l...)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			// Odd node promotes unchanged.
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0], nil
}

// Proof returns the audit path for leaves[index] under the same tree rule.
func Proof(leaves [][]byte, index int) ([]ProofStep, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	if index < 0 || index >= len(leaves) {
		return nil, ErrLeafOutOfRange
	}

	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		level[i] = append([]byte(nil), l...)
	}

	var path []ProofStep
	pos := index
	for len(level) > 1 {
		sib := pos ^ 1
		if sib < len(level) {
			path = append(path, ProofStep{
				Hash: append([]byte(nil), level[sib]...),
				Left: sib < pos,
			})
		}
		// else: this node promotes, no sibling at this level.

		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
		pos /= 2
	}
	return path, nil
}

// VerifyProof replays an audit path from leaf and reports whether it lands on root.
func VerifyProof(leaf []byte, path []ProofStep, root []byte) bool {
	cur := append([]byte(nil), leaf...)
	for _, step := range path {
		if step.Left {
			cur = hashPair(step.Hash, cur)
		} else {
			cur = hashPair(cur, step.Hash)
		}
	}
	return bytes.Equal(cur, root)
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
