// Package keyring derives the per-epoch HMAC keys used to authenticate
// ledger entries.
//
// Rotation is driven by entry count, not wall-clock time: epoch e covers
// sequence numbers [e*R, (e+1)*R). Every key is recomputed on demand with
// HKDF-SHA256 from the Genesis seed and is never written to disk. Replaying
// the same entries against the same Genesis therefore reproduces identical
// HMAC tags, which is what makes offline audit replay possible.
package keyring

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of every derived HMAC key.
const KeySize = 32

// DefaultRotationInterval is the default number of entries per key epoch.
const DefaultRotationInterval = 3600

// Rotator derives epoch keys from a fixed seed. It is safe for concurrent use.
type Rotator struct {
	seed     [32]byte
	interval uint64

	mu    sync.Mutex
	cache map[uint64][KeySize]byte
}

// New creates a Rotator over seed with the given rotation interval.
// interval <= 0 selects DefaultRotationInterval.
func New(seed [32]byte, interval int) *Rotator {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	return &Rotator{
		seed:     seed,
		interval: uint64(interval),
		cache:    make(map[uint64][KeySize]byte),
	}
}

// Interval returns the configured entries-per-epoch count.
func (r *Rotator) Interval() uint64 { return r.interval }

// EpochOf returns the key epoch covering the given sequence number.
func (r *Rotator) EpochOf(seq uint64) uint64 { return seq / r.interval }

// KeyFor returns the epoch id and HMAC key for the given sequence number.
func (r *Rotator) KeyFor(seq uint64) (epoch uint64, key [KeySize]byte) {
	epoch = r.EpochOf(seq)
	return epoch, r.KeyForEpoch(epoch)
}

// KeyForEpoch derives (or returns the cached) key for a specific epoch.
func (r *Rotator) KeyForEpoch(epoch uint64) [KeySize]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if k, ok := r.cache[epoch]; ok {
		return k
	}

	var key [KeySize]byte
	info := fmt.Sprintf("sovereign/v1/epoch:%d", epoch)
	kr := hkdf.New(sha256.New, r.seed[:], nil, []byte(info))
	if _, err := kr.Read(key[:]); err != nil {
		panic(fmt.Sprintf("keyring: hkdf: %v", err))
	}

	// Only the current and previous epochs are ever hot; keep the cache small.
	if len(r.cache) > 8 {
		for e := range r.cache {
			delete(r.cache, e)
		}
	}
	r.cache[epoch] = key
	return key
}

// Tag computes the HMAC-SHA256 tag over entryHash for the epoch that covers seq.
func (r *Rotator) Tag(seq uint64, entryHash []byte) (epoch uint64, tag []byte) {
	epoch, key := r.KeyFor(seq)
	mac := hmac.New(sha256.New, key[:])
	mac.Write(entryHash)
	return epoch, mac.Sum(nil)
}

// VerifyTag recomputes the tag for entryHash under the given epoch's key and
// compares it in constant time.
func (r *Rotator) VerifyTag(epoch uint64, entryHash, tag []byte) bool {
	key := r.KeyForEpoch(epoch)
	mac := hmac.New(sha256.New, key[:])
	mac.Write(entryHash)
	return hmac.Equal(mac.Sum(nil), tag)
}
