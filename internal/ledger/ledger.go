// Package ledger implements the append-only, hash-chained audit log at the
// heart of the sovereign ledger.
//
// Every entry links to its predecessor through PrevHash and carries an HMAC
// tag computed under an event-count-rotated key. Appends are serialised by a
// single mutex covering sequence assignment, chain extension and key-epoch
// selection. A detected integrity violation freezes the ledger: appends are
// refused until an operator explicitly unfreezes it, normally after restoring
// from an external anchor. The ledger never repairs itself.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/keyring"
)

// VerificationResult reports the outcome of a chain verification pass.
type VerificationResult struct {
	Valid        bool    `json:"valid"`
	FirstFailure *uint64 `json:"first_failure"`
	Reason       string  `json:"reason,omitempty"`
	Checked      uint64  `json:"checked"`
}

// Ledger is the append-only event log. All appends go through a single lock;
// Append never performs network I/O.
type Ledger struct {
	store  Store
	keys   *keyring.Rotator
	logger *zap.Logger

	mu           sync.Mutex
	nextSeq      uint64
	headHash     string
	frozen       bool
	freezeReason string
}

// New creates a Ledger over store, recovering the chain tail so that appends
// continue seamlessly across process restarts.
func New(ctx context.Context, store Store, keys *keyring.Rotator, logger *zap.Logger) (*Ledger, error) {
	l := &Ledger{
		store:    store,
		keys:     keys,
		logger:   logger,
		headHash: ZeroHash,
	}

	head, err := store.Head(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		// Fresh ledger.
	case err != nil:
		return nil, fmt.Errorf("recover chain tail: %w", err)
	default:
		l.nextSeq = head.Seq + 1
		l.headHash = head.Hash
	}
	return l, nil
}

// Append creates, authenticates and persists a new entry. It is safe for
// concurrent use; callers are serialised and assigned gapless increasing
// sequence numbers.
func (l *Ledger) Append(ctx context.Context, eventType string, payload []byte) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		return nil, fmt.Errorf("%w (%s)", ErrFrozen, l.freezeReason)
	}

	e := &Entry{
		Seq:       l.nextSeq,
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Payload:   append([]byte(nil), payload...),
		PrevHash:  l.headHash,
	}
	e.Hash = ComputeHash(e)

	epoch, tag := l.keys.Tag(e.Seq, e.HashBytes())
	e.KeyEpoch = epoch
	e.HMACTag = fmt.Sprintf("%x", tag)

	if err := l.store.AppendEntry(ctx, e); err != nil {
		return nil, err
	}

	l.nextSeq = e.Seq + 1
	l.headHash = e.Hash

	l.logger.Debug("entry appended",
		zap.Uint64("seq", e.Seq),
		zap.String("event_type", e.EventType),
		zap.Uint64("key_epoch", e.KeyEpoch),
	)
	return e, nil
}

// Get returns the entry at seq, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, seq uint64) (*Entry, error) {
	return l.store.GetEntry(ctx, seq)
}

// Len returns the number of entries in the ledger.
func (l *Ledger) Len(ctx context.Context) (uint64, error) {
	return l.store.Len(ctx)
}

// Head returns the hash of the most recent entry, or ZeroHash when empty.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headHash
}

// Entries returns the entries in [from, to], ordered by sequence number.
func (l *Ledger) Entries(ctx context.Context, from, to uint64) ([]*Entry, error) {
	return l.store.Range(ctx, from, to)
}

// VerifyChain recomputes every hash link and HMAC tag in [from, to].
// The first divergence is reported by sequence number; on failure the ledger
// freezes and refuses further appends.
func (l *Ledger) VerifyChain(ctx context.Context, from, to uint64) (*VerificationResult, error) {
	if from > to {
		return nil, fmt.Errorf("ledger: invalid range [%d, %d]", from, to)
	}

	entries, err := l.store.Range(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}

	// Establish the expected link into the range.
	prevHash := ZeroHash
	if from > 0 {
		prev, err := l.store.GetEntry(ctx, from-1)
		if err != nil {
			return nil, fmt.Errorf("read predecessor %d: %w", from-1, err)
		}
		prevHash = prev.Hash
	}

	expect := from
	for _, e := range entries {
		if e.Seq != expect {
			return l.fail(e.Seq, fmt.Sprintf("gap: expected seq %d, found %d", expect, e.Seq)), nil
		}
		if e.PrevHash != prevHash {
			return l.fail(e.Seq, "previous-hash link broken"), nil
		}
		if e.Hash != ComputeHash(e) {
			return l.fail(e.Seq, "entry hash mismatch"), nil
		}
		if e.KeyEpoch != l.keys.EpochOf(e.Seq) {
			return l.fail(e.Seq, "recorded key epoch does not match sequence number"), nil
		}
		tag, err := hex.DecodeString(e.HMACTag)
		if err != nil {
			return l.fail(e.Seq, "malformed hmac tag"), nil
		}
		if !l.keys.VerifyTag(e.KeyEpoch, e.HashBytes(), tag) {
			return l.fail(e.Seq, "hmac tag mismatch"), nil
		}
		prevHash = e.Hash
		expect++
	}

	return &VerificationResult{Valid: true, Checked: uint64(len(entries))}, nil
}

// fail records an integrity violation: log it, freeze the ledger, and build
// the failing result.
func (l *Ledger) fail(seq uint64, reason string) *VerificationResult {
	violation := &IntegrityError{Seq: seq, Reason: reason}
	l.freeze(violation.Error())
	l.logger.Error("ledger integrity violation, freezing",
		zap.Uint64("seq", seq),
		zap.String("reason", reason),
	)
	s := seq
	return &VerificationResult{Valid: false, FirstFailure: &s, Reason: reason}
}

func (l *Ledger) freeze(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.frozen {
		l.frozen = true
		l.freezeReason = reason
	}
}

// Freeze puts the ledger into the frozen state, refusing further appends
// until an operator intervenes.
func (l *Ledger) Freeze(reason string) {
	l.freeze(reason)
	l.logger.Error("ledger frozen", zap.String("reason", reason))
}

// Frozen reports whether the ledger is refusing appends, and why.
func (l *Ledger) Frozen() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frozen, l.freezeReason
}

// Unfreeze clears the frozen state. It exists solely for the operator
// recovery path and is always logged as a security-relevant event.
func (l *Ledger) Unfreeze(operator string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = false
	l.freezeReason = ""
	l.logger.Warn("ledger unfrozen by operator", zap.String("operator", operator))
}
