package anchor

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/backend"
	"github.com/sovereign-ledger/sovereign/internal/genesis"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
	"github.com/sovereign-ledger/sovereign/internal/merkle"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

// DefaultBatchSize is the default number of entries per anchor.
const DefaultBatchSize = 1000

// DefaultSubmitTimeout bounds each external call made while anchoring.
const DefaultSubmitTimeout = 30 * time.Second

// ErrTooFewBackends is returned when fewer than the configured minimum of
// backends accepted an anchor. The attempt left no partial state and is
// retried on the next cycle.
var ErrTooFewBackends = errors.New("anchor: below minimum backend acceptance")

// Config controls anchoring behavior.
type Config struct {
	// BatchSize is N: an anchor is cut for every N complete entries.
	BatchSize uint64
	// MinBackends is the minimum number of backends that must accept an
	// anchor for it to count as persisted. Default 1.
	MinBackends int
	// SubmitTimeout bounds each TSA and backend call. Default 30s.
	SubmitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MinBackends <= 0 {
		c.MinBackends = 1
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	return c
}

// Manager creates, replicates and verifies anchors. Anchor creation runs on
// a background cycle and never sits between a caller and Append.
type Manager struct {
	cfg      Config
	ledger   *ledger.Ledger
	store    Store
	backends []backend.Backend
	provider tsa.Provider
	tsaPub   ed25519.PublicKey
	guard    *tsa.Guard
	identity *genesis.Identity
	logger   *zap.Logger

	mu sync.Mutex // serializes anchor cycles
}

// NewManager wires an anchor Manager.
func NewManager(
	cfg Config,
	l *ledger.Ledger,
	store Store,
	backends []backend.Backend,
	provider tsa.Provider,
	tsaPub ed25519.PublicKey,
	guard *tsa.Guard,
	identity *genesis.Identity,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		ledger:   l,
		store:    store,
		backends: backends,
		provider: provider,
		tsaPub:   tsaPub,
		guard:    guard,
		identity: identity,
		logger:   logger,
	}
}

// MaybeCreateAnchor cuts anchors for every complete batch of entries not yet
// covered by one. It returns the anchors created this cycle.
func (m *Manager) MaybeCreateAnchor(ctx context.Context) ([]*Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var created []*Anchor
	for {
		start, err := m.nextBatchStart(ctx)
		if err != nil {
			return created, err
		}
		total, err := m.ledger.Len(ctx)
		if err != nil {
			return created, fmt.Errorf("ledger length: %w", err)
		}
		if total < start+m.cfg.BatchSize {
			return created, nil
		}

		a, err := m.createAnchor(ctx, start, start+m.cfg.BatchSize-1)
		if err != nil {
			return created, err
		}
		created = append(created, a)
	}
}

// ForceAnchor cuts an anchor over all uncovered entries regardless of batch
// size. Operator surface; an empty uncovered range is an error.
func (m *Manager) ForceAnchor(ctx context.Context) (*Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, err := m.nextBatchStart(ctx)
	if err != nil {
		return nil, err
	}
	total, err := m.ledger.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger length: %w", err)
	}
	if total <= start {
		return nil, fmt.Errorf("anchor: no entries to anchor (next start %d, ledger length %d)", start, total)
	}
	return m.createAnchor(ctx, start, total-1)
}

func (m *Manager) nextBatchStart(ctx context.Context) (uint64, error) {
	latest, err := m.store.Latest(ctx)
	if errors.Is(err, ErrNoAnchors) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("latest anchor: %w", err)
	}
	return latest.BatchEnd + 1, nil
}

// createAnchor builds, signs, timestamps and replicates one anchor covering
// [start, end]. Any failure leaves no partial state behind.
func (m *Manager) createAnchor(ctx context.Context, start, end uint64) (*Anchor, error) {
	entries, err := m.ledger.Entries(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("read batch [%d,%d]: %w", start, end, err)
	}
	if got := uint64(len(entries)); got != end-start+1 {
		return nil, fmt.Errorf("anchor: batch [%d,%d] incomplete: %d entries", start, end, got)
	}

	leaves := make([][]byte, len(entries))
	for i, e := range entries {
		leaves[i] = e.HashBytes()
	}
	root, err := merkle.Root(leaves)
	if err != nil {
		return nil, fmt.Errorf("build merkle root: %w", err)
	}

	sig := m.identity.Sign(root)

	tsaCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	tok, err := m.provider.RequestTimestamp(tsaCtx, root)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("timestamp root: %w", err)
	}
	if err := m.guard.Admit(tok); err != nil {
		return nil, err
	}

	prevHash := ZeroAnchorHash
	var seq uint64
	if latest, err := m.store.Latest(ctx); err == nil {
		prevHash = latest.Hash
		seq = latest.Seq + 1
	} else if !errors.Is(err, ErrNoAnchors) {
		return nil, fmt.Errorf("latest anchor: %w", err)
	}

	a := &Anchor{
		ID:               uuid.New().String(),
		Seq:              seq,
		BatchStart:       start,
		BatchEnd:         end,
		MerkleRoot:       hex.EncodeToString(root),
		GenesisSignature: hex.EncodeToString(sig),
		TSAToken:         tok.Raw,
		TSATime:          tok.Time,
		PrevAnchorHash:   prevHash,
		CreatedAt:        time.Now().UTC(),
	}
	a.Hash = ComputeHash(a)

	content, err := a.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal anchor: %w", err)
	}

	receipts := m.submit(ctx, content)
	if len(receipts) < m.cfg.MinBackends {
		return nil, fmt.Errorf("%w: %d of %d backends accepted anchor for [%d,%d]",
			ErrTooFewBackends, len(receipts), len(m.backends), start, end)
	}
	a.Receipts = receipts

	if err := m.store.SaveAnchor(ctx, a); err != nil {
		return nil, fmt.Errorf("save anchor: %w", err)
	}

	anchorsCreatedTotal.Inc()
	m.logger.Info("anchor created",
		zap.String("anchor_id", a.ID),
		zap.Uint64("batch_start", start),
		zap.Uint64("batch_end", end),
		zap.Int("backends", len(receipts)),
		zap.Time("tsa_time", a.TSATime),
	)
	return a, nil
}

// submit pushes content to every backend, collecting receipts from those
// that accept. A failing backend is logged and skipped; it catches up on a
// later RetryLagging cycle.
func (m *Manager) submit(ctx context.Context, content []byte) []backend.Receipt {
	var receipts []backend.Receipt
	for _, b := range m.backends {
		id, err := m.putWithRetry(ctx, b, content)
		if err != nil {
			backendFailuresTotal.WithLabelValues(b.Name()).Inc()
			m.logger.Warn("backend rejected anchor, will retry next cycle",
				zap.String("backend", b.Name()),
				zap.Error(err),
			)
			continue
		}
		receipts = append(receipts, backend.Receipt{
			Backend:  b.Name(),
			ID:       id,
			StoredAt: time.Now().UTC(),
		})
	}
	return receipts
}

// putWithRetry tries a single backend a few times with exponential backoff,
// all within the submit timeout.
func (m *Manager) putWithRetry(ctx context.Context, b backend.Backend, content []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	defer cancel()

	var id string
	op := func() error {
		var err error
		id, err = b.Put(ctx, content)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return id, nil
}

// RetryLagging re-submits every stored anchor to backends that have not yet
// produced a receipt for it.
func (m *Manager) RetryLagging(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	anchors, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list anchors: %w", err)
	}

	for _, a := range anchors {
		have := make(map[string]bool, len(a.Receipts))
		for _, r := range a.Receipts {
			have[r.Backend] = true
		}

		updated := false
		for _, b := range m.backends {
			if have[b.Name()] {
				continue
			}
			content, err := a.Marshal()
			if err != nil {
				return fmt.Errorf("marshal anchor %s: %w", a.ID, err)
			}
			id, err := m.putWithRetry(ctx, b, content)
			if err != nil {
				m.logger.Warn("lagging backend still unavailable",
					zap.String("backend", b.Name()),
					zap.String("anchor_id", a.ID),
					zap.Error(err),
				)
				continue
			}
			a.Receipts = append(a.Receipts, backend.Receipt{
				Backend:  b.Name(),
				ID:       id,
				StoredAt: time.Now().UTC(),
			})
			updated = true
		}

		if updated {
			if err := m.store.UpdateReceipts(ctx, a.ID, a.Receipts); err != nil {
				return fmt.Errorf("update receipts for %s: %w", a.ID, err)
			}
			m.logger.Info("lagging backends caught up",
				zap.String("anchor_id", a.ID),
				zap.Int("receipts", len(a.Receipts)),
			)
		}
	}
	return nil
}

// VerifyAnchors walks the stored anchor chain and checks, for each anchor:
// the hash-chain link, the recomputed Merkle root over the covered entries,
// the Genesis signature, the TSA token, and timestamp monotonicity.
// The first violated invariant is returned as an error naming it.
func (m *Manager) VerifyAnchors(ctx context.Context) error {
	anchors, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list anchors: %w", err)
	}

	prevHash := ZeroAnchorHash
	var prevTime time.Time
	var expectSeq uint64

	for _, a := range anchors {
		if a.Seq != expectSeq {
			return fmt.Errorf("anchor %s: chain gap: seq %d, expected %d", a.ID, a.Seq, expectSeq)
		}
		if a.PrevAnchorHash != prevHash {
			return fmt.Errorf("anchor %s: previous-anchor-hash link broken", a.ID)
		}
		if a.Hash != ComputeHash(a) {
			return fmt.Errorf("anchor %s: anchor hash mismatch", a.ID)
		}

		entries, err := m.ledger.Entries(ctx, a.BatchStart, a.BatchEnd)
		if err != nil {
			return fmt.Errorf("anchor %s: read batch: %w", a.ID, err)
		}
		if got := uint64(len(entries)); got != a.BatchEnd-a.BatchStart+1 {
			return fmt.Errorf("anchor %s: batch incomplete: %d entries", a.ID, got)
		}
		leaves := make([][]byte, len(entries))
		for i, e := range entries {
			leaves[i] = e.HashBytes()
		}
		root, err := merkle.Root(leaves)
		if err != nil {
			return fmt.Errorf("anchor %s: rebuild root: %w", a.ID, err)
		}
		if hex.EncodeToString(root) != a.MerkleRoot {
			return fmt.Errorf("anchor %s: merkle root does not match covered entries", a.ID)
		}

		sig, err := hex.DecodeString(a.GenesisSignature)
		if err != nil || !genesis.Verify(m.identity.PublicKey(), root, sig) {
			return fmt.Errorf("anchor %s: genesis signature invalid", a.ID)
		}

		tok, err := tsa.Verify(a.TSAToken, root, m.tsaPub)
		if err != nil {
			return fmt.Errorf("anchor %s: tsa token invalid: %w", a.ID, err)
		}
		if tok.Time.Before(prevTime) {
			return fmt.Errorf("anchor %s: %w", a.ID, tsa.ErrMonotonicViolation)
		}

		prevHash = a.Hash
		prevTime = tok.Time
		expectSeq++
	}
	return nil
}

// InclusionProof builds a Merkle audit path proving entry seq is covered by
// anchor a.
func (m *Manager) InclusionProof(ctx context.Context, a *Anchor, seq uint64) ([]merkle.ProofStep, error) {
	if seq < a.BatchStart || seq > a.BatchEnd {
		return nil, fmt.Errorf("anchor: entry %d outside batch [%d,%d]", seq, a.BatchStart, a.BatchEnd)
	}
	entries, err := m.ledger.Entries(ctx, a.BatchStart, a.BatchEnd)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	leaves := make([][]byte, len(entries))
	for i, e := range entries {
		leaves[i] = e.HashBytes()
	}
	return merkle.Proof(leaves, int(seq-a.BatchStart))
}

// Store exposes the underlying anchor store for read paths.
func (m *Manager) Store() Store { return m.store }
