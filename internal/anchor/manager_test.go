package anchor_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/backend"
	"github.com/sovereign-ledger/sovereign/internal/genesis"
	"github.com/sovereign-ledger/sovereign/internal/keyring"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
	"github.com/sovereign-ledger/sovereign/internal/merkle"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

var ctx = context.Background()

type fixture struct {
	ledger    *ledger.Ledger
	store     *ledger.MemoryStore
	manager   *anchor.Manager
	anchors   *anchor.MemoryStore
	backends  []*backend.Memory
	authority *tsa.Authority
	guard     *tsa.Guard
	identity  *genesis.Identity
}

func newFixture(t *testing.T, cfg anchor.Config, nBackends int) *fixture {
	t.Helper()

	id, err := genesis.Generate(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	store := ledger.NewMemoryStore()
	keys := keyring.New(id.HMACSeed(), 1000)
	l, err := ledger.New(ctx, store, keys, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	authority := newTestAuthority(t)
	guard := tsa.NewGuard(time.Time{}, time.Hour, zap.NewNop())

	var mems []*backend.Memory
	var bks []backend.Backend
	for i := 0; i < nBackends; i++ {
		m := backend.NewMemory(fmt.Sprintf("mem-%d", i))
		mems = append(mems, m)
		bks = append(bks, m)
	}

	anchors := anchor.NewMemoryStore()
	mgr := anchor.NewManager(cfg, l, anchors, bks, authority, authority.PublicKey(), guard, id, zap.NewNop())

	return &fixture{
		ledger:    l,
		store:     store,
		manager:   mgr,
		anchors:   anchors,
		backends:  mems,
		authority: authority,
		guard:     guard,
		identity:  id,
	}
}

func newTestAuthority(t *testing.T) *tsa.Authority {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return tsa.NewAuthority(key, "test-tsa")
}

func (f *fixture) appendN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := f.ledger.Append(ctx, "event", fmt.Appendf(nil, "payload-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMaybeCreateAnchor_notDueYet(t *testing.T) {
	f := newFixture(t, anchor.Config{BatchSize: 100}, 1)
	f.appendN(t, 99)

	created, err := f.manager.MaybeCreateAnchor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Errorf("anchor cut before batch complete: %d", len(created))
	}
}

func TestMaybeCreateAnchor_cutsCompleteBatches(t *testing.T) {
	f := newFixture(t, anchor.Config{BatchSize: 100}, 1)
	f.appendN(t, 250)

	created, err := f.manager.MaybeCreateAnchor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("anchors: got %d, want 2", len(created))
	}
	if created[0].BatchStart != 0 || created[0].BatchEnd != 99 {
		t.Errorf("first anchor range: [%d,%d]", created[0].BatchStart, created[0].BatchEnd)
	}
	if created[1].BatchStart != 100 || created[1].BatchEnd != 199 {
		t.Errorf("second anchor range: [%d,%d]", created[1].BatchStart, created[1].BatchEnd)
	}
	if created[0].PrevAnchorHash != anchor.ZeroAnchorHash {
		t.Error("first anchor must chain from ZeroAnchorHash")
	}
	if created[1].PrevAnchorHash != created[0].Hash {
		t.Error("anchor chain broken between anchors 0 and 1")
	}

	if err := f.manager.VerifyAnchors(ctx); err != nil {
		t.Errorf("VerifyAnchors on fresh chain: %v", err)
	}
}

func TestScenario_1500EntriesTwoEpochsOneAnchor(t *testing.T) {
	// R=1000 (two key epochs), N=1000: exactly one anchor covering [0,999].
	f := newFixture(t, anchor.Config{BatchSize: 1000}, 1)
	f.appendN(t, 1500)

	created, err := f.manager.MaybeCreateAnchor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 {
		t.Fatalf("anchors: got %d, want 1", len(created))
	}
	if created[0].BatchStart != 0 || created[0].BatchEnd != 999 {
		t.Fatalf("anchor range: [%d,%d], want [0,999]", created[0].BatchStart, created[0].BatchEnd)
	}

	res, err := f.ledger.VerifyChain(ctx, 0, 1499)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("verify(0,1499) failed at %v: %s", res.FirstFailure, res.Reason)
	}

	// Tamper entry 500: failure reported at exactly 500.
	victim, err := f.store.GetEntry(ctx, 500)
	if err != nil {
		t.Fatal(err)
	}
	victim.Payload[0] ^= 0x01

	res, err = f.ledger.VerifyChain(ctx, 0, 1499)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.FirstFailure == nil || *res.FirstFailure != 500 {
		t.Fatalf("tamper detection: valid=%v first=%v", res.Valid, res.FirstFailure)
	}

	// Entries 0-499 still verify in isolation.
	f.ledger.Unfreeze("test")
	res, err = f.ledger.VerifyChain(ctx, 0, 499)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("prefix [0,499] failed: %s", res.Reason)
	}

	// An attacker rewriting the stored hash as well still cannot get past
	// the anchored Merkle root.
	victim.Hash = ledger.ZeroHash
	if err := f.manager.VerifyAnchors(ctx); err == nil {
		t.Error("VerifyAnchors accepted a tampered batch")
	}
}

func TestPartialBackendFailure_anchorsStillSucceed(t *testing.T) {
	f := newFixture(t, anchor.Config{BatchSize: 100, MinBackends: 1, SubmitTimeout: time.Second}, 3)
	f.backends[1].Fail = true
	f.backends[2].Fail = true

	f.appendN(t, 100)
	created, err := f.manager.MaybeCreateAnchor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 {
		t.Fatalf("anchors: got %d, want 1", len(created))
	}
	if len(created[0].Receipts) != 1 {
		t.Fatalf("receipts: got %d, want 1", len(created[0].Receipts))
	}

	// Backends recover; the next cycle back-fills them without data loss.
	f.backends[1].Fail = false
	f.backends[2].Fail = false
	if err := f.manager.RetryLagging(ctx); err != nil {
		t.Fatal(err)
	}

	stored, err := f.anchors.GetAnchor(ctx, created[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Receipts) != 3 {
		t.Errorf("receipts after catch-up: got %d, want 3", len(stored.Receipts))
	}
	for _, m := range f.backends {
		if m.Len() != 1 {
			t.Errorf("backend %s holds %d objects, want 1", m.Name(), m.Len())
		}
	}
}

func TestAllBackendsDown_anchorDeferredNotLost(t *testing.T) {
	f := newFixture(t, anchor.Config{BatchSize: 100, MinBackends: 1, SubmitTimeout: time.Second}, 2)
	f.backends[0].Fail = true
	f.backends[1].Fail = true

	f.appendN(t, 100)
	_, err := f.manager.MaybeCreateAnchor(ctx)
	if !errors.Is(err, anchor.ErrTooFewBackends) {
		t.Fatalf("got %v, want ErrTooFewBackends", err)
	}

	// Ledger remains appendable and the batch is re-anchored next cycle.
	if _, err := f.ledger.Append(ctx, "event", []byte("still appendable")); err != nil {
		t.Fatal(err)
	}

	f.backends[0].Fail = false
	created, err := f.manager.MaybeCreateAnchor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 || created[0].BatchStart != 0 {
		t.Fatalf("deferred anchor not recreated: %+v", created)
	}
}

func TestMonotonicViolation_haltsAnchoringNotAppends(t *testing.T) {
	f := newFixture(t, anchor.Config{BatchSize: 10}, 1)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.guard.Now = func() time.Time { return base }

	// First anchor at base time.
	f.authority.Now = func() time.Time { return base }
	f.appendN(t, 10)
	if _, err := f.manager.MaybeCreateAnchor(ctx); err != nil {
		t.Fatal(err)
	}

	// Second anchor with a rolled-back authority clock.
	f.authority.Now = func() time.Time { return base.Add(-10 * time.Minute) }
	f.appendN(t, 10)
	_, err := f.manager.MaybeCreateAnchor(ctx)
	if !errors.Is(err, tsa.ErrMonotonicViolation) {
		t.Fatalf("got %v, want ErrMonotonicViolation", err)
	}

	// Appends are unaffected; further anchoring stays halted.
	if _, err := f.ledger.Append(ctx, "event", []byte("x")); err != nil {
		t.Fatal(err)
	}
	f.authority.Now = func() time.Time { return base }
	if _, err := f.manager.MaybeCreateAnchor(ctx); !errors.Is(err, tsa.ErrHalted) {
		t.Errorf("got %v, want ErrHalted", err)
	}

	f.guard.Acknowledge("ops")
	if _, err := f.manager.MaybeCreateAnchor(ctx); err != nil {
		t.Errorf("anchoring after acknowledge failed: %v", err)
	}
}

func TestForceAnchor_coversPartialBatch(t *testing.T) {
	f := newFixture(t, anchor.Config{BatchSize: 1000}, 1)
	f.appendN(t, 42)

	a, err := f.manager.ForceAnchor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a.BatchStart != 0 || a.BatchEnd != 41 {
		t.Errorf("forced anchor range: [%d,%d], want [0,41]", a.BatchStart, a.BatchEnd)
	}

	if _, err := f.manager.ForceAnchor(ctx); err == nil {
		t.Error("ForceAnchor with nothing uncovered should fail")
	}
}

func TestInclusionProof(t *testing.T) {
	f := newFixture(t, anchor.Config{BatchSize: 100}, 1)
	f.appendN(t, 100)

	created, err := f.manager.MaybeCreateAnchor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	a := created[0]

	path, err := f.manager.InclusionProof(ctx, a, 37)
	if err != nil {
		t.Fatal(err)
	}
	e, err := f.ledger.Get(ctx, 37)
	if err != nil {
		t.Fatal(err)
	}
	if !merkle.VerifyProof(e.HashBytes(), path, a.RootBytes()) {
		t.Error("inclusion proof for entry 37 did not verify")
	}

	if _, err := f.manager.InclusionProof(ctx, a, 100); err == nil {
		t.Error("proof for entry outside the batch should fail")
	}
}

func TestBackendContent_isVerifiableOffline(t *testing.T) {
	f := newFixture(t, anchor.Config{BatchSize: 50}, 1)
	f.appendN(t, 50)

	created, err := f.manager.MaybeCreateAnchor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	a := created[0]

	content, err := f.backends[0].Get(ctx, a.Receipts[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	want, err := a.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != string(want) {
		t.Error("backend content does not match the canonical anchor record")
	}

	// The token inside the replicated record verifies against the root.
	if _, err := tsa.Verify(a.TSAToken, a.RootBytes(), f.authority.PublicKey()); err != nil {
		t.Errorf("replicated token failed verification: %v", err)
	}
}
