package bundle_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/backend"
	"github.com/sovereign-ledger/sovereign/internal/bundle"
	"github.com/sovereign-ledger/sovereign/internal/continuity"
	"github.com/sovereign-ledger/sovereign/internal/genesis"
	"github.com/sovereign-ledger/sovereign/internal/keyring"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

var ctx = context.Background()

func buildExporter(t *testing.T, entries int, batchSize uint64) *bundle.Exporter {
	t.Helper()

	id, err := genesis.Generate(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.New(ctx, ledger.NewMemoryStore(), keyring.New(id.HMACSeed(), 1000), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < entries; i++ {
		if _, err := l.Append(ctx, "event", fmt.Appendf(nil, "p%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	authority := tsa.NewAuthority(key, "test-tsa")
	guard := tsa.NewGuard(time.Time{}, time.Hour, zap.NewNop())

	anchors := anchor.NewMemoryStore()
	mgr := anchor.NewManager(
		anchor.Config{BatchSize: batchSize},
		l, anchors,
		[]backend.Backend{backend.NewMemory("mem")},
		authority, authority.PublicKey(), guard, id, zap.NewNop(),
	)
	if _, err := mgr.MaybeCreateAnchor(ctx); err != nil {
		t.Fatal(err)
	}

	pin := &continuity.Pin{GenesisID: id.ID(), PublicKeyHash: id.Fingerprint()}
	return &bundle.Exporter{
		Ledger:   l,
		Anchors:  anchors,
		Identity: id,
		TSAPub:   authority.PublicKey(),
		Pin:      pin,
	}
}

func TestExport_roundTripVerifies(t *testing.T) {
	x := buildExporter(t, 250, 100)

	b, err := x.Export(ctx, 0, 249)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Entries) != 250 {
		t.Fatalf("entries: got %d, want 250", len(b.Entries))
	}
	if len(b.Anchors) != 2 {
		t.Fatalf("anchors: got %d, want 2", len(b.Anchors))
	}
	if b.HeadSeq != 249 {
		t.Errorf("head seq: got %d", b.HeadSeq)
	}

	var buf bytes.Buffer
	if err := b.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	back, err := bundle.Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := back.Verify(); err != nil {
		t.Errorf("round-tripped bundle failed offline verification: %v", err)
	}
}

func TestExport_partialRangeSkipsIncompleteBatches(t *testing.T) {
	x := buildExporter(t, 250, 100)

	// [150,249] intersects the second anchor but contains only half of it.
	b, err := x.Export(ctx, 150, 249)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Anchors) != 1 {
		t.Fatalf("anchors: got %d, want 1", len(b.Anchors))
	}
	// Signature and token checks still run; the root recomputation is
	// skipped because the batch is incomplete.
	if err := b.Verify(); err != nil {
		t.Errorf("partial bundle failed verification: %v", err)
	}
}

func TestVerify_detectsTamper(t *testing.T) {
	x := buildExporter(t, 120, 100)

	b, err := x.Export(ctx, 0, 119)
	if err != nil {
		t.Fatal(err)
	}

	b.Entries[50].Payload = []byte("rewritten")
	err = b.Verify()
	if err == nil || !strings.Contains(err.Error(), "entry 50") {
		t.Errorf("tampered bundle: got %v", err)
	}
}

func TestVerify_detectsForeignSigner(t *testing.T) {
	x := buildExporter(t, 100, 100)

	b, err := x.Export(ctx, 0, 99)
	if err != nil {
		t.Fatal(err)
	}

	// Swap in an unrelated genesis key: the anchor signatures must fail.
	other, err := genesis.Generate(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b.GenesisPublicKey = fmt.Sprintf("%x", other.PublicKey())
	b.Pin = nil
	if err := b.Verify(); err == nil {
		t.Error("bundle with swapped genesis key should fail verification")
	}
}

func TestVerify_pinMismatch(t *testing.T) {
	x := buildExporter(t, 100, 100)

	b, err := x.Export(ctx, 0, 99)
	if err != nil {
		t.Fatal(err)
	}
	b.Pin = &continuity.Pin{GenesisID: b.GenesisID, PublicKeyHash: "ff"}
	err = b.Verify()
	if err == nil || !strings.Contains(err.Error(), "pin") {
		t.Errorf("mismatched pin: got %v", err)
	}
}

func TestExport_rangeBounds(t *testing.T) {
	x := buildExporter(t, 10, 100)

	b, err := x.Export(ctx, 0, 9999)
	if err != nil {
		t.Fatal(err)
	}
	if b.HeadSeq != 9 {
		t.Errorf("clamped head: got %d, want 9", b.HeadSeq)
	}

	if _, err := x.Export(ctx, 50, 60); err == nil {
		t.Error("range beyond the head should fail")
	}
}
