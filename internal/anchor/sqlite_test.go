package anchor_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/backend"
)

func openAnchorDB(t *testing.T) *anchor.SQLiteStore {
	t.Helper()
	s, err := anchor.OpenSQLiteStore(filepath.Join(t.TempDir(), "anchors.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAnchor(seq uint64, prev string) *anchor.Anchor {
	return &anchor.Anchor{
		ID:               "anchor-" + string(rune('a'+seq)),
		Seq:              seq,
		BatchStart:       seq * 100,
		BatchEnd:         seq*100 + 99,
		MerkleRoot:       "aa",
		GenesisSignature: "bb",
		TSAToken:         "token",
		TSATime:          time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		PrevAnchorHash:   prev,
		Hash:             "cc",
		CreatedAt:        time.Date(2026, 2, 1, 0, 0, 1, 0, time.UTC),
	}
}

func TestSQLiteStore_roundTrip(t *testing.T) {
	s := openAnchorDB(t)

	if _, err := s.Latest(ctx); !errors.Is(err, anchor.ErrNoAnchors) {
		t.Fatalf("Latest on empty store: got %v, want ErrNoAnchors", err)
	}

	a0 := sampleAnchor(0, anchor.ZeroAnchorHash)
	a1 := sampleAnchor(1, a0.Hash)
	for _, a := range []*anchor.Anchor{a0, a1} {
		if err := s.SaveAnchor(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetAnchor(ctx, a0.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.BatchEnd != 99 || got.PrevAnchorHash != anchor.ZeroAnchorHash {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if !got.TSATime.Equal(a0.TSATime) {
		t.Errorf("tsa time: got %v, want %v", got.TSATime, a0.TSATime)
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Seq != 1 {
		t.Errorf("latest seq: got %d, want 1", latest.Seq)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Seq != 0 || all[1].Seq != 1 {
		t.Errorf("list order wrong: %d anchors", len(all))
	}
}

func TestSQLiteStore_receiptsPersist(t *testing.T) {
	s := openAnchorDB(t)

	a := sampleAnchor(0, anchor.ZeroAnchorHash)
	if err := s.SaveAnchor(ctx, a); err != nil {
		t.Fatal(err)
	}

	receipts := []backend.Receipt{
		{Backend: "fs-primary", ID: "deadbeef", StoredAt: time.Date(2026, 2, 1, 0, 5, 0, 0, time.UTC)},
		{Backend: "cas", ID: "bafkreigh", StoredAt: time.Date(2026, 2, 1, 0, 5, 2, 0, time.UTC)},
	}
	if err := s.UpdateReceipts(ctx, a.ID, receipts); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAnchor(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Receipts) != 2 || got.Receipts[1].Backend != "cas" {
		t.Errorf("receipts did not persist: %+v", got.Receipts)
	}

	if _, err := s.GetAnchor(ctx, "no-such-anchor"); !errors.Is(err, anchor.ErrNotFound) {
		t.Errorf("missing anchor: got %v, want ErrNotFound", err)
	}
}
