package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/keyring"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
)

var (
	ctx      = context.Background()
	testSeed = [32]byte{42}
)

func newLedger(t *testing.T, interval int) (*ledger.Ledger, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	l, err := ledger.New(ctx, store, keyring.New(testSeed, interval), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return l, store
}

func TestAppend_chainsFromZeroHash(t *testing.T) {
	l, _ := newLedger(t, 100)

	e0, err := l.Append(ctx, "boot", []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	if e0.Seq != 0 {
		t.Errorf("first seq: got %d, want 0", e0.Seq)
	}
	if e0.PrevHash != ledger.ZeroHash {
		t.Errorf("first entry must chain from ZeroHash, got %q", e0.PrevHash)
	}

	e1, err := l.Append(ctx, "event", []byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	if e1.PrevHash != e0.Hash {
		t.Errorf("chain broken: e1.PrevHash=%q, want %q", e1.PrevHash, e0.Hash)
	}
}

func TestVerifyChain_validChainPasses(t *testing.T) {
	l, _ := newLedger(t, 100)

	for i := 0; i < 250; i++ {
		if _, err := l.Append(ctx, "event", fmt.Appendf(nil, "payload-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	res, err := l.VerifyChain(ctx, 0, 249)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("valid chain failed verification at %v: %s", res.FirstFailure, res.Reason)
	}
	if res.Checked != 250 {
		t.Errorf("checked: got %d, want 250", res.Checked)
	}
}

func TestVerifyChain_reportsExactTamperedSeq(t *testing.T) {
	l, store := newLedger(t, 1000)

	for i := 0; i < 700; i++ {
		if _, err := l.Append(ctx, "event", fmt.Appendf(nil, "payload-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	// Flip a bit in the stored payload of entry 500.
	victim, err := store.GetEntry(ctx, 500)
	if err != nil {
		t.Fatal(err)
	}
	victim.Payload[0] ^= 0x01

	res, err := l.VerifyChain(ctx, 0, 699)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("tampered chain passed verification")
	}
	if res.FirstFailure == nil || *res.FirstFailure != 500 {
		t.Fatalf("first failure: got %v, want 500", res.FirstFailure)
	}
}

func TestVerifyChain_prefixStillVerifiesInIsolation(t *testing.T) {
	l, store := newLedger(t, 1000)

	for i := 0; i < 700; i++ {
		if _, err := l.Append(ctx, "event", fmt.Appendf(nil, "payload-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	victim, _ := store.GetEntry(ctx, 500)
	victim.Payload[0] ^= 0x01

	res, err := l.VerifyChain(ctx, 0, 499)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("untampered prefix [0,499] failed at %v: %s", res.FirstFailure, res.Reason)
	}
}

func TestVerifyChain_detectsTamperedTag(t *testing.T) {
	l, store := newLedger(t, 100)

	for i := 0; i < 10; i++ {
		if _, err := l.Append(ctx, "event", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	victim, _ := store.GetEntry(ctx, 3)
	victim.HMACTag = victim.HMACTag[:len(victim.HMACTag)-1] + "f"

	res, err := l.VerifyChain(ctx, 0, 9)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("chain with corrupted tag passed verification")
	}
	if *res.FirstFailure != 3 {
		t.Errorf("first failure: got %d, want 3", *res.FirstFailure)
	}
}

func TestIntegrityViolation_freezesAppends(t *testing.T) {
	l, store := newLedger(t, 100)

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, "event", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	victim, _ := store.GetEntry(ctx, 2)
	victim.Payload = []byte("rewritten history")

	if res, _ := l.VerifyChain(ctx, 0, 4); res.Valid {
		t.Fatal("expected verification failure")
	}

	if frozen, _ := l.Frozen(); !frozen {
		t.Fatal("ledger should be frozen after integrity violation")
	}
	if _, err := l.Append(ctx, "event", []byte("y")); !errors.Is(err, ledger.ErrFrozen) {
		t.Errorf("append on frozen ledger: got %v, want ErrFrozen", err)
	}

	// Recovery is explicit, never automatic.
	l.Unfreeze("ops@example.com")
	if frozen, _ := l.Frozen(); frozen {
		t.Error("ledger still frozen after operator unfreeze")
	}
}

func TestDeterminism_replayReproducesHashesAndTags(t *testing.T) {
	payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc"), []byte("dddd")}

	run := func() []*ledger.Entry {
		l, _ := newLedger(t, 2)
		var out []*ledger.Entry
		for _, p := range payloads {
			e, err := l.Append(ctx, "replay", p)
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, e)
		}
		return out
	}

	first, second := run(), run()
	for i := range first {
		if first[i].Hash != second[i].Hash {
			t.Errorf("entry %d: hash differs across replay", i)
		}
		if first[i].HMACTag != second[i].HMACTag {
			t.Errorf("entry %d: hmac tag differs across replay", i)
		}
	}
}

func TestAppend_concurrent(t *testing.T) {
	l, _ := newLedger(t, 100)

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, "concurrent", fmt.Appendf(nil, "goroutine-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	count, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != n {
		t.Fatalf("entries: got %d, want %d", count, n)
	}

	res, err := l.VerifyChain(ctx, 0, n-1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("concurrent appends broke the chain at %v: %s", res.FirstFailure, res.Reason)
	}
}

func TestNew_recoversTailAcrossRestart(t *testing.T) {
	store := ledger.NewMemoryStore()
	keys := keyring.New(testSeed, 100)

	l1, err := ledger.New(ctx, store, keys, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	last := (*ledger.Entry)(nil)
	for i := 0; i < 7; i++ {
		if last, err = l1.Append(ctx, "event", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	// Simulate a restart over the same store.
	l2, err := ledger.New(ctx, store, keys, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	e, err := l2.Append(ctx, "event", []byte("after restart"))
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 7 {
		t.Errorf("seq after restart: got %d, want 7", e.Seq)
	}
	if e.PrevHash != last.Hash {
		t.Error("restarted ledger did not chain from the recovered head")
	}

	res, err := l2.VerifyChain(ctx, 0, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("chain invalid after restart: %s", res.Reason)
	}
}

func TestGet_notFound(t *testing.T) {
	l, _ := newLedger(t, 100)
	if _, err := l.Get(ctx, 99); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
