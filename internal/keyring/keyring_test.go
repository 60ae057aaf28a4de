package keyring_test

import (
	"testing"

	"github.com/sovereign-ledger/sovereign/internal/keyring"
)

var seed = [32]byte{1, 2, 3, 4, 5, 6, 7, 8}

func TestEpochBoundaries(t *testing.T) {
	r := keyring.New(seed, 100)

	cases := []struct {
		seq   uint64
		epoch uint64
	}{
		{0, 0},
		{99, 0},
		{100, 1},
		{199, 1},
		{200, 2},
	}
	for _, c := range cases {
		if got := r.EpochOf(c.seq); got != c.epoch {
			t.Errorf("EpochOf(%d): got %d, want %d", c.seq, got, c.epoch)
		}
	}
}

func TestKeyFor_sameEpochSameKey(t *testing.T) {
	r := keyring.New(seed, 100)

	_, k0 := r.KeyFor(0)
	_, k99 := r.KeyFor(99)
	if k0 != k99 {
		t.Error("entries 0 and 99 must share epoch 0's key")
	}

	_, k100 := r.KeyFor(100)
	if k0 == k100 {
		t.Error("epoch 1 key must differ from epoch 0 key")
	}
}

func TestDeterminism_acrossRotators(t *testing.T) {
	a := keyring.New(seed, 100)
	b := keyring.New(seed, 100)

	for _, e := range []uint64{0, 1, 7, 1000} {
		if a.KeyForEpoch(e) != b.KeyForEpoch(e) {
			t.Errorf("epoch %d: same seed produced different keys", e)
		}
	}

	other := keyring.New([32]byte{9, 9, 9}, 100)
	if a.KeyForEpoch(0) == other.KeyForEpoch(0) {
		t.Error("different seeds produced the same key")
	}
}

func TestTag_verifyAndWrongEpoch(t *testing.T) {
	r := keyring.New(seed, 100)
	hash := []byte("entry hash bytes")

	epoch, tag := r.Tag(150, hash)
	if epoch != 1 {
		t.Fatalf("epoch for seq 150: got %d, want 1", epoch)
	}
	if !r.VerifyTag(1, hash, tag) {
		t.Error("valid tag failed verification")
	}
	if r.VerifyTag(0, hash, tag) {
		t.Error("tag computed with epoch 1 key verified under epoch 0 key")
	}

	tag[0] ^= 0x80
	if r.VerifyTag(1, hash, tag) {
		t.Error("corrupted tag verified")
	}
}

func TestDefaultInterval(t *testing.T) {
	r := keyring.New(seed, 0)
	if r.Interval() != keyring.DefaultRotationInterval {
		t.Errorf("interval: got %d, want %d", r.Interval(), keyring.DefaultRotationInterval)
	}
}
