package merkle_test

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/sovereign-ledger/sovereign/internal/merkle"
)

func leaves(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		sum := sha256.Sum256(fmt.Appendf(nil, "leaf-%d", i))
		out[i] = sum[:]
	}
	return out
}

func TestRoot_empty(t *testing.T) {
	if _, err := merkle.Root(nil); !errors.Is(err, merkle.ErrNoLeaves) {
		t.Errorf("got %v, want ErrNoLeaves", err)
	}
}

func TestRoot_singleLeafIsItsOwnRoot(t *testing.T) {
	ls := leaves(1)
	root, err := merkle.Root(ls)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(root, ls[0]) {
		t.Error("single-leaf root must equal the leaf")
	}
}

func TestRoot_twoLeaves(t *testing.T) {
	ls := leaves(2)
	root, err := merkle.Root(ls)
	if err != nil {
		t.Fatal(err)
	}

	h := sha256.New()
	h.Write(ls[0])
	h.Write(ls[1])
	if !bytes.Equal(root, h.Sum(nil)) {
		t.Error("two-leaf root is not H(l0 || l1)")
	}
}

func TestRoot_oddLeafPromotes(t *testing.T) {
	ls := leaves(3)
	root, err := merkle.Root(ls)
	if err != nil {
		t.Fatal(err)
	}

	// Level 1: [H(l0||l1), l2]; root: H(H(l0||l1) || l2).
	h01 := sha256.New()
	h01.Write(ls[0])
	h01.Write(ls[1])
	top := sha256.New()
	top.Write(h01.Sum(nil))
	top.Write(ls[2])
	if !bytes.Equal(root, top.Sum(nil)) {
		t.Error("odd leaf was not promoted unchanged")
	}
}

func TestRoot_deterministicAndLeafSensitive(t *testing.T) {
	a, _ := merkle.Root(leaves(7))
	b, _ := merkle.Root(leaves(7))
	if !bytes.Equal(a, b) {
		t.Error("root not deterministic")
	}

	mutated := leaves(7)
	mutated[3][0] ^= 0x01
	c, _ := merkle.Root(mutated)
	if bytes.Equal(a, c) {
		t.Error("root insensitive to leaf mutation")
	}
}

func TestProof_roundTripAllShapes(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 13, 1000} {
		ls := leaves(n)
		root, err := merkle.Root(ls)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			path, err := merkle.Proof(ls, i)
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			if !merkle.VerifyProof(ls[i], path, root) {
				t.Errorf("n=%d: proof for leaf %d did not verify", n, i)
			}
		}
	}
}

func TestProof_rejectsWrongLeaf(t *testing.T) {
	ls := leaves(9)
	root, _ := merkle.Root(ls)
	path, err := merkle.Proof(ls, 4)
	if err != nil {
		t.Fatal(err)
	}

	wrong := append([]byte(nil), ls[4]...)
	wrong[0] ^= 0xff
	if merkle.VerifyProof(wrong, path, root) {
		t.Error("proof verified for a mutated leaf")
	}
	if merkle.VerifyProof(ls[5], path, root) {
		t.Error("proof for leaf 4 verified leaf 5")
	}
}

func TestProof_outOfRange(t *testing.T) {
	ls := leaves(4)
	if _, err := merkle.Proof(ls, 4); !errors.Is(err, merkle.ErrLeafOutOfRange) {
		t.Errorf("got %v, want ErrLeafOutOfRange", err)
	}
	if _, err := merkle.Proof(ls, -1); !errors.Is(err, merkle.ErrLeafOutOfRange) {
		t.Errorf("got %v, want ErrLeafOutOfRange", err)
	}
}
