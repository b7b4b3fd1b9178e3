package merkle

import (
	"testing"

	"github.com/sharenet-dev/sharenet/pkg/util"
)

func leaf(b byte) [32]byte {
	var h [32]byte
	h[0] = b
	return h
}

func TestBuildTree_Empty(t *testing.T) {
	tree := BuildTree(nil)
	if tree.Root != ([32]byte{}) {
		t.Errorf("empty tree root = %x, want zero", tree.Root)
	}
	if len(tree.Data) != 0 {
		t.Errorf("empty tree has %d data entries", len(tree.Data))
	}
}

func TestBuildTree_Single(t *testing.T) {
	l := leaf(0x01)
	tree := BuildTree([][32]byte{l})
	if tree.Root != l {
		t.Errorf("single-item root is not the item itself")
	}
}

func TestBuildTree_OddDuplicatesTail(t *testing.T) {
	a, b, c := leaf(0x01), leaf(0x02), leaf(0x03)
	got := BuildTree([][32]byte{a, b, c}).Root

	// Trailing odd element pairs with itself.
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	ab := util.DoubleSHA256(buf[:])
	copy(buf[:32], c[:])
	copy(buf[32:], c[:])
	cc := util.DoubleSHA256(buf[:])
	copy(buf[:32], ab[:])
	copy(buf[32:], cc[:])
	want := util.DoubleSHA256(buf[:])

	if got != want {
		t.Fatalf("3-leaf root mismatch: %x != %x", got, want)
	}
}

func TestLink_AggregateRebuildsRoot(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		items := make([][32]byte, n)
		for i := range items {
			items[i] = leaf(byte(i + 1))
		}
		root := BuildTree(items).Root

		link := Link(items, 0)
		if got := Aggregate(items[0], link); got != root {
			t.Errorf("n=%d: aggregated root %x != tree root %x", n, got, root)
		}
	}
}

func TestLink_SingleItemIsEmpty(t *testing.T) {
	if link := Link([][32]byte{leaf(0x01)}, 0); len(link) != 0 {
		t.Fatalf("single-item link has %d siblings", len(link))
	}
}
