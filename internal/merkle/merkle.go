// Package merkle builds Bitcoin-style Merkle trees and the sibling-hash
// links used to rebind a leaf to a root without the full tree.
package merkle

import (
	"github.com/sharenet-dev/sharenet/pkg/util"
)

// Tree holds the root and the flattened layer list of a Merkle tree.
type Tree struct {
	Root [32]byte
	Data [][32]byte
}

// BuildTree constructs a Merkle tree from items. An empty input yields a
// zero root and no data; a single item is its own root. Odd layers
// duplicate their trailing element per the standard Bitcoin rule.
func BuildTree(items [][32]byte) *Tree {
	if len(items) == 0 {
		return &Tree{}
	}

	data := make([][32]byte, len(items))
	copy(data, items)

	layer := items
	for len(layer) > 1 {
		next := make([][32]byte, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			left := layer[i]
			right := left
			if i+1 < len(layer) {
				right = layer[i+1]
			}
			next = append(next, combine(left, right))
		}
		data = append(data, next...)
		layer = next
	}

	return &Tree{Root: layer[0], Data: data}
}

// Link returns the sibling hashes along the path from items[index] to the
// root. Reconstruct the root with Aggregate.
func Link(items [][32]byte, index int) [][32]byte {
	var branch [][32]byte

	layer := items
	for len(layer) > 1 {
		sibling := index ^ 1
		if sibling >= len(layer) {
			sibling = index // odd trailing element pairs with itself
		}
		branch = append(branch, layer[sibling])

		next := make([][32]byte, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			left := layer[i]
			right := left
			if i+1 < len(layer) {
				right = layer[i+1]
			}
			next = append(next, combine(left, right))
		}
		layer = next
		index /= 2
	}

	return branch
}

// Aggregate folds a leaf up a link. The current hash is always placed
// left and the sibling right; share-chain links follow this convention
// because the generation tx is index 0 at every level.
func Aggregate(leaf [32]byte, link [][32]byte) [32]byte {
	current := leaf
	for _, sibling := range link {
		current = combine(current, sibling)
	}
	return current
}

func combine(left, right [32]byte) [32]byte {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return util.DoubleSHA256(buf[:])
}
