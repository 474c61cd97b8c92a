// Package merkle implements the binary sha256 Merkle paths NEAR uses for
// execution outcomes and block Merkle roots.
package merkle

import (
	"crypto/sha256"
)

type Hash [32]byte

type Direction uint8

const (
	Left Direction = iota
	Right
)

// PathItem is a sibling hash and the side it sits on.
type PathItem struct {
	Hash      Hash
	Direction Direction
}

type Path []PathItem

func CombineHash(a, b Hash) Hash {
	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeRoot folds leaf up along path.
func ComputeRoot(path Path, leaf Hash) Hash {
	h := leaf
	for _, item := range path {
		if item.Direction == Left {
			h = CombineHash(item.Hash, h)
		} else {
			h = CombineHash(h, item.Hash)
		}
	}
	return h
}

// Merklize builds the tree over already hashed leaves and returns the root with
// one path per leaf. A node without a right sibling is carried up unchanged.
func Merklize(leaves []Hash) (Hash, []Path) {
	n := len(leaves)
	if n == 0 {
		return Hash{}, nil
	}
	if n == 1 {
		return leaves[0], []Path{{}}
	}

	hashes := make([]Hash, n)
	copy(hashes, leaves)
	paths := make([]Path, n)
	for i := range paths {
		switch {
		case i%2 == 1:
			paths[i] = Path{{Hash: hashes[i-1], Direction: Left}}
		case i+1 < n:
			paths[i] = Path{{Hash: hashes[i+1], Direction: Right}}
		default:
			paths[i] = Path{}
		}
	}

	width := nextPowerOfTwo(n)
	levelLen := n
	span := 1
	for width > 1 {
		width /= 2
		span *= 2
		for i := 0; i < width; i++ {
			if 2*i >= levelLen {
				continue
			}
			h := hashes[2*i]
			if 2*i+1 < levelLen {
				h = CombineHash(hashes[2*i], hashes[2*i+1])
			}
			hashes[i] = h
			if width == 1 {
				continue
			}
			// h is the sibling of every leaf under the neighbouring subtree
			first, dir := (i+1)*span, Left
			if i%2 == 1 {
				first, dir = (i-1)*span, Right
			}
			for j := first; j < first+span && j < n; j++ {
				paths[j] = append(paths[j], PathItem{Hash: h, Direction: dir})
			}
		}
		levelLen = (levelLen + 1) / 2
	}
	return hashes[0], paths
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
