package merkle

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaf(i int) Hash {
	return sha256.Sum256([]byte(fmt.Sprintf("leaf-%d", i)))
}

func TestMerklizePathsReachRoot(t *testing.T) {
	for n := 1; n <= 9; n++ {
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			leaves := make([]Hash, n)
			for i := range leaves {
				leaves[i] = leaf(i)
			}
			root, paths := Merklize(leaves)
			require.Len(t, paths, n)
			for i := range leaves {
				assert.Equal(t, root, ComputeRoot(paths[i], leaves[i]), "leaf %d", i)
			}
		})
	}
}

func TestMerklizeShape(t *testing.T) {
	a, b, c := leaf(0), leaf(1), leaf(2)

	root, paths := Merklize([]Hash{a, b, c})
	// c has no sibling on the first level and is carried up
	assert.Equal(t, CombineHash(CombineHash(a, b), c), root)
	assert.Equal(t, Path{{Hash: b, Direction: Right}, {Hash: c, Direction: Right}}, paths[0])
	assert.Equal(t, Path{{Hash: a, Direction: Left}, {Hash: c, Direction: Right}}, paths[1])
	assert.Equal(t, Path{{Hash: CombineHash(a, b), Direction: Left}}, paths[2])

	root, paths = Merklize([]Hash{a})
	assert.Equal(t, a, root)
	assert.Empty(t, paths[0])

	root, paths = Merklize(nil)
	assert.Equal(t, Hash{}, root)
	assert.Nil(t, paths)
}

func TestComputeRootDetectsTampering(t *testing.T) {
	leaves := []Hash{leaf(0), leaf(1), leaf(2), leaf(3)}
	root, paths := Merklize(leaves)

	tampered := append(Path(nil), paths[2]...)
	tampered[0].Direction = Left + Right - tampered[0].Direction
	assert.NotEqual(t, root, ComputeRoot(tampered, leaves[2]))
	assert.NotEqual(t, root, ComputeRoot(paths[2], leaves[1]))
}
