package delegation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleLeaves(n int) [][32]byte {
	leaves := make([][32]byte, n)
	for i := range leaves {
		leaves[i] = Leaf([32]byte{byte(i + 1)}, [32]byte{0x50 + byte(i)})
	}
	return leaves
}

func TestTreeProveVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8} {
		leaves := sampleLeaves(n)
		tree, err := NewTree(leaves)
		require.NoError(t, err)
		root := tree.Root()
		for i, leaf := range leaves {
			proof, err := tree.Prove(i)
			require.NoError(t, err)
			require.True(t, VerifyProof(leaf, proof, root), "leaf %d of %d", i, n)
		}
	}
}

func TestVerifyProofRejectsWrongRoot(t *testing.T) {
	leaves := sampleLeaves(4)
	tree, err := NewTree(leaves)
	require.NoError(t, err)
	proof, err := tree.Prove(2)
	require.NoError(t, err)

	var wrongRoot [32]byte
	wrongRoot[0] = 0xff
	require.False(t, VerifyProof(leaves[2], proof, wrongRoot))

	// Proof for one leaf must not validate another.
	require.False(t, VerifyProof(leaves[1], proof, tree.Root()))
}

func TestProveOutOfRange(t *testing.T) {
	tree, err := NewTree(sampleLeaves(2))
	require.NoError(t, err)
	_, err = tree.Prove(7)
	require.Error(t, err)
}

func TestDeriveNullifierCounterBound(t *testing.T) {
	leaf := Leaf([32]byte{0x01}, [32]byte{0x02})
	a := DeriveNullifier(leaf, 0)
	b := DeriveNullifier(leaf, 1)
	require.NotEqual(t, a, b, "distinct counters must produce distinct tags")
	require.Equal(t, a, DeriveNullifier(leaf, 0), "derivation must be deterministic")

	otherLeaf := Leaf([32]byte{0x03}, [32]byte{0x02})
	require.NotEqual(t, a, DeriveNullifier(otherLeaf, 0))
}

func TestLeafDomainSeparation(t *testing.T) {
	digest := [32]byte{0x11}
	salt := [32]byte{0x22}
	leaf := Leaf(digest, salt)
	// A leaf hash must never collide with an interior node over the same bytes.
	require.NotEqual(t, leaf, hashNode(digest, salt))
}
