package delegation

import (
	"fmt"

	"lukechampine.com/blake3"
)

// Domain separation tags for the commitment tree. Leaves and interior nodes
// hash under distinct prefixes so a leaf can never be replayed as a node.
var (
	leafTag      = []byte("veilpay/delegation/leaf/v1")
	nodeTag      = []byte("veilpay/delegation/node/v1")
	nullifierTag = []byte("veilpay/delegation/nullifier/v1")
)

// Leaf commits to a privately-held policy digest. The policy itself never
// leaves the payer's custody; only this commitment enters the tree.
func Leaf(policyDigest [32]byte, salt [32]byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write(leafTag)
	h.Write(policyDigest[:])
	h.Write(salt[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveNullifier derives the one-time tag for a specific charge counter under
// a delegation leaf. Distinct counters produce uncorrelated tags, so repeated
// charges against the same delegation cannot be linked while a specific
// counter still cannot be reused.
func DeriveNullifier(leaf [32]byte, counter uint64) [32]byte {
	var counterBytes [8]byte
	for i := 0; i < 8; i++ {
		counterBytes[7-i] = byte(counter >> (8 * i))
	}
	h := blake3.New(32, nil)
	h.Write(nullifierTag)
	h.Write(leaf[:])
	h.Write(counterBytes[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hashNode(left, right [32]byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write(nodeTag)
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Proof is a Merkle inclusion proof: sibling hashes from the leaf to the root
// together with the leaf's position bits (false = leaf on the left).
type Proof struct {
	Siblings [][32]byte
	Index    uint64
}

// Tree is a fixed binary Merkle tree over delegation leaves. Odd layers are
// padded by duplicating the final node, matching the published root layout.
type Tree struct {
	layers [][][32]byte
}

// NewTree builds a tree over the supplied leaves.
func NewTree(leaves [][32]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("delegation: tree requires at least one leaf")
	}
	layers := make([][][32]byte, 0, 8)
	current := append([][32]byte(nil), leaves...)
	layers = append(layers, current)
	for len(current) > 1 {
		if len(current)%2 == 1 {
			current = append(current, current[len(current)-1])
		}
		next := make([][32]byte, 0, len(current)/2)
		for i := 0; i < len(current); i += 2 {
			next = append(next, hashNode(current[i], current[i+1]))
		}
		layers = append(layers, next)
		current = next
	}
	return &Tree{layers: layers}, nil
}

// Root returns the tree's commitment root.
func (t *Tree) Root() [32]byte {
	top := t.layers[len(t.layers)-1]
	return top[0]
}

// Prove produces the inclusion proof for the leaf at the given index.
func (t *Tree) Prove(index int) (Proof, error) {
	if index < 0 || index >= len(t.layers[0]) {
		return Proof{}, fmt.Errorf("delegation: leaf index %d out of range", index)
	}
	proof := Proof{Index: uint64(index)}
	pos := index
	for depth := 0; depth < len(t.layers)-1; depth++ {
		layer := t.layers[depth]
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		sibling := pos ^ 1
		proof.Siblings = append(proof.Siblings, layer[sibling])
		pos /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from a leaf and its proof and compares it
// against the expected root.
func VerifyProof(leaf [32]byte, proof Proof, root [32]byte) bool {
	current := leaf
	pos := proof.Index
	for _, sibling := range proof.Siblings {
		if pos&1 == 0 {
			current = hashNode(current, sibling)
		} else {
			current = hashNode(sibling, current)
		}
		pos >>= 1
	}
	return current == root
}
