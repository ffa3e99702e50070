package chargerd

import (
	"context"
	"fmt"
	"math/big"
)

// ProofRequest carries the inputs handed to the external proof subsystem.
type ProofRequest struct {
	NoteID           [32]byte
	Amount           *big.Int
	RemainingBalance *big.Int
	Nonce            []byte
	MerkleRoot       *[32]byte
}

// PublicInputs is the public half of a proof bundle, consumed verbatim by the
// transfer primitive.
type PublicInputs struct {
	Root             [32]byte
	SignedAmount     string
	ExternalDataHash [32]byte
	Nullifier        [32]byte
}

// RangeBounds optionally accompany a shielded settlement so the amount can be
// hidden behind a commitment with a provable range.
type RangeBounds struct {
	Min *big.Int
	Max *big.Int
}

// ProofBundle is the opaque artifact returned by the proof subsystem. Bundles
// are regenerated per charge; the bundle supplied at subscription creation
// covers only the immediate first charge.
type ProofBundle struct {
	Proof        []byte
	PublicInputs PublicInputs
	RangeBounds  *RangeBounds
}

// Prover abstracts the zero-knowledge proof subsystem. Generation is slow
// (seconds) and a failure is permanent for that specific input set, so callers
// must not retry blindly.
type Prover interface {
	GenerateProof(ctx context.Context, req ProofRequest) (*ProofBundle, error)
}

// FuncProver adapts a callback to the Prover interface.
type FuncProver func(ctx context.Context, req ProofRequest) (*ProofBundle, error)

// GenerateProof delegates to the configured callback.
func (f FuncProver) GenerateProof(ctx context.Context, req ProofRequest) (*ProofBundle, error) {
	if f == nil {
		return nil, fmt.Errorf("chargerd: prover not configured")
	}
	return f(ctx, req)
}
