package delegation

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	repoCrypto "veilpay/crypto"
	"veilpay/native/nullifier"
)

// AttestationDomainV1 is bound into every policy attestation signature.
const AttestationDomainV1 = "VEILPAY_DELEGATION_ATTEST_V1"

// RejectReason enumerates the permanent reasons an authorization can fail.
type RejectReason string

const (
	ReasonStaleRoot      RejectReason = "stale_or_unknown_root"
	ReasonNullifierUsed  RejectReason = "nullifier_used"
	ReasonBadAttestation RejectReason = "bad_attestation"
)

// Outcome is the typed authorization result. Expected rejections are values;
// only store faults surface as errors.
type Outcome struct {
	OK     bool
	Reason RejectReason
}

// Attestation is an externally produced assertion that a private policy
// evaluator approved a specific (leaf, action) pair. The anchor never learns
// the policy itself.
type Attestation struct {
	Leaf             [32]byte
	ActionDescriptor string
	Signature        []byte
}

// CanonicalMessage renders the digest input signed by the policy evaluator.
func (a Attestation) CanonicalMessage() string {
	return fmt.Sprintf("%s|leaf=%s|action=%s",
		AttestationDomainV1,
		hex.EncodeToString(a.Leaf[:]),
		strings.TrimSpace(a.ActionDescriptor),
	)
}

// Hash returns the digest the evaluator signs.
func (a Attestation) Hash() []byte {
	return ethcrypto.Keccak256([]byte(a.CanonicalMessage()))
}

// Sign produces the evaluator signature over the canonical digest.
func (a *Attestation) Sign(key *repoCrypto.PrivateKey) error {
	if a == nil {
		return fmt.Errorf("delegation: nil attestation")
	}
	if key == nil {
		return fmt.Errorf("delegation: signing key required")
	}
	sig, err := ethcrypto.Sign(a.Hash(), key.PrivateKey)
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// Anchor verifies that a charge is sanctioned by a privately-held policy
// committed to via a Merkle root, without revealing the policy. It stores only
// roots and consumed nullifiers.
type Anchor struct {
	mu          sync.RWMutex
	roots       [][32]byte
	rootHistory int
	attester    [20]byte
	nullifiers  *nullifier.Ledger
}

// NewAnchor constructs an anchor trusting the given attester identity. The
// ledger provides the atomic nullifier consumption.
func NewAnchor(attester repoCrypto.Address, ledger *nullifier.Ledger) *Anchor {
	anchor := &Anchor{rootHistory: 4, nullifiers: ledger}
	copy(anchor.attester[:], attester.Bytes())
	return anchor
}

// SetRootHistory bounds how many recently published roots remain acceptable.
// Proofs generated just before a rotation stay valid until the window rolls.
func (a *Anchor) SetRootHistory(n int) {
	if a == nil || n < 1 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rootHistory = n
	a.trimLocked()
}

// PublishRoot records a newly published commitment root. The most recent root
// is authoritative; older roots within the history window are still accepted.
func (a *Anchor) PublishRoot(root [32]byte) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roots = append(a.roots, root)
	a.trimLocked()
}

func (a *Anchor) trimLocked() {
	if len(a.roots) > a.rootHistory {
		a.roots = a.roots[len(a.roots)-a.rootHistory:]
	}
}

// CurrentRoot returns the most recently published root.
func (a *Anchor) CurrentRoot() ([32]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.roots) == 0 {
		return [32]byte{}, false
	}
	return a.roots[len(a.roots)-1], true
}

func (a *Anchor) rootKnown(root [32]byte) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, known := range a.roots {
		if known == root {
			return true
		}
	}
	return false
}

// Authorize gates a delegation-anchored charge. It never consumes the derived
// nullifier: the caller calls Consume once the charge durably settles, so an
// authorized attempt that fails downstream can be retried under the same
// counter. A counter whose nullifier was already consumed is rejected.
func (a *Anchor) Authorize(leaf [32]byte, counter uint64, root [32]byte, proof Proof, att Attestation) (Outcome, error) {
	if a == nil || a.nullifiers == nil {
		return Outcome{}, fmt.Errorf("delegation: anchor not initialised")
	}
	if !a.rootKnown(root) || !VerifyProof(leaf, proof, root) {
		return Outcome{Reason: ReasonStaleRoot}, nil
	}
	used, err := a.nullifiers.IsUsed(DeriveNullifier(leaf, counter))
	if err != nil {
		return Outcome{}, err
	}
	if used {
		return Outcome{Reason: ReasonNullifierUsed}, nil
	}
	if att.Leaf != leaf || !a.attestationValid(att) {
		return Outcome{Reason: ReasonBadAttestation}, nil
	}
	return Outcome{OK: true}, nil
}

// Consume burns the nullifier for a settled charge. Callers invoke it exactly
// once per settlement; nullifier.ErrAlreadyUsed means a concurrent settlement
// of the same counter got there first.
func (a *Anchor) Consume(leaf [32]byte, counter uint64) error {
	if a == nil || a.nullifiers == nil {
		return fmt.Errorf("delegation: anchor not initialised")
	}
	return a.nullifiers.MarkUsed(DeriveNullifier(leaf, counter))
}

func (a *Anchor) attestationValid(att Attestation) bool {
	if len(att.Signature) != 65 {
		return false
	}
	pub, err := ethcrypto.SigToPub(att.Hash(), att.Signature)
	if err != nil {
		return false
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	return [20]byte(recovered) == a.attester
}
