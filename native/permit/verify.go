package permit

import (
	"fmt"
	"math/big"
	"strings"

	repoCrypto "veilpay/crypto"
)

// RejectReason enumerates the permanent reasons a charge proposal can fail
// verification. None of these are retryable.
type RejectReason string

const (
	ReasonExpired          RejectReason = "expired"
	ReasonOverCap          RejectReason = "over_cap"
	ReasonInvalidRecipient RejectReason = "invalid_recipient"
	ReasonDomainMismatch   RejectReason = "domain_mismatch"
	ReasonBadSignature     RejectReason = "bad_signature"
)

// Outcome is the typed result of a verification. Expected rejections are
// values, not errors; only programming faults surface as errors elsewhere.
type Outcome struct {
	OK     bool
	Reason RejectReason
}

func ok() Outcome                     { return Outcome{OK: true} }
func rejected(r RejectReason) Outcome { return Outcome{Reason: r} }

// Route selects the settlement path mandated by the permit.
type Route uint8

const (
	RoutePublic Route = iota
	RouteShielded
)

// Charge describes one proposed draw against a permit. CumulativeSpent is the
// sum already settled under the permit; the verifier enforces the lifetime cap
// against CumulativeSpent+Amount.
type Charge struct {
	Amount          *big.Int
	Payee           string
	PayeeCommitment [32]byte
	CumulativeSpent *big.Int
}

// Verifier validates charge proposals against permits. It is a pure predicate:
// nonce consumption is the caller's responsibility, performed only after a
// successful settlement so a failed submission can retry with the same nonce.
type Verifier struct {
	domain Domain
}

// NewVerifier constructs a verifier pinned to the execution environment's
// current domain.
func NewVerifier(domain Domain) *Verifier {
	return &Verifier{domain: domain}
}

// Domain returns the domain this verifier enforces.
func (v *Verifier) Domain() Domain { return v.domain }

// Verify runs the ordered checks from the charging protocol, short-circuiting
// on the first failure. now is a unix timestamp.
func (v *Verifier) Verify(p *Permit, charge Charge, now int64) Outcome {
	if v == nil || p == nil {
		return rejected(ReasonBadSignature)
	}
	if now > p.Expiry {
		return rejected(ReasonExpired)
	}
	if outcome := checkCap(p, charge); !outcome.OK {
		return outcome
	}
	if outcome := checkRecipient(p, charge); !outcome.OK {
		return outcome
	}
	if !p.Domain.Equal(v.domain) {
		return rejected(ReasonDomainMismatch)
	}
	// Full signature authority is enforced by the transfer primitive at
	// settlement; here only the shape is validated so malformed permits
	// never reach the relayer.
	if len(p.Signature) != 65 {
		return rejected(ReasonBadSignature)
	}
	return ok()
}

// checkCap enforces the lifetime interpretation of MaxAmount. The boundary is
// inclusive: a charge that lands exactly on the cap is accepted.
func checkCap(p *Permit, charge Charge) Outcome {
	if charge.Amount == nil || charge.Amount.Sign() <= 0 {
		return rejected(ReasonOverCap)
	}
	max := p.MaxAmount
	if max == nil || max.Sign() <= 0 {
		return rejected(ReasonOverCap)
	}
	spent := charge.CumulativeSpent
	if spent == nil {
		spent = big.NewInt(0)
	}
	if spent.Sign() < 0 {
		return rejected(ReasonOverCap)
	}
	total := new(big.Int).Add(spent, charge.Amount)
	if total.Cmp(max) > 0 {
		return rejected(ReasonOverCap)
	}
	return ok()
}

// checkRecipient validates the recipient shape against the permit's mode. A
// shielded permit ignores the proposed payee entirely; a public permit must be
// charged toward a decodable public address, never a commitment.
func checkRecipient(p *Permit, charge Charge) Outcome {
	if p.Shielded() {
		return ok()
	}
	if charge.PayeeCommitment != ([32]byte{}) {
		return rejected(ReasonInvalidRecipient)
	}
	payee := strings.TrimSpace(charge.Payee)
	if payee == "" {
		return rejected(ReasonInvalidRecipient)
	}
	addr, err := repoCrypto.DecodeAddress(payee)
	if err != nil {
		return rejected(ReasonInvalidRecipient)
	}
	if addr.Prefix() != repoCrypto.PayPrefix {
		return rejected(ReasonInvalidRecipient)
	}
	return ok()
}

// SelectRoute reports which settlement variant the permit mandates.
func SelectRoute(p *Permit) Route {
	if p.Shielded() {
		return RouteShielded
	}
	return RoutePublic
}

// Sanitize validates and normalises a permit before it is stored, returning a
// cloned instance. Input errors reject synchronously and never reach the
// scheduler.
func Sanitize(p *Permit) (*Permit, error) {
	if p == nil {
		return nil, fmt.Errorf("nil permit")
	}
	clone := p.Clone()
	if clone.NoteID == ([32]byte{}) {
		return nil, fmt.Errorf("permit: noteId required")
	}
	if clone.MaxAmount == nil || clone.MaxAmount.Sign() <= 0 {
		return nil, fmt.Errorf("permit: maxAmount must be positive")
	}
	if clone.Expiry <= 0 {
		return nil, fmt.Errorf("permit: expiry required")
	}
	if len(clone.Nonce) == 0 {
		return nil, fmt.Errorf("permit: nonce required")
	}
	clone.Payee = strings.TrimSpace(clone.Payee)
	if !clone.Shielded() {
		if clone.Payee == "" {
			return nil, fmt.Errorf("permit: payee required for public settlement")
		}
		if _, err := repoCrypto.DecodeAddress(clone.Payee); err != nil {
			return nil, fmt.Errorf("permit: payee: %w", err)
		}
	}
	if strings.TrimSpace(clone.Domain.Name) == "" || strings.TrimSpace(clone.Domain.Version) == "" {
		return nil, fmt.Errorf("permit: domain name and version required")
	}
	return clone, nil
}
