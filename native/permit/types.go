package permit

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	repoCrypto "veilpay/crypto"
)

// DomainNameV1 is the protocol identifier bound into every permit signature.
// The version suffix also fixes the MaxAmount interpretation: under
// veilpay-permit/1 the cap bounds the lifetime sum of charges drawn against
// the permit, not a single charge.
const (
	DomainNameV1    = "veilpay-permit"
	DomainVersionV1 = "1"
)

// Domain pins a permit to one protocol deployment. Signatures produced for a
// different chain or verifying contract never validate here.
type Domain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           uint64 `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// Equal reports whether two domains describe the same deployment.
func (d Domain) Equal(other Domain) bool {
	return strings.TrimSpace(d.Name) == strings.TrimSpace(other.Name) &&
		strings.TrimSpace(d.Version) == strings.TrimSpace(other.Version) &&
		d.ChainID == other.ChainID &&
		strings.EqualFold(strings.TrimSpace(d.VerifyingContract), strings.TrimSpace(other.VerifyingContract))
}

// Permit is a payer-signed authorization allowing a payee to draw funds until
// the expiry, bounded by a lifetime cap, once per nonce. A permit is immutable
// after signing; only nonce usage state changes, and that is tracked outside
// the permit in the nullifier ledger.
type Permit struct {
	NoteID          [32]byte
	Payee           string
	MaxAmount       *big.Int
	Expiry          int64
	Nonce           []byte
	PayeeCommitment [32]byte
	Domain          Domain
	Signature       []byte
}

// Shielded reports whether the permit routes settlement through the payee
// commitment instead of a public address.
func (p *Permit) Shielded() bool {
	return p != nil && p.PayeeCommitment != ([32]byte{})
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (p *Permit) Clone() *Permit {
	if p == nil {
		return nil
	}
	clone := *p
	if p.MaxAmount != nil {
		clone.MaxAmount = new(big.Int).Set(p.MaxAmount)
	} else {
		clone.MaxAmount = big.NewInt(0)
	}
	clone.Nonce = append([]byte(nil), p.Nonce...)
	clone.Signature = append([]byte(nil), p.Signature...)
	return &clone
}

type permitJSON struct {
	NoteID          string `json:"noteId"`
	Payee           string `json:"payee"`
	MaxAmount       string `json:"maxAmount"`
	Expiry          int64  `json:"expiry"`
	Nonce           string `json:"nonce"`
	PayeeCommitment string `json:"payeeCommitment"`
	Domain          Domain `json:"domain"`
	Signature       string `json:"signature"`
}

// MarshalJSON encodes the permit into the representation exchanged with
// signing agents and operator tooling.
func (p Permit) MarshalJSON() ([]byte, error) {
	amountStr := "0"
	if p.MaxAmount != nil {
		amountStr = strings.TrimSpace(p.MaxAmount.String())
	}
	commitment := ""
	if p.PayeeCommitment != ([32]byte{}) {
		commitment = "0x" + hex.EncodeToString(p.PayeeCommitment[:])
	}
	payload := permitJSON{
		NoteID:          "0x" + hex.EncodeToString(p.NoteID[:]),
		Payee:           strings.TrimSpace(p.Payee),
		MaxAmount:       amountStr,
		Expiry:          p.Expiry,
		Nonce:           strings.ToLower(hex.EncodeToString(p.Nonce)),
		PayeeCommitment: commitment,
		Domain:          p.Domain,
		Signature:       strings.ToLower(hex.EncodeToString(p.Signature)),
	}
	return json.Marshal(payload)
}

// UnmarshalJSON decodes the on-wire representation into the canonical struct.
func (p *Permit) UnmarshalJSON(data []byte) error {
	if p == nil {
		return fmt.Errorf("permit: nil receiver")
	}
	var payload permitJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	noteID, err := decodeHash32(payload.NoteID, "noteId")
	if err != nil {
		return err
	}
	if noteID == ([32]byte{}) {
		return fmt.Errorf("permit: noteId required")
	}
	amountStr := strings.TrimSpace(payload.MaxAmount)
	if amountStr == "" {
		return fmt.Errorf("permit: maxAmount required")
	}
	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return fmt.Errorf("permit: invalid maxAmount %q", payload.MaxAmount)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("permit: maxAmount must be positive")
	}
	nonceStr := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(payload.Nonce)), "0x")
	if nonceStr == "" {
		return fmt.Errorf("permit: nonce required")
	}
	nonce, err := hex.DecodeString(nonceStr)
	if err != nil {
		return fmt.Errorf("permit: nonce: %w", err)
	}
	var commitment [32]byte
	if strings.TrimSpace(payload.PayeeCommitment) != "" {
		commitment, err = decodeHash32(payload.PayeeCommitment, "payeeCommitment")
		if err != nil {
			return err
		}
	}
	payee := strings.TrimSpace(payload.Payee)
	if payee == "" && commitment == ([32]byte{}) {
		return fmt.Errorf("permit: payee required for public settlement")
	}
	if payee != "" {
		if _, err := repoCrypto.DecodeAddress(payee); err != nil {
			return fmt.Errorf("permit: payee: %w", err)
		}
	}
	sigStr := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(payload.Signature)), "0x")
	signature, err := hex.DecodeString(sigStr)
	if err != nil {
		return fmt.Errorf("permit: signature: %w", err)
	}
	*p = Permit{
		NoteID:          noteID,
		Payee:           payee,
		MaxAmount:       amount,
		Expiry:          payload.Expiry,
		Nonce:           nonce,
		PayeeCommitment: commitment,
		Domain:          payload.Domain,
		Signature:       signature,
	}
	return nil
}

// Hash reconstructs the canonical digest signed by the payer. Field order is
// fixed for signature compatibility with external signing agents: noteId,
// payee, maxAmount, expiry, nonce, payeeCommitment, all under the domain
// separator.
func (p Permit) Hash() []byte {
	amountStr := "0"
	if p.MaxAmount != nil {
		amountStr = p.MaxAmount.String()
	}
	payload := fmt.Sprintf("%s/%s|chain=%d|contract=%s|note=%s|payee=%s|max=%s|exp=%d|nonce=%s|commit=%s",
		strings.TrimSpace(p.Domain.Name),
		strings.TrimSpace(p.Domain.Version),
		p.Domain.ChainID,
		strings.ToLower(strings.TrimSpace(p.Domain.VerifyingContract)),
		hex.EncodeToString(p.NoteID[:]),
		strings.TrimSpace(p.Payee),
		amountStr,
		p.Expiry,
		strings.ToLower(hex.EncodeToString(p.Nonce)),
		hex.EncodeToString(p.PayeeCommitment[:]),
	)
	return ethcrypto.Keccak256([]byte(payload))
}

// Sign produces the payer signature over the canonical digest and stores it on
// the permit.
func (p *Permit) Sign(key *repoCrypto.PrivateKey) error {
	if p == nil {
		return fmt.Errorf("permit: nil receiver")
	}
	if key == nil {
		return fmt.Errorf("permit: signing key required")
	}
	sig, err := ethcrypto.Sign(p.Hash(), key.PrivateKey)
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// RecoverPayer returns the address that produced the permit signature.
func (p *Permit) RecoverPayer() (repoCrypto.Address, error) {
	if p == nil {
		return repoCrypto.Address{}, fmt.Errorf("permit: nil receiver")
	}
	if len(p.Signature) != 65 {
		return repoCrypto.Address{}, fmt.Errorf("permit: signature must be 65 bytes, got %d", len(p.Signature))
	}
	pub, err := ethcrypto.SigToPub(p.Hash(), p.Signature)
	if err != nil {
		return repoCrypto.Address{}, fmt.Errorf("permit: recover payer: %w", err)
	}
	addrBytes := ethcrypto.PubkeyToAddress(*pub).Bytes()
	return repoCrypto.NewAddress(repoCrypto.PayPrefix, addrBytes), nil
}

// ChargeTag derives the one-time tag consumed when the charge for the given
// billing period settles. Each period consumes its own tag, so a permit can be
// exercised repeatedly while a specific period can never settle twice, and a
// failed submission can retry the same period with its tag still unused.
func (p Permit) ChargeTag(period uint64) [32]byte {
	var periodBytes [8]byte
	for i := 0; i < 8; i++ {
		periodBytes[7-i] = byte(period >> (8 * i))
	}
	buf := bytes.Buffer{}
	buf.Write(p.NoteID[:])
	buf.Write(p.Nonce)
	buf.Write(periodBytes[:])
	var tag [32]byte
	copy(tag[:], ethcrypto.Keccak256(buf.Bytes()))
	return tag
}

func decodeHash32(value, field string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
	if trimmed == "" {
		return out, fmt.Errorf("permit: %s required", field)
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("permit: %s: %w", field, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("permit: %s must be 32 bytes, got %d", field, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
