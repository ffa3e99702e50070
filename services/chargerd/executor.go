package chargerd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"veilpay/native/delegation"
	"veilpay/native/nullifier"
	"veilpay/native/permit"
	"veilpay/services/chargerd/store"
)

// ResultStatus classifies the terminal outcome of one charge attempt.
type ResultStatus uint8

const (
	// StatusSettled means value durably moved; the settlement reference is set.
	StatusSettled ResultStatus = iota
	// StatusRejected is a permanent authorization failure; never retried.
	StatusRejected
	// StatusTransient is an infrastructure failure eligible for bounded retry
	// within the same billing period.
	StatusTransient
)

// Result reports the outcome of one execution.
type Result struct {
	Status ResultStatus
	Ref    string
	Reason string
	Detail string
}

func settled(ref string) Result {
	return Result{Status: StatusSettled, Ref: ref}
}

func rejectedResult(reason string) Result {
	return Result{Status: StatusRejected, Reason: reason}
}

func transient(detail string) Result {
	return Result{Status: StatusTransient, Detail: detail}
}

// RevertError carries the reason string from a transfer primitive revert.
// Reverts are deterministic and therefore permanent.
type RevertError struct {
	Reason string
}

// Error implements the error interface.
func (e *RevertError) Error() string {
	return fmt.Sprintf("reverted: %s", e.Reason)
}

// TemporaryError marks a failure as retryable infrastructure trouble.
type TemporaryError struct {
	Err error
}

// Error implements the error interface.
func (e *TemporaryError) Error() string { return e.Err.Error() }

// Unwrap exposes the underlying cause.
func (e *TemporaryError) Unwrap() error { return e.Err }

// DelegationGate authorizes a delegation-anchored charge and burns its
// nullifier once the charge settled. Authorize never consumes state, so an
// authorized attempt whose submission fails transiently retries under the same
// counter. The production gate wraps the anchor plus a proof source; tests
// substitute callbacks.
type DelegationGate interface {
	Authorize(ctx context.Context, leaf [32]byte, counter uint64, action string) (delegation.Outcome, error)
	Consume(leaf [32]byte, counter uint64) error
}

// FuncDelegationGate adapts callbacks to the DelegationGate interface. A nil
// ConsumeFunc makes consumption a no-op.
type FuncDelegationGate struct {
	AuthorizeFunc func(ctx context.Context, leaf [32]byte, counter uint64, action string) (delegation.Outcome, error)
	ConsumeFunc   func(leaf [32]byte, counter uint64) error
}

// Authorize delegates to the configured callback.
func (f FuncDelegationGate) Authorize(ctx context.Context, leaf [32]byte, counter uint64, action string) (delegation.Outcome, error) {
	return f.AuthorizeFunc(ctx, leaf, counter, action)
}

// Consume delegates to the configured callback, if any.
func (f FuncDelegationGate) Consume(leaf [32]byte, counter uint64) error {
	if f.ConsumeFunc == nil {
		return nil
	}
	return f.ConsumeFunc(leaf, counter)
}

// ProofSource fetches the current merkle proof and policy attestation for a
// delegation leaf. Implementations talk to the payer's policy agent.
type ProofSource interface {
	Fetch(ctx context.Context, leaf [32]byte, counter uint64, action string) ([32]byte, delegation.Proof, delegation.Attestation, error)
}

// AnchorGate is the production DelegationGate: it resolves proof material via
// the source and runs it through the anchor.
type AnchorGate struct {
	Anchor *delegation.Anchor
	Source ProofSource
}

// Authorize implements the DelegationGate interface.
func (g AnchorGate) Authorize(ctx context.Context, leaf [32]byte, counter uint64, action string) (delegation.Outcome, error) {
	if g.Anchor == nil || g.Source == nil {
		return delegation.Outcome{}, fmt.Errorf("chargerd: delegation gate not configured")
	}
	root, proof, att, err := g.Source.Fetch(ctx, leaf, counter, action)
	if err != nil {
		return delegation.Outcome{}, &TemporaryError{Err: fmt.Errorf("fetch delegation proof: %w", err)}
	}
	return g.Anchor.Authorize(leaf, counter, root, proof, att)
}

// Consume burns the anchor nullifier for a settled charge.
func (g AnchorGate) Consume(leaf [32]byte, counter uint64) error {
	if g.Anchor == nil {
		return fmt.Errorf("chargerd: delegation gate not configured")
	}
	return g.Anchor.Consume(leaf, counter)
}

// Submitter is the slice of the relayer the executor needs.
type Submitter interface {
	Submit(ctx context.Context, call *Call) (string, error)
}

// Executor validates a charge against the stored permit and drives it through
// the relayer. It distinguishes permanent rejections, which halt the
// subscription, from transient failures, which the scheduler retries within
// the period.
type Executor struct {
	verifier   *permit.Verifier
	nullifiers *nullifier.Ledger
	gate       DelegationGate
	prover     Prover
	relayer    Submitter
	metrics    *Metrics
	now        func() time.Time
}

// ExecutorOption customises the executor instance.
type ExecutorOption func(*Executor)

// WithDelegationGate supplies the private-policy authorization gate.
func WithDelegationGate(gate DelegationGate) ExecutorOption {
	return func(e *Executor) { e.gate = gate }
}

// WithProver supplies the proof subsystem client.
func WithProver(p Prover) ExecutorOption {
	return func(e *Executor) { e.prover = p }
}

// WithExecutorMetrics overrides the default metrics registry.
func WithExecutorMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorClock sets the function used to derive timestamps.
func WithExecutorClock(clock func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = clock }
}

// NewExecutor constructs a payment executor.
func NewExecutor(verifier *permit.Verifier, nullifiers *nullifier.Ledger, relayer Submitter, opts ...ExecutorOption) *Executor {
	exec := &Executor{
		verifier:   verifier,
		nullifiers: nullifiers,
		relayer:    relayer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(exec)
	}
	return exec
}

// Execute runs one charge attempt for the given billing period. attemptNo is
// 1-based and equals chargesCompleted+1. The returned error is reserved for
// faults (store corruption, invariant violations) that should crash the task;
// expected failures land in the Result.
func (e *Executor) Execute(ctx context.Context, sub *store.Subscription, attemptNo int) (Result, error) {
	if sub == nil {
		return Result{}, fmt.Errorf("chargerd: subscription required")
	}
	p, err := sub.Permit()
	if err != nil {
		return Result{}, err
	}
	amount, err := sub.Amount()
	if err != nil {
		return Result{}, err
	}
	spent, err := sub.CumulativeSpent()
	if err != nil {
		return Result{}, err
	}

	outcome := e.verifier.Verify(p, permit.Charge{
		Amount:          amount,
		Payee:           sub.Payee,
		CumulativeSpent: spent,
	}, e.now().Unix())
	if !outcome.OK {
		return rejectedResult(string(outcome.Reason)), nil
	}

	// A period that already settled must never settle again, even across a
	// restart or a duplicate wake-up.
	tag := p.ChargeTag(uint64(attemptNo))
	used, err := e.nullifiers.IsUsed(tag)
	if err != nil {
		return Result{}, err
	}
	if used {
		return rejectedResult("nonce_used"), nil
	}

	route := RoutePublic
	if p.Shielded() {
		route = RouteShielded
	}
	// Each billing period spends its own delegation counter, starting from the
	// counter the policy leaf was registered with.
	var leaf [32]byte
	counter := sub.DelegationCounter + uint64(attemptNo) - 1
	if sub.Delegated() {
		route = RouteDelegated
		if e.gate == nil {
			return Result{}, fmt.Errorf("chargerd: delegated subscription without gate")
		}
		copy(leaf[:], sub.DelegationLeaf)
		action := fmt.Sprintf("charge:%s:%d", amount.String(), attemptNo)
		gateOutcome, err := e.gate.Authorize(ctx, leaf, counter, action)
		if err != nil {
			var tmp *TemporaryError
			if errors.As(err, &tmp) {
				return transient(err.Error()), nil
			}
			return Result{}, err
		}
		if !gateOutcome.OK {
			return rejectedResult(string(gateOutcome.Reason)), nil
		}
	}

	bundle, result, err := e.proofBundle(ctx, sub, p, amount, attemptNo)
	if err != nil {
		return Result{}, err
	}
	if result != nil {
		return *result, nil
	}

	call := &Call{
		Route:           route,
		Permit:          p,
		Amount:          amount,
		Payee:           sub.Payee,
		PayeeCommitment: p.PayeeCommitment,
		Proof:           bundle,
	}
	if sub.Delegated() {
		call.DelegationLeaf = leaf
		call.Counter = counter
	}

	start := e.now()
	ref, err := e.relayer.Submit(ctx, call)
	if err != nil {
		return classifySubmitError(err), nil
	}

	if err := e.nullifiers.MarkUsed(tag); err != nil && !errors.Is(err, nullifier.ErrAlreadyUsed) {
		return Result{}, err
	}
	if sub.Delegated() {
		if err := e.gate.Consume(leaf, counter); err != nil && !errors.Is(err, nullifier.ErrAlreadyUsed) {
			return Result{}, err
		}
	}
	if e.metrics != nil {
		e.metrics.ObserveCharge(string(route), e.now().Sub(start))
	}
	return settled(ref), nil
}

// proofBundle resolves the proof for this attempt. The bundle stored at
// subscription creation covers only the first charge; every later period gets
// a freshly generated proof.
func (e *Executor) proofBundle(ctx context.Context, sub *store.Subscription, p *permit.Permit, amount *big.Int, attemptNo int) (*ProofBundle, *Result, error) {
	if attemptNo == 1 && len(sub.ProofBundle) > 0 {
		var bundle ProofBundle
		if err := json.Unmarshal(sub.ProofBundle, &bundle); err != nil {
			return nil, nil, fmt.Errorf("chargerd: decode stored proof bundle: %w", err)
		}
		return &bundle, nil, nil
	}
	if e.prover == nil {
		return nil, nil, fmt.Errorf("chargerd: prover not configured")
	}
	remaining := new(big.Int).Set(p.MaxAmount)
	if spent, err := sub.CumulativeSpent(); err == nil {
		remaining.Sub(remaining, spent)
	}
	bundle, err := e.prover.GenerateProof(ctx, ProofRequest{
		NoteID:           p.NoteID,
		Amount:           amount,
		RemainingBalance: remaining,
		Nonce:            p.Nonce,
	})
	if err != nil {
		var tmp *TemporaryError
		if errors.As(err, &tmp) {
			result := transient(err.Error())
			return nil, &result, nil
		}
		// Proof generation failure is permanent for this input set.
		result := rejectedResult("proof_failed")
		result.Detail = err.Error()
		return nil, &result, nil
	}
	return bundle, nil, nil
}

// classifySubmitError maps relayer and transfer-primitive failures onto the
// permanent/transient taxonomy. Reverts are deterministic and permanent;
// everything else (timeouts, congestion, fee estimation, nonce source
// trouble) is transient.
func classifySubmitError(err error) Result {
	var revert *RevertError
	if errors.As(err, &revert) {
		return rejectedResult(normalizeRevertReason(revert.Reason))
	}
	return transient(err.Error())
}

func normalizeRevertReason(reason string) string {
	normalized := strings.ToLower(strings.TrimSpace(reason))
	if normalized == "" {
		return "reverted"
	}
	return normalized
}
