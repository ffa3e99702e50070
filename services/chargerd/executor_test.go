package chargerd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	repoCrypto "veilpay/crypto"
	"veilpay/native/delegation"
	"veilpay/native/nullifier"
	"veilpay/native/permit"
	"veilpay/services/chargerd/store"
	"veilpay/storage"
)

func execTestDomain() permit.Domain {
	return permit.Domain{
		Name:              permit.DomainNameV1,
		Version:           permit.DomainVersionV1,
		ChainID:           1337,
		VerifyingContract: "vault-test",
	}
}

func execTestPermit(t *testing.T, shielded bool) (*permit.Permit, string) {
	t.Helper()
	key, err := repoCrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payeeKey, err := repoCrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate payee key: %v", err)
	}
	payee := payeeKey.PubKey().Address().String()

	p := &permit.Permit{
		NoteID:    [32]byte{0xaa, 0x01},
		MaxAmount: big.NewInt(1000),
		Expiry:    time.Now().Add(time.Hour).Unix(),
		Nonce:     []byte{0xde, 0xad, 0xbe, 0xef},
		Domain:    execTestDomain(),
	}
	if shielded {
		p.PayeeCommitment = [32]byte{0xcc, 0x02}
		payee = ""
	} else {
		p.Payee = payee
	}
	if err := p.Sign(key); err != nil {
		t.Fatalf("sign permit: %v", err)
	}
	return p, payee
}

type funcSubmitter func(ctx context.Context, call *Call) (string, error)

func (f funcSubmitter) Submit(ctx context.Context, call *Call) (string, error) {
	return f(ctx, call)
}

func execTestSubscription(t *testing.T, p *permit.Permit, payee string, amount string) *store.Subscription {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal permit: %v", err)
	}
	return &store.Subscription{
		ID:              "sub-exec-test",
		Payee:           payee,
		ChargeAmount:    amount,
		IntervalMillis:  60_000,
		TotalCharges:    10,
		PermitJSON:      raw,
		Status:          store.StatusActive,
	}
}

func staticProver(bundle *ProofBundle) Prover {
	return FuncProver(func(context.Context, ProofRequest) (*ProofBundle, error) {
		return bundle, nil
	})
}

func TestExecuteSettlesPublicCharge(t *testing.T) {
	p, payee := execTestPermit(t, false)
	sub := execTestSubscription(t, p, payee, "100")
	ledger := nullifier.NewLedger(storage.NewMemDB())

	var captured *Call
	relayer := funcSubmitter(func(_ context.Context, call *Call) (string, error) {
		captured = call
		return "0xsettled01", nil
	})
	exec := NewExecutor(permit.NewVerifier(execTestDomain()), ledger, relayer,
		WithProver(staticProver(&ProofBundle{Proof: []byte{0x01}})))

	result, err := exec.Execute(context.Background(), sub, 1)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, result.Status)
	require.Equal(t, "0xsettled01", result.Ref)
	require.NotNil(t, captured)
	require.Equal(t, RoutePublic, captured.Route)
	require.Equal(t, payee, captured.Payee)

	used, err := ledger.IsUsed(p.ChargeTag(1))
	require.NoError(t, err)
	require.True(t, used, "settled period must consume its tag")
}

func TestExecuteShieldedRouting(t *testing.T) {
	p, _ := execTestPermit(t, true)
	sub := execTestSubscription(t, p, "", "100")
	ledger := nullifier.NewLedger(storage.NewMemDB())

	var captured *Call
	relayer := funcSubmitter(func(_ context.Context, call *Call) (string, error) {
		captured = call
		return "0xshielded01", nil
	})
	exec := NewExecutor(permit.NewVerifier(execTestDomain()), ledger, relayer,
		WithProver(staticProver(&ProofBundle{Proof: []byte{0x02}})))

	result, err := exec.Execute(context.Background(), sub, 1)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, result.Status)
	require.Equal(t, RouteShielded, captured.Route)
	require.Equal(t, p.PayeeCommitment, captured.PayeeCommitment)
}

func TestExecuteDuplicatePeriodRejected(t *testing.T) {
	p, payee := execTestPermit(t, false)
	sub := execTestSubscription(t, p, payee, "100")
	ledger := nullifier.NewLedger(storage.NewMemDB())
	require.NoError(t, ledger.MarkUsed(p.ChargeTag(1)))

	relayer := funcSubmitter(func(context.Context, *Call) (string, error) {
		t.Fatal("relayer must not be reached for a consumed period")
		return "", nil
	})
	exec := NewExecutor(permit.NewVerifier(execTestDomain()), ledger, relayer,
		WithProver(staticProver(&ProofBundle{})))

	result, err := exec.Execute(context.Background(), sub, 1)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, result.Status)
	require.Equal(t, "nonce_used", result.Reason)
}

func TestExecuteExpiredPermitRejected(t *testing.T) {
	p, payee := execTestPermit(t, false)
	sub := execTestSubscription(t, p, payee, "100")
	ledger := nullifier.NewLedger(storage.NewMemDB())

	exec := NewExecutor(permit.NewVerifier(execTestDomain()), ledger,
		funcSubmitter(func(context.Context, *Call) (string, error) {
			t.Fatal("relayer must not be reached on verification failure")
			return "", nil
		}),
		WithProver(staticProver(&ProofBundle{})),
		WithExecutorClock(func() time.Time {
			return time.Unix(p.Expiry+1, 0)
		}))

	result, err := exec.Execute(context.Background(), sub, 1)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, result.Status)
	require.Equal(t, string(permit.ReasonExpired), result.Reason)
}

func TestExecuteRevertIsPermanent(t *testing.T) {
	p, payee := execTestPermit(t, false)
	sub := execTestSubscription(t, p, payee, "100")
	ledger := nullifier.NewLedger(storage.NewMemDB())

	relayer := funcSubmitter(func(context.Context, *Call) (string, error) {
		return "", &RevertError{Reason: "Insufficient_Balance"}
	})
	exec := NewExecutor(permit.NewVerifier(execTestDomain()), ledger, relayer,
		WithProver(staticProver(&ProofBundle{})))

	result, err := exec.Execute(context.Background(), sub, 1)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, result.Status)
	require.Equal(t, "insufficient_balance", result.Reason)

	used, err := ledger.IsUsed(p.ChargeTag(1))
	require.NoError(t, err)
	require.False(t, used, "failed submission must leave the tag unconsumed")
}

func TestExecuteTimeoutIsTransient(t *testing.T) {
	p, payee := execTestPermit(t, false)
	sub := execTestSubscription(t, p, payee, "100")
	ledger := nullifier.NewLedger(storage.NewMemDB())

	relayer := funcSubmitter(func(context.Context, *Call) (string, error) {
		return "", fmt.Errorf("receipt wait timed out")
	})
	exec := NewExecutor(permit.NewVerifier(execTestDomain()), ledger, relayer,
		WithProver(staticProver(&ProofBundle{})))

	result, err := exec.Execute(context.Background(), sub, 1)
	require.NoError(t, err)
	require.Equal(t, StatusTransient, result.Status)

	used, err := ledger.IsUsed(p.ChargeTag(1))
	require.NoError(t, err)
	require.False(t, used)
}

func TestExecuteStoredBundleOnlyCoversFirstPeriod(t *testing.T) {
	p, payee := execTestPermit(t, false)
	sub := execTestSubscription(t, p, payee, "100")
	stored := ProofBundle{Proof: []byte{0x0f, 0x01}}
	raw, err := json.Marshal(stored)
	require.NoError(t, err)
	sub.ProofBundle = raw

	proverCalls := 0
	fresh := &ProofBundle{Proof: []byte{0x0f, 0x02}}
	prover := FuncProver(func(context.Context, ProofRequest) (*ProofBundle, error) {
		proverCalls++
		return fresh, nil
	})

	var lastProof *ProofBundle
	relayer := funcSubmitter(func(_ context.Context, call *Call) (string, error) {
		lastProof = call.Proof
		return "0xref", nil
	})
	exec := NewExecutor(permit.NewVerifier(execTestDomain()), nullifier.NewLedger(storage.NewMemDB()), relayer,
		WithProver(prover))

	result, err := exec.Execute(context.Background(), sub, 1)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, result.Status)
	require.Zero(t, proverCalls, "first period must reuse the stored bundle")
	require.Equal(t, stored.Proof, lastProof.Proof)

	sub.ChargesCompleted = 1
	result, err = exec.Execute(context.Background(), sub, 2)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, result.Status)
	require.Equal(t, 1, proverCalls, "later periods must regenerate the proof")
	require.Equal(t, fresh.Proof, lastProof.Proof)
}

func TestExecuteProofFailurePermanent(t *testing.T) {
	p, payee := execTestPermit(t, false)
	sub := execTestSubscription(t, p, payee, "100")

	prover := FuncProver(func(context.Context, ProofRequest) (*ProofBundle, error) {
		return nil, errors.New("witness out of range")
	})
	exec := NewExecutor(permit.NewVerifier(execTestDomain()), nullifier.NewLedger(storage.NewMemDB()),
		funcSubmitter(func(context.Context, *Call) (string, error) {
			t.Fatal("relayer must not be reached without a proof")
			return "", nil
		}),
		WithProver(prover))

	result, err := exec.Execute(context.Background(), sub, 1)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, result.Status)
	require.Equal(t, "proof_failed", result.Reason)
}

// anchoredGate wires a real anchor and attester behind the executor, the way
// the daemon composes them in production.
func anchoredGate(t *testing.T, leaf [32]byte, extra ...[32]byte) (AnchorGate, *nullifier.Ledger) {
	t.Helper()
	attester, err := repoCrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate attester key: %v", err)
	}
	leaves := append([][32]byte{leaf}, extra...)
	tree, err := delegation.NewTree(leaves)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	proof, err := tree.Prove(0)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	ledger := nullifier.NewLedger(storage.NewMemDB())
	anchor := delegation.NewAnchor(attester.PubKey().Address(), ledger)
	anchor.PublishRoot(tree.Root())

	source := proofSourceFunc(func(_ context.Context, l [32]byte, _ uint64, action string) ([32]byte, delegation.Proof, delegation.Attestation, error) {
		att := delegation.Attestation{Leaf: l, ActionDescriptor: action}
		if err := att.Sign(attester); err != nil {
			return [32]byte{}, delegation.Proof{}, delegation.Attestation{}, err
		}
		return tree.Root(), proof, att, nil
	})
	return AnchorGate{Anchor: anchor, Source: source}, ledger
}

type proofSourceFunc func(ctx context.Context, leaf [32]byte, counter uint64, action string) ([32]byte, delegation.Proof, delegation.Attestation, error)

func (f proofSourceFunc) Fetch(ctx context.Context, leaf [32]byte, counter uint64, action string) ([32]byte, delegation.Proof, delegation.Attestation, error) {
	return f(ctx, leaf, counter, action)
}

func TestExecuteDelegatedConsecutivePeriods(t *testing.T) {
	p, payee := execTestPermit(t, false)
	sub := execTestSubscription(t, p, payee, "100")
	leaf := delegation.Leaf([32]byte{0x41}, [32]byte{0x42})
	sub.DelegationLeaf = leaf[:]
	sub.DelegationCounter = 5

	gate, ledger := anchoredGate(t, leaf)
	relayer := funcSubmitter(func(context.Context, *Call) (string, error) {
		return "0xok", nil
	})
	exec := NewExecutor(permit.NewVerifier(execTestDomain()), ledger, relayer,
		WithProver(staticProver(&ProofBundle{})),
		WithDelegationGate(gate))

	result, err := exec.Execute(context.Background(), sub, 1)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, result.Status)

	// Every billing period spends its own counter, so the schedule keeps
	// settling past the first charge.
	sub.ChargesCompleted = 1
	result, err = exec.Execute(context.Background(), sub, 2)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, result.Status, "second period must not collide with the first: %s", result.Reason)

	for offset, wantUsed := range map[uint64]bool{5: true, 6: true, 7: false} {
		used, err := ledger.IsUsed(delegation.DeriveNullifier(leaf, offset))
		require.NoError(t, err)
		require.Equal(t, wantUsed, used, "counter %d", offset)
	}
}

func TestExecuteDelegatedTransientFailureKeepsCounterLive(t *testing.T) {
	p, payee := execTestPermit(t, false)
	sub := execTestSubscription(t, p, payee, "100")
	leaf := delegation.Leaf([32]byte{0x51}, [32]byte{0x52})
	sub.DelegationLeaf = leaf[:]
	sub.DelegationCounter = 9

	gate, ledger := anchoredGate(t, leaf)
	submitFails := true
	relayer := funcSubmitter(func(context.Context, *Call) (string, error) {
		if submitFails {
			return "", fmt.Errorf("relayer endpoint timed out")
		}
		return "0xrecovered", nil
	})
	exec := NewExecutor(permit.NewVerifier(execTestDomain()), ledger, relayer,
		WithProver(staticProver(&ProofBundle{})),
		WithDelegationGate(gate))

	result, err := exec.Execute(context.Background(), sub, 1)
	require.NoError(t, err)
	require.Equal(t, StatusTransient, result.Status)

	used, err := ledger.IsUsed(delegation.DeriveNullifier(leaf, 9))
	require.NoError(t, err)
	require.False(t, used, "a failed submission must leave the counter spendable")

	// The in-period retry re-authorizes the same counter and settles.
	submitFails = false
	result, err = exec.Execute(context.Background(), sub, 1)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, result.Status, "retry rejected: %s", result.Reason)

	used, err = ledger.IsUsed(delegation.DeriveNullifier(leaf, 9))
	require.NoError(t, err)
	require.True(t, used)
}

func TestExecuteDelegatedGate(t *testing.T) {
	p, payee := execTestPermit(t, false)
	sub := execTestSubscription(t, p, payee, "100")
	leaf := [32]byte{0x77}
	sub.DelegationLeaf = leaf[:]
	sub.DelegationCounter = 3

	t.Run("authorized", func(t *testing.T) {
		var gateLeaf [32]byte
		var gateCounter uint64
		gate := FuncDelegationGate{AuthorizeFunc: func(_ context.Context, l [32]byte, counter uint64, _ string) (delegation.Outcome, error) {
			gateLeaf, gateCounter = l, counter
			return delegation.Outcome{OK: true}, nil
		}}
		var captured *Call
		relayer := funcSubmitter(func(_ context.Context, call *Call) (string, error) {
			captured = call
			return "0xdelegated", nil
		})
		exec := NewExecutor(permit.NewVerifier(execTestDomain()), nullifier.NewLedger(storage.NewMemDB()), relayer,
			WithProver(staticProver(&ProofBundle{})),
			WithDelegationGate(gate))

		result, err := exec.Execute(context.Background(), sub, 1)
		require.NoError(t, err)
		require.Equal(t, StatusSettled, result.Status)
		require.Equal(t, RouteDelegated, captured.Route)
		require.Equal(t, leaf, gateLeaf)
		require.Equal(t, uint64(3), gateCounter)
	})

	t.Run("stale root rejected", func(t *testing.T) {
		gate := FuncDelegationGate{AuthorizeFunc: func(context.Context, [32]byte, uint64, string) (delegation.Outcome, error) {
			return delegation.Outcome{Reason: delegation.ReasonStaleRoot}, nil
		}}
		exec := NewExecutor(permit.NewVerifier(execTestDomain()), nullifier.NewLedger(storage.NewMemDB()),
			funcSubmitter(func(context.Context, *Call) (string, error) {
				t.Fatal("relayer must not be reached on gate rejection")
				return "", nil
			}),
			WithProver(staticProver(&ProofBundle{})),
			WithDelegationGate(gate))

		result, err := exec.Execute(context.Background(), sub, 1)
		require.NoError(t, err)
		require.Equal(t, StatusRejected, result.Status)
		require.Equal(t, string(delegation.ReasonStaleRoot), result.Reason)
	})

	t.Run("settlement consumes the gate nullifier", func(t *testing.T) {
		var consumedLeaf [32]byte
		var consumedCounter uint64
		gate := FuncDelegationGate{
			AuthorizeFunc: func(context.Context, [32]byte, uint64, string) (delegation.Outcome, error) {
				return delegation.Outcome{OK: true}, nil
			},
			ConsumeFunc: func(l [32]byte, counter uint64) error {
				consumedLeaf, consumedCounter = l, counter
				return nil
			},
		}
		relayer := funcSubmitter(func(context.Context, *Call) (string, error) {
			return "0xdelegated", nil
		})
		exec := NewExecutor(permit.NewVerifier(execTestDomain()), nullifier.NewLedger(storage.NewMemDB()), relayer,
			WithProver(staticProver(&ProofBundle{})),
			WithDelegationGate(gate))

		result, err := exec.Execute(context.Background(), sub, 1)
		require.NoError(t, err)
		require.Equal(t, StatusSettled, result.Status)
		require.Equal(t, leaf, consumedLeaf)
		require.Equal(t, uint64(3), consumedCounter)
	})

	t.Run("proof fetch trouble is transient", func(t *testing.T) {
		gate := FuncDelegationGate{AuthorizeFunc: func(context.Context, [32]byte, uint64, string) (delegation.Outcome, error) {
			return delegation.Outcome{}, &TemporaryError{Err: errors.New("policy agent unreachable")}
		}}
		exec := NewExecutor(permit.NewVerifier(execTestDomain()), nullifier.NewLedger(storage.NewMemDB()),
			funcSubmitter(func(context.Context, *Call) (string, error) {
				t.Fatal("relayer must not be reached on gate failure")
				return "", nil
			}),
			WithProver(staticProver(&ProofBundle{})),
			WithDelegationGate(gate))

		result, err := exec.Execute(context.Background(), sub, 1)
		require.NoError(t, err)
		require.Equal(t, StatusTransient, result.Status)
	})
}
