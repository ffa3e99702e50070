package store

import (
	"encoding/json"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	repoCrypto "veilpay/crypto"
	"veilpay/native/permit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	st, err := New(db)
	require.NoError(t, err)
	return st
}

func testPermitJSON(t *testing.T, maxAmount int64) ([]byte, string) {
	t.Helper()
	payerKey, err := repoCrypto.GeneratePrivateKey()
	require.NoError(t, err)
	payeeKey, err := repoCrypto.GeneratePrivateKey()
	require.NoError(t, err)
	payee := payeeKey.PubKey().Address().String()
	p := &permit.Permit{
		NoteID:    [32]byte{0x01},
		Payee:     payee,
		MaxAmount: big.NewInt(maxAmount),
		Expiry:    time.Now().Add(365 * 24 * time.Hour).Unix(),
		Nonce:     []byte{0x01, 0x02},
		Domain: permit.Domain{
			Name:              permit.DomainNameV1,
			Version:           permit.DomainVersionV1,
			ChainID:           1887,
			VerifyingContract: "0x00000000000000000000000000000000000000aa",
		},
	}
	require.NoError(t, p.Sign(payerKey))
	encoded, err := json.Marshal(p)
	require.NoError(t, err)
	return encoded, payee
}

func newTestSubscription(t *testing.T) *Subscription {
	t.Helper()
	permitJSON, payee := testPermitJSON(t, 12000)
	return &Subscription{
		Payer:           "payer",
		Payee:           payee,
		ChargeAmount:    "1000",
		IntervalMillis:  60_000,
		TotalCharges:    12,
		NextChargeAt:    time.Now().UTC(),
		PermitJSON:      permitJSON,
		Status:          StatusActive,
	}
}

func TestCreateAndGet(t *testing.T) {
	st := openTestStore(t)
	sub := newTestSubscription(t)
	require.NoError(t, st.Create(sub))
	require.NotEmpty(t, sub.ID)
	require.EqualValues(t, 1, sub.Version)

	loaded, err := st.Get(sub.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, loaded.Status)
	require.Equal(t, 12, loaded.TotalCharges)

	p, err := loaded.Permit()
	require.NoError(t, err)
	require.Equal(t, "12000", p.MaxAmount.String())
}

func TestCreateRejectsScheduleOverCap(t *testing.T) {
	st := openTestStore(t)
	sub := newTestSubscription(t)
	sub.TotalCharges = 13 // 13 x 1000 > 12000 cap
	require.Error(t, st.Create(sub))
}

func TestCreateRejectsMalformedInput(t *testing.T) {
	st := openTestStore(t)

	sub := newTestSubscription(t)
	sub.ChargeAmount = "not-a-number"
	require.Error(t, st.Create(sub))

	sub = newTestSubscription(t)
	sub.IntervalMillis = 0
	require.Error(t, st.Create(sub))

	sub = newTestSubscription(t)
	sub.DelegationLeaf = []byte{0x01, 0x02}
	require.Error(t, st.Create(sub))
}

func TestUpdateOptimisticConcurrency(t *testing.T) {
	st := openTestStore(t)
	sub := newTestSubscription(t)
	require.NoError(t, st.Create(sub))

	first, err := st.Get(sub.ID)
	require.NoError(t, err)
	second, err := st.Get(sub.ID)
	require.NoError(t, err)

	first.ChargesCompleted = 1
	require.NoError(t, st.Update(first))

	second.ChargesCompleted = 2
	require.ErrorIs(t, st.Update(second), ErrConflict)

	// Retry after re-read succeeds.
	fresh, err := st.Get(sub.ID)
	require.NoError(t, err)
	fresh.ChargesCompleted = 2
	require.NoError(t, st.Update(fresh))
}

func TestCumulativeSpent(t *testing.T) {
	sub := newTestSubscription(t)
	sub.ChargesCompleted = 5
	spent, err := sub.CumulativeSpent()
	require.NoError(t, err)
	require.Equal(t, "5000", spent.String())
}

func TestAttemptsHistory(t *testing.T) {
	st := openTestStore(t)
	sub := newTestSubscription(t)
	require.NoError(t, st.Create(sub))

	now := time.Unix(1_000_000, 0).UTC()
	st.SetClock(func() time.Time { return now })
	require.NoError(t, st.AppendAttempt(&ChargeAttempt{
		SubscriptionID: sub.ID,
		Attempt:        1,
		Outcome:        OutcomeTransient,
		Detail:         "timeout",
	}))
	now = now.Add(time.Minute)
	require.NoError(t, st.AppendAttempt(&ChargeAttempt{
		SubscriptionID: sub.ID,
		Attempt:        1,
		Outcome:        OutcomeSettled,
		SettlementRef:  "0xabc",
	}))

	attempts, err := st.Attempts(sub.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, OutcomeTransient, attempts[0].Outcome)
	require.Equal(t, OutcomeSettled, attempts[1].Outcome)
}

func TestListActiveExcludesTerminalStates(t *testing.T) {
	st := openTestStore(t)
	active := newTestSubscription(t)
	require.NoError(t, st.Create(active))
	paused := newTestSubscription(t)
	paused.Status = StatusPaused
	require.NoError(t, st.Create(paused))

	subs, err := st.ListActive()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, active.ID, subs[0].ID)
}
