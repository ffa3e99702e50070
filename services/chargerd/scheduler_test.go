package chargerd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	repoCrypto "veilpay/crypto"
	"veilpay/native/permit"
	"veilpay/services/chargerd/store"
)

func openSchedulerStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	st, err := store.New(db)
	require.NoError(t, err)
	return st
}

func schedulerSubscription(t *testing.T, totalCharges int, interval time.Duration) *store.Subscription {
	t.Helper()
	payerKey, err := repoCrypto.GeneratePrivateKey()
	require.NoError(t, err)
	payeeKey, err := repoCrypto.GeneratePrivateKey()
	require.NoError(t, err)
	payee := payeeKey.PubKey().Address().String()
	p := &permit.Permit{
		NoteID:    [32]byte{0x31},
		Payee:     payee,
		MaxAmount: big.NewInt(int64(totalCharges) * 100),
		Expiry:    time.Now().Add(24 * time.Hour).Unix(),
		Nonce:     []byte{0x09, 0x08},
		Domain: permit.Domain{
			Name:              permit.DomainNameV1,
			Version:           permit.DomainVersionV1,
			ChainID:           1337,
			VerifyingContract: "vault-test",
		},
	}
	require.NoError(t, p.Sign(payerKey))
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &store.Subscription{
		Payer:           "payer",
		Payee:           payee,
		ChargeAmount:    "100",
		IntervalMillis:  interval.Milliseconds(),
		TotalCharges:    totalCharges,
		PermitJSON:      raw,
	}
}

// stubExecutor scripts per-call results and records invocations.
type stubExecutor struct {
	mu      sync.Mutex
	results []Result
	calls   []int
	gate    chan struct{}
}

func (s *stubExecutor) Execute(_ context.Context, _ *store.Subscription, period int) (Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, period)
	var result Result
	if len(s.results) > 0 {
		result = s.results[0]
		s.results = s.results[1:]
	} else {
		result = settled(fmt.Sprintf("0xref%d", period))
	}
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		gate <- struct{}{}
	}
	return result, nil
}

func (s *stubExecutor) periods() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.calls))
	copy(out, s.calls)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSchedulerRunsFullSchedule(t *testing.T) {
	st := openSchedulerStore(t)
	exec := &stubExecutor{}
	sched := NewScheduler(st, exec, WithRetryBackoff(time.Millisecond))
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	sub, err := sched.Schedule(schedulerSubscription(t, 3, 10*time.Millisecond))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.Get(sub.ID)
		return err == nil && got.Status == store.StatusCompleted
	})

	got, err := st.Get(sub.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.ChargesCompleted)
	require.Equal(t, []int{1, 2, 3}, exec.periods())

	attempts, err := st.Attempts(sub.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		require.Equal(t, store.OutcomeSettled, a.Outcome)
	}
}

func TestSchedulerPauseSkipsNothing(t *testing.T) {
	st := openSchedulerStore(t)
	exec := &stubExecutor{gate: make(chan struct{})}
	sched := NewScheduler(st, exec)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	sub, err := sched.Schedule(schedulerSubscription(t, 4, time.Hour))
	require.NoError(t, err)

	// Let the immediate first charge settle.
	<-exec.gate
	waitFor(t, 5*time.Second, func() bool {
		got, err := st.Get(sub.ID)
		return err == nil && got.ChargesCompleted == 1
	})

	require.NoError(t, sched.Pause(sub.ID))
	require.NoError(t, sched.Pause(sub.ID), "pause is idempotent")

	got, err := st.Get(sub.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPaused, got.Status)
	require.Equal(t, 1, got.ChargesCompleted)

	// The next charge time is long past any pause of interest; move it into
	// the past so resume fires immediately, as after a long pause.
	got.NextChargeAt = time.Now().Add(-time.Minute)
	require.NoError(t, st.Update(got))

	require.NoError(t, sched.Resume(sub.ID))
	<-exec.gate
	waitFor(t, 5*time.Second, func() bool {
		fresh, err := st.Get(sub.ID)
		return err == nil && fresh.ChargesCompleted == 2
	})

	// Exactly one charge fired for the period spanning the pause; nothing
	// was skipped or double-charged.
	require.Equal(t, []int{1, 2}, exec.periods())
}

func TestSchedulerResumeWhileChargeInFlight(t *testing.T) {
	st := openSchedulerStore(t)
	exec := &stubExecutor{gate: make(chan struct{})}
	sched := NewScheduler(st, exec)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	sub, err := sched.Schedule(schedulerSubscription(t, 3, time.Hour))
	require.NoError(t, err)

	// Block the first attempt mid-flight. Its next-charge time is still in
	// the past, so arming again here would fire a duplicate immediately.
	waitFor(t, 5*time.Second, func() bool { return len(exec.periods()) == 1 })
	require.NoError(t, sched.Resume(sub.ID), "resuming an active subscription is a no-op")
	require.NoError(t, sched.Resume(sub.ID))

	<-exec.gate
	waitFor(t, 5*time.Second, func() bool {
		got, err := st.Get(sub.ID)
		return err == nil && got.ChargesCompleted == 1
	})

	require.Equal(t, []int{1}, exec.periods(), "period 1 must be attempted exactly once")
}

func TestSchedulerStopWithArmedTimer(t *testing.T) {
	st := openSchedulerStore(t)
	exec := &stubExecutor{}
	sched := NewScheduler(st, exec)
	require.NoError(t, sched.Start(context.Background()))

	sub, err := sched.Schedule(schedulerSubscription(t, 3, time.Hour))
	require.NoError(t, err)
	waitFor(t, 5*time.Second, func() bool {
		got, err := st.Get(sub.ID)
		return err == nil && got.ChargesCompleted == 1
	})

	// The second charge is armed an hour out; shutdown must not wait for it.
	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hung on an armed timer")
	}
}

func TestSchedulerTransientRetryThenSettle(t *testing.T) {
	st := openSchedulerStore(t)
	exec := &stubExecutor{results: []Result{
		transient("relayer congested"),
		transient("relayer congested"),
		settled("0xrecovered"),
	}}
	sched := NewScheduler(st, exec, WithRetryBackoff(time.Millisecond), WithMaxRetries(3))
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	sub, err := sched.Schedule(schedulerSubscription(t, 1, time.Hour))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.Get(sub.ID)
		return err == nil && got.Status == store.StatusCompleted
	})

	// All three executions targeted the same billing period.
	require.Equal(t, []int{1, 1, 1}, exec.periods())

	attempts, err := st.Attempts(sub.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	require.Equal(t, store.OutcomeTransient, attempts[0].Outcome)
	require.Equal(t, store.OutcomeTransient, attempts[1].Outcome)
	require.Equal(t, store.OutcomeSettled, attempts[2].Outcome)
}

func TestSchedulerRetriesExhaustedFailsSubscription(t *testing.T) {
	st := openSchedulerStore(t)
	exec := &stubExecutor{results: []Result{
		transient("down"),
		transient("down"),
		transient("down"),
	}}
	sched := NewScheduler(st, exec, WithRetryBackoff(time.Millisecond), WithMaxRetries(2))
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	sub, err := sched.Schedule(schedulerSubscription(t, 2, time.Hour))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.Get(sub.ID)
		return err == nil && got.Status == store.StatusFailed
	})

	got, err := st.Get(sub.ID)
	require.NoError(t, err)
	require.Equal(t, "retries_exhausted", got.FailureReason)
	require.Zero(t, got.ChargesCompleted, "failed retries must not advance progress")
}

func TestSchedulerRejectionHaltsSubscription(t *testing.T) {
	st := openSchedulerStore(t)
	exec := &stubExecutor{results: []Result{rejectedResult("over_cap")}}
	sched := NewScheduler(st, exec, WithRetryBackoff(time.Millisecond))
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	sub, err := sched.Schedule(schedulerSubscription(t, 2, time.Hour))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.Get(sub.ID)
		return err == nil && got.Status == store.StatusFailed
	})

	got, err := st.Get(sub.ID)
	require.NoError(t, err)
	require.Equal(t, "over_cap", got.FailureReason)
	require.Equal(t, []int{1}, exec.periods(), "a permanent rejection is never retried")
}

func TestSchedulerCancelStopsCharging(t *testing.T) {
	st := openSchedulerStore(t)
	exec := &stubExecutor{gate: make(chan struct{})}
	sched := NewScheduler(st, exec)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	sub, err := sched.Schedule(schedulerSubscription(t, 5, time.Hour))
	require.NoError(t, err)
	<-exec.gate
	waitFor(t, 5*time.Second, func() bool {
		got, err := st.Get(sub.ID)
		return err == nil && got.ChargesCompleted == 1
	})

	require.NoError(t, sched.Cancel(sub.ID))
	got, err := st.Get(sub.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelled, got.Status)

	require.Error(t, sched.Resume(sub.ID), "a cancelled subscription cannot resume")
}

func TestSchedulerRestartRearmsFromStore(t *testing.T) {
	st := openSchedulerStore(t)

	// Persist an active subscription with a past due charge, as if the
	// process died after arming it.
	sub := schedulerSubscription(t, 2, time.Hour)
	sub.Status = store.StatusActive
	sub.NextChargeAt = time.Now().Add(-time.Minute)
	require.NoError(t, st.Create(sub))

	exec := &stubExecutor{}
	sched := NewScheduler(st, exec, WithRetryBackoff(time.Millisecond))
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	waitFor(t, 5*time.Second, func() bool {
		got, err := st.Get(sub.ID)
		return err == nil && got.ChargesCompleted >= 1
	})
}
