package chargerd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"veilpay/core/events"
	"veilpay/native/permit"
	"veilpay/services/chargerd/store"
)

// ChargeExecutor is the slice of the executor the scheduler drives. Tests
// substitute a stub.
type ChargeExecutor interface {
	Execute(ctx context.Context, sub *store.Subscription, period int) (Result, error)
}

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 5 * time.Second
)

// Scheduler owns the per-subscription timers and drives charge attempts
// through the executor. Each subscription has at most one armed timer; every
// wake-up re-reads the durable record so pause, cancel and concurrent edits
// observed between arming and firing always win.
type Scheduler struct {
	store    *store.Store
	executor ChargeExecutor
	emitter  events.Emitter
	metrics  *Metrics
	log      *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
	now          func() time.Time

	mu       sync.Mutex
	timers   map[string]*time.Timer
	firing   map[string]struct{}
	deferred map[string]time.Time
	closed   bool
	pending  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// SchedulerOption customises the scheduler instance.
type SchedulerOption func(*Scheduler)

// WithEmitter wires an event sink for charge and lifecycle events.
func WithEmitter(emitter events.Emitter) SchedulerOption {
	return func(s *Scheduler) {
		if emitter != nil {
			s.emitter = emitter
		}
	}
}

// WithSchedulerMetrics overrides the default metrics registry.
func WithSchedulerMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSchedulerLogger sets the structured logger.
func WithSchedulerLogger(log *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMaxRetries bounds transient retries within a single billing period.
func WithMaxRetries(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base delay between transient retries. The delay
// doubles per retry.
func WithRetryBackoff(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.retryBackoff = d
		}
	}
}

// WithSchedulerClock sets the time source for deterministic testing.
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewScheduler constructs a scheduler. Start must be called before timers
// fire.
func NewScheduler(st *store.Store, executor ChargeExecutor, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:        st,
		executor:     executor,
		emitter:      events.NoopEmitter{},
		log:          slog.Default(),
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
		now:          time.Now,
		timers:       make(map[string]*time.Timer),
		firing:       make(map[string]struct{}),
		deferred:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start re-arms every active subscription from the durable store. Records
// whose next charge time already passed fire immediately, which makes a
// restart indistinguishable from a long pause.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	subs, err := s.store.ListActive()
	if err != nil {
		return fmt.Errorf("chargerd: load active subscriptions: %w", err)
	}
	for _, sub := range subs {
		s.arm(sub.ID, sub.NextChargeAt)
	}
	s.observeActive()
	return nil
}

// Stop cancels all armed timers and waits for in-flight charges to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for id, timer := range s.timers {
		if timer.Stop() {
			s.pending.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.pending.Wait()
}

// Schedule validates, persists and arms a new subscription. The first charge
// fires immediately; subsequent charges follow at the configured interval
// measured from each settlement.
func (s *Scheduler) Schedule(sub *store.Subscription) (*store.Subscription, error) {
	if sub == nil {
		return nil, fmt.Errorf("chargerd: subscription required")
	}
	p, err := sub.Permit()
	if err != nil {
		return nil, err
	}
	if _, err := permit.Sanitize(p); err != nil {
		return nil, err
	}
	sub.Status = store.StatusActive
	sub.NextChargeAt = s.now().UTC()
	if err := s.store.Create(sub); err != nil {
		return nil, err
	}
	s.arm(sub.ID, sub.NextChargeAt)
	s.observeActive()
	return sub, nil
}

// Pause transitions an active subscription to paused and disarms its timer.
// Pausing an already-paused subscription is a no-op.
func (s *Scheduler) Pause(id string) error {
	err := s.transition(id, func(sub *store.Subscription) error {
		switch sub.Status {
		case store.StatusPaused:
			return nil
		case store.StatusActive:
			sub.Status = store.StatusPaused
			return nil
		default:
			return fmt.Errorf("chargerd: cannot pause subscription in state %s", sub.Status)
		}
	})
	if err != nil {
		return err
	}
	s.disarm(id)
	s.emitter.Emit(events.SubscriptionLifecycle{SubscriptionID: id, Transition: events.TypeSubscriptionPaused})
	s.observeActive()
	return nil
}

// Resume re-activates a paused subscription. No charges were skipped while
// paused, so progress continues from where it stopped; a next-charge time that
// passed during the pause fires immediately. Resuming an already-active
// subscription is a no-op: its timer stays as is, so a charge in flight is
// never doubled.
func (s *Scheduler) Resume(id string) error {
	var nextAt time.Time
	resumed := false
	err := s.transition(id, func(sub *store.Subscription) error {
		resumed = false
		switch sub.Status {
		case store.StatusActive:
			return nil
		case store.StatusPaused:
			sub.Status = store.StatusActive
			nextAt = sub.NextChargeAt
			resumed = true
			return nil
		default:
			return fmt.Errorf("chargerd: cannot resume subscription in state %s", sub.Status)
		}
	})
	if err != nil {
		return err
	}
	if !resumed {
		return nil
	}
	s.arm(id, nextAt)
	s.emitter.Emit(events.SubscriptionLifecycle{SubscriptionID: id, Transition: events.TypeSubscriptionResumed})
	s.observeActive()
	return nil
}

// Cancel closes a subscription permanently. Completed and failed records are
// left untouched.
func (s *Scheduler) Cancel(id string) error {
	err := s.transition(id, func(sub *store.Subscription) error {
		switch sub.Status {
		case store.StatusCancelled:
			return nil
		case store.StatusActive, store.StatusPaused:
			sub.Status = store.StatusCancelled
			return nil
		default:
			return fmt.Errorf("chargerd: cannot cancel subscription in state %s", sub.Status)
		}
	})
	if err != nil {
		return err
	}
	s.disarm(id)
	s.emitter.Emit(events.SubscriptionLifecycle{SubscriptionID: id, Transition: events.TypeSubscriptionClosed, Reason: "cancelled"})
	s.observeActive()
	return nil
}

// transition applies a status mutation under optimistic concurrency,
// re-reading and retrying on version conflicts.
func (s *Scheduler) transition(id string, mutate func(*store.Subscription) error) error {
	for {
		sub, err := s.store.Get(id)
		if err != nil {
			return err
		}
		before := sub.Status
		if err := mutate(sub); err != nil {
			return err
		}
		if sub.Status == before {
			return nil
		}
		err = s.store.Update(sub)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
}

// arm schedules the next wake-up for a subscription, replacing any existing
// timer. While a fire for the same subscription is in flight, the request is
// deferred until the fire completes, keeping one attempt per subscription at
// any time.
func (s *Scheduler) arm(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, busy := s.firing[id]; busy {
		s.deferred[id] = at
		return
	}
	s.armLocked(id, at)
}

func (s *Scheduler) armLocked(id string, at time.Time) {
	if timer, ok := s.timers[id]; ok {
		if timer.Stop() {
			s.pending.Done()
		}
	}
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.pending.Add(1)
	s.timers[id] = time.AfterFunc(delay, func() {
		defer s.pending.Done()
		s.fire(id)
	})
}

// disarm stops and forgets the timer for a subscription, if armed.
func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[id]; ok {
		if timer.Stop() {
			s.pending.Done()
		}
		delete(s.timers, id)
	}
	delete(s.deferred, id)
}

// beginFire claims the single-attempt slot for a subscription. A wake-up that
// loses the claim defers itself so the winning fire's completion re-evaluates
// the schedule.
func (s *Scheduler) beginFire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.firing[id]; busy {
		s.deferred[id] = s.now()
		return false
	}
	s.firing[id] = struct{}{}
	return true
}

// finishFire releases the fire slot and arms any wake-up deferred while the
// fire was in flight.
func (s *Scheduler) finishFire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.firing, id)
	at, ok := s.deferred[id]
	if !ok {
		return
	}
	delete(s.deferred, id)
	if !s.closed {
		s.armLocked(id, at)
	}
}

// fire runs one billing period for a subscription, including bounded transient
// retries. The durable record is re-read first so a pause or cancel that
// landed after arming wins over the timer.
func (s *Scheduler) fire(id string) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	if !s.beginFire(id) {
		return
	}
	defer s.finishFire(id)

	sub, err := s.store.Get(id)
	if err != nil {
		s.log.Error("load subscription", "subscriptionId", id, "error", err)
		return
	}
	if sub.Status != store.StatusActive {
		s.forget(id)
		return
	}

	period := sub.ChargesCompleted + 1
	log := s.log.With("subscriptionId", id, "attempt", period)

	for retry := 0; ; retry++ {
		result, err := s.executor.Execute(ctx, sub, period)
		if err != nil {
			log.Error("charge execution fault", "error", err)
			s.failSubscription(sub, "internal_error")
			return
		}
		switch result.Status {
		case StatusSettled:
			s.recordAttempt(sub.ID, period, store.OutcomeSettled, result.Detail, result.Ref)
			s.settle(sub, period, result, log)
			return
		case StatusRejected:
			s.recordAttempt(sub.ID, period, store.OutcomeRejected, result.Reason, "")
			log.Warn("charge rejected", "reason", result.Reason)
			s.emitter.Emit(events.ChargeRejected{SubscriptionID: sub.ID, Attempt: period, Reason: result.Reason})
			s.failSubscription(sub, result.Reason)
			return
		case StatusTransient:
			s.recordAttempt(sub.ID, period, store.OutcomeTransient, result.Detail, "")
			if retry >= s.maxRetries {
				log.Error("retries exhausted", "detail", result.Detail)
				s.failSubscription(sub, "retries_exhausted")
				return
			}
			log.Warn("charge retrying", "retry", retry+1, "detail", result.Detail)
			s.emitter.Emit(events.ChargeRetrying{SubscriptionID: sub.ID, Attempt: period, Retry: retry + 1, Detail: result.Detail})
			backoff := s.retryBackoff << uint(retry)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			// Re-read so a pause or cancel during the backoff wins.
			sub, err = s.store.Get(id)
			if err != nil {
				log.Error("reload subscription", "error", err)
				return
			}
			if sub.Status != store.StatusActive {
				s.forget(id)
				return
			}
		default:
			log.Error("unknown result status", "status", result.Status)
			return
		}
	}
}

// settle advances progress after a durable settlement. The next period is
// measured from the settlement time, not the originally scheduled time, so a
// late charge never compresses the following interval.
func (s *Scheduler) settle(sub *store.Subscription, period int, result Result, log *slog.Logger) {
	amount, _ := sub.Amount()
	amountStr := ""
	if amount != nil {
		amountStr = amount.String()
	}
	settledAt := s.now().UTC()

	for {
		sub.ChargesCompleted = period
		sub.LastChargedAt = &settledAt
		sub.NextChargeAt = settledAt.Add(sub.Interval())
		if sub.ChargesCompleted >= sub.TotalCharges {
			sub.Status = store.StatusCompleted
		}
		err := s.store.Update(sub)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			log.Error("persist settlement", "error", err)
			return
		}
		fresh, err := s.store.Get(sub.ID)
		if err != nil {
			log.Error("reload after conflict", "error", err)
			return
		}
		// A concurrent pause or cancel keeps the settlement progress but
		// respects the new status.
		*sub = *fresh
	}

	log.Info("charge settled", "settlementRef", result.Ref, "chargesCompleted", sub.ChargesCompleted)
	s.emitter.Emit(events.ChargeSettled{
		SubscriptionID: sub.ID,
		Attempt:        period,
		Amount:         amountStr,
		SettlementRef:  result.Ref,
	})

	switch sub.Status {
	case store.StatusCompleted:
		s.forget(sub.ID)
		s.emitter.Emit(events.SubscriptionLifecycle{SubscriptionID: sub.ID, Transition: events.TypeSubscriptionClosed, Reason: "completed"})
		s.observeActive()
	case store.StatusActive:
		s.arm(sub.ID, sub.NextChargeAt)
	default:
		s.forget(sub.ID)
	}
}

// failSubscription halts a subscription permanently with the given reason.
func (s *Scheduler) failSubscription(sub *store.Subscription, reason string) {
	for {
		sub.Status = store.StatusFailed
		sub.FailureReason = reason
		err := s.store.Update(sub)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			s.log.Error("persist failure", "subscriptionId", sub.ID, "error", err)
			return
		}
		fresh, err := s.store.Get(sub.ID)
		if err != nil {
			s.log.Error("reload after conflict", "subscriptionId", sub.ID, "error", err)
			return
		}
		*sub = *fresh
	}
	s.forget(sub.ID)
	s.emitter.Emit(events.SubscriptionLifecycle{SubscriptionID: sub.ID, Transition: events.TypeSubscriptionClosed, Reason: reason})
	s.observeActive()
}

// forget removes the timer bookkeeping for a subscription without firing.
func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	delete(s.deferred, id)
	s.mu.Unlock()
}

func (s *Scheduler) recordAttempt(id string, period int, outcome, detail, ref string) {
	err := s.store.AppendAttempt(&store.ChargeAttempt{
		SubscriptionID: id,
		Attempt:        period,
		Outcome:        outcome,
		Detail:         detail,
		SettlementRef:  ref,
	})
	if err != nil {
		s.log.Error("record attempt", "subscriptionId", id, "error", err)
	}
}

func (s *Scheduler) observeActive() {
	if s.metrics == nil {
		return
	}
	if subs, err := s.store.ListActive(); err == nil {
		s.metrics.SetActiveSubscriptions(len(subs))
	}
	if paused, err := s.store.CountByStatus(store.StatusPaused); err == nil {
		s.metrics.SetPausedSubscriptions(paused)
	}
}
