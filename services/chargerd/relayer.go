package chargerd

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"veilpay/crypto"
	"veilpay/native/permit"
)

// ErrRelayerClosed is returned for submissions after the relayer has stopped.
var ErrRelayerClosed = errors.New("chargerd: relayer closed")

// TransferClient is the underlying transfer primitive. Each entry point
// returns a settlement reference or an error carrying a revert reason.
type TransferClient interface {
	PayPublic(ctx context.Context, call *Call) (string, error)
	PayShielded(ctx context.Context, call *Call) (string, error)
	PayDelegated(ctx context.Context, call *Call) (string, error)
	// WaitForReceipt blocks until the settlement reference is confirmed.
	WaitForReceipt(ctx context.Context, ref string, pollInterval time.Duration) error
}

// FuncTransferClient adapts callback functions to the TransferClient interface.
type FuncTransferClient struct {
	PublicFunc    func(ctx context.Context, call *Call) (string, error)
	ShieldedFunc  func(ctx context.Context, call *Call) (string, error)
	DelegatedFunc func(ctx context.Context, call *Call) (string, error)
	ReceiptFunc   func(ctx context.Context, ref string, pollInterval time.Duration) error
}

// PayPublic delegates to the configured callback.
func (c FuncTransferClient) PayPublic(ctx context.Context, call *Call) (string, error) {
	if c.PublicFunc == nil {
		return "", fmt.Errorf("chargerd: public transfer not configured")
	}
	return c.PublicFunc(ctx, call)
}

// PayShielded delegates to the configured callback.
func (c FuncTransferClient) PayShielded(ctx context.Context, call *Call) (string, error) {
	if c.ShieldedFunc == nil {
		return "", fmt.Errorf("chargerd: shielded transfer not configured")
	}
	return c.ShieldedFunc(ctx, call)
}

// PayDelegated delegates to the configured callback.
func (c FuncTransferClient) PayDelegated(ctx context.Context, call *Call) (string, error) {
	if c.DelegatedFunc == nil {
		return "", fmt.Errorf("chargerd: delegated transfer not configured")
	}
	return c.DelegatedFunc(ctx, call)
}

// WaitForReceipt delegates to the configured callback.
func (c FuncTransferClient) WaitForReceipt(ctx context.Context, ref string, pollInterval time.Duration) error {
	if c.ReceiptFunc == nil {
		return nil
	}
	return c.ReceiptFunc(ctx, ref, pollInterval)
}

// NonceSource yields monotonically increasing transaction nonces for the
// relayer's signing identity.
type NonceSource interface {
	Next(ctx context.Context) (uint64, error)
}

// StaticNonceSource satisfies NonceSource with in-process state.
type StaticNonceSource struct {
	mu   sync.Mutex
	next uint64
}

// Next returns the next available nonce.
func (s *StaticNonceSource) Next(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := s.next
	s.next++
	return val, nil
}

// FeeEstimator prices a submission before it is signed. Estimation failures
// are transient.
type FeeEstimator interface {
	EstimateFee(ctx context.Context, call *Call) (*big.Int, error)
}

// FuncFeeEstimator adapts a callback to the FeeEstimator interface.
type FuncFeeEstimator func(ctx context.Context, call *Call) (*big.Int, error)

// EstimateFee delegates to the configured callback.
func (f FuncFeeEstimator) EstimateFee(ctx context.Context, call *Call) (*big.Int, error) {
	if f == nil {
		return big.NewInt(0), nil
	}
	return f(ctx, call)
}

// Route mirrors permit.Route plus the delegation-anchored variant.
type Route string

const (
	RoutePublic    Route = "public"
	RouteShielded  Route = "shielded"
	RouteDelegated Route = "delegated"
)

// Call is a fully validated charge submission. The relayer assigns the nonce
// and fee; everything else is fixed by the executor.
type Call struct {
	Route           Route
	Permit          *permit.Permit
	Amount          *big.Int
	Payee           string
	PayeeCommitment [32]byte
	Proof           *ProofBundle
	DelegationLeaf  [32]byte
	Counter         uint64

	// Populated by the relayer before dispatch.
	Nonce uint64
	Fee   *big.Int
}

type submission struct {
	ctx  context.Context
	call *Call
	done chan submissionResult
}

type submissionResult struct {
	ref string
	err error
}

// Relayer serializes all charge submissions through a single funded signing
// identity. Nonce assignment, fee estimation, rate limiting, dispatch and
// receipt confirmation all happen on one writer goroutine; concurrent
// unserialized submission would corrupt the nonce sequence.
type Relayer struct {
	client       TransferClient
	signer       *crypto.PrivateKey
	nonces       NonceSource
	fees         FeeEstimator
	limiter      *rate.Limiter
	metrics      *Metrics
	pollInterval time.Duration

	queue chan submission

	closeOnce sync.Once
	closed    chan struct{}
	doneWG    sync.WaitGroup
}

// RelayerOption customises the relayer instance.
type RelayerOption func(*Relayer)

// WithNonceSource supplies the transaction nonce source.
func WithNonceSource(n NonceSource) RelayerOption {
	return func(r *Relayer) { r.nonces = n }
}

// WithFeeEstimator supplies the fee estimation hook.
func WithFeeEstimator(f FeeEstimator) RelayerOption {
	return func(r *Relayer) { r.fees = f }
}

// WithSubmitRate bounds submissions per second against the ledger endpoint.
func WithSubmitRate(perSecond float64, burst int) RelayerOption {
	return func(r *Relayer) { r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithReceiptPollInterval configures the confirmation polling cadence.
func WithReceiptPollInterval(interval time.Duration) RelayerOption {
	return func(r *Relayer) { r.pollInterval = interval }
}

// WithRelayerMetrics overrides the default metrics registry.
func WithRelayerMetrics(m *Metrics) RelayerOption {
	return func(r *Relayer) { r.metrics = m }
}

// NewRelayer constructs the gateway around the signing identity and transfer
// client and starts the single writer goroutine.
func NewRelayer(client TransferClient, signer *crypto.PrivateKey, opts ...RelayerOption) *Relayer {
	r := &Relayer{
		client:       client,
		signer:       signer,
		nonces:       &StaticNonceSource{},
		fees:         FuncFeeEstimator(nil),
		limiter:      rate.NewLimiter(rate.Inf, 1),
		pollInterval: 5 * time.Second,
		queue:        make(chan submission, 64),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.doneWG.Add(1)
	go r.run()
	return r
}

// Signer returns the relayer's funded identity address.
func (r *Relayer) Signer() crypto.Address {
	return r.signer.PubKey().Address()
}

// Submit enqueues a charge call and blocks until the relayer reports the
// settlement reference or an error. In-flight submissions always run to
// completion; Submit only fails fast when the relayer is already closed or
// the caller's context expires while still queued.
func (r *Relayer) Submit(ctx context.Context, call *Call) (string, error) {
	if call == nil {
		return "", fmt.Errorf("chargerd: call required")
	}
	sub := submission{ctx: ctx, call: call, done: make(chan submissionResult, 1)}
	select {
	case <-r.closed:
		return "", ErrRelayerClosed
	case <-ctx.Done():
		return "", ctx.Err()
	case r.queue <- sub:
	}
	result := <-sub.done
	return result.ref, result.err
}

// Close stops the writer goroutine after draining queued submissions.
func (r *Relayer) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	r.doneWG.Wait()
}

func (r *Relayer) run() {
	defer r.doneWG.Done()
	for {
		select {
		case <-r.closed:
			r.drain()
			return
		case sub := <-r.queue:
			r.observeQueueDepth()
			sub.done <- r.process(sub.ctx, sub.call)
		}
	}
}

func (r *Relayer) drain() {
	for {
		select {
		case sub := <-r.queue:
			sub.done <- submissionResult{err: ErrRelayerClosed}
		default:
			return
		}
	}
}

func (r *Relayer) observeQueueDepth() {
	if r.metrics != nil {
		r.metrics.SetRelayerQueueDepth(len(r.queue))
	}
}

func (r *Relayer) process(ctx context.Context, call *Call) submissionResult {
	if r.client == nil {
		return submissionResult{err: fmt.Errorf("chargerd: transfer client not configured")}
	}
	if r.signer == nil {
		return submissionResult{err: fmt.Errorf("chargerd: relayer signer not configured")}
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return submissionResult{err: err}
	}
	fee, err := r.fees.EstimateFee(ctx, call)
	if err != nil {
		return submissionResult{err: fmt.Errorf("estimate fee: %w", err)}
	}
	nonce, err := r.nonces.Next(ctx)
	if err != nil {
		return submissionResult{err: fmt.Errorf("next nonce: %w", err)}
	}
	call.Nonce = nonce
	call.Fee = fee

	var ref string
	switch call.Route {
	case RoutePublic:
		ref, err = r.client.PayPublic(ctx, call)
	case RouteShielded:
		ref, err = r.client.PayShielded(ctx, call)
	case RouteDelegated:
		ref, err = r.client.PayDelegated(ctx, call)
	default:
		return submissionResult{err: fmt.Errorf("chargerd: unknown route %q", call.Route)}
	}
	if err != nil {
		return submissionResult{err: err}
	}
	if err := r.client.WaitForReceipt(ctx, ref, r.pollInterval); err != nil {
		return submissionResult{err: fmt.Errorf("confirm %s: %w", ref, err)}
	}
	return submissionResult{ref: ref}
}
