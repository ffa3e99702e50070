package chargerd

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"veilpay/native/delegation"
	"veilpay/native/nullifier"
	"veilpay/services/chargerd/store"
)

// AdminServer exposes the operator API: subscription lifecycle controls,
// charge history, nullifier auditing and delegation root publication.
type AdminServer struct {
	scheduler *Scheduler
	store     *store.Store
	ledger    *nullifier.Ledger
	anchor    *delegation.Anchor

	router http.Handler
}

// NewAdminServer wires the operator API around the running scheduler.
func NewAdminServer(scheduler *Scheduler, st *store.Store, ledger *nullifier.Ledger, anchor *delegation.Anchor, auth *Authenticator) *AdminServer {
	s := &AdminServer{scheduler: scheduler, store: st, ledger: ledger, anchor: anchor}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if auth != nil {
		r.Use(auth.Middleware)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/subscriptions", s.handleCreate)
		api.Get("/subscriptions", s.handleList)
		api.Get("/subscriptions/{id}", s.handleGet)
		api.Get("/subscriptions/{id}/attempts", s.handleAttempts)
		api.Post("/subscriptions/{id}/pause", s.handlePause)
		api.Post("/subscriptions/{id}/resume", s.handleResume)
		api.Post("/subscriptions/{id}/cancel", s.handleCancel)
	})
	r.Route("/ops", func(ops chi.Router) {
		ops.Get("/nullifiers", s.handleNullifiers)
		ops.Post("/delegation/root", s.handlePublishRoot)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type createRequest struct {
	Payer             string          `json:"payer"`
	Payee             string          `json:"payee"`
	Amount            string          `json:"amount"`
	IntervalSeconds   int64           `json:"intervalSeconds"`
	TotalCharges      int             `json:"totalCharges"`
	Permit            json.RawMessage `json:"permit"`
	ProofBundle       json.RawMessage `json:"proofBundle,omitempty"`
	DelegationLeaf    string          `json:"delegationLeaf,omitempty"`
	DelegationCounter uint64          `json:"delegationCounter,omitempty"`
}

type subscriptionResponse struct {
	ID               string     `json:"id"`
	Payer            string     `json:"payer"`
	Payee            string     `json:"payee,omitempty"`
	Amount           string     `json:"amount"`
	IntervalSeconds  int64      `json:"intervalSeconds"`
	TotalCharges     int        `json:"totalCharges"`
	ChargesCompleted int        `json:"chargesCompleted"`
	NextChargeAt     time.Time  `json:"nextChargeAt"`
	LastChargedAt    *time.Time `json:"lastChargedAt,omitempty"`
	Status           string     `json:"status"`
	FailureReason    string     `json:"failureReason,omitempty"`
	Delegated        bool       `json:"delegated"`
}

func subscriptionView(sub *store.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:               sub.ID,
		Payer:            sub.Payer,
		Payee:            sub.Payee,
		Amount:           sub.ChargeAmount,
		IntervalSeconds:  sub.IntervalMillis / 1000,
		TotalCharges:     sub.TotalCharges,
		ChargesCompleted: sub.ChargesCompleted,
		NextChargeAt:     sub.NextChargeAt,
		LastChargedAt:    sub.LastChargedAt,
		Status:           string(sub.Status),
		FailureReason:    sub.FailureReason,
		Delegated:        sub.Delegated(),
	}
}

func (s *AdminServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(req.Permit) == 0 {
		http.Error(w, "permit required", http.StatusBadRequest)
		return
	}
	sub := &store.Subscription{
		Payer:             strings.TrimSpace(req.Payer),
		Payee:             strings.TrimSpace(req.Payee),
		ChargeAmount:      strings.TrimSpace(req.Amount),
		IntervalMillis:    req.IntervalSeconds * 1000,
		TotalCharges:      req.TotalCharges,
		PermitJSON:        req.Permit,
		ProofBundle:       req.ProofBundle,
		DelegationCounter: req.DelegationCounter,
	}
	if leaf := strings.TrimSpace(req.DelegationLeaf); leaf != "" {
		decoded, err := hex.DecodeString(strings.TrimPrefix(leaf, "0x"))
		if err != nil || len(decoded) != 32 {
			http.Error(w, "delegation leaf must be a 32-byte hex string", http.StatusBadRequest)
			return
		}
		sub.DelegationLeaf = decoded
	}
	created, err := s.scheduler.Schedule(sub)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(subscriptionView(created))
}

func (s *AdminServer) handleList(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		views = append(views, subscriptionView(sub))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (s *AdminServer) handleGet(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.Get(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(subscriptionView(sub))
}

type attemptResponse struct {
	Attempt       int       `json:"attempt"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	SettlementRef string    `json:"settlementRef,omitempty"`
	At            time.Time `json:"at"`
}

func (s *AdminServer) handleAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(id); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	attempts, err := s.store.Attempts(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		views = append(views, attemptResponse{
			Attempt:       a.Attempt,
			Outcome:       a.Outcome,
			Detail:        a.Detail,
			SettlementRef: a.SettlementRef,
			At:            a.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (s *AdminServer) lifecycle(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := chi.URLParam(r, "id")
	err := op(id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.scheduler.Pause)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.scheduler.Resume)
}

func (s *AdminServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.scheduler.Cancel)
}

type nullifierResponse struct {
	Tag        string `json:"tag"`
	ConsumedAt int64  `json:"consumedAt"`
}

func (s *AdminServer) handleNullifiers(w http.ResponseWriter, r *http.Request) {
	parseTs := func(name string) (int64, bool) {
		raw := strings.TrimSpace(r.URL.Query().Get(name))
		if raw == "" {
			return 0, true
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		return ts, err == nil
	}
	start, ok := parseTs("start")
	if !ok {
		http.Error(w, "invalid start timestamp", http.StatusBadRequest)
		return
	}
	end, ok := parseTs("end")
	if !ok {
		http.Error(w, "invalid end timestamp", http.StatusBadRequest)
		return
	}
	entries, err := s.ledger.List(start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]nullifierResponse, 0, len(entries))
	for _, entry := range entries {
		views = append(views, nullifierResponse{
			Tag:        "0x" + hex.EncodeToString(entry.Tag[:]),
			ConsumedAt: entry.ConsumedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

type publishRootRequest struct {
	Root string `json:"root"`
}

func (s *AdminServer) handlePublishRoot(w http.ResponseWriter, r *http.Request) {
	if s.anchor == nil {
		http.Error(w, "delegation anchor not configured", http.StatusServiceUnavailable)
		return
	}
	var req publishRootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.Root), "0x"))
	if err != nil || len(decoded) != 32 {
		http.Error(w, "root must be a 32-byte hex string", http.StatusBadRequest)
		return
	}
	var root [32]byte
	copy(root[:], decoded)
	s.anchor.PublishRoot(root)
	w.WriteHeader(http.StatusNoContent)
}
