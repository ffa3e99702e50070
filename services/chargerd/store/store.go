package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"veilpay/native/permit"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("store: subscription not found")

// ErrConflict signals an optimistic concurrency failure. Callers re-read the
// record and retry the mutation.
var ErrConflict = errors.New("store: version conflict")

// Status enumerates the subscription lifecycle states.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Subscription is the durable recurring-billing record. The embedded permit is
// immutable for the lifetime of the subscription; only progress fields mutate,
// always through versioned updates.
type Subscription struct {
	ID                string `gorm:"primaryKey;size:64"`
	Payer             string `gorm:"size:128;index"`
	Payee             string `gorm:"size:128;index"`
	ChargeAmount      string `gorm:"size:64;not null"`
	IntervalMillis    int64  `gorm:"not null"`
	TotalCharges      int    `gorm:"not null"`
	ChargesCompleted  int    `gorm:"not null"`
	NextChargeAt      time.Time
	LastChargedAt     *time.Time
	PermitJSON        []byte `gorm:"not null"`
	ProofBundle       []byte
	DelegationLeaf    []byte
	DelegationCounter uint64
	Status            Status `gorm:"size:16;index"`
	FailureReason     string `gorm:"size:256"`
	Version           uint64 `gorm:"not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Attempts          []ChargeAttempt
}

// ChargeAttempt records one execution outcome for audit and reconciliation.
type ChargeAttempt struct {
	ID             string `gorm:"primaryKey;size:64"`
	SubscriptionID string `gorm:"size:64;index"`
	Attempt        int    `gorm:"not null"`
	Outcome        string `gorm:"size:32;index"`
	Detail         string `gorm:"size:512"`
	SettlementRef  string `gorm:"size:128"`
	CreatedAt      time.Time
}

// Attempt outcome labels persisted on ChargeAttempt rows.
const (
	OutcomeSettled   = "settled"
	OutcomeRejected  = "rejected"
	OutcomeTransient = "transient"
)

// Interval returns the billing period as a duration.
func (s *Subscription) Interval() time.Duration {
	return time.Duration(s.IntervalMillis) * time.Millisecond
}

// Amount parses the per-charge amount.
func (s *Subscription) Amount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s.ChargeAmount), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("store: invalid charge amount %q", s.ChargeAmount)
	}
	return amount, nil
}

// Permit decodes the embedded permit.
func (s *Subscription) Permit() (*permit.Permit, error) {
	var p permit.Permit
	if err := json.Unmarshal(s.PermitJSON, &p); err != nil {
		return nil, fmt.Errorf("store: decode permit: %w", err)
	}
	return &p, nil
}

// CumulativeSpent returns the total already settled under the permit, derived
// from the completed-charge count. The verifier enforces the lifetime cap
// against this value.
func (s *Subscription) CumulativeSpent() (*big.Int, error) {
	amount, err := s.Amount()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(amount, big.NewInt(int64(s.ChargesCompleted))), nil
}

// Delegated reports whether the subscription uses private-policy mode.
func (s *Subscription) Delegated() bool {
	return len(s.DelegationLeaf) == 32
}

// Store persists subscriptions and attempt history behind a narrow interface.
// Progress updates use optimistic concurrency on the Version column.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// New wires the store to a gorm database handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database handle required")
	}
	if err := db.AutoMigrate(&Subscription{}, &ChargeAttempt{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// SetClock overrides the time source (primarily for deterministic testing).
func (s *Store) SetClock(clock func() time.Time) {
	if s == nil || clock == nil {
		return
	}
	s.clock = clock
}

// Create validates and persists a new subscription. The permit must already be
// sanitized; input errors reject synchronously and never reach the scheduler.
func (s *Store) Create(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("store: subscription required")
	}
	if strings.TrimSpace(sub.ID) == "" {
		sub.ID = uuid.NewString()
	}
	if sub.TotalCharges <= 0 {
		return fmt.Errorf("store: totalCharges must be positive")
	}
	if sub.IntervalMillis <= 0 {
		return fmt.Errorf("store: interval must be positive")
	}
	amount, err := sub.Amount()
	if err != nil {
		return err
	}
	p, err := sub.Permit()
	if err != nil {
		return err
	}
	if len(sub.DelegationLeaf) != 0 && len(sub.DelegationLeaf) != 32 {
		return fmt.Errorf("store: delegation leaf must be 32 bytes")
	}
	// The schedule must fit under the permit's lifetime cap up front, so a
	// subscription can never be created that is doomed to fail mid-stream.
	total := new(big.Int).Mul(amount, big.NewInt(int64(sub.TotalCharges)))
	if p.MaxAmount == nil || total.Cmp(p.MaxAmount) > 0 {
		return fmt.Errorf("store: schedule %s exceeds permit cap", total.String())
	}
	if !sub.Status.Valid() {
		sub.Status = StatusActive
	}
	sub.Version = 1
	return s.db.Create(sub).Error
}

// Get retrieves a subscription by identifier.
func (s *Store) Get(id string) (*Subscription, error) {
	var sub Subscription
	err := s.db.First(&sub, "id = ?", strings.TrimSpace(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListActive returns subscriptions the scheduler should have armed.
func (s *Store) ListActive() ([]*Subscription, error) {
	var subs []*Subscription
	if err := s.db.Where("status = ?", StatusActive).Order("next_charge_at").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// CountByStatus returns how many subscriptions sit in the given state.
func (s *Store) CountByStatus(status Status) (int, error) {
	var n int64
	if err := s.db.Model(&Subscription{}).Where("status = ?", status).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// List returns all subscriptions, newest first.
func (s *Store) List() ([]*Subscription, error) {
	var subs []*Subscription
	if err := s.db.Order("created_at desc").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// Update persists mutated progress fields using a compare-and-set on Version.
// ErrConflict means another writer got there first: re-read and retry.
func (s *Store) Update(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("store: subscription required")
	}
	expected := sub.Version
	sub.Version = expected + 1
	result := s.db.Model(&Subscription{}).
		Where("id = ? AND version = ?", sub.ID, expected).
		Select("charges_completed", "next_charge_at", "last_charged_at", "status",
			"failure_reason", "delegation_counter", "proof_bundle", "version").
		Updates(sub)
	if result.Error != nil {
		sub.Version = expected
		return result.Error
	}
	if result.RowsAffected == 0 {
		sub.Version = expected
		return ErrConflict
	}
	return nil
}

// AppendAttempt records a charge attempt outcome.
func (s *Store) AppendAttempt(attempt *ChargeAttempt) error {
	if attempt == nil {
		return fmt.Errorf("store: attempt required")
	}
	if strings.TrimSpace(attempt.ID) == "" {
		attempt.ID = uuid.NewString()
	}
	if strings.TrimSpace(attempt.SubscriptionID) == "" {
		return fmt.Errorf("store: attempt subscription id required")
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = s.clock().UTC()
	}
	return s.db.Create(attempt).Error
}

// Attempts lists the charge history for a subscription, oldest first.
func (s *Store) Attempts(subscriptionID string) ([]*ChargeAttempt, error) {
	var attempts []*ChargeAttempt
	err := s.db.Where("subscription_id = ?", strings.TrimSpace(subscriptionID)).
		Order("created_at").Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}
