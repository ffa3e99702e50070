package events

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// Event types emitted by the recurring charge pipeline.
const (
	TypeChargeSettled       = "charge.settled"
	TypeChargeRejected      = "charge.rejected"
	TypeChargeRetrying      = "charge.retrying"
	TypeSubscriptionPaused  = "subscription.paused"
	TypeSubscriptionResumed = "subscription.resumed"
	TypeSubscriptionClosed  = "subscription.closed"
)

// Attrs is the wire-friendly representation delivered to subscribers.
type Attrs struct {
	Type       string
	Attributes map[string]string
}

// ChargeSettled records a charge that was durably settled by the transfer
// primitive. SettlementRef is the external transaction identifier.
type ChargeSettled struct {
	SubscriptionID string
	Attempt        int
	Amount         string
	SettlementRef  string
	Nullifier      []byte
}

// EventType satisfies the events.Event interface.
func (ChargeSettled) EventType() string { return TypeChargeSettled }

// Event converts the structured payload into attribute form.
func (e ChargeSettled) Event() *Attrs {
	attrs := map[string]string{
		"subscriptionId": strings.TrimSpace(e.SubscriptionID),
		"attempt":        strconv.Itoa(e.Attempt),
		"amount":         strings.TrimSpace(e.Amount),
		"settlementRef":  strings.TrimSpace(e.SettlementRef),
	}
	if len(e.Nullifier) > 0 {
		attrs["nullifier"] = "0x" + hex.EncodeToString(e.Nullifier)
	}
	return &Attrs{Type: TypeChargeSettled, Attributes: attrs}
}

// ChargeRejected records a permanent authorization failure. The subscription
// halts after this event.
type ChargeRejected struct {
	SubscriptionID string
	Attempt        int
	Reason         string
}

// EventType satisfies the events.Event interface.
func (ChargeRejected) EventType() string { return TypeChargeRejected }

// Event converts the structured payload into attribute form.
func (e ChargeRejected) Event() *Attrs {
	return &Attrs{Type: TypeChargeRejected, Attributes: map[string]string{
		"subscriptionId": strings.TrimSpace(e.SubscriptionID),
		"attempt":        strconv.Itoa(e.Attempt),
		"reason":         strings.TrimSpace(e.Reason),
	}}
}

// ChargeRetrying records a transient failure that will be retried within the
// same billing period.
type ChargeRetrying struct {
	SubscriptionID string
	Attempt        int
	Retry          int
	Detail         string
}

// EventType satisfies the events.Event interface.
func (ChargeRetrying) EventType() string { return TypeChargeRetrying }

// Event converts the structured payload into attribute form.
func (e ChargeRetrying) Event() *Attrs {
	return &Attrs{Type: TypeChargeRetrying, Attributes: map[string]string{
		"subscriptionId": strings.TrimSpace(e.SubscriptionID),
		"attempt":        strconv.Itoa(e.Attempt),
		"retry":          strconv.Itoa(e.Retry),
		"detail":         strings.TrimSpace(e.Detail),
	}}
}

// SubscriptionLifecycle captures pause, resume and close transitions.
type SubscriptionLifecycle struct {
	SubscriptionID string
	Transition     string
	Reason         string
}

// EventType satisfies the events.Event interface.
func (e SubscriptionLifecycle) EventType() string { return e.Transition }

// Event converts the structured payload into attribute form.
func (e SubscriptionLifecycle) Event() *Attrs {
	attrs := map[string]string{
		"subscriptionId": strings.TrimSpace(e.SubscriptionID),
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		attrs["reason"] = reason
	}
	return &Attrs{Type: e.Transition, Attributes: attrs}
}
