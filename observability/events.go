package observability

import (
	"veilpay/core/events"
)

// MetricsEmitter bridges structured charge events onto the Prometheus
// registry. It can be layered in front of any downstream emitter.
type MetricsEmitter struct {
	Next events.Emitter
}

// Emit implements the events.Emitter interface.
func (e MetricsEmitter) Emit(evt events.Event) {
	switch evt.EventType() {
	case events.TypeChargeSettled:
		Chargerd().RecordOutcome("all", "settled")
	case events.TypeChargeRejected:
		Chargerd().RecordOutcome("all", "rejected")
	case events.TypeChargeRetrying:
		Chargerd().RecordRetry("all")
	}
	if e.Next != nil {
		e.Next.Emit(evt)
	}
}
