package chargerd

import "veilpay/observability"

// Metrics is the chargerd instrumentation surface.
type Metrics = observability.ChargerdMetrics

// NewMetrics returns the process-wide chargerd metrics registry.
func NewMetrics() *Metrics {
	return observability.Chargerd()
}
