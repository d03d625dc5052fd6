package messaging

import "time"

// DeliveryOutcome is how a received delivery was finally handled.
type DeliveryOutcome string

const (
	OutcomeAcked           DeliveryOutcome = "acked"
	OutcomeNacked          DeliveryOutcome = "nacked"
	OutcomeDeferredTimeout DeliveryOutcome = "deferred_timeout"
	OutcomeErrorRouted     DeliveryOutcome = "error_routed"
	OutcomeTypeMismatch    DeliveryOutcome = "type_mismatch"
	OutcomeMalformed       DeliveryOutcome = "malformed"
	OutcomeUnmatched       DeliveryOutcome = "unmatched"
)

// RPCOutcome is how a Request call finished.
type RPCOutcome string

const (
	RPCOutcomeOK        RPCOutcome = "ok"
	RPCOutcomeTimeout   RPCOutcome = "timeout"
	RPCOutcomeCancelled RPCOutcome = "cancelled"
	RPCOutcomeFailed    RPCOutcome = "failed"
)

// MetricsCollector collects bus metrics
type MetricsCollector interface {
	// RecordPublish records a publish or send
	RecordPublish(typeID, exchange string, duration time.Duration, err error)

	// RecordDelivery records the outcome of one delivery
	RecordDelivery(queue, typeID string, outcome DeliveryOutcome)

	// RecordErrorRouteFailure records a message that could not reach the error queue
	RecordErrorRouteFailure(typeID string)

	// RecordRPC records a finished Request call
	RecordRPC(typeID string, outcome RPCOutcome, duration time.Duration)

	// SetPendingRPCs reports the number of calls awaiting a reply
	SetPendingRPCs(n int)

	// SetConnected reports the broker connection state
	SetConnected(up bool)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(typeID, exchange string, duration time.Duration, err error) {
}

// RecordDelivery does nothing
func (NoOpMetricsCollector) RecordDelivery(queue, typeID string, outcome DeliveryOutcome) {}

// RecordErrorRouteFailure does nothing
func (NoOpMetricsCollector) RecordErrorRouteFailure(typeID string) {}

// RecordRPC does nothing
func (NoOpMetricsCollector) RecordRPC(typeID string, outcome RPCOutcome, duration time.Duration) {}

// SetPendingRPCs does nothing
func (NoOpMetricsCollector) SetPendingRPCs(n int) {}

// SetConnected does nothing
func (NoOpMetricsCollector) SetConnected(up bool) {}
