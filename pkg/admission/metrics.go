package admission

import "time"

// Metrics defines the interface for tracking admission decisions and engine
// health. Implementations must be safe for concurrent use.
type Metrics interface {
	// RecordDecision records an admission decision and its latency.
	RecordDecision(tier string, allowed bool, reason Reason, duration time.Duration)

	// RecordFailOpen records a fail-open admission. The component label
	// identifies which store interaction failed ("window", "ledger", "addon").
	RecordFailOpen(component string)

	// RecordAddOnConsumption records a unit consumed from an add-on block.
	RecordAddOnConsumption(tier string)

	// RecordBlockedRequest records a denied request.
	RecordBlockedRequest(tier string)

	// RecordStorageOperation records the duration and status of a store call.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a breaker state transition.
	RecordCircuitBreakerStateChange(state string)

	// RecordAuditDrop records a usage record dropped by the async recorder.
	RecordAuditDrop(reason string)

	// RecordAuditDelivered records a usage record delivery attempt outcome.
	RecordAuditDelivered(success bool)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(tier string, allowed bool, reason Reason, duration time.Duration) {
}
func (n *NoopMetrics) RecordFailOpen(component string)                                            {}
func (n *NoopMetrics) RecordAddOnConsumption(tier string)                                         {}
func (n *NoopMetrics) RecordBlockedRequest(tier string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
func (n *NoopMetrics) RecordAuditDrop(reason string)                                              {}
func (n *NoopMetrics) RecordAuditDelivered(success bool)                                          {}
