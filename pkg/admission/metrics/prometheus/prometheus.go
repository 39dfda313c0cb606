// Package prommetrics implements admission.Metrics using Prometheus.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/brandgate/quotas/pkg/admission"
)

// Metrics implements admission.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal             *prometheus.CounterVec
	decisionDuration           *prometheus.HistogramVec
	failOpenTotal              *prometheus.CounterVec
	addonConsumptionTotal      *prometheus.CounterVec
	blockedRequestsTotal       *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
	auditDropsTotal            *prometheus.CounterVec
	auditDeliveredTotal        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation registered with
// reg under the given namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Total number of admission decisions.",
		}, []string{"tier", "allowed", "reason"}),

		decisionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_decision_duration_seconds",
			Help:      "Latency of admission decisions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),

		failOpenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_fail_open_total",
			Help:      "Total number of requests admitted without enforcement because the store was unavailable.",
		}, []string{"component"}),

		addonConsumptionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addon_consumption_total",
			Help:      "Total number of units consumed from add-on blocks.",
		}, []string{"tier"}),

		blockedRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_requests_total",
			Help:      "Total number of denied requests.",
		}, []string{"tier"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),

		auditDropsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_drops_total",
			Help:      "Total number of usage records dropped by the async recorder.",
		}, []string{"reason"}),

		auditDeliveredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_delivered_total",
			Help:      "Total number of usage record delivery outcomes.",
		}, []string{"success"}),
	}
}

func (m *Metrics) RecordDecision(tier string, allowed bool, reason admission.Reason, duration time.Duration) {
	m.decisionsTotal.WithLabelValues(tier, strconv.FormatBool(allowed), string(reason)).Inc()
	m.decisionDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

func (m *Metrics) RecordFailOpen(component string) {
	m.failOpenTotal.WithLabelValues(component).Inc()
}

func (m *Metrics) RecordAddOnConsumption(tier string) {
	m.addonConsumptionTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) RecordBlockedRequest(tier string) {
	m.blockedRequestsTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordAuditDrop(reason string) {
	m.auditDropsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAuditDelivered(success bool) {
	m.auditDeliveredTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}
