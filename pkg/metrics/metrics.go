// payflow/pkg/metrics/metrics.go
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Label "service" supaya 1 query bisa bandingkan antar service
	PaymentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests per service",
		},
		[]string{"service", "status", "method"},
	)

	PaymentRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency per service",
			Buckets: []float64{
				0.01, 0.02, 0.03, 0.05, 0.08, 0.12,
				0.2, 0.3, 0.5, 0.8, 1.2, 2, 3, 5,
			},
		},
		[]string{"service", "status"},
	)

	SagaOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "saga_outcomes_total",
			Help:      "Terminal saga outcomes by payment kind",
		},
		[]string{"kind", "status"},
	)

	SagaStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payflow",
			Name:      "saga_step_duration_seconds",
			Help:      "Duration of each saga step including remote calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step", "result"},
	)

	DispatchedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "dispatched_events_total",
			Help:      "Inbound bus messages by routing result",
		},
		[]string{"service", "result"},
	)

	LedgerPostings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "ledger_postings_total",
			Help:      "Ledger post calls by result (created / idempotent_skip / error)",
		},
		[]string{"result"},
	)

	PublishAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "publish_attempts_total",
			Help:      "Outbound event publish attempts",
		},
		[]string{"routing_key", "result"},
	)

	RemoteCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "remote_calls_total",
			Help:      "Calls to downstream services",
		},
		[]string{"dependency", "operation", "result"},
	)

	EndToEndLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payflow",
			Name:      "e2e_latency_seconds",
			Help:      "Time from payment initiation until the ledger posting",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"event"},
	)

	ReapedPayments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "reaped_payments_total",
			Help:      "Stale payment requests finalized by the reaper",
		},
		[]string{"status"},
	)

	IntegrityIssues = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "payflow",
			Name:      "ledger_integrity_issues",
			Help:      "Issues found by the last ledger audit",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PaymentRequestsTotal, PaymentRequestDuration,
		SagaOutcomes, SagaStepDuration,
		DispatchedEvents, LedgerPostings, PublishAttempts, RemoteCalls,
		EndToEndLatency, ReapedPayments, IntegrityIssues,
	)
}

// Helper biar rapi dipanggil dari handler
func IncRequest(service, status, method string) {
	PaymentRequestsTotal.WithLabelValues(service, status, method).Inc()
}
func ObserveDuration(service, status string, seconds float64) {
	PaymentRequestDuration.WithLabelValues(service, status).Observe(seconds)
}
