package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus collectors for the settlement pipeline
var (
	TransfersObserved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transfers_observed_total",
			Help: "Total number of token Transfer events delivered by the subscription",
		},
	)

	PaymentsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payments_received_total",
			Help: "Total number of transfers addressed to the receiving address",
		},
	)

	SettlementOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_outcomes_total",
			Help: "Settlement workflow results by terminal state; duplicate for skipped redeliveries",
		},
		[]string{"state"},
	)

	ApprovalsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allowance_approvals_submitted_total",
			Help: "Total number of approve transactions sent by the reconciler",
		},
	)

	EstimationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_estimation_failures_total",
			Help: "Total number of settlements aborted after a failed gas estimate",
		},
	)

	SettlementsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "settlements_in_flight",
			Help: "Settlement workflows currently running",
		},
	)

	WorkflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_workflow_duration_seconds",
			Help:    "Time from event receipt to terminal state",
			Buckets: []float64{1, 2.5, 5, 10, 15, 30, 60, 90, 120, 300},
		},
		[]string{"state"},
	)

	RPCCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_rpc_calls_total",
			Help: "Ledger RPC calls by method and result",
		},
		[]string{"method", "result"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

// Register registers all collectors on r.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		TransfersObserved,
		PaymentsReceived,
		SettlementOutcomes,
		ApprovalsSubmitted,
		EstimationFailures,
		SettlementsInFlight,
		WorkflowDuration,
		RPCCalls,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
