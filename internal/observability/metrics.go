// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Batch flow metrics
	Deposits        *prometheus.CounterVec
	DepositedAmount *prometheus.CounterVec
	Withdrawals     *prometheus.CounterVec
	Claims          *prometheus.CounterVec
	ClaimedPayout   *prometheus.CounterVec
	HotSwaps        *prometheus.CounterVec
	OperationErrors *prometheus.CounterVec

	// Processing metrics
	ProcessRunsTotal  *prometheus.CounterVec
	ConversionLatency *prometheus.HistogramVec
	OpenBatchSupplied *prometheus.GaugeVec

	// Fee metrics
	FeeAccrued *prometheus.CounterVec
	FeeSwept   *prometheus.CounterVec

	// Event metrics
	EventsPublished    *prometheus.CounterVec
	EventPublishErrors *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulProcess *prometheus.GaugeVec
	KeeperTicks           prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "batch_engine"
	}

	return &Metrics{
		Deposits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "deposits_total",
			Help:      "Total number of deposits by product and kind",
		}, []string{"product", "kind"}),
		DepositedAmount: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "deposited_base_units_total",
			Help:      "Total source base units deposited",
		}, []string{"product", "kind"}),
		Withdrawals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "withdrawals_total",
			Help:      "Total number of withdrawals from open batches",
		}, []string{"product", "kind"}),
		Claims: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "claims_total",
			Help:      "Total number of claims by payout policy",
		}, []string{"product", "kind", "policy"}),
		ClaimedPayout: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "claimed_base_units_total",
			Help:      "Total target base units paid out net of fee",
		}, []string{"product", "kind"}),
		HotSwaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "hot_swaps_total",
			Help:      "Total number of hot-swaps by destination kind",
		}, []string{"product", "kind"}),
		OperationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "operation_errors_total",
			Help:      "Total number of rejected operations by operation",
		}, []string{"product", "operation"}),

		ProcessRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "runs_total",
			Help:      "Total number of process attempts by status",
		}, []string{"product", "kind", "status"}),
		ConversionLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "conversion_latency_seconds",
			Help:      "Venue conversion latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"product", "kind"}),
		OpenBatchSupplied: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "open_batch_supplied_base_units",
			Help:      "Source base units supplied to the current batch",
		}, []string{"product", "kind"}),

		FeeAccrued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fee",
			Name:      "accrued_base_units_total",
			Help:      "Total redemption fee accrued",
		}, []string{"product"}),
		FeeSwept: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fee",
			Name:      "swept_base_units_total",
			Help:      "Total redemption fee swept to the recipient",
		}, []string{"product"}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of events published by type",
		}, []string{"type"}),
		EventPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_errors_total",
			Help:      "Total number of failed event publications",
		}, []string{"product"}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		LastSuccessfulProcess: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_process_timestamp",
			Help:      "Unix timestamp of last successful batch process",
		}, []string{"product", "kind"}),
		KeeperTicks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "keeper_ticks_total",
			Help:      "Total number of keeper ticks",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// float returns an approximate float64 for a base-unit amount.
func float(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// RecordDeposit records a deposit into a batch.
func RecordDeposit(product, kind string, amount decimal.Decimal) {
	DefaultMetrics.Deposits.WithLabelValues(product, kind).Inc()
	DefaultMetrics.DepositedAmount.WithLabelValues(product, kind).Add(float(amount))
}

// RecordWithdrawal records a withdrawal from an open batch.
func RecordWithdrawal(product, kind string) {
	DefaultMetrics.Withdrawals.WithLabelValues(product, kind).Inc()
}

// RecordClaim records a claim and its net payout.
func RecordClaim(product, kind, policy string, net decimal.Decimal) {
	DefaultMetrics.Claims.WithLabelValues(product, kind, policy).Inc()
	DefaultMetrics.ClaimedPayout.WithLabelValues(product, kind).Add(float(net))
}

// RecordHotSwap records a hot-swap into a batch of kind.
func RecordHotSwap(product, kind string) {
	DefaultMetrics.HotSwaps.WithLabelValues(product, kind).Inc()
}

// RecordOperationError records a rejected operation.
func RecordOperationError(product, operation string) {
	DefaultMetrics.OperationErrors.WithLabelValues(product, operation).Inc()
}

// RecordProcess records a process attempt. status is "success", "too_early",
// "slippage" or "error".
func RecordProcess(product, kind, status string) {
	DefaultMetrics.ProcessRunsTotal.WithLabelValues(product, kind, status).Inc()
}

// RecordConversionLatency records venue latency.
func RecordConversionLatency(product, kind string, seconds float64) {
	DefaultMetrics.ConversionLatency.WithLabelValues(product, kind).Observe(seconds)
}

// UpdateOpenBatch updates the supplied gauge of the current batch.
func UpdateOpenBatch(product, kind string, supplied decimal.Decimal) {
	DefaultMetrics.OpenBatchSupplied.WithLabelValues(product, kind).Set(float(supplied))
}

// RecordProcessSuccess stamps the last successful process time.
func RecordProcessSuccess(product, kind string, unixSeconds int64) {
	DefaultMetrics.LastSuccessfulProcess.WithLabelValues(product, kind).Set(float64(unixSeconds))
}

// RecordFeeAccrued records fee withheld from a claim.
func RecordFeeAccrued(product string, fee decimal.Decimal) {
	DefaultMetrics.FeeAccrued.WithLabelValues(product).Add(float(fee))
}

// RecordFeeSwept records a fee sweep.
func RecordFeeSwept(product string, amount decimal.Decimal) {
	DefaultMetrics.FeeSwept.WithLabelValues(product).Add(float(amount))
}

// RecordEventsPublished records published events by type.
func RecordEventsPublished(eventType string) {
	DefaultMetrics.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventPublishError records a failed publication.
func RecordEventPublishError(product string) {
	DefaultMetrics.EventPublishErrors.WithLabelValues(product).Inc()
}

// RecordKeeperTick increments the keeper tick counter.
func RecordKeeperTick() {
	DefaultMetrics.KeeperTicks.Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
