package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cardwatch/txn-sentinel/internal/models"
)

var (
	transactionAnomalyScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "txn_sentinel",
			Name:      "transaction_anomaly_score",
			Help:      "Current z-score per transaction status.",
		},
		[]string{"status"},
	)

	overallAnomalyScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "txn_sentinel",
			Name:      "overall_anomaly_score",
			Help:      "Max z-score across all monitored statuses from the last detection pass.",
		},
	)

	transactionAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txn_sentinel",
			Name:      "transaction_alerts_total",
			Help:      "Total dispatched alerts, partitioned by status and severity.",
		},
		[]string{"status", "severity"},
	)

	transactionsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txn_sentinel",
			Name:      "transactions_ingested_total",
			Help:      "Total ingested transaction counts, partitioned by status.",
		},
		[]string{"status"},
	)

	detectionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "txn_sentinel",
			Name:      "detection_seconds",
			Help:      "Detection pass latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txn_sentinel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests handled, partitioned by route, method and code.",
		},
		[]string{"route", "method", "code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "txn_sentinel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"route", "method"},
	)
)

// Register attaches all collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		transactionAnomalyScore,
		overallAnomalyScore,
		transactionAlertsTotal,
		transactionsIngestedTotal,
		detectionSeconds,
		httpRequestsTotal,
		httpRequestDuration,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// UpdateAnomalyScores pushes the max z-score and per-status z-scores to the
// dashboard gauges. Called on every detection pass regardless of severity so
// dashboards stay continuous when everything is NORMAL.
func UpdateAnomalyScores(result models.AnomalyResult) {
	overallAnomalyScore.Set(result.MaxZScore)
	for _, detail := range result.Anomalies {
		transactionAnomalyScore.WithLabelValues(detail.Status).Set(detail.ZScore)
	}
}

// ObserveDetection records the latency of one detection pass.
func ObserveDetection(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	detectionSeconds.Observe(duration.Seconds())
}

// IncIngested counts ingested transaction records by status.
func IncIngested(status string, count int) {
	if count < 0 {
		return
	}
	transactionsIngestedTotal.WithLabelValues(status).Add(float64(count))
}

// ObserveRequest records one handled HTTP request.
func ObserveRequest(route, method, code string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(route, method, code).Inc()
	httpRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// AlertCounter increments the dispatched-alert counter. Label errors are
// returned to the caller rather than panicking.
type AlertCounter struct{}

// IncAlert increments transaction_alerts_total for (status, severity).
func (AlertCounter) IncAlert(status string, severity models.Severity) error {
	counter, err := transactionAlertsTotal.GetMetricWithLabelValues(status, string(severity))
	if err != nil {
		return err
	}
	counter.Inc()
	return nil
}
