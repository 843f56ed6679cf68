package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cardwatch/txn-sentinel/internal/alerting"
	"github.com/cardwatch/txn-sentinel/internal/config"
	"github.com/cardwatch/txn-sentinel/internal/engine"
	"github.com/cardwatch/txn-sentinel/internal/metrics"
	"github.com/cardwatch/txn-sentinel/internal/models"
	"github.com/cardwatch/txn-sentinel/internal/utils"
)

// Store defines the persistence operations the service layer needs.
type Store interface {
	InsertCounts(ctx context.Context, records []models.TransactionRecord) (int, error)
	StatusCountsAt(ctx context.Context, minutes int) (models.StatusCount, error)
	HistoryWindow(ctx context.Context, minutes int) (models.HistoryWindow, error)
	Summary(ctx context.Context, minutes int) ([]models.StatusSummary, error)
	Rates(ctx context.Context, minutes int) ([]models.RatePoint, error)
	Ping(ctx context.Context) error
}

// AlertService is the facade behind the HTTP handlers. It shares the
// detector and dispatcher with the periodic scheduler, so ad-hoc
// evaluations and scheduled checks see one cooldown table.
type AlertService struct {
	logger     *slog.Logger
	store      Store
	detector   *engine.Detector
	dispatcher *alerting.Dispatcher
	detCfg     config.DetectorConfig
	latencies  *utils.LatencyTracker
}

// NewAlertService constructs the service facade.
func NewAlertService(logger *slog.Logger, store Store, detector *engine.Detector, dispatcher *alerting.Dispatcher, detCfg config.DetectorConfig) *AlertService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertService{
		logger:     logger,
		store:      store,
		detector:   detector,
		dispatcher: dispatcher,
		detCfg:     detCfg,
		latencies:  utils.NewLatencyTracker(1024),
	}
}

// Ingest stores transaction count records and bumps the per-status ingest
// counters.
func (s *AlertService) Ingest(ctx context.Context, records []models.TransactionRecord) (int, error) {
	inserted, err := s.store.InsertCounts(ctx, records)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		metrics.IncIngested(rec.Status, rec.Count)
	}
	return inserted, nil
}

// Analyze runs detection over the trailing windowMinutes of store data and
// dispatches any resulting alerts. The report is well-formed even when every
// sink fails; sink errors ride along on the dispatched records.
func (s *AlertService) Analyze(ctx context.Context, windowMinutes int) (models.AnalyzeReport, error) {
	current, err := s.store.StatusCountsAt(ctx, 1)
	if err != nil {
		return models.AnalyzeReport{}, fmt.Errorf("fetch current counts: %w", err)
	}
	history, err := s.store.HistoryWindow(ctx, windowMinutes)
	if err != nil {
		return models.AnalyzeReport{}, fmt.Errorf("fetch history window: %w", err)
	}

	if len(current) == 0 && len(history) == 0 {
		return models.AnalyzeReport{
			Result: models.AnomalyResult{
				Severity:  models.SeverityNormal,
				Anomalies: []models.AnomalyDetail{},
				Timestamp: time.Now().UTC(),
			},
			Alerts:         []models.DispatchedAlert{},
			Recommendation: "No transaction data available for analysis.",
			WindowMinutes:  windowMinutes,
		}, nil
	}
	if len(current) == 0 {
		current = history[len(history)-1]
	}

	start := time.Now()
	result := s.detector.Detect(current, history, time.Now().UTC())
	duration := time.Since(start)
	metrics.ObserveDetection(duration)
	metrics.UpdateAnomalyScores(result)

	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("detection latency",
			slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}

	alerts := []models.DispatchedAlert{}
	if result.Severity != models.SeverityNormal {
		alerts = s.dispatcher.Dispatch(ctx, result)
	}

	return models.AnalyzeReport{
		Result:         result,
		Alerts:         alerts,
		Recommendation: buildRecommendation(result),
		WindowMinutes:  windowMinutes,
	}, nil
}

// Status runs a lightweight detection pass and returns the result without
// dispatching anything.
func (s *AlertService) Status(ctx context.Context, windowMinutes int) (models.AnomalyResult, error) {
	current, err := s.store.StatusCountsAt(ctx, 1)
	if err != nil {
		return models.AnomalyResult{}, fmt.Errorf("fetch current counts: %w", err)
	}
	history, err := s.store.HistoryWindow(ctx, windowMinutes)
	if err != nil {
		return models.AnomalyResult{}, fmt.Errorf("fetch history window: %w", err)
	}

	if len(current) == 0 && len(history) == 0 {
		return models.AnomalyResult{
			Severity:  models.SeverityNormal,
			Anomalies: []models.AnomalyDetail{},
			Timestamp: time.Now().UTC(),
		}, nil
	}
	if len(current) == 0 {
		current = history[len(history)-1]
	}

	return s.detector.Detect(current, history, time.Now().UTC()), nil
}

// Evaluate checks one ad-hoc (status, count) observation. An anomalous
// verdict dispatches through the shared dispatcher and stores the
// observation; failures of either side effect are reported as flags on the
// report, never as an error.
func (s *AlertService) Evaluate(ctx context.Context, status string, count int, ts time.Time) (models.EvaluateReport, error) {
	if !s.isMonitored(status) {
		return models.EvaluateReport{}, utils.NewAppError("service.evaluate",
			fmt.Sprintf("status %q is not monitored (expected one of %s)",
				status, strings.Join(s.detCfg.MonitoredStatuses(), ", ")), nil)
	}
	if count < 0 {
		return models.EvaluateReport{}, utils.NewAppError("service.evaluate", "count must not be negative", nil)
	}

	history, err := s.store.HistoryWindow(ctx, 60)
	if err != nil {
		return models.EvaluateReport{}, fmt.Errorf("fetch history window: %w", err)
	}

	record := s.detector.EvaluateSingle(status, count, history)
	report := models.EvaluateReport{Record: record}
	if !record.IsAnomalous {
		return report, nil
	}

	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	result := models.AnomalyResult{
		MaxZScore: record.ZScore,
		Severity:  record.Severity,
		Anomalies: []models.AnomalyDetail{{
			Status:       record.Status,
			CurrentValue: count,
			BaselineMean: record.BaselineMean,
			BaselineStd:  record.BaselineStd,
			ZScore:       record.ZScore,
			IsAnomalous:  true,
			Contribution: record.Message,
		}},
		Timestamp: ts,
	}
	report.AlertDispatched = len(s.dispatcher.Dispatch(ctx, result)) > 0

	if _, insertErr := s.store.InsertCounts(ctx, []models.TransactionRecord{{
		Timestamp: ts,
		Status:    status,
		Count:     count,
	}}); insertErr != nil {
		s.logger.Warn("failed to store evaluated observation", slog.Any("error", insertErr))
	} else {
		report.RecordStored = true
	}

	return report, nil
}

// Summary proxies the store's per-status aggregation.
func (s *AlertService) Summary(ctx context.Context, minutes int) ([]models.StatusSummary, error) {
	return s.store.Summary(ctx, minutes)
}

// Rates proxies the store's per-minute rate series.
func (s *AlertService) Rates(ctx context.Context, minutes int) ([]models.RatePoint, error) {
	return s.store.Rates(ctx, minutes)
}

// ResetCooldowns re-arms every suppressed alert.
func (s *AlertService) ResetCooldowns() {
	s.dispatcher.ResetCooldowns()
	s.logger.Info("alert cooldowns reset")
}

// Healthy probes store connectivity.
func (s *AlertService) Healthy(ctx context.Context) bool {
	return s.store.Ping(ctx) == nil
}

func (s *AlertService) isMonitored(status string) bool {
	for _, name := range s.detCfg.MonitoredStatuses() {
		if name == status {
			return true
		}
	}
	return false
}

func buildRecommendation(result models.AnomalyResult) string {
	anomalous := make([]string, 0)
	for _, d := range result.Anomalies {
		if d.IsAnomalous {
			anomalous = append(anomalous, d.Status)
		}
	}

	switch result.Severity {
	case models.SeverityCritical:
		return fmt.Sprintf("ALERT: Critical anomaly detected in %s. Immediate investigation recommended. "+
			"Check payment gateway status and system health.", strings.Join(anomalous, ", "))
	case models.SeverityWarning:
		return fmt.Sprintf("WARNING: Elevated anomaly in %s. Monitor closely. "+
			"Consider pre-emptive investigation if trend continues.", strings.Join(anomalous, ", "))
	}
	return "All transaction statuses within normal parameters."
}
