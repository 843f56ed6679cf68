package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cardwatch/txn-sentinel/internal/models"
)

// AlertCounter abstracts the per-(status, severity) alert metric. A failing
// counter must never fail a dispatch.
type AlertCounter interface {
	IncAlert(status string, severity models.Severity) error
}

// Notifier delivers CRITICAL alerts out of band. Implementations must be
// bounded: Notify may hand the record off but never block on network I/O.
type Notifier interface {
	Notify(ctx context.Context, record models.AlertRecord) error
}

type cooldownKey struct {
	status   string
	severity models.Severity
}

// Dispatcher turns anomaly results into de-duplicated alert records.
//
// Each anomalous status is re-graded from its own z-score, so a single
// result can dispatch some statuses at CRITICAL and others at WARNING. A
// (status, severity) cooldown suppresses repeats; the table is guarded by a
// mutex because the periodic scheduler and ad-hoc evaluation calls share one
// dispatcher instance.
type Dispatcher struct {
	logger            *slog.Logger
	cooldown          time.Duration
	warningThreshold  float64
	criticalThreshold float64
	counter           AlertCounter
	notifier          Notifier
	now               func() time.Time

	mu          sync.Mutex
	lastAlerted map[cooldownKey]time.Time
}

// NewDispatcher constructs a Dispatcher. counter and notifier may be nil;
// the corresponding side effects are then skipped.
func NewDispatcher(logger *slog.Logger, cooldown time.Duration, warningThreshold, criticalThreshold float64, counter AlertCounter, notifier Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:            logger,
		cooldown:          cooldown,
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
		counter:           counter,
		notifier:          notifier,
		now:               time.Now,
		lastAlerted:       make(map[cooldownKey]time.Time),
	}
}

// Dispatch processes an anomaly result and fires alerts for every anomalous
// status not under cooldown. Sink failures are recorded on the returned
// records and never propagate to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, result models.AnomalyResult) []models.DispatchedAlert {
	dispatched := make([]models.DispatchedAlert, 0)

	if result.Severity == models.SeverityNormal {
		return dispatched
	}

	for _, detail := range result.Anomalies {
		if !detail.IsAnomalous {
			continue
		}

		severity := d.severityFor(detail.ZScore)
		if severity == models.SeverityNormal {
			continue
		}

		now := d.now()
		key := cooldownKey{status: detail.Status, severity: severity}
		d.mu.Lock()
		if last, ok := d.lastAlerted[key]; ok && now.Sub(last) < d.cooldown {
			d.mu.Unlock()
			continue
		}
		d.lastAlerted[key] = now
		d.mu.Unlock()

		record := models.AlertRecord{
			Status:       detail.Status,
			Severity:     severity,
			CurrentValue: detail.CurrentValue,
			BaselineMean: detail.BaselineMean,
			BaselineStd:  detail.BaselineStd,
			ZScore:       detail.ZScore,
			Score:        result.MaxZScore,
			Timestamp:    now.UTC(),
		}

		out := models.DispatchedAlert{Record: record}
		d.emitLog(record)

		if d.counter != nil {
			if err := d.counter.IncAlert(record.Status, record.Severity); err != nil {
				out.CounterErr = err
				d.logger.Debug("alert counter update failed", slog.Any("error", err))
			}
		}

		if record.Severity == models.SeverityCritical && d.notifier != nil {
			if err := d.notifier.Notify(ctx, record); err != nil {
				out.WebhookErr = err
				d.logger.Debug("webhook notification failed", slog.Any("error", err))
			}
		}

		dispatched = append(dispatched, out)
	}

	return dispatched
}

// ResetCooldowns clears every cooldown timer, re-arming all alerts.
func (d *Dispatcher) ResetCooldowns() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAlerted = make(map[cooldownKey]time.Time)
}

func (d *Dispatcher) severityFor(zScore float64) models.Severity {
	switch {
	case math.Abs(zScore) > d.criticalThreshold:
		return models.SeverityCritical
	case math.Abs(zScore) > d.warningThreshold:
		return models.SeverityWarning
	}
	return models.SeverityNormal
}

// emitLog writes the alert as a structured record tagged alert=true so a
// log-based route can tell alerts apart from ordinary records. CRITICAL maps
// to the error level; WARNING stays dashboard-visible only.
func (d *Dispatcher) emitLog(record models.AlertRecord) {
	level := slog.LevelWarn
	msg := fmt.Sprintf("ELEVATED: %s transactions above normal", record.Status)
	if record.Severity == models.SeverityCritical {
		level = slog.LevelError
		msg = fmt.Sprintf("ALERT: %s transactions anomaly", record.Status)
	}

	d.logger.Log(context.Background(), level, msg,
		slog.Bool("alert", true),
		slog.String("status", record.Status),
		slog.String("severity", string(record.Severity)),
		slog.Int("current_value", record.CurrentValue),
		slog.Float64("baseline_mean", record.BaselineMean),
		slog.Float64("baseline_std", record.BaselineStd),
		slog.Float64("z_score", record.ZScore),
		slog.Float64("score", record.Score),
		slog.Time("timestamp", record.Timestamp),
	)
}
