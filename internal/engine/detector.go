package engine

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cardwatch/txn-sentinel/internal/config"
	"github.com/cardwatch/txn-sentinel/internal/models"
)

// noBaselineZScore is the sentinel reported when a problem status shows up
// before any baseline exists. For statuses expected to stay near zero, an
// empty history implies a zero baseline rather than "anything goes".
const noBaselineZScore = 10.0

// Scorer is the narrow seam for an optional machine-learned anomaly scorer.
// The detector only consumes its signal, never its training pipeline.
type Scorer interface {
	Score(features map[string]float64) (float64, error)
}

// Detector flags per-status count anomalies against a rolling baseline.
//
// For every monitored status it computes
//
//	z = (current - mean) / max(std, stdFloor)
//
// and flags the status when z exceeds the warning threshold. Only increases
// above baseline are flagged; drop detection is a separate concern.
type Detector struct {
	logger *slog.Logger
	cfg    config.DetectorConfig
	scorer Scorer
}

// NewDetector constructs a Detector from validated configuration. scorer may
// be nil; when set its signal is surfaced as a log field only.
func NewDetector(logger *slog.Logger, cfg config.DetectorConfig, scorer Scorer) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger, cfg: cfg, scorer: scorer}
}

// Detect runs anomaly detection for the current minute's counts against the
// rolling history window. With fewer than minHistory entries it returns a
// NORMAL result with no per-status details; warm-up is a policy outcome,
// not an error.
func (d *Detector) Detect(current models.StatusCount, history models.HistoryWindow, ts time.Time) models.AnomalyResult {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if len(history) < d.cfg.MinHistory {
		d.logger.Debug("insufficient history, returning NORMAL",
			slog.Int("have", len(history)), slog.Int("need", d.cfg.MinHistory))
		return models.AnomalyResult{
			MaxZScore: 0,
			Severity:  models.SeverityNormal,
			Anomalies: []models.AnomalyDetail{},
			Timestamp: ts,
		}
	}

	details := make([]models.AnomalyDetail, 0, len(d.cfg.Statuses))
	hasCritical := false
	hasWarning := false
	maxZ := math.Inf(-1)

	for _, policy := range d.cfg.Statuses {
		count := current.Get(policy.Name)
		mean, std := Baseline(history, policy.Name)
		z := (float64(count) - mean) / math.Max(std, d.cfg.StdFloor)
		anomalous := z > d.cfg.WarningThreshold

		contribution := ""
		if anomalous {
			contribution = fmt.Sprintf("%s count %d is %.1fσ above baseline (mean=%.1f, std=%.1f)",
				policy.Name, count, z, mean, std)
		}

		details = append(details, models.AnomalyDetail{
			Status:       policy.Name,
			CurrentValue: count,
			BaselineMean: mean,
			BaselineStd:  std,
			ZScore:       z,
			IsAnomalous:  anomalous,
			Contribution: contribution,
		})

		if z > maxZ {
			maxZ = z
		}
		if z > d.cfg.CriticalThreshold {
			hasCritical = true
		} else if z > d.cfg.WarningThreshold {
			hasWarning = true
		}
	}

	if len(details) == 0 {
		maxZ = 0
	}

	severity := models.SeverityNormal
	switch {
	case hasCritical:
		severity = models.SeverityCritical
	case hasWarning:
		severity = models.SeverityWarning
	}

	if d.scorer != nil {
		d.observeScorer(current, maxZ)
	}

	return models.AnomalyResult{
		MaxZScore: maxZ,
		Severity:  severity,
		Anomalies: details,
		Timestamp: ts,
	}
}

// EvaluateSingle checks one ad-hoc (status, count) pair against the rolling
// baseline. During warm-up a nonzero count on a problem status yields a
// synthetic CRITICAL verdict: with no history showing these statuses are
// ever normal, their baseline is implicitly zero.
func (d *Detector) EvaluateSingle(status string, count int, history models.HistoryWindow) models.EvaluationRecord {
	if len(history) < d.cfg.MinHistory {
		if d.cfg.IsProblemStatus(status) && count > 0 {
			return models.EvaluationRecord{
				Status:      status,
				Severity:    models.SeverityCritical,
				ZScore:      noBaselineZScore,
				IsAnomalous: true,
				Message: fmt.Sprintf("%s count %d detected with no historical baseline (problem status should be rare/zero)",
					status, count),
			}
		}
		return models.EvaluationRecord{
			Status:   status,
			Severity: models.SeverityNormal,
			Message: fmt.Sprintf("Insufficient history (%d < %d) for reliable evaluation.",
				len(history), d.cfg.MinHistory),
		}
	}

	mean, std := Baseline(history, status)
	z := (float64(count) - mean) / math.Max(std, d.cfg.StdFloor)
	anomalous := z > d.cfg.WarningThreshold

	severity := models.SeverityNormal
	switch {
	case z > d.cfg.CriticalThreshold:
		severity = models.SeverityCritical
	case z > d.cfg.WarningThreshold:
		severity = models.SeverityWarning
	}

	message := ""
	if anomalous {
		message = fmt.Sprintf("%s count %d is %.1fσ above baseline (mean=%.1f, std=%.1f)",
			status, count, z, mean, std)
	}

	return models.EvaluationRecord{
		Status:       status,
		Severity:     severity,
		ZScore:       z,
		BaselineMean: mean,
		BaselineStd:  std,
		IsAnomalous:  anomalous,
		Message:      message,
	}
}

func (d *Detector) observeScorer(current models.StatusCount, maxZ float64) {
	features := make(map[string]float64, len(current))
	for status, count := range current {
		features[status] = float64(count)
	}
	signal, err := d.scorer.Score(features)
	if err != nil {
		d.logger.Debug("auxiliary scorer unavailable", slog.Any("error", err))
		return
	}
	d.logger.Debug("auxiliary anomaly signal",
		slog.Float64("signal", signal), slog.Float64("max_z", maxZ))
}
