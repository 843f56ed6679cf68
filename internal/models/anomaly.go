package models

import "time"

// Severity grades a detection verdict.
type Severity string

const (
	SeverityNormal   Severity = "NORMAL"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// StatusCount maps a transaction status to its count for one minute bucket.
type StatusCount map[string]int

// Get returns the count for status, treating a missing key as zero.
func (c StatusCount) Get(status string) int {
	if c == nil {
		return 0
	}
	return c[status]
}

// HistoryWindow holds trailing per-minute status counts, oldest first.
type HistoryWindow []StatusCount

// AnomalyDetail is the per-status breakdown of one detection pass.
type AnomalyDetail struct {
	Status       string
	CurrentValue int
	BaselineMean float64
	BaselineStd  float64
	ZScore       float64
	IsAnomalous  bool
	Contribution string
}

// AnomalyResult summarises one detection pass over all monitored statuses.
type AnomalyResult struct {
	MaxZScore float64
	Severity  Severity
	Anomalies []AnomalyDetail
	Timestamp time.Time
}

// HasAnomalies reports whether any status was flagged.
func (r AnomalyResult) HasAnomalies() bool {
	for _, d := range r.Anomalies {
		if d.IsAnomalous {
			return true
		}
	}
	return false
}

// EvaluationRecord is the verdict for a single ad-hoc (status, count) check.
type EvaluationRecord struct {
	Status       string
	Severity     Severity
	ZScore       float64
	BaselineMean float64
	BaselineStd  float64
	IsAnomalous  bool
	Message      string
}
