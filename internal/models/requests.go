package models

import "time"

// TransactionRecord is one ingested per-minute count sample.
type TransactionRecord struct {
	Timestamp time.Time
	Status    string
	Count     int
}

// StatusSummary aggregates one status over a query window.
type StatusSummary struct {
	Status     string
	Total      int
	AvgPerMin  float64
	MaxCount   int
	MinCount   int
	DataPoints int
}

// RatePoint is one minute of a per-status rate series.
type RatePoint struct {
	Timestamp time.Time
	Counts    StatusCount
}

// AnalyzeReport is the outcome of an on-demand analysis over store data.
type AnalyzeReport struct {
	Result         AnomalyResult
	Alerts         []DispatchedAlert
	Recommendation string
	WindowMinutes  int
}

// EvaluateReport wraps an ad-hoc evaluation with its dispatch outcome.
type EvaluateReport struct {
	Record          EvaluationRecord
	AlertDispatched bool
	RecordStored    bool
}
