package models

import "time"

// AlertRecord is one dispatched alert. It exists only as a return value and
// side-effect payload; persistence belongs to downstream collaborators.
type AlertRecord struct {
	Status       string
	Severity     Severity
	CurrentValue int
	BaselineMean float64
	BaselineStd  float64
	ZScore       float64
	Score        float64
	Timestamp    time.Time
}

// DispatchedAlert pairs an emitted AlertRecord with the per-sink delivery
// outcome, so callers and tests can see which side effect failed without any
// of those failures propagating as an error.
type DispatchedAlert struct {
	Record     AlertRecord
	CounterErr error
	WebhookErr error
}

// Delivered reports whether every sink accepted the record.
func (d DispatchedAlert) Delivered() bool {
	return d.CounterErr == nil && d.WebhookErr == nil
}
