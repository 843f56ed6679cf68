package engine

import (
	"math"

	"github.com/cardwatch/txn-sentinel/internal/models"
)

// Baseline computes the rolling mean and sample standard deviation of a
// status's count over the history window. Entries missing the status count
// as zero. The std uses Bessel's correction (n-1 divisor) so small windows
// get an unbiased variance estimate.
func Baseline(history models.HistoryWindow, status string) (mean, std float64) {
	n := len(history)
	if n == 0 {
		return 0, 0
	}

	sum := 0.0
	for _, entry := range history {
		sum += float64(entry.Get(status))
	}
	mean = sum / float64(n)

	if n < 2 {
		return mean, 0
	}

	var squares float64
	for _, entry := range history {
		d := float64(entry.Get(status)) - mean
		squares += d * d
	}
	return mean, math.Sqrt(squares / float64(n-1))
}
