package engine

import (
	"math"
	"testing"

	"github.com/cardwatch/txn-sentinel/internal/models"
)

func TestBaselineEmptyHistory(t *testing.T) {
	mean, std := Baseline(nil, "denied")
	if mean != 0 || std != 0 {
		t.Fatalf("expected (0, 0) for empty history, got (%f, %f)", mean, std)
	}
}

func TestBaselineSingleEntry(t *testing.T) {
	history := models.HistoryWindow{{"denied": 7}}
	mean, std := Baseline(history, "denied")
	if mean != 7 || std != 0 {
		t.Fatalf("expected (7, 0) for single entry, got (%f, %f)", mean, std)
	}
}

func TestBaselineBesselCorrection(t *testing.T) {
	history := models.HistoryWindow{
		{"denied": 2}, {"denied": 4}, {"denied": 4}, {"denied": 4},
		{"denied": 5}, {"denied": 5}, {"denied": 7}, {"denied": 9},
	}

	mean, std := Baseline(history, "denied")
	if mean != 5 {
		t.Fatalf("expected mean 5, got %f", mean)
	}
	// Sum of squared deviations is 32; sample variance uses n-1.
	want := math.Sqrt(32.0 / 7.0)
	if math.Abs(std-want) > 1e-9 {
		t.Fatalf("expected std %f, got %f", want, std)
	}
}

func TestBaselineMissingStatusCountsAsZero(t *testing.T) {
	history := models.HistoryWindow{
		{"approved": 100},
		{"approved": 100, "denied": 6},
	}

	mean, _ := Baseline(history, "denied")
	if mean != 3 {
		t.Fatalf("expected missing entries to count as zero (mean 3), got %f", mean)
	}
}
