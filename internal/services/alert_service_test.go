package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cardwatch/txn-sentinel/internal/alerting"
	"github.com/cardwatch/txn-sentinel/internal/config"
	"github.com/cardwatch/txn-sentinel/internal/engine"
	"github.com/cardwatch/txn-sentinel/internal/models"
	"github.com/cardwatch/txn-sentinel/internal/utils"
)

type storeStub struct {
	current  models.StatusCount
	history  models.HistoryWindow
	inserted []models.TransactionRecord
	pingErr  error
	storeErr error
}

func (s *storeStub) InsertCounts(_ context.Context, records []models.TransactionRecord) (int, error) {
	if s.storeErr != nil {
		return 0, s.storeErr
	}
	s.inserted = append(s.inserted, records...)
	return len(records), nil
}

func (s *storeStub) StatusCountsAt(context.Context, int) (models.StatusCount, error) {
	return s.current, nil
}

func (s *storeStub) HistoryWindow(context.Context, int) (models.HistoryWindow, error) {
	return s.history, nil
}

func (s *storeStub) Summary(context.Context, int) ([]models.StatusSummary, error) {
	return []models.StatusSummary{{Status: "approved", Total: 100}}, nil
}

func (s *storeStub) Rates(context.Context, int) ([]models.RatePoint, error) {
	return nil, nil
}

func (s *storeStub) Ping(context.Context) error { return s.pingErr }

func testDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{
		WarningThreshold:  2.5,
		CriticalThreshold: 4.0,
		MinHistory:        30,
		StdFloor:          1.0,
		Statuses: []config.StatusPolicy{
			{Name: "approved", Category: config.CategoryVolume},
			{Name: "denied", Category: config.CategoryProblem},
			{Name: "failed", Category: config.CategoryProblem},
		},
	}
}

func newTestService(store *storeStub) *AlertService {
	cfg := testDetectorConfig()
	detector := engine.NewDetector(nil, cfg, nil)
	dispatcher := alerting.NewDispatcher(nil, time.Minute, cfg.WarningThreshold, cfg.CriticalThreshold, nil, nil)
	return NewAlertService(nil, store, detector, dispatcher, cfg)
}

func steadyHistory(n int) models.HistoryWindow {
	history := make(models.HistoryWindow, 0, n)
	for i := 0; i < n; i++ {
		history = append(history, models.StatusCount{
			"approved": 95 + i%11,
			"denied":   3 + i%5,
			"failed":   1 + i%4,
		})
	}
	return history
}

func TestAnalyzeEmptyStore(t *testing.T) {
	svc := newTestService(&storeStub{})

	report, err := svc.Analyze(context.Background(), 60)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if report.Result.Severity != models.SeverityNormal {
		t.Fatalf("empty store must report NORMAL, got %s", report.Result.Severity)
	}
	if report.Recommendation != "No transaction data available for analysis." {
		t.Fatalf("unexpected recommendation %q", report.Recommendation)
	}
	if len(report.Alerts) != 0 {
		t.Fatalf("empty store must not dispatch alerts")
	}
}

func TestAnalyzeDispatchesOnSpike(t *testing.T) {
	store := &storeStub{
		current: models.StatusCount{"approved": 100, "denied": 70, "failed": 2},
		history: steadyHistory(60),
	}
	svc := newTestService(store)

	report, err := svc.Analyze(context.Background(), 60)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if report.Result.Severity != models.SeverityCritical {
		t.Fatalf("severity = %s, want CRITICAL", report.Result.Severity)
	}
	if len(report.Alerts) == 0 {
		t.Fatal("expected at least one dispatched alert")
	}
	if report.Recommendation == "" || report.Recommendation == "All transaction statuses within normal parameters." {
		t.Fatalf("expected an escalation recommendation, got %q", report.Recommendation)
	}
}

func TestAnalyzeNormalTraffic(t *testing.T) {
	store := &storeStub{
		current: models.StatusCount{"approved": 100, "denied": 5, "failed": 2},
		history: steadyHistory(60),
	}
	svc := newTestService(store)

	report, err := svc.Analyze(context.Background(), 60)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if report.Result.Severity != models.SeverityNormal {
		t.Fatalf("severity = %s, want NORMAL", report.Result.Severity)
	}
	if report.Recommendation != "All transaction statuses within normal parameters." {
		t.Fatalf("unexpected recommendation %q", report.Recommendation)
	}
}

func TestEvaluateRejectsUnknownStatus(t *testing.T) {
	svc := newTestService(&storeStub{})

	_, err := svc.Evaluate(context.Background(), "chargeback", 5, time.Time{})
	if err == nil {
		t.Fatal("expected error for unmonitored status")
	}
	var appErr *utils.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *utils.AppError, got %T", err)
	}
}

func TestEvaluateRejectsNegativeCount(t *testing.T) {
	svc := newTestService(&storeStub{})

	if _, err := svc.Evaluate(context.Background(), "denied", -1, time.Time{}); err == nil {
		t.Fatal("expected error for negative count")
	}
}

func TestEvaluateAnomalousStoresAndDispatches(t *testing.T) {
	store := &storeStub{history: steadyHistory(60)}
	svc := newTestService(store)

	report, err := svc.Evaluate(context.Background(), "denied", 70, time.Time{})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !report.Record.IsAnomalous {
		t.Fatal("denied spike should be anomalous")
	}
	if !report.AlertDispatched {
		t.Fatal("anomalous evaluation should dispatch an alert")
	}
	if !report.RecordStored {
		t.Fatal("anomalous evaluation should store the observation")
	}
	if len(store.inserted) != 1 || store.inserted[0].Status != "denied" {
		t.Fatalf("unexpected stored records %v", store.inserted)
	}
}

func TestEvaluateNormalSkipsSideEffects(t *testing.T) {
	store := &storeStub{history: steadyHistory(60)}
	svc := newTestService(store)

	report, err := svc.Evaluate(context.Background(), "denied", 5, time.Time{})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if report.Record.IsAnomalous {
		t.Fatal("normal count must not be anomalous")
	}
	if report.AlertDispatched || report.RecordStored {
		t.Fatal("normal evaluation must not dispatch or store")
	}
	if len(store.inserted) != 0 {
		t.Fatalf("unexpected stored records %v", store.inserted)
	}
}

func TestEvaluateProblemStatusWithoutBaseline(t *testing.T) {
	svc := newTestService(&storeStub{})

	report, err := svc.Evaluate(context.Background(), "failed", 3, time.Time{})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !report.Record.IsAnomalous {
		t.Fatal("problem status with no baseline should flag any positive count")
	}
	if report.Record.Severity != models.SeverityCritical {
		t.Fatalf("severity = %s, want CRITICAL", report.Record.Severity)
	}
}

func TestEvaluateStoreFailureIsNotFatal(t *testing.T) {
	store := &storeStub{history: steadyHistory(60), storeErr: errors.New("redis down")}
	svc := newTestService(store)

	report, err := svc.Evaluate(context.Background(), "denied", 70, time.Time{})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !report.AlertDispatched {
		t.Fatal("dispatch must still happen when storage fails")
	}
	if report.RecordStored {
		t.Fatal("RecordStored must be false when storage fails")
	}
}

func TestHealthyReflectsPing(t *testing.T) {
	if !newTestService(&storeStub{}).Healthy(context.Background()) {
		t.Fatal("healthy store should report healthy")
	}
	if newTestService(&storeStub{pingErr: errors.New("down")}).Healthy(context.Background()) {
		t.Fatal("failed ping should report unhealthy")
	}
}
