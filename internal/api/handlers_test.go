package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cardwatch/txn-sentinel/internal/alerting"
	"github.com/cardwatch/txn-sentinel/internal/config"
	"github.com/cardwatch/txn-sentinel/internal/engine"
	"github.com/cardwatch/txn-sentinel/internal/models"
	"github.com/cardwatch/txn-sentinel/internal/services"
)

type storeStub struct {
	current  models.StatusCount
	history  models.HistoryWindow
	inserted []models.TransactionRecord
	pingErr  error
}

func (s *storeStub) InsertCounts(_ context.Context, records []models.TransactionRecord) (int, error) {
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
	return []models.StatusSummary{
		{Status: "approved", Total: 600, AvgPerMin: 10, MaxCount: 15, MinCount: 5, DataPoints: 60},
		{Status: "denied", Total: 60, AvgPerMin: 1, MaxCount: 3, MinCount: 0, DataPoints: 60},
	}, nil
}

func (s *storeStub) Rates(context.Context, int) ([]models.RatePoint, error) {
	return []models.RatePoint{
		{Timestamp: time.Now().UTC(), Counts: map[string]int{"approved": 10}},
	}, nil
}

func (s *storeStub) Ping(context.Context) error { return s.pingErr }

func newTestRouter(store *storeStub) http.Handler {
	cfg := config.DetectorConfig{
		WarningThreshold:  2.5,
		CriticalThreshold: 4.0,
		MinHistory:        30,
		StdFloor:          1.0,
		Statuses: []config.StatusPolicy{
			{Name: "approved", Category: config.CategoryVolume},
			{Name: "denied", Category: config.CategoryProblem},
		},
	}
	detector := engine.NewDetector(nil, cfg, nil)
	dispatcher := alerting.NewDispatcher(nil, time.Minute, cfg.WarningThreshold, cfg.CriticalThreshold, nil, nil)
	service := services.NewAlertService(nil, store, detector, dispatcher, cfg)
	return NewHandlers(nil, service).Router()
}

func flatHistory(n int) models.HistoryWindow {
	history := make(models.HistoryWindow, 0, n)
	for i := 0; i < n; i++ {
		history = append(history, models.StatusCount{
			"approved": 95 + i%11,
			"denied":   3 + i%5,
		})
	}
	return history
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestIngestSingle(t *testing.T) {
	store := &storeStub{}
	router := newTestRouter(store)

	rec := doJSON(t, router, http.MethodPost, "/transactions", map[string]interface{}{
		"status": "approved", "count": 12,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RecordsInserted int `json:"records_inserted"`
	}
	decodeBody(t, rec, &resp)
	if resp.RecordsInserted != 1 {
		t.Fatalf("records_inserted = %d, want 1", resp.RecordsInserted)
	}
	if len(store.inserted) != 1 || store.inserted[0].Status != "approved" {
		t.Fatalf("unexpected stored records %v", store.inserted)
	}
}

func TestIngestSingleValidation(t *testing.T) {
	router := newTestRouter(&storeStub{})

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"missing status", map[string]interface{}{"count": 5}, http.StatusUnprocessableEntity},
		{"negative count", map[string]interface{}{"status": "approved", "count": -1}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/transactions", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestIngestSingleMalformedJSON(t *testing.T) {
	router := newTestRouter(&storeStub{})

	req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIngestBatch(t *testing.T) {
	store := &storeStub{}
	router := newTestRouter(store)

	rec := doJSON(t, router, http.MethodPost, "/transactions/batch", map[string]interface{}{
		"records": []map[string]interface{}{
			{"status": "approved", "count": 10},
			{"status": "denied", "count": 2},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(store.inserted) != 2 {
		t.Fatalf("expected 2 stored records, got %d", len(store.inserted))
	}
}

func TestAnalyzeReportsSpike(t *testing.T) {
	store := &storeStub{
		current: models.StatusCount{"approved": 100, "denied": 70},
		history: flatHistory(60),
	}
	router := newTestRouter(store)

	rec := doJSON(t, router, http.MethodPost, "/alerts/analyze", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		OverallSeverity string `json:"overall_severity"`
		Anomalies       []struct {
			Status      string `json:"status"`
			IsAnomalous bool   `json:"is_anomalous"`
		} `json:"anomalies"`
		Dispatched     []json.RawMessage `json:"dispatched"`
		Recommendation string            `json:"recommendation"`
	}
	decodeBody(t, rec, &resp)
	if resp.OverallSeverity != "CRITICAL" {
		t.Fatalf("overall_severity = %s, want CRITICAL", resp.OverallSeverity)
	}
	if len(resp.Dispatched) == 0 {
		t.Fatal("expected dispatched alerts in response")
	}
	if resp.Recommendation == "" {
		t.Fatal("expected a recommendation")
	}
}

func TestAnalyzeWindowValidation(t *testing.T) {
	router := newTestRouter(&storeStub{})

	rec := doJSON(t, router, http.MethodPost, "/alerts/analyze?window_minutes=2", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestAlertStatus(t *testing.T) {
	store := &storeStub{
		current: models.StatusCount{"approved": 100, "denied": 5},
		history: flatHistory(60),
	}
	router := newTestRouter(store)

	rec := doJSON(t, router, http.MethodGet, "/alerts/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		OverallSeverity string             `json:"overall_severity"`
		Statuses        map[string]float64 `json:"statuses"`
	}
	decodeBody(t, rec, &resp)
	if resp.OverallSeverity != "NORMAL" {
		t.Fatalf("overall_severity = %s, want NORMAL", resp.OverallSeverity)
	}
	if _, ok := resp.Statuses["denied"]; !ok {
		t.Fatalf("expected denied in statuses map, got %v", resp.Statuses)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	store := &storeStub{history: flatHistory(60)}
	router := newTestRouter(store)

	rec := doJSON(t, router, http.MethodPost, "/alerts/evaluate", map[string]interface{}{
		"status": "denied", "count": 70,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Severity        string `json:"severity"`
		IsAnomalous     bool   `json:"is_anomalous"`
		AlertDispatched bool   `json:"alert_dispatched"`
		RecordStored    bool   `json:"record_stored"`
	}
	decodeBody(t, rec, &resp)
	if !resp.IsAnomalous || resp.Severity != "CRITICAL" {
		t.Fatalf("unexpected verdict %+v", resp)
	}
	if !resp.AlertDispatched || !resp.RecordStored {
		t.Fatalf("expected side-effect flags set, got %+v", resp)
	}
}

func TestEvaluateValidation(t *testing.T) {
	router := newTestRouter(&storeStub{})

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"missing count", map[string]interface{}{"status": "denied"}, http.StatusUnprocessableEntity},
		{"missing status", map[string]interface{}{"count": 5}, http.StatusUnprocessableEntity},
		{"unmonitored status", map[string]interface{}{"status": "chargeback", "count": 5}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/alerts/evaluate", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSummaryEndpoint(t *testing.T) {
	router := newTestRouter(&storeStub{})

	rec := doJSON(t, router, http.MethodGet, "/transactions/summary?minutes=60", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		WindowMinutes int `json:"window_minutes"`
		Statuses      []struct {
			Status string `json:"status"`
			Total  int    `json:"total"`
		} `json:"statuses"`
		TotalRecords int `json:"total_records"`
	}
	decodeBody(t, rec, &resp)
	if resp.WindowMinutes != 60 || len(resp.Statuses) != 2 {
		t.Fatalf("unexpected summary %+v", resp)
	}
	if resp.TotalRecords != 120 {
		t.Fatalf("total_records = %d, want 120", resp.TotalRecords)
	}
}

func TestRatesEndpoint(t *testing.T) {
	router := newTestRouter(&storeStub{})

	rec := doJSON(t, router, http.MethodGet, "/alerts/rates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		TotalPoints int `json:"total_points"`
	}
	decodeBody(t, rec, &resp)
	if resp.TotalPoints != 1 {
		t.Fatalf("total_points = %d, want 1", resp.TotalPoints)
	}
}

func TestResetCooldownsEndpoint(t *testing.T) {
	store := &storeStub{
		current: models.StatusCount{"approved": 100, "denied": 70},
		history: flatHistory(60),
	}
	router := newTestRouter(store)

	// First analyze dispatches, second is suppressed by cooldown.
	doJSON(t, router, http.MethodPost, "/alerts/analyze", nil)
	rec := doJSON(t, router, http.MethodPost, "/alerts/analyze", nil)
	var suppressed struct {
		Dispatched []json.RawMessage `json:"dispatched"`
	}
	decodeBody(t, rec, &suppressed)
	if len(suppressed.Dispatched) != 0 {
		t.Fatalf("expected cooldown suppression, got %d dispatches", len(suppressed.Dispatched))
	}

	if rec := doJSON(t, router, http.MethodPost, "/alerts/cooldowns/reset", nil); rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/alerts/analyze", nil)
	var rearmed struct {
		Dispatched []json.RawMessage `json:"dispatched"`
	}
	decodeBody(t, rec, &rearmed)
	if len(rearmed.Dispatched) == 0 {
		t.Fatal("expected dispatches after cooldown reset")
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		rec := doJSON(t, newTestRouter(&storeStub{}), http.MethodGet, "/health", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("store down", func(t *testing.T) {
		rec := doJSON(t, newTestRouter(&storeStub{pingErr: errors.New("down")}), http.MethodGet, "/health", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
	})
}
