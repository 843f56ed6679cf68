package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cardwatch/txn-sentinel/internal/models"
	"github.com/cardwatch/txn-sentinel/internal/services"
	"github.com/cardwatch/txn-sentinel/internal/utils"
)

// Handlers exposes the monitoring engine over HTTP/JSON.
type Handlers struct {
	logger  *slog.Logger
	service *services.AlertService
}

// NewHandlers constructs the HTTP handler set.
func NewHandlers(logger *slog.Logger, service *services.AlertService) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{logger: logger, service: service}
}

// Router wires every route and the request-metrics middleware.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	r.HandleFunc("/transactions", h.IngestSingle).Methods(http.MethodPost)
	r.HandleFunc("/transactions/batch", h.IngestBatch).Methods(http.MethodPost)
	r.HandleFunc("/transactions/summary", h.Summary).Methods(http.MethodGet)
	r.HandleFunc("/alerts/analyze", h.Analyze).Methods(http.MethodPost)
	r.HandleFunc("/alerts/status", h.AlertStatus).Methods(http.MethodGet)
	r.HandleFunc("/alerts/rates", h.Rates).Methods(http.MethodGet)
	r.HandleFunc("/alerts/evaluate", h.Evaluate).Methods(http.MethodPost)
	r.HandleFunc("/alerts/cooldowns/reset", h.ResetCooldowns).Methods(http.MethodPost)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	return r
}

// Wire DTOs. Domain models stay untagged; the JSON shape and the 2-decimal
// z-score rounding live only at this boundary.

type transactionRecordRequest struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Count     int       `json:"count"`
}

type transactionBatchRequest struct {
	Records []transactionRecordRequest `json:"records"`
}

type ingestResponse struct {
	RecordsInserted int       `json:"records_inserted"`
	Timestamp       time.Time `json:"timestamp"`
}

type anomalyDetailDTO struct {
	Status       string  `json:"status"`
	CurrentValue int     `json:"current_value"`
	BaselineMean float64 `json:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_std"`
	ZScore       float64 `json:"z_score"`
	IsAnomalous  bool    `json:"is_anomalous"`
	Message      string  `json:"message"`
}

type dispatchedAlertDTO struct {
	Status       string  `json:"status"`
	Severity     string  `json:"severity"`
	CurrentValue int     `json:"current_value"`
	ZScore       float64 `json:"z_score"`
	Delivered    bool    `json:"delivered"`
	CounterError string  `json:"counter_error,omitempty"`
	WebhookError string  `json:"webhook_error,omitempty"`
}

type analyzeResponse struct {
	Timestamp       time.Time            `json:"timestamp"`
	OverallScore    float64              `json:"overall_score"`
	OverallSeverity string               `json:"overall_severity"`
	Anomalies       []anomalyDetailDTO   `json:"anomalies"`
	Dispatched      []dispatchedAlertDTO `json:"dispatched"`
	Recommendation  string               `json:"recommendation"`
	WindowMinutes   int                  `json:"window_minutes"`
}

type alertStatusResponse struct {
	Timestamp       time.Time          `json:"timestamp"`
	OverallSeverity string             `json:"overall_severity"`
	OverallScore    float64            `json:"overall_score"`
	Statuses        map[string]float64 `json:"statuses"`
}

type evaluateRequest struct {
	Status    string    `json:"status"`
	Count     *int      `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

type evaluateResponse struct {
	Status          string    `json:"status"`
	Severity        string    `json:"severity"`
	ZScore          float64   `json:"z_score"`
	BaselineMean    float64   `json:"baseline_mean"`
	BaselineStd     float64   `json:"baseline_std"`
	IsAnomalous     bool      `json:"is_anomalous"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	AlertDispatched bool      `json:"alert_dispatched"`
	RecordStored    bool      `json:"record_stored"`
}

type statusSummaryDTO struct {
	Status     string  `json:"status"`
	Total      int     `json:"total"`
	AvgPerMin  float64 `json:"avg_per_min"`
	MaxCount   int     `json:"max_count"`
	MinCount   int     `json:"min_count"`
	DataPoints int     `json:"data_points"`
}

type summaryResponse struct {
	WindowMinutes int                `json:"window_minutes"`
	Statuses      []statusSummaryDTO `json:"statuses"`
	TotalRecords  int                `json:"total_records"`
}

type ratePointDTO struct {
	Timestamp time.Time      `json:"timestamp"`
	Counts    map[string]int `json:"counts"`
}

type ratesResponse struct {
	WindowMinutes int            `json:"window_minutes"`
	Data          []ratePointDTO `json:"data"`
	TotalPoints   int            `json:"total_points"`
}

type healthResponse struct {
	Status         string `json:"status"`
	StoreConnected bool   `json:"store_connected"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// IngestSingle stores one transaction count record.
func (h *Handlers) IngestSingle(w http.ResponseWriter, r *http.Request) {
	var req transactionRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Status == "" || req.Count < 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "status is required and count must not be negative")
		return
	}

	inserted, err := h.service.Ingest(r.Context(), []models.TransactionRecord{{
		Timestamp: req.Timestamp,
		Status:    req.Status,
		Count:     req.Count,
	}})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	h.respondJSON(w, http.StatusOK, ingestResponse{RecordsInserted: inserted, Timestamp: ts})
}

// IngestBatch stores a batch of transaction count records.
func (h *Handlers) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var req transactionBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	records := make([]models.TransactionRecord, 0, len(req.Records))
	latest := time.Time{}
	for _, rec := range req.Records {
		if rec.Status == "" || rec.Count < 0 {
			h.respondError(w, http.StatusUnprocessableEntity, "every record needs a status and a non-negative count")
			return
		}
		records = append(records, models.TransactionRecord{
			Timestamp: rec.Timestamp,
			Status:    rec.Status,
			Count:     rec.Count,
		})
		if rec.Timestamp.After(latest) {
			latest = rec.Timestamp
		}
	}

	inserted, err := h.service.Ingest(r.Context(), records)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if latest.IsZero() {
		latest = time.Now().UTC()
	}
	h.respondJSON(w, http.StatusOK, ingestResponse{RecordsInserted: inserted, Timestamp: latest})
}

// Analyze runs anomaly detection over recent store data and reports the
// per-status breakdown, dispatched alerts, and a recommendation.
func (h *Handlers) Analyze(w http.ResponseWriter, r *http.Request) {
	window := queryInt(r, "window_minutes", 60)
	if window < 5 || window > 1440 {
		h.respondError(w, http.StatusUnprocessableEntity, "window_minutes must be between 5 and 1440")
		return
	}

	report, err := h.service.Analyze(r.Context(), window)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	resp := analyzeResponse{
		Timestamp:       report.Result.Timestamp,
		OverallScore:    round2(report.Result.MaxZScore),
		OverallSeverity: string(report.Result.Severity),
		Anomalies:       make([]anomalyDetailDTO, 0, len(report.Result.Anomalies)),
		Dispatched:      make([]dispatchedAlertDTO, 0, len(report.Alerts)),
		Recommendation:  report.Recommendation,
		WindowMinutes:   report.WindowMinutes,
	}
	for _, d := range report.Result.Anomalies {
		resp.Anomalies = append(resp.Anomalies, toDetailDTO(d))
	}
	for _, a := range report.Alerts {
		resp.Dispatched = append(resp.Dispatched, toDispatchedDTO(a))
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// AlertStatus reports the current per-status z-scores without dispatching.
func (h *Handlers) AlertStatus(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Status(r.Context(), 60)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	statuses := make(map[string]float64, len(result.Anomalies))
	for _, d := range result.Anomalies {
		statuses[d.Status] = round2(d.ZScore)
	}
	h.respondJSON(w, http.StatusOK, alertStatusResponse{
		Timestamp:       result.Timestamp,
		OverallSeverity: string(result.Severity),
		OverallScore:    round2(result.MaxZScore),
		Statuses:        statuses,
	})
}

// Evaluate checks a single ad-hoc (status, count) observation.
func (h *Handlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Status == "" || req.Count == nil {
		h.respondError(w, http.StatusUnprocessableEntity, "status and count are required")
		return
	}

	report, err := h.service.Evaluate(r.Context(), req.Status, *req.Count, req.Timestamp)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	h.respondJSON(w, http.StatusOK, evaluateResponse{
		Status:          report.Record.Status,
		Severity:        string(report.Record.Severity),
		ZScore:          round2(report.Record.ZScore),
		BaselineMean:    round2(report.Record.BaselineMean),
		BaselineStd:     round2(report.Record.BaselineStd),
		IsAnomalous:     report.Record.IsAnomalous,
		Message:         report.Record.Message,
		Timestamp:       ts,
		AlertDispatched: report.AlertDispatched,
		RecordStored:    report.RecordStored,
	})
}

// Summary reports per-status aggregates over the query window.
func (h *Handlers) Summary(w http.ResponseWriter, r *http.Request) {
	minutes := queryInt(r, "minutes", 60)
	if minutes < 1 || minutes > 1440 {
		h.respondError(w, http.StatusUnprocessableEntity, "minutes must be between 1 and 1440")
		return
	}

	summaries, err := h.service.Summary(r.Context(), minutes)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	resp := summaryResponse{WindowMinutes: minutes, Statuses: make([]statusSummaryDTO, 0, len(summaries))}
	for _, s := range summaries {
		resp.Statuses = append(resp.Statuses, statusSummaryDTO{
			Status:     s.Status,
			Total:      s.Total,
			AvgPerMin:  round2(s.AvgPerMin),
			MaxCount:   s.MaxCount,
			MinCount:   s.MinCount,
			DataPoints: s.DataPoints,
		})
		resp.TotalRecords += s.DataPoints
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// Rates reports the per-minute count series for visualisation.
func (h *Handlers) Rates(w http.ResponseWriter, r *http.Request) {
	minutes := queryInt(r, "minutes", 60)
	if minutes < 1 || minutes > 1440 {
		h.respondError(w, http.StatusUnprocessableEntity, "minutes must be between 1 and 1440")
		return
	}

	points, err := h.service.Rates(r.Context(), minutes)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	resp := ratesResponse{WindowMinutes: minutes, Data: make([]ratePointDTO, 0, len(points))}
	for _, p := range points {
		resp.Data = append(resp.Data, ratePointDTO{Timestamp: p.Timestamp, Counts: p.Counts})
	}
	resp.TotalPoints = len(resp.Data)
	h.respondJSON(w, http.StatusOK, resp)
}

// ResetCooldowns re-arms all suppressed alerts.
func (h *Handlers) ResetCooldowns(w http.ResponseWriter, r *http.Request) {
	h.service.ResetCooldowns()
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cooldowns reset"})
}

// Health reports store connectivity.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	connected := h.service.Healthy(r.Context())
	status := "healthy"
	code := http.StatusOK
	if !connected {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	h.respondJSON(w, code, healthResponse{Status: status, StoreConnected: connected})
}

func toDetailDTO(d models.AnomalyDetail) anomalyDetailDTO {
	return anomalyDetailDTO{
		Status:       d.Status,
		CurrentValue: d.CurrentValue,
		BaselineMean: round2(d.BaselineMean),
		BaselineStd:  round2(d.BaselineStd),
		ZScore:       round2(d.ZScore),
		IsAnomalous:  d.IsAnomalous,
		Message:      d.Contribution,
	}
}

func toDispatchedDTO(a models.DispatchedAlert) dispatchedAlertDTO {
	dto := dispatchedAlertDTO{
		Status:       a.Record.Status,
		Severity:     string(a.Record.Severity),
		CurrentValue: a.Record.CurrentValue,
		ZScore:       round2(a.Record.ZScore),
		Delivered:    a.Delivered(),
	}
	if a.CounterErr != nil {
		dto.CounterError = a.CounterErr.Error()
	}
	if a.WebhookErr != nil {
		dto.WebhookError = a.WebhookErr.Error()
	}
	return dto
}

func (h *Handlers) respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("response encode failed", slog.Any("error", err))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, code int, msg string) {
	h.respondJSON(w, code, errorResponse{Error: msg})
}

func (h *Handlers) respondServiceError(w http.ResponseWriter, err error) {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		h.respondError(w, http.StatusUnprocessableEntity, appErr.Msg)
		return
	}
	h.logger.Error("request failed", slog.Any("error", err))
	h.respondError(w, http.StatusInternalServerError, "internal error")
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
