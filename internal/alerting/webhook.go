package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cardwatch/txn-sentinel/internal/models"
)

// WebhookNotifier POSTs CRITICAL alert payloads to a configured URL.
//
// Delivery runs on a single background worker so a slow or stuck endpoint
// can never stall a dispatch or the scheduler tick that triggered it. Notify
// only enqueues; a full queue drops the record with an error rather than
// blocking.
type WebhookNotifier struct {
	logger *slog.Logger
	url    string
	client *http.Client
	queue  chan models.AlertRecord
	stopc  chan struct{}
	done   chan struct{}
}

type webhookPayload struct {
	Status       string  `json:"status"`
	Severity     string  `json:"severity"`
	CurrentValue int     `json:"current_value"`
	BaselineMean float64 `json:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_std"`
	ZScore       float64 `json:"z_score"`
	Score        float64 `json:"score"`
	Timestamp    string  `json:"timestamp"`
	Message      string  `json:"message"`
}

// NewWebhookNotifier creates a notifier targeting url with the given request
// timeout and starts its delivery worker.
func NewWebhookNotifier(logger *slog.Logger, url string, timeout time.Duration) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &WebhookNotifier{
		logger: logger,
		url:    url,
		client: &http.Client{Timeout: timeout},
		queue:  make(chan models.AlertRecord, 64),
		stopc:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Notify hands the record to the delivery worker without waiting for the
// POST to complete.
func (w *WebhookNotifier) Notify(_ context.Context, record models.AlertRecord) error {
	if w.url == "" {
		return errors.New("webhook URL not configured")
	}
	select {
	case <-w.stopc:
		return errors.New("webhook notifier closed")
	case w.queue <- record:
		return nil
	default:
		return errors.New("webhook queue full, alert dropped")
	}
}

// Close stops the delivery worker. In-flight POSTs finish; queued records
// are dropped.
func (w *WebhookNotifier) Close() {
	close(w.stopc)
	<-w.done
}

func (w *WebhookNotifier) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stopc:
			return
		case record := <-w.queue:
			w.post(record)
		}
	}
}

func (w *WebhookNotifier) post(record models.AlertRecord) {
	payload := webhookPayload{
		Status:       record.Status,
		Severity:     string(record.Severity),
		CurrentValue: record.CurrentValue,
		BaselineMean: record.BaselineMean,
		BaselineStd:  record.BaselineStd,
		ZScore:       record.ZScore,
		Score:        record.Score,
		Timestamp:    record.Timestamp.Format(time.RFC3339),
		Message: fmt.Sprintf("%s transactions anomaly: count=%d, z_score=%.2f",
			record.Status, record.CurrentValue, record.ZScore),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Warn("webhook payload marshal failed", slog.Any("error", err))
		return
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("webhook request build failed", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook POST failed",
			slog.String("url", w.url), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.Warn("webhook endpoint rejected alert",
			slog.String("url", w.url), slog.Int("status_code", resp.StatusCode))
	}
}
