package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cardwatch/txn-sentinel/internal/models"
)

func TestWebhookDeliversPayload(t *testing.T) {
	received := make(chan webhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		var p webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		received <- p
	}))
	defer srv.Close()

	w := NewWebhookNotifier(nil, srv.URL, 2*time.Second)
	defer w.Close()

	record := models.AlertRecord{
		Status:       "denied",
		Severity:     models.SeverityCritical,
		CurrentValue: 70,
		BaselineMean: 5.0,
		BaselineStd:  1.2,
		ZScore:       6.3,
		Score:        6.3,
		Timestamp:    time.Now().UTC(),
	}
	if err := w.Notify(context.Background(), record); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}

	select {
	case p := <-received:
		if p.Status != "denied" || p.Severity != "CRITICAL" {
			t.Fatalf("unexpected payload %+v", p)
		}
		if p.CurrentValue != 70 {
			t.Fatalf("current_value = %d, want 70", p.CurrentValue)
		}
		if p.Message == "" {
			t.Fatalf("expected a human-readable message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never received the alert")
	}
}

func TestWebhookNotifyErrors(t *testing.T) {
	t.Run("unconfigured URL", func(t *testing.T) {
		w := NewWebhookNotifier(nil, "", time.Second)
		defer w.Close()
		if err := w.Notify(context.Background(), models.AlertRecord{}); err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("closed notifier", func(t *testing.T) {
		w := NewWebhookNotifier(nil, "http://localhost:0/hook", time.Second)
		w.Close()
		if err := w.Notify(context.Background(), models.AlertRecord{}); err == nil {
			t.Fatal("expected error after Close")
		}
	})
}

func TestWebhookSurvivesEndpointErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(nil, srv.URL, time.Second)
	defer w.Close()

	// Rejected POSTs are logged, not surfaced; subsequent alerts still enqueue.
	for i := 0; i < 3; i++ {
		if err := w.Notify(context.Background(), models.AlertRecord{Status: "failed"}); err != nil {
			t.Fatalf("Notify() #%d error: %v", i, err)
		}
	}
}
