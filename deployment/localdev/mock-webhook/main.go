package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"
)

type alertPayload struct {
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

func main() {
	failRate := 0.0
	if v := os.Getenv("MOCK_WEBHOOK_FAIL_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			failRate = f
		}
	}

	logger := log.New(log.Writer(), "webhook-mock ", log.LstdFlags|log.Lmicroseconds)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/alert", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if failRate > 0 && rand.Float64() < failRate {
			logger.Printf("injected failure")
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		var p alertPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			logger.Printf("bad payload: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		logger.Printf("alert received: status=%s severity=%s count=%d z=%.2f msg=%q",
			p.Status, p.Severity, p.CurrentValue, p.ZScore, p.Message)
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    ":9000",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9000")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
