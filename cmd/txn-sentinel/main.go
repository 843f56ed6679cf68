package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cardwatch/txn-sentinel/internal/alerting"
	"github.com/cardwatch/txn-sentinel/internal/api"
	"github.com/cardwatch/txn-sentinel/internal/config"
	"github.com/cardwatch/txn-sentinel/internal/engine"
	"github.com/cardwatch/txn-sentinel/internal/metrics"
	"github.com/cardwatch/txn-sentinel/internal/scheduler"
	"github.com/cardwatch/txn-sentinel/internal/services"
	"github.com/cardwatch/txn-sentinel/internal/store"
	"github.com/cardwatch/txn-sentinel/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting txn-sentinel", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	txnStore, err := store.NewRedisStore(logger, cfg.Store)
	if err != nil {
		logger.Error("failed to connect to store", slog.Any("error", err))
		os.Exit(1)
	}
	defer txnStore.Close()

	var notifier alerting.Notifier
	var webhook *alerting.WebhookNotifier
	if cfg.Alerting.WebhookURL != "" {
		webhook = alerting.NewWebhookNotifier(logger, cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout)
		notifier = webhook
		logger.Info("webhook notifications enabled", slog.String("url", cfg.Alerting.WebhookURL))
	}

	detector := engine.NewDetector(logger, cfg.Detector, nil)
	dispatcher := alerting.NewDispatcher(
		logger,
		cfg.Alerting.Cooldown,
		cfg.Detector.WarningThreshold,
		cfg.Detector.CriticalThreshold,
		metrics.AlertCounter{},
		notifier,
	)

	alertScheduler := scheduler.New(logger, txnStore, detector, dispatcher, cfg.Scheduler)
	alertService := services.NewAlertService(logger, txnStore, detector, dispatcher, cfg.Detector)
	handlers := api.NewHandlers(logger, alertService)

	server, err := api.NewServer(cfg.Server, handlers.Router())
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	alertScheduler.Start()

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	alertScheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	if webhook != nil {
		webhook.Close()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("txn-sentinel stopped")
}
