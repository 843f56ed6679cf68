package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cardwatch/txn-sentinel/internal/config"
	"github.com/cardwatch/txn-sentinel/internal/metrics"
	"github.com/cardwatch/txn-sentinel/internal/models"
)

// Store provides the data a periodic alert check reads.
type Store interface {
	StatusCountsAt(ctx context.Context, minutes int) (models.StatusCount, error)
	HistoryWindow(ctx context.Context, minutes int) (models.HistoryWindow, error)
}

// Detector runs anomaly detection over current counts and history.
type Detector interface {
	Detect(current models.StatusCount, history models.HistoryWindow, ts time.Time) models.AnomalyResult
}

// Dispatcher forwards non-NORMAL results to the alert sinks.
type Dispatcher interface {
	Dispatch(ctx context.Context, result models.AnomalyResult) []models.DispatchedAlert
}

// Scheduler drives the detector against live store data on a fixed interval.
//
// All per-tick work runs synchronously on the loop goroutine, so ticks never
// overlap. A failed tick is logged and the loop continues; the stop signal
// is observed between ticks and any in-flight tick completes first.
type Scheduler struct {
	logger     *slog.Logger
	store      Store
	detector   Detector
	dispatcher Dispatcher
	cfg        config.SchedulerConfig

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopc     chan struct{}
	done      chan struct{}
}

// New constructs a Scheduler from validated configuration.
func New(logger *slog.Logger, store Store, detector Detector, dispatcher Dispatcher, cfg config.SchedulerConfig) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:     logger,
		store:      store,
		detector:   detector,
		dispatcher: dispatcher,
		cfg:        cfg,
		stopc:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the check loop. Subsequent calls are no-ops.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.started = true
		go s.run()
	})
}

// Stop signals the loop to exit and waits for the in-flight tick, if any,
// to finish. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopc)
	})
	if s.started {
		<-s.done
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	s.logger.Info("alert scheduler started", slog.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopc:
			s.logger.Info("alert scheduler stopping")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick guards one check cycle: a panic or error is fatal to this tick only.
func (s *Scheduler) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("alert check panicked", slog.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
	defer cancel()

	if err := s.RunCheck(ctx); err != nil {
		s.logger.Error("alert check failed", slog.Any("error", err))
	}
}

// RunCheck executes a single alert-check cycle: fetch counts and history,
// detect, push gauges, dispatch when not NORMAL. Exported so tests can drive
// a cycle without the loop.
func (s *Scheduler) RunCheck(ctx context.Context) error {
	current, err := s.store.StatusCountsAt(ctx, s.cfg.CurrentWindowMinutes)
	if err != nil {
		return fmt.Errorf("fetch current counts: %w", err)
	}
	history, err := s.store.HistoryWindow(ctx, s.cfg.HistoryWindowMinutes)
	if err != nil {
		return fmt.Errorf("fetch history window: %w", err)
	}

	if len(current) == 0 && len(history) == 0 {
		s.logger.Debug("no data in store, skipping alert check")
		return nil
	}

	// The "last minute" bucket may not have rolled yet even though the
	// store has data; fall back to the newest history entry so the tick
	// is not wasted.
	if len(current) == 0 {
		current = history[len(history)-1]
	}

	start := time.Now()
	result := s.detector.Detect(current, history, time.Now().UTC())
	metrics.ObserveDetection(time.Since(start))

	metrics.UpdateAnomalyScores(result)

	if result.Severity != models.SeverityNormal {
		alerts := s.dispatcher.Dispatch(ctx, result)
		s.logger.Info("alert check",
			slog.String("severity", string(result.Severity)),
			slog.Float64("max_z", result.MaxZScore),
			slog.Int("dispatched", len(alerts)))
	} else {
		s.logger.Debug("alert check",
			slog.String("severity", string(result.Severity)),
			slog.Float64("max_z", result.MaxZScore))
	}

	return nil
}
