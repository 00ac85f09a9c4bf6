// Package sweeper periodically stops lab instances past their deadline.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/galadd/labwarden/internal/logging"
	"github.com/galadd/labwarden/internal/orchestrator"
)

type Cleaner interface {
	CleanupExpired(ctx context.Context, now time.Time) (orchestrator.Report, error)
}

type Sweeper struct {
	cleaner  Cleaner
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	scheduler *gocron.Scheduler
	stopCh    chan struct{}
}

func New(cleaner Cleaner, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cleaner:  cleaner,
		interval: interval,
		logger:   logging.Ensure(logger).With("component", "sweeper"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start runs a sweep right away and then every interval until Stop or until
// ctx is cancelled. A sweep still running when the next one is due is not
// overlapped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler != nil {
		return fmt.Errorf("sweeper already started")
	}

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()

	if _, err := scheduler.Every(s.interval).Do(s.sweep, ctx); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	scheduler.StartAsync()
	s.scheduler = scheduler
	s.stopCh = make(chan struct{})
	s.logger.Info("sweeper started", "interval", s.interval)

	go func(stopCh chan struct{}) {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}(s.stopCh)
	return nil
}

// Stop waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler == nil {
		return
	}
	s.scheduler.Stop()
	s.scheduler = nil
	close(s.stopCh)
	s.logger.Info("stopping sweeper")
}

// RunOnce performs a single sweep, for use outside the scheduler.
func (s *Sweeper) RunOnce(ctx context.Context) (orchestrator.Report, error) {
	return s.cleaner.CleanupExpired(ctx, s.now())
}

func (s *Sweeper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	report, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("sweep finished with errors", "stopped", report.Stopped(), "failed", report.Failed(), "error", err)
		return
	}
	if len(report.Results) > 0 {
		s.logger.Info("sweep finished", "stopped", report.Stopped())
	}
}
