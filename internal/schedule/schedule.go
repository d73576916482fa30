// Package schedule owns the two recurring triggers: weekly report production
// and the per-minute queue drain. Schedules are explicit configuration
// passed at startup — there is no ambient job registry. The package only
// invokes the jobs; all timing logic belongs to the cron runner and all
// coordination to the store.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds the trigger definitions.
type Config struct {
	// ReportSpec is a cron expression for report production,
	// e.g. "0 0 * * MON" for Mondays at midnight.
	ReportSpec string

	// DrainEvery is the fixed interval between queue drains.
	DrainEvery time.Duration
}

// Jobs are the two entry points the scheduler fires. Both receive the
// scheduler's root context; errors are logged, never fatal — the next tick
// tries again.
type Jobs struct {
	ProduceReport func(ctx context.Context) error
	DrainQueue    func(ctx context.Context) error
}

// Scheduler wraps a cron runner with the two pipeline triggers registered.
type Scheduler struct {
	c      *cron.Cron
	jobs   Jobs
	logger *slog.Logger

	// set by Run before the first tick can fire
	ctx context.Context
}

// New validates the config and registers both triggers. Overlapping drain
// firings are allowed: the store's exclusive claim makes a concurrent drain
// harmless, so no skip-if-running guard is needed.
func New(cfg Config, jobs Jobs, logger *slog.Logger) (*Scheduler, error) {
	if cfg.DrainEvery <= 0 {
		return nil, fmt.Errorf("schedule: drain interval must be positive")
	}

	s := &Scheduler{
		c:      cron.New(),
		jobs:   jobs,
		logger: logger,
	}

	if _, err := s.c.AddFunc(cfg.ReportSpec, func() {
		s.run("produce_report", jobs.ProduceReport)
	}); err != nil {
		return nil, fmt.Errorf("schedule: report spec %q: %w", cfg.ReportSpec, err)
	}

	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", cfg.DrainEvery), func() {
		s.run("drain_queue", jobs.DrainQueue)
	}); err != nil {
		return nil, fmt.Errorf("schedule: drain interval %s: %w", cfg.DrainEvery, err)
	}

	return s, nil
}

// Run starts the triggers and blocks until ctx is cancelled, then waits for
// any in-flight job to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.logger.Info("schedule: started")
	s.c.Start()
	<-ctx.Done()
	stopCtx := s.c.Stop()
	<-stopCtx.Done()
	s.logger.Info("schedule: stopped")
}

func (s *Scheduler) run(name string, job func(ctx context.Context) error) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if err := job(ctx); err != nil {
		s.logger.Error("schedule: job failed",
			"job", name,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return
	}
	s.logger.Debug("schedule: job finished",
		"job", name,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}
