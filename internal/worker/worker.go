// Package worker contains the delivery drain: it claims pending email tasks
// from the store, attempts each through the mail transport under a bounded
// retry policy, and records the terminal outcome. It is decoupled from the
// schedule and api packages — they only call DrainOnce.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stocksreporting/backend/internal/mail"
	"github.com/stocksreporting/backend/internal/store"
)

// ─── RETRY POLICY ────────────────────────────────────────────────────────────

// Policy is the per-task retry schedule: MaxAttempts tries with exponential
// backoff from BaseDelay and additive random jitter. The jitter keeps a batch
// of tasks that failed together from hammering the transport in lockstep.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	JitterFraction float64 // max added jitter as a fraction of the base delay
}

// DefaultPolicy returns the production schedule: 3 attempts, 3s/6s/12s
// before jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      3 * time.Second,
		JitterFraction: 0.5,
	}
}

// Delay returns the wait before attempt+1, given the 1-based attempt that
// just failed. rnd supplies a value in [0, 1).
func (p Policy) Delay(attempt int, rnd float64) time.Duration {
	base := p.BaseDelay << (attempt - 1)
	jitter := time.Duration(rnd * p.JitterFraction * float64(base))
	return base + jitter
}

// ─── DRAINER ─────────────────────────────────────────────────────────────────

// Config holds tuning parameters for the Drainer. Zero values get defaults.
type Config struct {
	// BatchSize is the maximum number of tasks claimed per drain. Default: 50.
	BatchSize int

	// Parallelism bounds how many claimed tasks are processed concurrently.
	// Retries of one task stay strictly sequential. Default: 4.
	Parallelism int

	// SendTimeout is the per-attempt deadline on the transport call; an
	// expired deadline counts as a transport failure. Default: 30s.
	SendTimeout time.Duration

	// StaleAfter is how long a task may sit in Sending before the recovery
	// sweep returns it to Pending (a previous process died mid-drain).
	// Default: 10 minutes.
	StaleAfter time.Duration

	Policy Policy
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.Policy.MaxAttempts <= 0 {
		c.Policy = DefaultPolicy()
	}
	return c
}

// Drainer drains the email queue. Safe to invoke from overlapping drain
// cycles: the store's exclusive claim guarantees no task is processed twice.
type Drainer struct {
	store  store.Store
	sender mail.Sender
	cfg    Config
	logger *slog.Logger

	// sleep and rnd are injected so tests can observe backoff delays and pin
	// jitter without waiting out real time.
	sleep func(ctx context.Context, d time.Duration) error
	rnd   func() float64
}

// NewDrainer constructs a Drainer with defaults applied.
func NewDrainer(st store.Store, sender mail.Sender, cfg Config, logger *slog.Logger) *Drainer {
	return &Drainer{
		store:  st,
		sender: sender,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
		rnd:    rand.Float64,
	}
}

// DrainOnce runs one drain cycle: recover stale claims, claim a batch, and
// attempt delivery of every claimed task. It returns the number of tasks
// that reached a terminal state. Store errors abort the cycle and are
// returned to the caller (the scheduler logs them and waits for the next
// tick); transport errors never fail the cycle — they end up in task state.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	recovered, err := d.store.RequeueStaleSending(ctx, time.Now().Add(-d.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("worker: requeue stale: %w", err)
	}
	if recovered > 0 {
		d.logger.Warn("worker: recovered stale sending tasks", "count", recovered)
	}

	tasks, err := d.store.ClaimPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("worker: claim pending: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	d.logger.Info("worker: drain started", "claimed", len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Parallelism)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return d.deliver(gctx, task)
		})
	}
	if err := g.Wait(); err != nil {
		return len(tasks), fmt.Errorf("worker: drain: %w", err)
	}
	return len(tasks), nil
}

// deliver runs the retry state machine for one claimed task. Returned errors
// are store-level or cancellation only; a task that merely could not be
// delivered ends Failed and deliver returns nil.
func (d *Drainer) deliver(ctx context.Context, task store.EmailDeliveryTask) error {
	log := d.logger.With("task_id", task.ID, "report_id", task.ReportID)

	msg, err := d.buildMessage(ctx, task)
	if err != nil {
		// Store failure while resolving the report or recipient: leave the
		// task in Sending for the stale sweep and surface the error.
		return err
	}

	policy := d.cfg.Policy
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		start := time.Now()
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		lastErr = d.sender.Send(sendCtx, msg)
		cancel()
		elapsed := time.Since(start)

		if lastErr == nil {
			log.Info("worker: delivered", "attempt", attempt, "elapsed_ms", elapsed.Milliseconds())
			return d.finish(ctx, log, d.store.MarkTaskSent(ctx, task.ID, attempt))
		}

		log.Warn("worker: attempt failed",
			"attempt", attempt,
			"max", policy.MaxAttempts,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", lastErr,
		)

		if attempt < policy.MaxAttempts {
			delay := policy.Delay(attempt, d.rnd())
			if err := d.sleep(ctx, delay); err != nil {
				// Shutdown mid-backoff: the task stays Sending and the stale
				// sweep requeues it.
				return err
			}
		}
	}

	log.Error("worker: retry budget exhausted", "error", lastErr)
	return d.finish(ctx, log, d.store.MarkTaskFailed(ctx, task.ID, policy.MaxAttempts, lastErr.Error()))
}

// finish absorbs a lost completion race as an anomaly log rather than a
// drain failure; any other store error propagates.
func (d *Drainer) finish(_ context.Context, log *slog.Logger, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrTaskNotSending) {
		log.Error("worker: task completed twice, ignoring", "error", err)
		return nil
	}
	return err
}

// buildMessage resolves the task's report into a sendable message with the
// CSV artifact attached. The recipient address comes from the task's own
// snapshot, so a recipient deleted after dispatch still gets the delivery.
func (d *Drainer) buildMessage(ctx context.Context, task store.EmailDeliveryTask) (mail.Message, error) {
	report, err := d.store.GetReport(ctx, task.ReportID)
	if err != nil {
		return mail.Message{}, fmt.Errorf("worker: load report: %w", err)
	}

	date := report.CreatedAt.UTC().Format("2006-01-02")
	return mail.Message{
		To:      task.EmailValue,
		Subject: fmt.Sprintf("Stocks report %s", date),
		Body: fmt.Sprintf("The stocks report generated on %s is attached (%d rows).",
			date, report.Meta.RowCount),
		Attachment: &mail.Attachment{
			Filename:    fmt.Sprintf("stocks-report-%s.csv", date),
			ContentType: "text/csv",
			Data:        report.Artifact,
		},
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
