package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/lib/pq" // postgres driver

	"github.com/stocksreporting/backend/internal/api"
	"github.com/stocksreporting/backend/internal/config"
	"github.com/stocksreporting/backend/internal/dispatch"
	"github.com/stocksreporting/backend/internal/mail"
	"github.com/stocksreporting/backend/internal/report"
	"github.com/stocksreporting/backend/internal/schedule"
	"github.com/stocksreporting/backend/internal/store"
	"github.com/stocksreporting/backend/internal/worker"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	// JSON in production, pretty text in development.
	var logger *slog.Logger
	if os.Getenv("ENV") == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port, "mail_provider", cfg.MailProvider)

	// ── Store ─────────────────────────────────────────────────────────────────
	// An empty DATABASE_URL in development selects the in-memory store, which
	// is enough to exercise the whole pipeline locally.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := openDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
		logger.Info("database connected")
	} else {
		st = store.NewMemory()
		logger.Warn("DATABASE_URL not set — using in-memory store, queue will not survive restarts")
	}

	// ── Mail ──────────────────────────────────────────────────────────────────
	var sender mail.Sender
	switch cfg.MailProvider {
	case config.MailProviderSES:
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		sender = mail.NewSESSender(awsCfg, cfg.MailFrom)
		logger.Info("mail: using SES", "from", cfg.MailFrom)
	case config.MailProviderSMTP:
		sender = mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailFrom)
		logger.Info("mail: using SMTP", "host", cfg.SMTPHost, "from", cfg.MailFrom)
	default:
		sender = mail.NewLogSender(logger)
		logger.Info("mail: using log sender (no mail leaves the process)")
	}

	// ── Pipeline components ───────────────────────────────────────────────────
	producer := report.NewProducer(report.NewHTTPSource(cfg.SourceURL), st, logger)
	dispatcher := dispatch.New(st, logger)
	drainer := worker.NewDrainer(st, sender, worker.Config{
		BatchSize:   cfg.DrainBatchSize,
		Parallelism: cfg.DrainParallelism,
		SendTimeout: cfg.SendTimeout,
		StaleAfter:  cfg.StaleAfter,
		Policy: worker.Policy{
			MaxAttempts:    cfg.MaxAttempts,
			BaseDelay:      cfg.RetryBaseDelay,
			JitterFraction: worker.DefaultPolicy().JitterFraction,
		},
	}, logger)

	// ── Scheduler ─────────────────────────────────────────────────────────────
	sched, err := schedule.New(schedule.Config{
		ReportSpec: cfg.ReportCron,
		DrainEvery: cfg.DrainInterval,
	}, schedule.Jobs{
		ProduceReport: func(ctx context.Context) error {
			_, err := producer.Run(ctx)
			return err
		},
		DrainQueue: func(ctx context.Context) error {
			_, err := drainer.DrainOnce(ctx)
			return err
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewServer(st, dispatcher, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Env:            cfg.Env,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // report downloads can be large
		IdleTimeout:  120 * time.Second,
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// Root context cancelled by OS signal. Scheduler and HTTP server both
	// respect it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The scheduler blocks until ctx is done, then waits for running jobs.
	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until either a signal arrives or the server dies unexpectedly.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Give in-flight HTTP requests up to 20 seconds to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// A drain left mid-flight is safe to abandon: the stale-claim sweep on the
	// next process returns its tasks to Pending.
	<-schedDone
	logger.Info("shutdown complete")
	return nil
}

// openDB opens the connection pool, verifies connectivity, and applies the
// schema. All DDL is idempotent, so running it at every startup is safe.
func openDB(dsn string) (*sql.DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	// Tune the connection pool.
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := store.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return pool, nil
}
