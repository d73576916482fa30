// Package dispatch implements the operator-facing send service: given a
// report and an explicit set of recipient ids, it enqueues one delivery task
// per recipient. This is the only core operation invoked synchronously by an
// external actor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stocksreporting/backend/internal/store"
)

// Result reports what a dispatch did. SkippedDuplicate counts recipients
// that already had a live task for the report — re-submitting a dispatch is
// a no-op for them, not a failure.
type Result struct {
	Enqueued         int `json:"enqueued"`
	SkippedDuplicate int `json:"skippedDuplicate"`
}

// Service enqueues delivery tasks for operator-selected recipients.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// New constructs a Service.
func New(st store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Dispatch enqueues one Pending task per recipient id. It fails with
// store.ErrReportNotFound when the report id does not resolve and with
// store.ErrRecipientNotFound when a recipient id does not; duplicate pairs
// are counted, never propagated. Enqueued tasks stay enqueued if a later
// recipient id turns out to be unknown — the queue is durable and the
// operator can re-submit the corrected selection safely.
func (s *Service) Dispatch(ctx context.Context, reportID uuid.UUID, recipientEmailIDs []uuid.UUID) (Result, error) {
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return Result{}, fmt.Errorf("dispatch: %w", err)
	}

	var res Result
	for _, recipientID := range recipientEmailIDs {
		_, err := s.store.EnqueueTask(ctx, reportID, recipientID)
		switch {
		case errors.Is(err, store.ErrDuplicateTask):
			res.SkippedDuplicate++
		case err != nil:
			return res, fmt.Errorf("dispatch: enqueue recipient %s: %w", recipientID, err)
		default:
			res.Enqueued++
		}
	}

	s.logger.Info("dispatch: enqueued",
		"report_id", reportID,
		"enqueued", res.Enqueued,
		"skipped_duplicate", res.SkippedDuplicate,
	)
	return res, nil
}
