package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

// Postgres is the authoritative Store backed by a *sql.DB connection pool.
// ClaimPending relies on FOR UPDATE SKIP LOCKED and the MarkTask* transitions
// on single-row compare-and-set updates, so any number of drain cycles (in
// this process or others) can run against the same database.
type Postgres struct {
	pool *sql.DB
}

// NewPostgres creates a Postgres store from a live connection pool. The pool
// must already be open and verified (ping + EnsureSchema) before calling.
func NewPostgres(pool *sql.DB) *Postgres {
	return &Postgres{pool: pool}
}

// withTx begins a transaction, passes it to fn, and commits on success or
// rolls back on any error (including panics).
func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}

	// Roll back on panic so the connection is never left in a broken state.
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: fn error: %w; rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

// ─── REPORTS ─────────────────────────────────────────────────────────────────

func (p *Postgres) CreateReport(ctx context.Context, artifact []byte, meta ReportMeta) (Report, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Report{}, fmt.Errorf("CreateReport: marshal meta: %w", err)
	}

	r := Report{
		ID:     uuid.New(),
		Status: ReportStatusCreated,
		Meta:   meta,
	}
	row := p.pool.QueryRowContext(ctx, `
		INSERT INTO reports (id, artifact, status, meta)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		r.ID, artifact, r.Status,
		pqtype.NullRawMessage{RawMessage: metaJSON, Valid: true},
	)
	if err := row.Scan(&r.CreatedAt); err != nil {
		return Report{}, fmt.Errorf("CreateReport: %w", err)
	}
	r.Artifact = artifact
	return r, nil
}

func (p *Postgres) GetReport(ctx context.Context, id uuid.UUID) (Report, error) {
	row := p.pool.QueryRowContext(ctx, `
		SELECT id, created_at, artifact, status, meta
		FROM reports WHERE id = $1`, id)

	r, err := scanReport(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrReportNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("GetReport: %w", err)
	}
	return r, nil
}

func (p *Postgres) ListReports(ctx context.Context) ([]Report, error) {
	rows, err := p.pool.QueryContext(ctx, `
		SELECT id, created_at, status, meta
		FROM reports ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListReports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		r, err := scanReport(rows, false)
		if err != nil {
			return nil, fmt.Errorf("ListReports: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListReports: %w", err)
	}
	return out, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanReport(s scanner, withArtifact bool) (Report, error) {
	var (
		r    Report
		meta pqtype.NullRawMessage
	)
	var err error
	if withArtifact {
		err = s.Scan(&r.ID, &r.CreatedAt, &r.Artifact, &r.Status, &meta)
	} else {
		err = s.Scan(&r.ID, &r.CreatedAt, &r.Status, &meta)
	}
	if err != nil {
		return Report{}, err
	}
	if meta.Valid {
		if err := json.Unmarshal(meta.RawMessage, &r.Meta); err != nil {
			return Report{}, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	return r, nil
}

// ─── RECIPIENTS ──────────────────────────────────────────────────────────────

func (p *Postgres) CreateRecipient(ctx context.Context, emailValue string) (RecipientEmail, error) {
	r := RecipientEmail{ID: uuid.New(), EmailValue: emailValue}
	row := p.pool.QueryRowContext(ctx, `
		INSERT INTO recipient_emails (id, email_value)
		VALUES ($1, $2)
		RETURNING created_at`, r.ID, emailValue)
	if err := row.Scan(&r.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return RecipientEmail{}, ErrDuplicateRecipient
		}
		return RecipientEmail{}, fmt.Errorf("CreateRecipient: %w", err)
	}
	return r, nil
}

func (p *Postgres) ListRecipients(ctx context.Context, page, pageSize int) ([]RecipientEmail, error) {
	if page < 1 {
		page = 1
	}
	rows, err := p.pool.QueryContext(ctx, `
		SELECT id, email_value, created_at
		FROM recipient_emails
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2`, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("ListRecipients: %w", err)
	}
	defer rows.Close()

	var out []RecipientEmail
	for rows.Next() {
		var r RecipientEmail
		if err := rows.Scan(&r.ID, &r.EmailValue, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListRecipients: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListRecipients: %w", err)
	}
	return out, nil
}

func (p *Postgres) DeleteRecipient(ctx context.Context, id uuid.UUID) error {
	res, err := p.pool.ExecContext(ctx, `DELETE FROM recipient_emails WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteRecipient: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeleteRecipient: rows affected: %w", err)
	}
	if n == 0 {
		return ErrRecipientNotFound
	}
	return nil
}

// ─── DELIVERY TASKS ──────────────────────────────────────────────────────────

const taskColumns = `id, report_id, recipient_email_id, email_value, attempt_count, status,
	COALESCE(last_error, ''), created_at, updated_at`

func (p *Postgres) EnqueueTask(ctx context.Context, reportID, recipientEmailID uuid.UUID) (EmailDeliveryTask, error) {
	t := EmailDeliveryTask{
		ID:               uuid.New(),
		ReportID:         reportID,
		RecipientEmailID: recipientEmailID,
		Status:           TaskStatusPending,
	}
	// INSERT ... SELECT snapshots the recipient's address in the same
	// statement; an unknown recipient inserts zero rows.
	row := p.pool.QueryRowContext(ctx, `
		INSERT INTO email_delivery_tasks (id, report_id, recipient_email_id, email_value)
		SELECT $1, $2, id, email_value FROM recipient_emails WHERE id = $3
		RETURNING email_value, created_at, updated_at`, t.ID, reportID, recipientEmailID)
	if err := row.Scan(&t.EmailValue, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EmailDeliveryTask{}, ErrRecipientNotFound
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case "23505":
				return EmailDeliveryTask{}, ErrDuplicateTask
			case "23503":
				return EmailDeliveryTask{}, ErrReportNotFound
			}
		}
		return EmailDeliveryTask{}, fmt.Errorf("EnqueueTask: %w", err)
	}
	return t, nil
}

func (p *Postgres) ClaimPending(ctx context.Context, limit int) ([]EmailDeliveryTask, error) {
	// SKIP LOCKED makes concurrent claims disjoint without blocking: each
	// drain cycle locks and transitions its own subset of the oldest Pending
	// rows.
	rows, err := p.pool.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE email_delivery_tasks
			SET status = 'sending', updated_at = now()
			WHERE id IN (
				SELECT id FROM email_delivery_tasks
				WHERE status = 'pending'
				ORDER BY created_at
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+taskColumns+`
		)
		SELECT * FROM claimed ORDER BY created_at`, limit)
	if err != nil {
		return nil, fmt.Errorf("ClaimPending: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "ClaimPending")
}

func (p *Postgres) MarkTaskSent(ctx context.Context, taskID uuid.UUID, attempts int) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var reportID uuid.UUID
		err := tx.QueryRowContext(ctx, `
			UPDATE email_delivery_tasks
			SET status = 'sent', attempt_count = $2, last_error = NULL, updated_at = now()
			WHERE id = $1 AND status = 'sending'
			RETURNING report_id`, taskID, attempts).Scan(&reportID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotSending
		}
		if err != nil {
			return fmt.Errorf("MarkTaskSent: %w", err)
		}

		// First successful delivery flips the report to Sent.
		if _, err := tx.ExecContext(ctx, `
			UPDATE reports SET status = 'sent'
			WHERE id = $1 AND status = 'created'`, reportID); err != nil {
			return fmt.Errorf("MarkTaskSent: update report status: %w", err)
		}
		return nil
	})
}

func (p *Postgres) MarkTaskFailed(ctx context.Context, taskID uuid.UUID, attempts int, lastError string) error {
	res, err := p.pool.ExecContext(ctx, `
		UPDATE email_delivery_tasks
		SET status = 'failed', attempt_count = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = 'sending'`,
		taskID, attempts, lastError)
	if err != nil {
		return fmt.Errorf("MarkTaskFailed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkTaskFailed: rows affected: %w", err)
	}
	if n == 0 {
		return ErrTaskNotSending
	}
	return nil
}

func (p *Postgres) ListPendingTasks(ctx context.Context) ([]EmailDeliveryTask, error) {
	rows, err := p.pool.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM email_delivery_tasks
		WHERE status = 'pending'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("ListPendingTasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "ListPendingTasks")
}

func (p *Postgres) ListTasksByReport(ctx context.Context, reportID uuid.UUID) ([]EmailDeliveryTask, error) {
	rows, err := p.pool.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM email_delivery_tasks
		WHERE report_id = $1
		ORDER BY created_at`, reportID)
	if err != nil {
		return nil, fmt.Errorf("ListTasksByReport: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "ListTasksByReport")
}

func (p *Postgres) RequeueStaleSending(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.pool.ExecContext(ctx, `
		UPDATE email_delivery_tasks
		SET status = 'pending', updated_at = now()
		WHERE status = 'sending' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("RequeueStaleSending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("RequeueStaleSending: rows affected: %w", err)
	}
	return int(n), nil
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

func collectTasks(rows *sql.Rows, op string) ([]EmailDeliveryTask, error) {
	var out []EmailDeliveryTask
	for rows.Next() {
		var t EmailDeliveryTask
		if err := rows.Scan(&t.ID, &t.ReportID, &t.RecipientEmailID, &t.EmailValue,
			&t.AttemptCount, &t.Status, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
