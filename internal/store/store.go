// Package store defines the persistent entities of the reporting pipeline
// (reports, recipient emails, email delivery tasks) and the Store interface
// the rest of the application depends on. Two implementations exist:
// Postgres (authoritative) and Memory (tests and DB-less local runs).
//
// Dependency rule: store imports nothing from api, worker, report, or
// dispatch. All coordination between the schedulers and the delivery worker
// happens through the atomic task transitions defined here — a task moves
// Pending→Sending exactly once and Sending→{Sent,Failed} exactly once.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ─── STATUSES ────────────────────────────────────────────────────────────────

// ReportStatus is the lifecycle state of a report.
type ReportStatus string

const (
	// ReportStatusCreated indicates the artifact exists but no delivery has
	// succeeded yet.
	ReportStatusCreated ReportStatus = "created"
	// ReportStatusSent indicates at least one recipient received the report.
	ReportStatusSent ReportStatus = "sent"
)

// TaskStatus is the lifecycle state of an email delivery task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is queued and claimable.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusSending indicates a drain cycle has claimed the task.
	TaskStatusSending TaskStatus = "sending"
	// TaskStatusSent is terminal: the transport accepted the message.
	TaskStatusSent TaskStatus = "sent"
	// TaskStatusFailed is terminal but re-dispatchable: the retry budget was
	// exhausted. Failed tasks are retained for audit, never deleted.
	TaskStatusFailed TaskStatus = "failed"
)

// ─── ENTITIES ────────────────────────────────────────────────────────────────

// ReportMeta is the summary stored alongside the artifact so list views do
// not need to decode the CSV payload.
type ReportMeta struct {
	RowCount int      `json:"row_count"`
	Columns  []string `json:"columns"`
}

// Report is a persisted tabular artifact produced on a schedule. Immutable
// after creation except for the Created→Sent status transition.
type Report struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Artifact  []byte // CSV bytes; nil in list views
	Status    ReportStatus
	Meta      ReportMeta
}

// RecipientEmail is an address an operator can dispatch reports to.
type RecipientEmail struct {
	ID         uuid.UUID
	EmailValue string
	CreatedAt  time.Time
}

// EmailDeliveryTask is one recipient's pending/attempted/completed send for
// one report. At most one task per (report, recipient) pair may exist in a
// non-Failed state; re-dispatch after failure creates a fresh task.
//
// EmailValue is snapshotted from the recipient at enqueue time so the task
// record stays deliverable and auditable even if the recipient is deleted
// while the task is queued.
type EmailDeliveryTask struct {
	ID               uuid.UUID
	ReportID         uuid.UUID
	RecipientEmailID uuid.UUID
	EmailValue       string
	AttemptCount     int
	Status           TaskStatus
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ─── ERRORS ──────────────────────────────────────────────────────────────────

var (
	// ErrDuplicateTask is returned by EnqueueTask when a non-Failed task
	// already exists for the (report, recipient) pair. Callers treat this as
	// a skip, not a failure — re-submitting a dispatch must not double-send.
	ErrDuplicateTask = errors.New("store: delivery task already exists for report and recipient")

	// ErrTaskNotSending is returned by MarkTaskSent/MarkTaskFailed when the
	// task is not in Sending state. It indicates a bug or a lost race
	// (double completion) and is logged as an anomaly by callers.
	ErrTaskNotSending = errors.New("store: task is not in sending state")

	// ErrReportNotFound is returned when a report id does not resolve.
	ErrReportNotFound = errors.New("store: report not found")

	// ErrRecipientNotFound is returned when a recipient id does not resolve.
	ErrRecipientNotFound = errors.New("store: recipient email not found")

	// ErrDuplicateRecipient is returned by CreateRecipient for an address
	// that already exists.
	ErrDuplicateRecipient = errors.New("store: recipient email already exists")
)

// ─── INTERFACE ───────────────────────────────────────────────────────────────

// Store is the capability interface over the relational store. Any
// implementation must make ClaimPending and the MarkTask* transitions atomic
// with respect to concurrent callers: this is the sole synchronization
// primitive the delivery pipeline relies on, which is what makes running
// several drain cycles (or several processes) at once safe.
type Store interface {
	// CreateReport persists a new report with status Created.
	CreateReport(ctx context.Context, artifact []byte, meta ReportMeta) (Report, error)
	// GetReport loads a report including its artifact bytes.
	// Returns ErrReportNotFound for an unknown id.
	GetReport(ctx context.Context, id uuid.UUID) (Report, error)
	// ListReports returns all reports newest-first with Artifact omitted.
	ListReports(ctx context.Context) ([]Report, error)

	// CreateRecipient registers an address. Returns ErrDuplicateRecipient if
	// the address already exists.
	CreateRecipient(ctx context.Context, emailValue string) (RecipientEmail, error)
	// ListRecipients returns one page (1-based) of recipients, oldest first.
	ListRecipients(ctx context.Context, page, pageSize int) ([]RecipientEmail, error)
	// DeleteRecipient removes an address. Existing delivery tasks are kept
	// for audit and delivery — they carry their own address snapshot.
	// Returns ErrRecipientNotFound for an unknown id.
	DeleteRecipient(ctx context.Context, id uuid.UUID) error

	// EnqueueTask appends a Pending delivery task carrying a snapshot of the
	// recipient's address. Returns ErrDuplicateTask when a non-Failed task
	// already exists for the pair, ErrRecipientNotFound when the recipient id
	// does not resolve.
	EnqueueTask(ctx context.Context, reportID, recipientEmailID uuid.UUID) (EmailDeliveryTask, error)
	// ClaimPending atomically transitions up to limit Pending tasks to
	// Sending and returns them ordered by CreatedAt ascending. Two concurrent
	// calls never return the same task.
	ClaimPending(ctx context.Context, limit int) ([]EmailDeliveryTask, error)
	// MarkTaskSent records a successful delivery: the task becomes Sent with
	// the final attempt count, and the report transitions Created→Sent in the
	// same atomic step. Returns ErrTaskNotSending unless the task is Sending.
	MarkTaskSent(ctx context.Context, taskID uuid.UUID, attempts int) error
	// MarkTaskFailed records retry-budget exhaustion: the task becomes Failed
	// with the last transport error retained for operators.
	// Returns ErrTaskNotSending unless the task is Sending.
	MarkTaskFailed(ctx context.Context, taskID uuid.UUID, attempts int, lastError string) error
	// ListPendingTasks returns Pending tasks oldest-first.
	ListPendingTasks(ctx context.Context) ([]EmailDeliveryTask, error)
	// ListTasksByReport returns all tasks for a report oldest-first.
	ListTasksByReport(ctx context.Context, reportID uuid.UUID) ([]EmailDeliveryTask, error)
	// RequeueStaleSending moves Sending tasks not updated since before the
	// cutoff back to Pending and reports how many were recovered. This is the
	// crash-recovery path for tasks orphaned by a mid-drain shutdown.
	RequeueStaleSending(ctx context.Context, cutoff time.Time) (int, error)
}
