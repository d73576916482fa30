package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied at startup by EnsureSchema. The partial unique index on
// email_delivery_tasks enforces the one-live-task-per-pair invariant at the
// database level: Failed rows are excluded, so an explicit re-dispatch after
// failure inserts a fresh task.
const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id uuid PRIMARY KEY,
	created_at timestamptz NOT NULL DEFAULT now(),
	artifact bytea NOT NULL,
	status text NOT NULL DEFAULT 'created',
	meta jsonb
);

CREATE TABLE IF NOT EXISTS recipient_emails (
	id uuid PRIMARY KEY,
	email_value text NOT NULL UNIQUE,
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS email_delivery_tasks (
	id uuid PRIMARY KEY,
	report_id uuid NOT NULL REFERENCES reports (id),
	-- No FK: the referenced recipient may be deleted while the task lives on
	-- with its snapshotted address.
	recipient_email_id uuid NOT NULL,
	email_value text NOT NULL,
	attempt_count int NOT NULL DEFAULT 0,
	status text NOT NULL DEFAULT 'pending',
	last_error text,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS email_delivery_tasks_live_pair
	ON email_delivery_tasks (report_id, recipient_email_id)
	WHERE status <> 'failed';

CREATE INDEX IF NOT EXISTS email_delivery_tasks_status_created
	ON email_delivery_tasks (status, created_at);
`

// EnsureSchema creates the tables and indexes if they do not exist. Called
// once from main before the schedulers start.
func EnsureSchema(ctx context.Context, pool *sql.DB) error {
	if _, err := pool.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}
