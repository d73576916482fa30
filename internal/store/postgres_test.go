package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/stocksreporting/backend/internal/store"
)

// ─── TEST INFRASTRUCTURE ──────────────────────────────────────────────────────

// openTestStore returns a Postgres-backed store from DATABASE_URL with the
// schema applied. Skips if the env var is not set so the test suite still
// passes in CI without a Postgres instance.
func openTestStore(t *testing.T) *store.Postgres {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set — skipping store integration tests")
	}
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if err := pool.PingContext(context.Background()); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	if err := store.EnsureSchema(context.Background(), pool); err != nil {
		pool.Close()
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return store.NewPostgres(pool)
}

// testAddr returns an address unique to this test run so tests do not
// collide with leftover rows from previous runs.
func testAddr(t *testing.T, n int) string {
	return fmt.Sprintf("%s-%d-%s@test.invalid", t.Name(), n, uuid.NewString()[:8])
}

func seedPair(t *testing.T, st *store.Postgres) (store.Report, store.RecipientEmail) {
	t.Helper()
	ctx := context.Background()
	report, err := st.CreateReport(ctx, []byte("symbol,price\nAAPL,189.30\n"), store.ReportMeta{
		RowCount: 1,
		Columns:  []string{"symbol", "price"},
	})
	if err != nil {
		t.Fatalf("seed report: %v", err)
	}
	rcpt, err := st.CreateRecipient(ctx, testAddr(t, 0))
	if err != nil {
		t.Fatalf("seed recipient: %v", err)
	}
	return report, rcpt
}

// ─── Live-pair uniqueness ─────────────────────────────────────────────────────

func TestPostgres_EnqueueDuplicateTask(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	report, rcpt := seedPair(t, st)

	if _, err := st.EnqueueTask(ctx, report.ID, rcpt.ID); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := st.EnqueueTask(ctx, report.ID, rcpt.ID); !errors.Is(err, store.ErrDuplicateTask) {
		t.Fatalf("second enqueue: got %v, want ErrDuplicateTask", err)
	}
}

func TestPostgres_EnqueueUnknownRecipient(t *testing.T) {
	st := openTestStore(t)
	report, _ := seedPair(t, st)

	_, err := st.EnqueueTask(context.Background(), report.ID, uuid.New())
	if !errors.Is(err, store.ErrRecipientNotFound) {
		t.Fatalf("got %v, want ErrRecipientNotFound", err)
	}
}

// ─── Claim exclusivity ────────────────────────────────────────────────────────

func TestPostgres_ConcurrentClaimsAreExclusive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	report, err := st.CreateReport(ctx, []byte("a\n1\n"), store.ReportMeta{RowCount: 1, Columns: []string{"a"}})
	if err != nil {
		t.Fatalf("seed report: %v", err)
	}

	const total = 15
	want := map[uuid.UUID]bool{}
	for i := 0; i < total; i++ {
		rcpt, err := st.CreateRecipient(ctx, testAddr(t, i+1))
		if err != nil {
			t.Fatalf("seed recipient %d: %v", i, err)
		}
		task, err := st.EnqueueTask(ctx, report.ID, rcpt.ID)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		want[task.ID] = true
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
	)
	// Each claimer drains batches until the queue is empty, so leftover rows
	// from other tests cannot starve this test's tasks out of the claims.
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := st.ClaimPending(ctx, 10)
				if err != nil {
					t.Errorf("ClaimPending: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					if want[c.ID] {
						seen[c.ID]++
					}
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("claimed %d of this test's tasks, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s claimed %d times, want exactly once", id, n)
		}
	}
}

// ─── Terminal transitions ─────────────────────────────────────────────────────

func TestPostgres_SentFlipsReportAtomically(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	report, rcpt := seedPair(t, st)

	task, err := st.EnqueueTask(ctx, report.ID, rcpt.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Not yet claimed: the CAS guard must refuse.
	if err := st.MarkTaskSent(ctx, task.ID, 1); !errors.Is(err, store.ErrTaskNotSending) {
		t.Fatalf("MarkTaskSent on pending: got %v, want ErrTaskNotSending", err)
	}

	drainUntilClaimed(t, st, task.ID)
	if err := st.MarkTaskSent(ctx, task.ID, 2); err != nil {
		t.Fatalf("MarkTaskSent: %v", err)
	}

	got, err := st.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Status != store.ReportStatusSent {
		t.Errorf("report status = %q, want %q", got.Status, store.ReportStatusSent)
	}

	// Double completion is a lost race.
	if err := st.MarkTaskFailed(ctx, task.ID, 3, "late"); !errors.Is(err, store.ErrTaskNotSending) {
		t.Errorf("MarkTaskFailed on sent: got %v, want ErrTaskNotSending", err)
	}
}

func TestPostgres_FailedRetainsErrorAndFreesPair(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	report, rcpt := seedPair(t, st)

	task, err := st.EnqueueTask(ctx, report.ID, rcpt.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	drainUntilClaimed(t, st, task.ID)

	if err := st.MarkTaskFailed(ctx, task.ID, 3, "smtp: connection refused"); err != nil {
		t.Fatalf("MarkTaskFailed: %v", err)
	}

	tasks, err := st.ListTasksByReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("ListTasksByReport: %v", err)
	}
	var failed *store.EmailDeliveryTask
	for i := range tasks {
		if tasks[i].ID == task.ID {
			failed = &tasks[i]
		}
	}
	if failed == nil {
		t.Fatal("failed task not found in report view")
	}
	if failed.Status != store.TaskStatusFailed || failed.LastError != "smtp: connection refused" || failed.AttemptCount != 3 {
		t.Errorf("failed task not retained correctly: %+v", failed)
	}

	// The partial unique index only covers non-Failed rows.
	if _, err := st.EnqueueTask(ctx, report.ID, rcpt.ID); err != nil {
		t.Errorf("re-dispatch after failure: %v", err)
	}
}

// ─── Crash recovery ───────────────────────────────────────────────────────────

func TestPostgres_RequeueStaleSending(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	report, rcpt := seedPair(t, st)

	task, err := st.EnqueueTask(ctx, report.ID, rcpt.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	drainUntilClaimed(t, st, task.ID)

	if _, err := st.RequeueStaleSending(ctx, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("RequeueStaleSending (past cutoff): %v", err)
	}
	// A future cutoff treats this test's claim as orphaned. Other tests'
	// rows may be recovered too, so only this task's state is asserted.
	if _, err := st.RequeueStaleSending(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RequeueStaleSending (future cutoff): %v", err)
	}

	pending, err := st.ListPendingTasks(ctx)
	if err != nil {
		t.Fatalf("ListPendingTasks: %v", err)
	}
	found := false
	for _, p := range pending {
		if p.ID == task.ID {
			found = true
		}
	}
	if !found {
		t.Error("recovered task should be Pending again")
	}
}

// drainUntilClaimed claims batches until the given task has been claimed.
// Other tests may have left pending rows, so one claim is not enough.
func drainUntilClaimed(t *testing.T, st *store.Postgres, taskID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		claimed, err := st.ClaimPending(ctx, 50)
		if err != nil {
			t.Fatalf("ClaimPending: %v", err)
		}
		if len(claimed) == 0 {
			break
		}
		for _, c := range claimed {
			if c.ID == taskID {
				return
			}
		}
	}
	t.Fatalf("task %s never claimed", taskID)
}
