package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store used by tests and DB-less local runs. It
// honors the same contract as Postgres: claims are exclusive, terminal
// transitions require Sending state, and the live-pair invariant holds.
type Memory struct {
	mu         sync.Mutex
	reports    map[uuid.UUID]*Report
	recipients map[uuid.UUID]*RecipientEmail
	tasks      map[uuid.UUID]*EmailDeliveryTask
	taskOrder  map[uuid.UUID]int // insertion sequence; tie-break for equal CreatedAt
	seq        int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		reports:    make(map[uuid.UUID]*Report),
		recipients: make(map[uuid.UUID]*RecipientEmail),
		tasks:      make(map[uuid.UUID]*EmailDeliveryTask),
		taskOrder:  make(map[uuid.UUID]int),
	}
}

// ─── REPORTS ─────────────────────────────────────────────────────────────────

func (m *Memory) CreateReport(_ context.Context, artifact []byte, meta ReportMeta) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Report{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Artifact:  append([]byte(nil), artifact...),
		Status:    ReportStatusCreated,
		Meta:      meta,
	}
	m.reports[r.ID] = &r
	return r, nil
}

func (m *Memory) GetReport(_ context.Context, id uuid.UUID) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reports[id]
	if !ok {
		return Report{}, ErrReportNotFound
	}
	return *r, nil
}

func (m *Memory) ListReports(_ context.Context) ([]Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Report, 0, len(m.reports))
	for _, r := range m.reports {
		c := *r
		c.Artifact = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ─── RECIPIENTS ──────────────────────────────────────────────────────────────

func (m *Memory) CreateRecipient(_ context.Context, emailValue string) (RecipientEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.recipients {
		if r.EmailValue == emailValue {
			return RecipientEmail{}, ErrDuplicateRecipient
		}
	}
	m.seq++
	r := RecipientEmail{
		ID:         uuid.New(),
		EmailValue: emailValue,
		CreatedAt:  time.Now().UTC().Add(time.Duration(m.seq)), // strictly increasing
	}
	m.recipients[r.ID] = &r
	return r, nil
}

func (m *Memory) ListRecipients(_ context.Context, page, pageSize int) ([]RecipientEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if page < 1 {
		page = 1
	}
	all := make([]RecipientEmail, 0, len(m.recipients))
	for _, r := range m.recipients {
		all = append(all, *r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (m *Memory) DeleteRecipient(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.recipients[id]; !ok {
		return ErrRecipientNotFound
	}
	delete(m.recipients, id)
	return nil
}

// ─── DELIVERY TASKS ──────────────────────────────────────────────────────────

func (m *Memory) EnqueueTask(_ context.Context, reportID, recipientEmailID uuid.UUID) (EmailDeliveryTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reports[reportID]; !ok {
		return EmailDeliveryTask{}, ErrReportNotFound
	}
	rcpt, ok := m.recipients[recipientEmailID]
	if !ok {
		return EmailDeliveryTask{}, ErrRecipientNotFound
	}
	for _, t := range m.tasks {
		if t.ReportID == reportID && t.RecipientEmailID == recipientEmailID && t.Status != TaskStatusFailed {
			return EmailDeliveryTask{}, ErrDuplicateTask
		}
	}

	m.seq++
	now := time.Now().UTC()
	t := EmailDeliveryTask{
		ID:               uuid.New(),
		ReportID:         reportID,
		RecipientEmailID: recipientEmailID,
		EmailValue:       rcpt.EmailValue,
		Status:           TaskStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.tasks[t.ID] = &t
	m.taskOrder[t.ID] = m.seq
	return t, nil
}

func (m *Memory) ClaimPending(_ context.Context, limit int) ([]EmailDeliveryTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.tasksWhere(func(t *EmailDeliveryTask) bool { return t.Status == TaskStatusPending })
	if len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]EmailDeliveryTask, 0, len(pending))
	now := time.Now().UTC()
	for _, t := range pending {
		t.Status = TaskStatusSending
		t.UpdatedAt = now
		out = append(out, *t)
	}
	return out, nil
}

func (m *Memory) MarkTaskSent(_ context.Context, taskID uuid.UUID, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.Status != TaskStatusSending {
		return ErrTaskNotSending
	}
	t.Status = TaskStatusSent
	t.AttemptCount = attempts
	t.LastError = ""
	t.UpdatedAt = time.Now().UTC()

	if r, ok := m.reports[t.ReportID]; ok && r.Status == ReportStatusCreated {
		r.Status = ReportStatusSent
	}
	return nil
}

func (m *Memory) MarkTaskFailed(_ context.Context, taskID uuid.UUID, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.Status != TaskStatusSending {
		return ErrTaskNotSending
	}
	t.Status = TaskStatusFailed
	t.AttemptCount = attempts
	t.LastError = lastError
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ListPendingTasks(_ context.Context) ([]EmailDeliveryTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EmailDeliveryTask, 0)
	for _, t := range m.tasksWhere(func(t *EmailDeliveryTask) bool { return t.Status == TaskStatusPending }) {
		out = append(out, *t)
	}
	return out, nil
}

func (m *Memory) ListTasksByReport(_ context.Context, reportID uuid.UUID) ([]EmailDeliveryTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EmailDeliveryTask, 0)
	for _, t := range m.tasksWhere(func(t *EmailDeliveryTask) bool { return t.ReportID == reportID }) {
		out = append(out, *t)
	}
	return out, nil
}

func (m *Memory) RequeueStaleSending(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.tasks {
		if t.Status == TaskStatusSending && t.UpdatedAt.Before(cutoff) {
			t.Status = TaskStatusPending
			t.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// tasksWhere returns matching tasks oldest-first. Must be called with the
// lock held.
func (m *Memory) tasksWhere(match func(*EmailDeliveryTask) bool) []*EmailDeliveryTask {
	var out []*EmailDeliveryTask
	for _, t := range m.tasks {
		if match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return m.taskOrder[out[i].ID] < m.taskOrder[out[j].ID]
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
