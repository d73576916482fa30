package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stocksreporting/backend/internal/store"
)

// reportResponse is the list/detail shape for a report; the artifact itself
// is served separately by the file endpoint.
type reportResponse struct {
	ID        string   `json:"id"`
	CreatedAt string   `json:"createdAt"`
	Status    string   `json:"status"`
	RowCount  int      `json:"rowCount"`
	Columns   []string `json:"columns,omitempty"`
}

func toReportResponse(r store.Report) reportResponse {
	return reportResponse{
		ID:        r.ID.String(),
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		Status:    string(r.Status),
		RowCount:  r.Meta.RowCount,
		Columns:   r.Meta.Columns,
	}
}

// ─── GET /api/reports ────────────────────────────────────────────────────────

// handleListReports returns the report history, newest first.
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.store.ListReports(r.Context())
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("list reports: %w", err))
		return
	}

	out := make([]reportResponse, len(reports))
	for i, rep := range reports {
		out[i] = toReportResponse(rep)
	}
	respond(w, http.StatusOK, map[string]any{"reports": out})
}

// ─── GET /api/reports/:reportID/file ─────────────────────────────────────────

// handleGetReportFile streams the CSV artifact for download.
func (s *Server) handleGetReportFile(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "reportID")
	if !ok {
		return
	}

	report, err := s.store.GetReport(r.Context(), id)
	if errors.Is(err, store.ErrReportNotFound) {
		respondErr(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get report: %w", err))
		return
	}

	filename := fmt.Sprintf("stocks-report-%s.csv", report.CreatedAt.UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Artifact)
}

// ─── POST /api/reports/send ──────────────────────────────────────────────────

// sendReportRequest is the payload posted by the send dialog.
type sendReportRequest struct {
	ReportID string   `json:"reportId"`
	EmailIDs []string `json:"emailIds"`
}

// handleSendReport enqueues one delivery task per selected recipient and
// returns how many were enqueued vs. skipped as duplicates.
func (s *Server) handleSendReport(w http.ResponseWriter, r *http.Request) {
	var req sendReportRequest
	if !decode(w, r, &req) {
		return
	}

	reportID, err := uuid.Parse(req.ReportID)
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid reportId")
		return
	}
	if len(req.EmailIDs) == 0 {
		respondErr(w, http.StatusBadRequest, "emailIds must not be empty")
		return
	}

	emailIDs := make([]uuid.UUID, len(req.EmailIDs))
	for i, raw := range req.EmailIDs {
		emailIDs[i], err = uuid.Parse(raw)
		if err != nil {
			respondErr(w, http.StatusBadRequest, fmt.Sprintf("invalid email id %q", raw))
			return
		}
	}

	result, err := s.dispatcher.Dispatch(r.Context(), reportID, emailIDs)
	switch {
	case errors.Is(err, store.ErrReportNotFound):
		respondErr(w, http.StatusNotFound, "report not found")
		return
	case errors.Is(err, store.ErrRecipientNotFound):
		respondErr(w, http.StatusNotFound, "recipient email not found")
		return
	case err != nil:
		s.respondInternalErr(w, r, fmt.Errorf("dispatch: %w", err))
		return
	}

	respond(w, http.StatusOK, result)
}

// ─── GET /api/reports/:reportID/deliveries ───────────────────────────────────

type deliveryResponse struct {
	ID           string `json:"id"`
	EmailID      string `json:"emailId"`
	EmailValue   string `json:"emailValue"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// handleListDeliveries lists the delivery tasks for a report so an operator
// can see who received it, what is still queued, and what failed.
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "reportID")
	if !ok {
		return
	}

	if _, err := s.store.GetReport(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrReportNotFound) {
			respondErr(w, http.StatusNotFound, "report not found")
			return
		}
		s.respondInternalErr(w, r, fmt.Errorf("get report: %w", err))
		return
	}

	tasks, err := s.store.ListTasksByReport(r.Context(), id)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("list deliveries: %w", err))
		return
	}

	out := make([]deliveryResponse, len(tasks))
	for i, t := range tasks {
		out[i] = deliveryResponse{
			ID:           t.ID.String(),
			EmailID:      t.RecipientEmailID.String(),
			EmailValue:   t.EmailValue,
			Status:       string(t.Status),
			AttemptCount: t.AttemptCount,
			LastError:    t.LastError,
			CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:    t.UpdatedAt.UTC().Format(time.RFC3339),
		}
	}
	respond(w, http.StatusOK, map[string]any{"deliveries": out})
}

// parseUUIDParam parses a UUID URL parameter, writing a 400 on failure.
func parseUUIDParam(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid "+key)
		return uuid.Nil, false
	}
	return id, true
}
