package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/stocksreporting/backend/internal/store"
)

type emailResponse struct {
	ID         string `json:"id"`
	EmailValue string `json:"emailValue"`
	CreatedAt  string `json:"createdAt"`
}

func toEmailResponse(r store.RecipientEmail) emailResponse {
	return emailResponse{
		ID:         r.ID.String(),
		EmailValue: r.EmailValue,
		CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ─── GET /api/emails?page=N ──────────────────────────────────────────────────

// handleListEmails returns one page of recipients for the send dialog. Pages
// are 1-based and 10 entries long; the client treats a short page as the
// last one.
func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondErr(w, http.StatusBadRequest, "invalid page")
			return
		}
		page = n
	}

	emails, err := s.store.ListRecipients(r.Context(), page, recipientPageSize)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("list recipients: %w", err))
		return
	}

	out := make([]emailResponse, len(emails))
	for i, e := range emails {
		out[i] = toEmailResponse(e)
	}
	respond(w, http.StatusOK, map[string]any{"emails": out, "page": page})
}

// ─── POST /api/emails ────────────────────────────────────────────────────────

type createEmailRequest struct {
	EmailValue string `json:"emailValue"`
}

func (s *Server) handleCreateEmail(w http.ResponseWriter, r *http.Request) {
	var req createEmailRequest
	if !decode(w, r, &req) {
		return
	}

	addr := strings.TrimSpace(req.EmailValue)
	if addr == "" {
		respondErr(w, http.StatusBadRequest, "emailValue must not be empty")
		return
	}
	// Reject display-name forms ("Bob <bob@x.com>") as well as syntactically
	// invalid addresses: the stored value must be a bare address.
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		respondErr(w, http.StatusBadRequest, "emailValue is not a valid email address")
		return
	}

	created, err := s.store.CreateRecipient(r.Context(), addr)
	if errors.Is(err, store.ErrDuplicateRecipient) {
		respondErr(w, http.StatusConflict, "email already exists")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("create recipient: %w", err))
		return
	}
	respond(w, http.StatusCreated, toEmailResponse(created))
}

// ─── DELETE /api/emails/:emailID ─────────────────────────────────────────────

func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "emailID")
	if !ok {
		return
	}

	err := s.store.DeleteRecipient(r.Context(), id)
	if errors.Is(err, store.ErrRecipientNotFound) {
		respondErr(w, http.StatusNotFound, "email not found")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("delete recipient: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
