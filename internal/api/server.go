// Package api implements the HTTP layer for the stocks reporting backend:
// report history browsing, artifact download, recipient management, and the
// operator-facing send dispatch. Handlers are methods on *Server; each
// handler file owns one resource group.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/stocksreporting/backend/internal/dispatch"
	"github.com/stocksreporting/backend/internal/store"
)

// recipientPageSize matches the send dialog's paginator.
const recipientPageSize = 10

// Config holds values read from environment variables at startup.
type Config struct {
	// AllowedOrigins is the CORS allow-list for the frontend.
	AllowedOrigins []string

	// Env is "production" or "development".
	Env string
}

// Server holds all shared dependencies. Each handler file attaches methods
// to this type and uses only the fields it needs.
type Server struct {
	store      store.Store
	dispatcher *dispatch.Service
	cfg        Config
	logger     *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.ListenAndServe.
func NewServer(st store.Store, dispatcher *dispatch.Service, cfg Config, logger *slog.Logger) http.Handler {
	s := &Server{
		store:      st,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		MaxAge:         86400,
	}))
	r.Use(middleware.Timeout(30 * time.Second))

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ── API ───────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {
		r.Get("/reports", s.handleListReports)
		r.Post("/reports/send", s.handleSendReport)
		r.Get("/reports/{reportID}/file", s.handleGetReportFile)
		r.Get("/reports/{reportID}/deliveries", s.handleListDeliveries)

		r.Get("/emails", s.handleListEmails)
		r.Post("/emails", s.handleCreateEmail)
		r.Delete("/emails/{emailID}", s.handleDeleteEmail)
	})

	return r
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) > 0 {
		return s.cfg.AllowedOrigins
	}
	if s.cfg.Env == "production" {
		// No configured origins means no cross-origin access in production.
		return nil
	}
	return []string{"*"}
}
