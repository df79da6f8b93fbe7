// Package router wires the HTTP surface of the triage platform.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meditriage/triage-platform/internal/chat"
	"github.com/meditriage/triage-platform/internal/files"
	"github.com/meditriage/triage-platform/internal/http/handlers"
	httpmiddleware "github.com/meditriage/triage-platform/internal/http/middleware"
	"github.com/meditriage/triage-platform/internal/patients"
	"github.com/meditriage/triage-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	ChatHandler        *chat.Handler
	PatientsHandler    *patients.Handler
	UploadHandler      *files.Handler
	HealthHandler      *handlers.HealthHandler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	if cfg.HealthHandler != nil {
		r.Get("/health", cfg.HealthHandler.Handle)
	}
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.ChatHandler != nil {
		r.Get("/ws", cfg.ChatHandler.HandleWebSocket)
		r.Route("/chat", func(r chi.Router) {
			r.Post("/message", cfg.ChatHandler.HandleMessage)
			r.Get("/history", cfg.ChatHandler.HandleHistory)
		})
	}

	if cfg.UploadHandler != nil {
		r.Post("/upload", cfg.UploadHandler.Upload)
	}

	if cfg.PatientsHandler != nil {
		cfg.PatientsHandler.Routes(r)
	}

	return r
}
