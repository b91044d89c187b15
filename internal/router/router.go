package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"bling-sync-api/internal/handler"
	"bling-sync-api/internal/middleware"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler        *handler.Handler
	WebhookHandler *handler.WebhookHandler
	AdminHandler   *handler.AdminHandler
	LoginKey       string
	Logger         *zap.Logger
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", middleware.LoginKeyHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Webhook intake. The ERP is configured with either path.
	if cfg.WebhookHandler != nil {
		r.Post("/webhook-bling", cfg.WebhookHandler.Receive)
		r.Post("/", cfg.WebhookHandler.Receive)
	}

	if cfg.Handler != nil {
		r.Get("/health", cfg.Handler.Health)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Handler != nil {
			r.Get("/health", cfg.Handler.Health)
			r.Get("/ready", cfg.Handler.Ready)
		}

		// Admin endpoints
		if cfg.AdminHandler != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.AdminKey(cfg.LoginKey))
				r.Route("/admin", func(r chi.Router) {
					r.Get("/stats", cfg.AdminHandler.GetStats)
					r.Get("/dead-letters", cfg.AdminHandler.ListDeadLetters)
					r.Post("/dead-letters/replay", cfg.AdminHandler.ReplayDeadLetters)
					r.Put("/accounts/{name}", cfg.AdminHandler.PutAccount)
				})
			})
		}
	})

	return r
}
