package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/chatstream/internal/middleware"
	"github.com/capitalize-ai/chatstream/internal/service"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Service           *service.ChatService
	Checks            map[string]Pinger
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Heartbeat         time.Duration
	Logger            *logger.Logger
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig) http.Handler {
	healthHandler := NewHealthHandler(cfg.Checks)
	sessionHandler := NewSessionHandler(cfg.Service, cfg.Logger)
	messageHandler := NewMessageHandler(cfg.Service, cfg.Logger)
	completionHandler := NewCompletionHandler(cfg.Service, cfg.Heartbeat, cfg.Logger)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/chat", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessionHandler.List)
			r.Post("/", sessionHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Patch("/", sessionHandler.Rename)
				r.Delete("/", sessionHandler.Delete)
				r.Get("/messages", messageHandler.List)
				r.Post("/cancel", completionHandler.Cancel)
			})
		})

		r.Post("/completions", completionHandler.Stream)
	})

	return r
}
