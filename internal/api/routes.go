package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"oneshot.link/config"
	"oneshot.link/internal/logger"
	"oneshot.link/internal/ratelimit"
)

// Limiters back the per-IP rate limits. A nil limiter disables its limit.
type Limiters struct {
	API    ratelimit.Limiter
	Reveal ratelimit.Limiter
	Window time.Duration
}

func SetupRouter(secrets Secrets, cfg *config.Config, limiters Limiters, log *logger.Logger) *chi.Mux {
	h := NewHandler(secrets, cfg)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID(log))
	r.Use(Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.WriteTimeout))

	r.Use(CORS(CORSConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader},
		MaxAge:         86400,
	}))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimit.Enabled && limiters.API != nil {
			r.Use(NewRateLimiter(limiters.API, cfg.RateLimit.RequestsPerMin, limiters.Window).Middleware)
		}
		r.Use(JSONOnly)
		r.Use(Owner(cfg.Auth))

		reveal := chi.Chain()
		if cfg.RateLimit.Enabled && limiters.Reveal != nil {
			reveal = chi.Chain(NewRateLimiter(limiters.Reveal, cfg.RateLimit.RevealPerMin, limiters.Window).Middleware)
		}

		r.Route("/secrets", func(r chi.Router) {
			r.Post("/", h.CreateSecret)
			r.Post("/generate", h.GenerateSecret)
			r.Get("/{id}", h.SecretStatus)
			r.With(reveal...).Post("/{id}/reveal", h.RevealSecret)
		})

		r.Route("/receipts", func(r chi.Router) {
			r.Get("/", h.ListReceipts)
			r.Get("/{id}", h.GetReceipt)
			r.Post("/{id}/burn", h.BurnSecret)
		})
	})

	return r
}

func chiRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}
