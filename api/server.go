/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and route groups. This
  is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address behind a proxy
  3. Logger:     logrus access log
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus counters by route pattern
  6. CORS:       Cross-origin requests for the community frontend

ROUTE GROUPS:
  /healthz, /metrics       Unauthenticated
  /api/points/levels       Unauthenticated
  /api/points/*            Any authenticated caller
  /api/admin/points/*      Admin role only, including demo scenarios

  POST routes that write are rate limited per caller.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Caller identity and roles
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type RouterConfig struct {
	Auth           *Authenticator
	RateLimit      *RateLimiter
	AllowedOrigins []string
	Logger         logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("", "")
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = NewRateLimiter(RateLimitConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-User-ID", "X-User-Role"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	// Points routes
	r.Route("/api/points", func(r chi.Router) {
		r.Get("/levels", h.GetLevels)

		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Middleware)
			r.Get("/me", h.GetMyBalance)
			r.Get("/me/transactions", h.GetMyTransactions)
			r.With(cfg.RateLimit.Middleware).Post("/me/use", h.UsePoints)

			r.Get("/ranking", h.GetRanking)
			r.Get("/statistics/levels", h.GetLevelStatistics)
			r.Get("/statistics/total", h.GetTotalStatistics)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(RoleService))
				r.Use(cfg.RateLimit.Middleware)
				r.Post("/credit", h.Credit)
				r.Post("/activities", h.PostActivity)
			})
		})
	})

	// Admin routes
	r.Route("/api/admin/points", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)
		r.Use(requireRole(RoleAdmin))
		r.Post("/adjust", h.AdjustPoints)
		r.Get("/users/level/{level}", h.GetUsersByLevel)
		r.Get("/users/{id}", h.GetUser)
		r.Get("/users/{id}/transactions", h.GetUserTransactions)
		r.Post("/users/{id}/reconcile", h.ReconcileUser)
		r.Get("/reconciliation/runs", h.ListReconciliationRuns)
		r.Post("/reconciliation/run", h.TriggerReconciliation)
		r.Get("/scenarios", h.ListScenarios)
		r.Post("/scenarios/load", h.LoadScenario)
	})

	return r
}

// requestLogger writes one logrus line per request.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			entry := log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"remote":     r.RemoteAddr,
				"request_id": middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("request served")
				return
			}
			entry.Debug("request served")
		})
	}
}
