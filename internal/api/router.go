/**
 * @description
 * This file sets up the HTTP router for the cashflow-service. Desk routes require an
 * agent JWT; supervisor routes under /desk/internal require the internal API key.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the back-office dashboard.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/transfa/cashflow-service/internal/domain"
)

// RouterConfig carries the settings the router needs from config.
type RouterConfig struct {
	JWTSecret      string
	JWTIssuer      string
	InternalAPIKey string
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// DeskRoutes creates and returns the router for the cashflow service.
func DeskRoutes(h *DeskHandlers, cfg RouterConfig) http.Handler {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/desk", func(r chi.Router) {
		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
			r.Post("/locks/sweep", h.SweepLocksHandler)
			r.Delete("/locks/{kind}/{id}/{department}", h.ForceReleaseLockHandler)
			r.Get("/consistency", h.AuditConsistencyHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(AgentAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))

			r.Get("/locks/mine", h.RecoverSessionHandler)

			r.Route("/deposits", func(r chi.Router) {
				r.Post("/", h.CreateDepositHandler)
				r.Get("/", h.ListDepositsHandler)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetDepositHandler)
					lockRoutes(r, h, domain.RequestKindDeposit)
					r.Get("/candidates", h.ListCandidatesHandler)
					r.Post("/assignment", h.AssignDepositHandler)
					r.Post("/settlement", h.SettleDepositHandler)
				})
			})

			r.Route("/withdrawals", func(r chi.Router) {
				r.Post("/", h.CreateWithdrawalHandler)
				r.Get("/", h.ListWithdrawalsHandler)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetWithdrawalHandler)
					lockRoutes(r, h, domain.RequestKindWithdrawal)
					r.Get("/hold-options", h.HoldOptionsHandler)
					r.Get("/holds", h.ListHoldsHandler)
					r.Post("/holds", h.SubmitHoldHandler)
					r.Post("/holds/{holdID}/settlement", h.SettleHoldHandler)
					r.Delete("/holds/{holdID}", h.ReleaseHoldHandler)
				})
			})
		})
	})

	return r
}

func lockRoutes(r chi.Router, h *DeskHandlers, kind domain.RequestKind) {
	r.Post("/locks/{department}", h.AcquireLockHandler(kind))
	r.Put("/locks/{department}/renew", h.RenewLockHandler(kind))
	r.Delete("/locks/{department}", h.ReleaseLockHandler(kind))
	r.Post("/transitions", h.TransitionHandler(kind))
}
