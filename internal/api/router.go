/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware stack: request ids, panic recovery, timeouts, metrics, service-token
 * authentication and per-account rate limiting.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/pkg/logger"
	"github.com/transfa/ledger-service/pkg/metrics"
)

// RouterConfig carries the cross-cutting pieces the router wires around the handlers.
type RouterConfig struct {
	// JWTSecret enables service-token authentication on /ledger when set.
	JWTSecret string
	JWTIssuer string
	Limiter   *app.CommandLimiter
	Metrics   *metrics.Collector
	Log       *logger.Logger
}

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(MetricsMiddleware(cfg.Metrics, log))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Route("/ledger", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(InternalAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))
		}

		r.Post("/transfers", h.TransferHandler)
		r.Post("/accounts", h.CreateAccountHandler)

		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/", h.GetAccountHandler)
			r.Get("/balances", h.BalancesHandler)
			r.Get("/transactions", h.TransactionsHandler)
			r.Get("/verify", h.VerifyHandler)

			// Commands spend the account's rate budget.
			r.Group(func(r chi.Router) {
				r.Use(RateLimitMiddleware(cfg.Limiter, log))

				r.Delete("/", h.DeleteAccountHandler)
				r.Post("/freeze", h.FreezeAccountHandler)
				r.Post("/unfreeze", h.UnfreezeAccountHandler)
				r.Post("/credit", h.CreditHandler)
				r.Post("/debit", h.DebitHandler)
				r.Post("/transfers", h.RecordTransferHandler)
				r.Post("/snapshots", h.SnapshotHandler)
			})
		})
	})

	return r
}
