// Package api serves the ledger over HTTP.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alfalak/ledger/internal/id"
	"github.com/alfalak/ledger/internal/logger"
)

// Routes builds the HTTP handler. Operator routes answer 403 when
// operatorToken is empty.
func Routes(h *Handlers, operatorToken string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger.L(), NoColor: true}))
	r.Use(middleware.Recoverer)

	timeout := middleware.Timeout(30 * time.Second)

	r.With(timeout).Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/accounts", func(r chi.Router) {
		r.With(timeout).Post("/", h.CreateAccount)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(validAccountID)

			// Streams outlive the request timeout.
			r.Get("/events", h.Events)

			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Get("/", h.GetAccount)
				r.Get("/valuation", h.GetValuation)
				r.Post("/deposits", h.RecordDeposit)
				r.Post("/allocations/auto", h.AutoAllocate)
				r.Post("/allocations/manual", h.ManualAllocate)
			})
		})
	})

	r.Route("/operator", func(r chi.Router) {
		r.Use(timeout)
		r.Use(OperatorAuth(operatorToken))
		r.Get("/accounts", h.ListAccounts)
		r.With(validAccountID).Get("/accounts/{id}/verify", h.VerifyAccount)
		r.With(validAccountID).Post("/accounts/{id}/distributions", h.DistributeFunds)
	})

	return r
}

// validAccountID answers 404 for an {id} that is not an account ID.
func validAccountID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !id.ValidAccountID(chi.URLParam(r, "id")) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OperatorAuth requires "Authorization: Bearer <token>".
func OperatorAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusForbidden, "operator access is disabled")
				return
			}
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authorization header required")
				return
			}
			got := strings.TrimPrefix(authHeader, "Bearer ")
			if got == authHeader {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid operator token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
