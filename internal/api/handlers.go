package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/alfalak/ledger/internal/engine"
	"github.com/alfalak/ledger/internal/ledger"
	"github.com/alfalak/ledger/internal/logger"
	"github.com/alfalak/ledger/internal/model"
)

// Handlers holds the HTTP handlers for the ledger.
type Handlers struct {
	engine *engine.Engine
}

// NewHandlers creates handlers backed by e.
func NewHandlers(e *engine.Engine) *Handlers {
	return &Handlers{engine: e}
}

type depositRequest struct {
	Amount            decimal.Decimal     `json:"amount"`
	Method            string              `json:"method"`
	ExternalReference string              `json:"externalReference,omitempty"`
	Status            model.DepositStatus `json:"status,omitempty"`
	IdempotencyKey    string              `json:"idempotencyKey,omitempty"`
}

type autoAllocateRequest struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type manualAllocateRequest struct {
	Split          map[string]decimal.Decimal `json:"split"`
	IdempotencyKey string                     `json:"idempotencyKey,omitempty"`
}

type distributeRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Operator       string          `json:"operator,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

type distributeResponse struct {
	SectorBalances map[model.Sector]decimal.Decimal `json:"sectorBalances"`
	Transaction    model.Transaction                `json:"transaction"`
	LiveValue      decimal.Decimal                  `json:"liveValue"`
}

type verifyResponse struct {
	AccountID string   `json:"accountId"`
	OK        bool     `json:"ok"`
	Problems  []string `json:"problems"`
}

// CreateAccount handles POST /accounts.
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.CreateAccount(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAccount handles GET /accounts/{id}.
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetValuation handles GET /accounts/{id}/valuation.
func (h *Handlers) GetValuation(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.Valuation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Events handles GET /accounts/{id}/events, a server-sent event stream of
// the account's valuation: one event on connect and one per commit.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := chi.URLParam(r, "id")
	vals, err := h.engine.WatchValuations(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for v := range vals {
		data, err := json.Marshal(v)
		if err != nil {
			logger.WithField("account", id).WithError(err).Error("encoding valuation event")
			return
		}
		fmt.Fprintf(w, "event: valuation\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

// RecordDeposit handles POST /accounts/{id}/deposits.
func (h *Handlers) RecordDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	txn, err := h.engine.RecordDeposit(r.Context(), chi.URLParam(r, "id"), engine.DepositRequest{
		Amount:            req.Amount,
		Method:            req.Method,
		ExternalReference: req.ExternalReference,
		Status:            req.Status,
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// AutoAllocate handles POST /accounts/{id}/allocations/auto. The body is optional.
func (h *Handlers) AutoAllocate(w http.ResponseWriter, r *http.Request) {
	var req autoAllocateRequest
	if err := decode(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	txn, err := h.engine.AutoAllocate(r.Context(), chi.URLParam(r, "id"), engine.WithIdempotencyKey(req.IdempotencyKey))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// ManualAllocate handles POST /accounts/{id}/allocations/manual.
func (h *Handlers) ManualAllocate(w http.ResponseWriter, r *http.Request) {
	var req manualAllocateRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	split := make(map[model.Sector]decimal.Decimal, len(req.Split))
	for name, amt := range req.Split {
		s, err := model.ParseSector(name)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: %q", ledger.ErrUnknownSector, name))
			return
		}
		split[s] = amt
	}
	txn, err := h.engine.ManualAllocate(r.Context(), chi.URLParam(r, "id"), split, engine.WithIdempotencyKey(req.IdempotencyKey))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// ListAccounts handles GET /operator/accounts.
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	as, err := h.engine.Accounts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if as == nil {
		as = []model.Account{}
	}
	writeJSON(w, http.StatusOK, as)
}

// VerifyAccount handles GET /operator/accounts/{id}/verify.
func (h *Handlers) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	problems, err := h.engine.Verify(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := verifyResponse{AccountID: id, OK: len(problems) == 0, Problems: []string{}}
	for _, p := range problems {
		resp.Problems = append(resp.Problems, p.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// DistributeFunds handles POST /operator/accounts/{id}/distributions.
func (h *Handlers) DistributeFunds(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.engine.DistributeFunds(r.Context(), chi.URLParam(r, "id"), req.Amount,
		engine.WithOperator(req.Operator), engine.WithIdempotencyKey(req.IdempotencyKey))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, distributeResponse{
		SectorBalances: res.SectorBalances,
		Transaction:    res.Transaction,
		LiveValue:      res.LiveValue,
	})
}

// statusFor maps engine and ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrIdempotencyKeyReused):
		return http.StatusConflict
	case errors.Is(err, engine.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrWatchUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInsufficientLiquidCapital),
		errors.Is(err, ledger.ErrNoLiquidCapital),
		errors.Is(err, ledger.ErrInvalidMethod),
		errors.Is(err, ledger.ErrInvalidReference),
		errors.Is(err, ledger.ErrUnknownSector):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error("request failed")
		msg = "internal server error"
	}
	writeError(w, status, msg)
}

// decode reads a JSON body, rejecting unknown fields. An empty body is
// accepted only when optional is set.
func decode(r *http.Request, v any, optional bool) error {
	if r.Body == nil || r.ContentLength == 0 {
		if optional {
			return nil
		}
		return errors.New("request body required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
