package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vpagate/vpagate/internal/domain"
	"github.com/vpagate/vpagate/internal/ingestion"
	"github.com/vpagate/vpagate/internal/pool"
	"github.com/vpagate/vpagate/internal/qr"
	"github.com/vpagate/vpagate/internal/reconciliation"
)

// maxBodyBytes caps request bodies. Callbacks are a few hundred bytes.
const maxBodyBytes = 1 << 20

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	ingest *ingestion.Service
	qr     *qr.Service
	engine *reconciliation.Engine
	pool   *pool.Manager
	log    *zap.Logger
}

// --- helpers ---

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("encode response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
		msg = "internal error, retry later"
	}

	body := map[string]any{"error": msg}
	var taken *qr.TakenError
	if errors.As(err, &taken) {
		body["alternatives"] = taken.Alternatives
	}
	h.writeJSON(w, status, body)
}

// statusFor maps domain errors to HTTP status codes. Anything unrecognised
// is treated as a retryable storage failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrFormat):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrIntegrity), errors.Is(err, domain.ErrUnknownMerchant):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrCodeTaken):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAllocationExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrFormat, err)
	}
	return nil
}

// --- BankWebhook ---

type webhookResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	TransactionID  string `json:"transactionId"`
	ProcessingTime string `json:"processingTime"`
}

func (h *Handlers) BankWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var env ingestion.Envelope
	if err := decodeBody(w, r, &env); err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.ingest.Ingest(r.Context(), env)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := webhookResponse{
		Status:         "success",
		TransactionID:  res.Transaction.TransactionID,
		ProcessingTime: time.Since(start).Round(time.Microsecond).String(),
	}
	switch res.Outcome {
	case domain.OutcomeDuplicate:
		resp.Status = "duplicate"
		resp.Message = "transaction already processed"
	case domain.OutcomeUpdated:
		resp.Message = "transaction status updated to " + string(res.Transaction.Status)
	default:
		resp.Message = "transaction recorded"
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// --- IssueQR ---

type issueRequest struct {
	PreferredCode string `json:"preferredCode"`
}

func (h *Handlers) IssueQR(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			h.writeError(w, err)
			return
		}
	}

	code, err := h.qr.Issue(r.Context(), chi.URLParam(r, "merchantID"), req.PreferredCode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, code)
}

// --- ResolveVPA ---

func (h *Handlers) ResolveVPA(w http.ResponseWriter, r *http.Request) {
	code, err := h.qr.Resolve(r.Context(), chi.URLParam(r, "vpa"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, code)
}

// --- GetTransaction ---

func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.engine.Lookup(r.Context(), chi.URLParam(r, "merchantID"), chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	history, err := h.engine.History(r.Context(), txn.TransactionID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"transaction": txn,
		"history":     history,
	})
}

// --- GetDailyAggregate ---

func (h *Handlers) GetDailyAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := h.engine.DailyAggregate(r.Context(), chi.URLParam(r, "merchantID"), chi.URLParam(r, "day"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, agg)
}

// --- PoolStats ---

func (h *Handlers) PoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pool.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}
