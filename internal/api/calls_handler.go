package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/metergate/internal/auth"
	"github.com/alecgard/metergate/internal/call"
	"github.com/alecgard/metergate/internal/provider"
	"github.com/alecgard/metergate/internal/results"
)

// callsHandler serves the remote invoke surface for out-of-process workers.
type callsHandler struct {
	gateway Invoker
	results ResultReader
}

func newCallsHandler(gw Invoker, rs ResultReader) *callsHandler {
	return &callsHandler{gateway: gw, results: rs}
}

// Invoke handles POST /api/v1/calls. The body is a call request (payload
// base64-encoded); every classified outcome, denials and provider failures
// included, is a 200 carrying the gateway result.
func (h *callsHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	if h.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "gateway not configured")
		return
	}

	var req call.Request
	if err := readJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	res, err := h.gateway.Invoke(r.Context(), req)
	switch {
	case errors.Is(err, call.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, provider.ErrUnknownProvider):
		writeError(w, http.StatusUnprocessableEntity, "unknown_provider", err.Error())
		return
	case err != nil:
		slog.Error("invoke failed",
			"tenant_id", req.TenantID,
			"worker", workerName(r),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve call")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type resultResponse struct {
	Reference   string    `json:"reference"`
	TenantID    string    `json:"tenant_id"`
	Fingerprint string    `json:"content_fingerprint"`
	Output      string    `json:"output"`
	CreatedAt   time.Time `json:"created_at"`
}

// GetResult handles GET /api/v1/results/{reference}.
func (h *callsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "result store not configured")
		return
	}

	ref := chi.URLParam(r, "reference")
	res, err := h.results.Get(r.Context(), ref)
	if errors.Is(err, results.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "result not found")
		return
	}
	if err != nil {
		slog.Error("loading result failed", "result_reference", ref, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load result")
		return
	}

	writeJSON(w, http.StatusOK, resultResponse{
		Reference:   res.Reference,
		TenantID:    res.TenantID,
		Fingerprint: res.Fingerprint,
		Output:      string(res.Payload),
		CreatedAt:   res.CreatedAt,
	})
}

func workerName(r *http.Request) string {
	if w := auth.WorkerFromContext(r.Context()); w != nil {
		return w.Name
	}
	return ""
}
