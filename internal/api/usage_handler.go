package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/metergate/internal/budget"
	"github.com/alecgard/metergate/internal/call"
	"github.com/alecgard/metergate/internal/ledger"
)

const maxOutcomesLimit = 500

// usageHandler groups ledger reporting handlers.
type usageHandler struct {
	ledger LedgerReader
}

func newUsageHandler(l LedgerReader) *usageHandler {
	return &usageHandler{ledger: l}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// buildOutcomeQuery constructs an OutcomeQuery from query params.
func buildOutcomeQuery(r *http.Request) (ledger.OutcomeQuery, error) {
	params := r.URL.Query()
	q := ledger.OutcomeQuery{
		TenantID: params.Get("tenant_id"),
		Cursor:   params.Get("cursor"),
	}

	if s := params.Get("status"); s != "" {
		st := call.Status(s)
		switch st {
		case call.StatusSucceeded, call.StatusFailed, call.StatusDeniedBudget, call.StatusDeniedSize, call.StatusCacheHit:
			q.Status = st
		default:
			return q, fmt.Errorf("unknown status %q", s)
		}
	}
	if k := params.Get("call_kind"); k != "" {
		kind, err := call.ParseKind(k)
		if err != nil {
			return q, err
		}
		q.Kind = kind
	}

	var err error
	if q.From, err = parseTimeParam(params.Get("from")); err != nil {
		return q, fmt.Errorf("invalid 'from' parameter")
	}
	if q.To, err = parseTimeParam(params.Get("to")); err != nil {
		return q, fmt.Errorf("invalid 'to' parameter")
	}

	if limitStr := params.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			return q, fmt.Errorf("invalid 'limit' parameter")
		}
		if l > maxOutcomesLimit {
			l = maxOutcomesLimit
		}
		q.Limit = l
	}
	return q, nil
}

// GetSummary handles GET /api/v1/admin/usage.
func (h *usageHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "ledger not configured")
		return
	}
	q, err := buildOutcomeQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	summary, err := h.ledger.GetSummary(r.Context(), q)
	if err != nil {
		slog.Error("usage summary failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SpendByTenant handles GET /api/v1/admin/usage/tenants. Without a window it
// reports the current UTC day.
func (h *usageHandler) SpendByTenant(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "ledger not configured")
		return
	}
	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid 'from' parameter")
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid 'to' parameter")
		return
	}
	if from.IsZero() {
		from = budget.DayStart(time.Now())
	}

	spend, err := h.ledger.SpendByTenant(r.Context(), from, to)
	if err != nil {
		slog.Error("tenant spend query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get tenant spend")
		return
	}
	if spend == nil {
		spend = []ledger.TenantSpend{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":    from,
		"tenants": spend,
	})
}

// ListOutcomes handles GET /api/v1/admin/outcomes.
func (h *usageHandler) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "ledger not configured")
		return
	}
	q, err := buildOutcomeQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	outcomes, nextCursor, err := h.ledger.ListOutcomes(r.Context(), q)
	if errors.Is(err, ledger.ErrInvalidCursor) {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid cursor")
		return
	}
	if err != nil {
		slog.Error("listing outcomes failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list outcomes")
		return
	}

	if outcomes == nil {
		outcomes = []*call.Outcome{}
	}
	resp := map[string]any{
		"outcomes": outcomes,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}
