package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/metergate/internal/tenant"
)

// tenantsHandler administers per-tenant overrides and reports budget state.
type tenantsHandler struct {
	store    SettingsStore
	resolver SettingsResolver
	cache    SettingsInvalidator
	budget   UsageReader
}

func newTenantsHandler(store SettingsStore, resolver SettingsResolver, cache SettingsInvalidator, budget UsageReader) *tenantsHandler {
	return &tenantsHandler{store: store, resolver: resolver, cache: cache, budget: budget}
}

// settingsResponse pairs the stored override (if any) with the settings the
// gateway will actually apply.
type settingsResponse struct {
	TenantID  string           `json:"tenant_id"`
	Override  *tenant.Override `json:"override,omitempty"`
	Effective tenant.Settings  `json:"effective"`
}

// List handles GET /api/v1/admin/tenants.
func (h *tenantsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tenant store not configured")
		return
	}
	records, err := h.store.List(r.Context())
	if err != nil {
		slog.Error("listing tenant settings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tenants")
		return
	}
	if records == nil {
		records = []*tenant.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": records})
}

// GetSettings handles GET /api/v1/admin/tenants/{tenantID}/settings.
func (h *tenantsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}

	resp := settingsResponse{TenantID: tenantID}
	if h.store != nil {
		rec, err := h.store.Get(r.Context(), tenantID)
		switch {
		case errors.Is(err, tenant.ErrNotFound):
		case err != nil:
			slog.Error("getting tenant settings failed", "tenant_id", tenantID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to get tenant settings")
			return
		default:
			resp.Override = &rec.Override
		}
	}

	if !h.effective(w, r, &resp) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PutSettings handles PUT /api/v1/admin/tenants/{tenantID}/settings. The body
// replaces the stored override; omitted fields fall back to the defaults.
func (h *tenantsHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tenant store not configured")
		return
	}

	var o tenant.Override
	if err := readJSON(r, &o); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := o.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	rec, err := h.store.Put(r.Context(), tenantID, o)
	if err != nil {
		slog.Error("storing tenant settings failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store tenant settings")
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(tenantID)
	}
	slog.Info("tenant settings updated", "tenant_id", tenantID)

	resp := settingsResponse{TenantID: tenantID, Override: &rec.Override}
	if !h.effective(w, r, &resp) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteSettings handles DELETE /api/v1/admin/tenants/{tenantID}/settings.
func (h *tenantsHandler) DeleteSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tenant store not configured")
		return
	}

	err := h.store.Delete(r.Context(), tenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no stored settings for tenant")
		return
	}
	if err != nil {
		slog.Error("deleting tenant settings failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete tenant settings")
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(tenantID)
	}
	slog.Info("tenant settings deleted", "tenant_id", tenantID)
	w.WriteHeader(http.StatusNoContent)
}

type budgetResponse struct {
	TenantID        string `json:"tenant_id"`
	UsageMicros     int64  `json:"usage_micros"`
	LimitMicros     int64  `json:"limit_micros"`
	Unlimited       bool   `json:"unlimited"`
	Exhausted       bool   `json:"exhausted"`
	RemainingMicros *int64 `json:"remaining_micros,omitempty"`
}

// GetBudget handles GET /api/v1/admin/tenants/{tenantID}/budget.
func (h *tenantsHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	if h.budget == nil || h.resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "budget gate not configured")
		return
	}

	settings, err := h.resolver.Get(r.Context(), tenantID)
	if err != nil {
		slog.Error("resolving tenant settings failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve tenant settings")
		return
	}
	usage, err := h.budget.Usage(r.Context(), tenantID)
	if err != nil {
		slog.Error("reading tenant usage failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read tenant usage")
		return
	}

	resp := budgetResponse{
		TenantID:    tenantID,
		UsageMicros: usage,
		LimitMicros: settings.DailyBudgetMicros,
		Unlimited:   settings.DailyBudgetMicros == 0,
	}
	if !resp.Unlimited {
		remaining := settings.DailyBudgetMicros - usage
		if remaining < 0 {
			remaining = 0
		}
		resp.RemainingMicros = &remaining
		resp.Exhausted = usage >= settings.DailyBudgetMicros
	}
	writeJSON(w, http.StatusOK, resp)
}

// effective fills resp.Effective, writing an error response on failure.
func (h *tenantsHandler) effective(w http.ResponseWriter, r *http.Request, resp *settingsResponse) bool {
	if h.resolver == nil {
		return true
	}
	s, err := h.resolver.Get(r.Context(), resp.TenantID)
	if err != nil {
		slog.Error("resolving tenant settings failed", "tenant_id", resp.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve tenant settings")
		return false
	}
	resp.Effective = s
	return true
}

func tenantParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "tenantID"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "tenant id is required")
		return "", false
	}
	return id, true
}
