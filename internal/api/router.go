package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alecgard/metergate/internal/auth"
	"github.com/alecgard/metergate/internal/call"
	"github.com/alecgard/metergate/internal/gateway"
	"github.com/alecgard/metergate/internal/ledger"
	"github.com/alecgard/metergate/internal/metrics"
	"github.com/alecgard/metergate/internal/ratelimit"
	"github.com/alecgard/metergate/internal/results"
	"github.com/alecgard/metergate/internal/tenant"
)

// Invoker runs one metered call.
type Invoker interface {
	Invoke(ctx context.Context, req call.Request) (*gateway.Result, error)
}

// ResultReader loads stored payloads by reference.
type ResultReader interface {
	Get(ctx context.Context, ref string) (*results.Result, error)
}

// LedgerReader answers usage queries.
type LedgerReader interface {
	GetSummary(ctx context.Context, q ledger.OutcomeQuery) (*ledger.UsageSummary, error)
	ListOutcomes(ctx context.Context, q ledger.OutcomeQuery) ([]*call.Outcome, string, error)
	SpendByTenant(ctx context.Context, from, to time.Time) ([]ledger.TenantSpend, error)
}

// SettingsStore persists tenant overrides.
type SettingsStore interface {
	Get(ctx context.Context, tenantID string) (*tenant.Record, error)
	Put(ctx context.Context, tenantID string, o tenant.Override) (*tenant.Record, error)
	List(ctx context.Context) ([]*tenant.Record, error)
	Delete(ctx context.Context, tenantID string) error
}

// SettingsResolver returns effective settings.
type SettingsResolver interface {
	Get(ctx context.Context, tenantID string) (tenant.Settings, error)
}

// SettingsInvalidator drops cached settings after an admin write.
type SettingsInvalidator interface {
	Invalidate(tenantID string)
}

// UsageReader reports today's spend for a tenant.
type UsageReader interface {
	Usage(ctx context.Context, tenantID string) (int64, error)
}

// Pinger checks backing store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Gateway       Invoker
	Results       ResultReader
	Ledger        LedgerReader
	Settings      SettingsStore
	Resolver      SettingsResolver
	SettingsCache SettingsInvalidator
	Budget        UsageReader
	Auth          *auth.Service
	Limiter       *ratelimit.Limiter
	Metrics       *metrics.Metrics
	DB            Pinger
	AdminKeyHash  string
	MaxBodySize   int64
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	maxBody := deps.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(slogRequestLogger)
	r.Use(limitBody(maxBody))

	// Nil-safe observer: a typed nil *metrics.Metrics must not reach the
	// middleware as a non-nil interface.
	var httpObs HTTPObserver
	var authObs auth.Observer
	if deps.Metrics != nil {
		httpObs = deps.Metrics
		authObs = deps.Metrics
	}

	authSvc := deps.Auth
	if authSvc == nil {
		// No worker keys: every worker request is rejected.
		authSvc = auth.NewService(auth.NewKeyRing(nil))
	}

	calls := newCallsHandler(deps.Gateway, deps.Results)
	tenants := newTenantsHandler(deps.Settings, deps.Resolver, deps.SettingsCache, deps.Budget)
	usage := newUsageHandler(deps.Ledger)

	r.Get("/health", healthHandler(deps.DB))

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.PromHandler())
	}

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(observeHTTP(httpObs, "admin"))
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKeyHash, authObs))

		ar.Get("/tenants", tenants.List)
		ar.Get("/tenants/{tenantID}/settings", tenants.GetSettings)
		ar.Put("/tenants/{tenantID}/settings", tenants.PutSettings)
		ar.Delete("/tenants/{tenantID}/settings", tenants.DeleteSettings)
		ar.Get("/tenants/{tenantID}/budget", tenants.GetBudget)

		ar.Get("/usage", usage.GetSummary)
		ar.Get("/usage/tenants", usage.SpendByTenant)
		ar.Get("/outcomes", usage.ListOutcomes)

		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}
	})

	// Worker routes (worker API key + rate limiting).
	r.Route("/api/v1", func(wr chi.Router) {
		wr.Use(observeHTTP(httpObs, "worker"))
		wr.Use(auth.WorkerAuthMiddleware(authSvc))
		if deps.Limiter != nil {
			var onReject []func()
			if deps.Metrics != nil {
				onReject = append(onReject, func() { deps.Metrics.IncRateLimitRejection("worker") })
			}
			wr.Use(ratelimit.Middleware(deps.Limiter, onReject...))
		}

		wr.Post("/calls", calls.Invoke)
		wr.Get("/results/{reference}", calls.GetResult)
	})

	return r
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "degraded",
				"database": "unreachable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"database": "connected",
		})
	}
}
