package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for the metergate server.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Gateway metrics.
	CallsTotal             *prometheus.CounterVec
	CallCostMicrosTotal    *prometheus.CounterVec
	TokensTotal            *prometheus.CounterVec
	ProviderLatency        *prometheus.HistogramVec
	ProviderErrorsTotal    *prometheus.CounterVec
	DenialsTotal           *prometheus.CounterVec
	BudgetCheckErrorsTotal prometheus.Counter
	TenantDailySpend       *prometheus.GaugeVec

	// Ledger durability.
	LedgerWriteFailuresTotal prometheus.Counter
	SpoolSize                prometheus.Gauge
	SpoolFlushesTotal        *prometheus.CounterVec
	ResultsPurgedTotal       prometheus.Counter

	// Rate limiting and auth.
	RateLimitRejectionsTotal *prometheus.CounterVec
	AuthFailuresTotal        *prometheus.CounterVec
	AuthSuccessesTotal       *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metergate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		HTTPRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metergate_http_request_size_bytes",
			Help:    "HTTP request size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metergate_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_calls_total",
			Help: "Total number of gateway calls by terminal status.",
		}, []string{"tenant_id", "call_kind", "provider", "status"}),

		CallCostMicrosTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_call_cost_micros_total",
			Help: "Total provider cost of successful calls in micro-units.",
		}, []string{"tenant_id", "provider", "model"}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_tokens_total",
			Help: "Total tokens reported by providers.",
		}, []string{"provider", "model", "direction"}),

		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metergate_provider_latency_seconds",
			Help:    "Provider call latency in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}, []string{"provider", "call_kind"}),

		ProviderErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_provider_errors_total",
			Help: "Total number of provider errors by classified kind.",
		}, []string{"provider", "error_kind"}),

		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_denials_total",
			Help: "Total number of calls denied before reaching a provider.",
		}, []string{"tenant_id", "reason"}),

		BudgetCheckErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metergate_budget_check_errors_total",
			Help: "Total number of budget checks that failed and admitted the call.",
		}),

		TenantDailySpend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "metergate_tenant_daily_spend_micros",
			Help: "SUCCEEDED spend for the current UTC day in micro-units.",
		}, []string{"tenant_id"}),

		LedgerWriteFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metergate_ledger_write_failures_total",
			Help: "Total number of synchronous ledger appends that failed.",
		}),

		SpoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metergate_spool_size",
			Help: "Current number of ledger rows waiting for a retry.",
		}),

		SpoolFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_spool_flushes_total",
			Help: "Total number of spool flushes.",
		}, []string{"status"}),

		ResultsPurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metergate_results_purged_total",
			Help: "Total number of stored results removed by retention.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metergate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.CallsTotal,
		m.CallCostMicrosTotal,
		m.TokensTotal,
		m.ProviderLatency,
		m.ProviderErrorsTotal,
		m.DenialsTotal,
		m.BudgetCheckErrorsTotal,
		m.TenantDailySpend,
		m.LedgerWriteFailuresTotal,
		m.SpoolSize,
		m.SpoolFlushesTotal,
		m.ResultsPurgedTotal,
		m.RateLimitRejectionsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PromHandler serves the registry in the Prometheus exposition format.
func (m *Metrics) PromHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncCalls counts one terminal gateway outcome.
func (m *Metrics) IncCalls(tenantID, kind, providerName, status string) {
	m.CallsTotal.WithLabelValues(tenantID, kind, providerName, status).Inc()
}

// AddCost adds the cost of a successful call.
func (m *Metrics) AddCost(tenantID, providerName, model string, micros int64) {
	if micros <= 0 {
		return
	}
	m.CallCostMicrosTotal.WithLabelValues(tenantID, providerName, model).Add(float64(micros))
}

// AddTokens adds provider-reported token counts.
func (m *Metrics) AddTokens(providerName, model string, in, out int64) {
	if in > 0 {
		m.TokensTotal.WithLabelValues(providerName, model, "in").Add(float64(in))
	}
	if out > 0 {
		m.TokensTotal.WithLabelValues(providerName, model, "out").Add(float64(out))
	}
}

// ObserveProviderLatency records how long a provider took to answer.
func (m *Metrics) ObserveProviderLatency(providerName, kind string, seconds float64) {
	m.ProviderLatency.WithLabelValues(providerName, kind).Observe(seconds)
}

// IncDenial counts a size or budget denial.
func (m *Metrics) IncDenial(tenantID, reason string) {
	m.DenialsTotal.WithLabelValues(tenantID, reason).Inc()
}

// IncProviderError counts a classified provider error.
func (m *Metrics) IncProviderError(providerName, errorKind string) {
	m.ProviderErrorsTotal.WithLabelValues(providerName, errorKind).Inc()
}

// IncLedgerWriteFailure counts a failed synchronous ledger append.
func (m *Metrics) IncLedgerWriteFailure() {
	m.LedgerWriteFailuresTotal.Inc()
}

// IncBudgetCheckError counts a budget check that failed open.
func (m *Metrics) IncBudgetCheckError() {
	m.BudgetCheckErrorsTotal.Inc()
}

// SetSpoolSize reports the number of rows waiting in the spool.
func (m *Metrics) SetSpoolSize(n int) {
	m.SpoolSize.Set(float64(n))
}

// IncSpoolFlush counts a spool flush by status ("success" or "error").
func (m *Metrics) IncSpoolFlush(status string) {
	m.SpoolFlushesTotal.WithLabelValues(status).Inc()
}

// SetTenantSpend replaces the daily spend gauges. Tenants absent from
// spend are reset so yesterday's values do not linger after midnight.
func (m *Metrics) SetTenantSpend(spend map[string]int64) {
	m.TenantDailySpend.Reset()
	for tenantID, micros := range spend {
		m.TenantDailySpend.WithLabelValues(tenantID).Set(float64(micros))
	}
}

// AddResultsPurged counts stored results removed by retention.
func (m *Metrics) AddResultsPurged(n int64) {
	if n > 0 {
		m.ResultsPurgedTotal.Add(float64(n))
	}
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(kind, method, pattern string, status int, seconds float64, reqBytes, respBytes int64) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, fmt.Sprintf("%d", status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(seconds)
	if reqBytes > 0 {
		m.HTTPRequestSize.WithLabelValues(kind, method, pattern).Observe(float64(reqBytes))
	}
	m.HTTPResponseSize.WithLabelValues(kind, method, pattern).Observe(float64(respBytes))
}
