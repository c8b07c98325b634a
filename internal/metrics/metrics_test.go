package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGatewayObserver(t *testing.T) {
	m := New()

	m.IncCalls("t1", "TEXT_EXTRACTION", "anthropic", "SUCCEEDED")
	m.IncCalls("t1", "TEXT_EXTRACTION", "anthropic", "SUCCEEDED")
	m.IncCalls("t1", "VISION_EXTRACTION", "anthropic", "CACHE_HIT")
	m.IncCalls("t2", "TEXT_EXTRACTION", "gemini", "DENIED_BUDGET")
	m.AddCost("t1", "anthropic", "claude-sonnet-4", 1500)
	m.AddCost("t1", "anthropic", "claude-sonnet-4", 0)
	m.AddTokens("anthropic", "claude-sonnet-4", 1000, 200)
	m.IncDenial("t2", "budget")
	m.IncProviderError("gemini", "RATE_LIMITED")
	m.IncBudgetCheckError()
	m.IncLedgerWriteFailure()

	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("t1", "TEXT_EXTRACTION", "anthropic", "SUCCEEDED")); got != 2 {
		t.Errorf("expected 2 succeeded calls, got %v", got)
	}
	if got := testutil.ToFloat64(m.CallCostMicrosTotal.WithLabelValues("t1", "anthropic", "claude-sonnet-4")); got != 1500 {
		t.Errorf("expected cost 1500, got %v", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("anthropic", "claude-sonnet-4", "out")); got != 200 {
		t.Errorf("expected 200 output tokens, got %v", got)
	}
	if got := testutil.ToFloat64(m.BudgetCheckErrorsTotal); got != 1 {
		t.Errorf("expected 1 budget check error, got %v", got)
	}

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Calls.Total != 4 || s.Calls.Succeeded != 2 || s.Calls.CacheHits != 1 || s.Calls.DeniedBudget != 1 {
		t.Errorf("unexpected call summary: %+v", s.Calls)
	}
	if s.Calls.TokensIn != 1000 || s.Calls.TokensOut != 200 {
		t.Errorf("unexpected token summary: %+v", s.Calls)
	}
	if s.Budget.Denials != 1 || s.Budget.CheckErrors != 1 {
		t.Errorf("unexpected budget summary: %+v", s.Budget)
	}
	if s.Ledger.WriteFailures != 1 {
		t.Errorf("expected 1 ledger write failure, got %v", s.Ledger.WriteFailures)
	}
}

func TestSpoolMetrics(t *testing.T) {
	m := New()
	m.SetSpoolSize(7)
	m.IncSpoolFlush("success")
	m.IncSpoolFlush("error")

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Ledger.SpoolSize != 7 || s.Ledger.SpoolFlushes != 2 || s.Ledger.FlushErrors != 1 {
		t.Errorf("unexpected ledger summary: %+v", s.Ledger)
	}
}

func TestSetTenantSpendResets(t *testing.T) {
	m := New()
	m.SetTenantSpend(map[string]int64{"a": 10, "b": 20})
	m.SetTenantSpend(map[string]int64{"b": 5})

	if n := testutil.CollectAndCount(m.TenantDailySpend); n != 1 {
		t.Fatalf("expected 1 series after reset, got %d", n)
	}
	if got := testutil.ToFloat64(m.TenantDailySpend.WithLabelValues("b")); got != 5 {
		t.Errorf("expected 5, got %v", got)
	}
}

func TestHTTPSummaryByKind(t *testing.T) {
	m := New()
	m.ObserveHTTP("worker", "POST", "/api/v1/calls", 200, 0.1, 512, 256)
	m.ObserveHTTP("worker", "POST", "/api/v1/calls", 429, 0.01, 512, 64)
	m.ObserveHTTP("admin", "GET", "/api/v1/admin/usage", 200, 0.05, 0, 128)

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Worker.TotalRequests != 2 || s.Worker.ErrorRate != 0.5 {
		t.Errorf("unexpected worker summary: %+v", s.Worker)
	}
	if s.Admin.TotalRequests != 1 || s.Admin.ErrorRate != 0 {
		t.Errorf("unexpected admin summary: %+v", s.Admin)
	}
	if s.Worker.P50Latency <= 0 {
		t.Error("expected a positive worker p50")
	}
}

func TestDBPoolCollector(t *testing.T) {
	m := New()
	m.RegisterDBPoolCollector(func() PoolStats {
		return PoolStats{Total: 4, Idle: 3, Acquired: 1, Max: 10}
	})

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.DB.TotalConns != 4 || s.DB.IdleConns != 3 || s.DB.AcquiredConns != 1 {
		t.Errorf("unexpected db summary: %+v", s.DB)
	}
}

func TestHandlerServesJSON(t *testing.T) {
	m := New()
	m.IncCalls("t1", "TEXT_EXTRACTION", "anthropic", "FAILED")

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
	var s Summary
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if s.Mode != "live" || s.Calls.Failed != 1 {
		t.Errorf("unexpected summary: %+v", s)
	}
}

func TestHistogramPercentileEmpty(t *testing.T) {
	if got := histogramPercentile(nil, 0.5, "", ""); got != 0 {
		t.Errorf("expected 0 for nil family, got %v", got)
	}
}
