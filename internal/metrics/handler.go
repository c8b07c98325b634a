package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	Mode      string        `json:"mode"`
	Worker    httpSummary   `json:"worker"`
	Admin     httpSummary   `json:"admin"`
	Calls     callSummary   `json:"calls"`
	Ledger    ledgerInfo    `json:"ledger"`
	Budget    budgetInfo    `json:"budget"`
	RateLimit rateLimitInfo `json:"rateLimit"`
	Auth      authInfo      `json:"auth"`
	DB        dbInfo        `json:"db"`
	Server    serverInfo    `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type callSummary struct {
	Total          float64 `json:"total"`
	Succeeded      float64 `json:"succeeded"`
	Failed         float64 `json:"failed"`
	CacheHits      float64 `json:"cacheHits"`
	DeniedBudget   float64 `json:"deniedBudget"`
	DeniedSize     float64 `json:"deniedSize"`
	CostMicros     float64 `json:"costMicros"`
	TokensIn       float64 `json:"tokensIn"`
	TokensOut      float64 `json:"tokensOut"`
	ProviderErrors float64 `json:"providerErrors"`
	P50Provider    float64 `json:"p50Provider"`
	P95Provider    float64 `json:"p95Provider"`
}

type ledgerInfo struct {
	WriteFailures float64 `json:"writeFailures"`
	SpoolSize     float64 `json:"spoolSize"`
	SpoolFlushes  float64 `json:"spoolFlushes"`
	FlushErrors   float64 `json:"flushErrors"`
	ResultsPurged float64 `json:"resultsPurged"`
}

type budgetInfo struct {
	Denials     float64 `json:"denials"`
	CheckErrors float64 `json:"checkErrors"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	summary, err := m.Summarize()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	calls := fam["metergate_calls_total"]
	start := gaugeValue(fam["metergate_server_start_time_seconds"])

	return &Summary{
		Mode:   "live",
		Worker: httpSummaryFor(fam, "worker"),
		Admin:  httpSummaryFor(fam, "admin"),
		Calls: callSummary{
			Total:          sumCounter(calls),
			Succeeded:      sumCounterWithLabel(calls, "status", "SUCCEEDED"),
			Failed:         sumCounterWithLabel(calls, "status", "FAILED"),
			CacheHits:      sumCounterWithLabel(calls, "status", "CACHE_HIT"),
			DeniedBudget:   sumCounterWithLabel(calls, "status", "DENIED_BUDGET"),
			DeniedSize:     sumCounterWithLabel(calls, "status", "DENIED_SIZE"),
			CostMicros:     sumCounter(fam["metergate_call_cost_micros_total"]),
			TokensIn:       sumCounterWithLabel(fam["metergate_tokens_total"], "direction", "in"),
			TokensOut:      sumCounterWithLabel(fam["metergate_tokens_total"], "direction", "out"),
			ProviderErrors: sumCounter(fam["metergate_provider_errors_total"]),
			P50Provider:    histogramPercentile(fam["metergate_provider_latency_seconds"], 0.50, "", ""),
			P95Provider:    histogramPercentile(fam["metergate_provider_latency_seconds"], 0.95, "", ""),
		},
		Ledger: ledgerInfo{
			WriteFailures: counterValue(fam["metergate_ledger_write_failures_total"]),
			SpoolSize:     gaugeValue(fam["metergate_spool_size"]),
			SpoolFlushes:  sumCounter(fam["metergate_spool_flushes_total"]),
			FlushErrors:   sumCounterWithLabel(fam["metergate_spool_flushes_total"], "status", "error"),
			ResultsPurged: counterValue(fam["metergate_results_purged_total"]),
		},
		Budget: budgetInfo{
			Denials:     sumCounterWithLabel(fam["metergate_denials_total"], "reason", "budget"),
			CheckErrors: counterValue(fam["metergate_budget_check_errors_total"]),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["metergate_ratelimit_rejections_total"]),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["metergate_auth_failures_total"]),
			Successes: sumCounter(fam["metergate_auth_successes_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["metergate_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["metergate_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["metergate_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

func httpSummaryFor(fam map[string]*dto.MetricFamily, kind string) httpSummary {
	requests := fam["metergate_http_requests_total"]
	durations := fam["metergate_http_request_duration_seconds"]
	return httpSummary{
		TotalRequests: sumCounterWithLabel(requests, "kind", kind),
		ErrorRate:     computeErrorRate(requests, "kind", kind),
		P50Latency:    histogramPercentile(durations, 0.50, "kind", kind),
		P95Latency:    histogramPercentile(durations, 0.95, "kind", kind),
		P99Latency:    histogramPercentile(durations, 0.99, "kind", kind),
	}
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	return sumCounterWithLabel(f, "", "")
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

// hasLabel reports whether m carries name=value. An empty name matches
// every metric.
func hasLabel(m *dto.Metric, name, value string) bool {
	if name == "" {
		return true
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func computeErrorRate(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Past the last finite bucket.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
