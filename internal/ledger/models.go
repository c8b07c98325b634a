package ledger

import (
	"time"

	"github.com/alecgard/metergate/internal/call"
)

// UsageSummary holds aggregate metrics for a set of ledger rows.
type UsageSummary struct {
	TotalCalls     int64   `json:"total_calls"`
	TotalCost      int64   `json:"total_cost_micros"`
	SuccessCount   int64   `json:"success_count"`
	FailureCount   int64   `json:"failure_count"`
	CacheHitCount  int64   `json:"cache_hit_count"`
	DeniedCount    int64   `json:"denied_count"`
	TotalTokensIn  int64   `json:"total_tokens_in"`
	TotalTokensOut int64   `json:"total_tokens_out"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// OutcomeQuery defines filters and pagination for querying ledger rows.
type OutcomeQuery struct {
	TenantID string      `json:"tenant_id,omitempty"`
	Status   call.Status `json:"status,omitempty"`
	Kind     call.Kind   `json:"call_kind,omitempty"`
	From     time.Time   `json:"from"`
	To       time.Time   `json:"to"`
	Cursor   string      `json:"cursor,omitempty"`
	Limit    int         `json:"limit"`
}

// TenantSpend is one tenant's SUCCEEDED cost over a window.
type TenantSpend struct {
	TenantID   string `json:"tenant_id"`
	CostMicros int64  `json:"cost_micros"`
	Calls      int64  `json:"calls"`
}
