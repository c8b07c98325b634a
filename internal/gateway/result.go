package gateway

import (
	"github.com/alecgard/metergate/internal/call"
	"github.com/alecgard/metergate/internal/estimate"
)

// Result is what a caller gets back from Invoke. Every classified outcome,
// including denials and provider failures, is a Result rather than an
// error.
type Result struct {
	Status          call.Status           `json:"status"`
	Output          string                `json:"output,omitempty"`
	ResultReference string                `json:"result_reference,omitempty"`
	ErrorKind       call.ErrorKind        `json:"error_kind,omitempty"`
	Retryable       bool                  `json:"retryable"`
	Message         string                `json:"message,omitempty"`
	Estimate        estimate.CostEstimate `json:"estimate"`
	Outcome         *call.Outcome         `json:"outcome,omitempty"`

	// Populated on budget denials.
	UsageMicros int64 `json:"current_usage_micros,omitempty"`
	LimitMicros int64 `json:"limit_micros,omitempty"`

	// AccountingUnconfirmed is set when the ledger row could not be written
	// synchronously and was queued for retry.
	AccountingUnconfirmed bool `json:"accounting_unconfirmed,omitempty"`

	// Abandoned is set when the caller's context ended before the provider
	// answered. The eventual outcome is still recorded.
	Abandoned bool `json:"abandoned,omitempty"`
}

func resultFor(o *call.Outcome, est estimate.CostEstimate) *Result {
	return &Result{
		Status:          o.Status,
		ResultReference: o.ResultReference,
		ErrorKind:       o.ErrorKind,
		Retryable:       o.ErrorKind.Retryable(),
		Estimate:        est,
		Outcome:         o,
	}
}
