// Package estimate computes conservative pre-call token and cost estimates.
// Estimates gate admission only; they are never recorded as actual cost.
package estimate

import (
	"github.com/alecgard/metergate/internal/call"
	"github.com/alecgard/metergate/internal/pricing"
)

const (
	// CharsPerToken is the text-to-token heuristic.
	CharsPerToken = 4
	// TemplateOverheadTenths scales text tokens by 1.2 for prompt wrapping.
	TemplateOverheadTenths = 12
	// FixedOverheadTokens covers the instruction template sent with every call.
	FixedOverheadTokens = 500
	// TokensPerPage is the calibrated cost of one rendered page image.
	TokensPerPage = 1500
	// OutputTokens is the fixed output allowance assumed for every call.
	OutputTokens = 2048
)

// CostEstimate is the derived pre-call estimate.
type CostEstimate struct {
	TokensIn   int64 `json:"estimated_tokens_in"`
	TokensOut  int64 `json:"estimated_tokens_out"`
	CostMicros int64 `json:"estimated_cost_micros"`
}

// Estimate returns the estimate for a call of the given kind and size. Size
// is a character count for text-shaped kinds and a page count for vision.
// Degenerate sizes yield the fixed overhead only.
func Estimate(kind call.Kind, size int, rate pricing.Rate) CostEstimate {
	in := TokensIn(kind, size)
	return CostEstimate{
		TokensIn:   in,
		TokensOut:  OutputTokens,
		CostMicros: pricing.Cost(rate, in, OutputTokens),
	}
}

// TokensIn returns the estimated input tokens alone.
func TokensIn(kind call.Kind, size int) int64 {
	n := int64(size)
	if n < 0 {
		n = 0
	}
	if kind.PageShaped() {
		return n*TokensPerPage + FixedOverheadTokens
	}
	base := (n + CharsPerToken - 1) / CharsPerToken
	scaled := (base*TemplateOverheadTenths + 9) / 10
	return scaled + FixedOverheadTokens
}
