// Package pricing holds the per-model token rates used for both pre-call
// estimates and actual accounting.
package pricing

import (
	"strings"
	"sync"
)

// Wildcard is the per-provider fallback model key.
const Wildcard = "*"

// microsPerMillion converts a per-million-token rate into a per-token cost.
const microsPerMillion = 1_000_000

// Rate is the price of one million tokens, in micro currency units.
type Rate struct {
	InputPerMTok  int64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok int64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// Cost returns the cost in micros of the given token usage. The result is
// rounded up so fractional micros are never lost.
func Cost(r Rate, tokensIn, tokensOut int64) int64 {
	if tokensIn < 0 {
		tokensIn = 0
	}
	if tokensOut < 0 {
		tokensOut = 0
	}
	total := tokensIn*r.InputPerMTok + tokensOut*r.OutputPerMTok
	if total <= 0 {
		return 0
	}
	return (total + microsPerMillion - 1) / microsPerMillion
}

// fallbackRate prices models nobody configured. It is deliberately at the
// expensive end so unknown models are over- rather than under-accounted.
var fallbackRate = Rate{InputPerMTok: 15_000_000, OutputPerMTok: 75_000_000}

// Table maps provider -> model -> Rate. It is safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	rates map[string]map[string]Rate
}

// DefaultRates returns the built-in rate card.
func DefaultRates() map[string]map[string]Rate {
	return map[string]map[string]Rate{
		"anthropic": {
			"claude-opus-4-20250514":     {InputPerMTok: 15_000_000, OutputPerMTok: 75_000_000},
			"claude-sonnet-4-20250514":   {InputPerMTok: 3_000_000, OutputPerMTok: 15_000_000},
			"claude-3-5-sonnet-20241022": {InputPerMTok: 3_000_000, OutputPerMTok: 15_000_000},
			"claude-3-5-haiku-20241022":  {InputPerMTok: 800_000, OutputPerMTok: 4_000_000},
			"claude-3-haiku-20240307":    {InputPerMTok: 250_000, OutputPerMTok: 1_250_000},
			Wildcard:                     {InputPerMTok: 3_000_000, OutputPerMTok: 15_000_000},
		},
		"gemini": {
			"gemini-2.5-pro":   {InputPerMTok: 1_250_000, OutputPerMTok: 10_000_000},
			"gemini-2.5-flash": {InputPerMTok: 300_000, OutputPerMTok: 2_500_000},
			"gemini-2.0-flash": {InputPerMTok: 100_000, OutputPerMTok: 400_000},
			Wildcard:           {InputPerMTok: 1_250_000, OutputPerMTok: 10_000_000},
		},
	}
}

// NewTable creates a Table seeded with DefaultRates and then the given
// overrides, which replace entries model by model.
func NewTable(overrides map[string]map[string]Rate) *Table {
	t := &Table{rates: DefaultRates()}
	t.Merge(overrides)
	return t
}

// Merge applies overrides on top of the current rates.
func (t *Table) Merge(overrides map[string]map[string]Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for provider, models := range overrides {
		p := normalize(provider)
		if t.rates[p] == nil {
			t.rates[p] = make(map[string]Rate, len(models))
		}
		for model, rate := range models {
			t.rates[p][normalize(model)] = rate
		}
	}
}

// Lookup returns the rate for provider/model, falling back to the
// provider's wildcard entry and then to the global fallback.
func (t *Table) Lookup(provider, model string) Rate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	models, ok := t.rates[normalize(provider)]
	if !ok {
		return fallbackRate
	}
	if r, ok := models[normalize(model)]; ok {
		return r
	}
	if r, ok := models[Wildcard]; ok {
		return r
	}
	return fallbackRate
}

// Cost prices usage for provider/model.
func (t *Table) Cost(provider, model string, tokensIn, tokensOut int64) int64 {
	return Cost(t.Lookup(provider, model), tokensIn, tokensOut)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
