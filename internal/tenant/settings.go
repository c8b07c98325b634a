// Package tenant resolves per-tenant gateway settings.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/metergate/internal/call"
)

// ErrNotFound is returned when no override is stored for a tenant.
var ErrNotFound = errors.New("tenant: not found")

// Settings are the effective per-tenant knobs the gateway consults.
type Settings struct {
	Provider          string `yaml:"provider" json:"provider"`
	TextModel         string `yaml:"text_model" json:"text_model"`
	VisionModel       string `yaml:"vision_model" json:"vision_model"`
	DailyBudgetMicros int64  `yaml:"daily_budget_micros" json:"daily_budget_micros"`
	MaxTokensPerCall  int64  `yaml:"max_tokens_per_call" json:"max_tokens_per_call"`
	MaxPagesPerCall   int    `yaml:"max_pages_per_call" json:"max_pages_per_call"`
}

// ModelFor returns the model variant used for calls of kind k.
func (s Settings) ModelFor(k call.Kind) string {
	if k.PageShaped() {
		return s.VisionModel
	}
	return s.TextModel
}

// Validate rejects negative ceilings.
func (s Settings) Validate() error {
	switch {
	case s.DailyBudgetMicros < 0:
		return fmt.Errorf("daily_budget_micros must not be negative")
	case s.MaxTokensPerCall < 0:
		return fmt.Errorf("max_tokens_per_call must not be negative")
	case s.MaxPagesPerCall < 0:
		return fmt.Errorf("max_pages_per_call must not be negative")
	}
	return nil
}

// Override holds the fields a tenant has set explicitly. Nil numeric fields
// and empty strings fall back to the defaults, so an explicit zero budget
// (unlimited) can be told apart from an unset one.
type Override struct {
	Provider          string `yaml:"provider,omitempty" json:"provider,omitempty"`
	TextModel         string `yaml:"text_model,omitempty" json:"text_model,omitempty"`
	VisionModel       string `yaml:"vision_model,omitempty" json:"vision_model,omitempty"`
	DailyBudgetMicros *int64 `yaml:"daily_budget_micros,omitempty" json:"daily_budget_micros,omitempty"`
	MaxTokensPerCall  *int64 `yaml:"max_tokens_per_call,omitempty" json:"max_tokens_per_call,omitempty"`
	MaxPagesPerCall   *int   `yaml:"max_pages_per_call,omitempty" json:"max_pages_per_call,omitempty"`
}

// Resolve applies o on top of defaults.
func (o *Override) Resolve(defaults Settings) Settings {
	s := defaults
	if o == nil {
		return s
	}
	if o.Provider != "" {
		s.Provider = o.Provider
	}
	if o.TextModel != "" {
		s.TextModel = o.TextModel
	}
	if o.VisionModel != "" {
		s.VisionModel = o.VisionModel
	}
	if o.DailyBudgetMicros != nil {
		s.DailyBudgetMicros = *o.DailyBudgetMicros
	}
	if o.MaxTokensPerCall != nil {
		s.MaxTokensPerCall = *o.MaxTokensPerCall
	}
	if o.MaxPagesPerCall != nil {
		s.MaxPagesPerCall = *o.MaxPagesPerCall
	}
	return s
}

// Validate rejects negative limits.
func (o *Override) Validate() error {
	switch {
	case o.DailyBudgetMicros != nil && *o.DailyBudgetMicros < 0:
		return fmt.Errorf("daily_budget_micros must not be negative")
	case o.MaxTokensPerCall != nil && *o.MaxTokensPerCall < 0:
		return fmt.Errorf("max_tokens_per_call must not be negative")
	case o.MaxPagesPerCall != nil && *o.MaxPagesPerCall < 0:
		return fmt.Errorf("max_pages_per_call must not be negative")
	}
	return nil
}

// Lookup returns the stored override for a tenant or ErrNotFound.
type Lookup interface {
	Override(ctx context.Context, tenantID string) (*Override, error)
}

// Chain consults every lookup and merges their overrides field by field.
// Earlier lookups win for each field they set.
type Chain []Lookup

// Override implements Lookup.
func (c Chain) Override(ctx context.Context, tenantID string) (*Override, error) {
	var merged *Override
	for _, l := range c {
		if l == nil {
			continue
		}
		o, err := l.Override(ctx, tenantID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if o == nil {
			continue
		}
		if merged == nil {
			cp := *o
			merged = &cp
			continue
		}
		merged.fillFrom(o)
	}
	if merged == nil {
		return nil, ErrNotFound
	}
	return merged, nil
}

// fillFrom copies the fields of o that are unset in the receiver.
func (m *Override) fillFrom(o *Override) {
	if m.Provider == "" {
		m.Provider = o.Provider
	}
	if m.TextModel == "" {
		m.TextModel = o.TextModel
	}
	if m.VisionModel == "" {
		m.VisionModel = o.VisionModel
	}
	if m.DailyBudgetMicros == nil {
		m.DailyBudgetMicros = o.DailyBudgetMicros
	}
	if m.MaxTokensPerCall == nil {
		m.MaxTokensPerCall = o.MaxTokensPerCall
	}
	if m.MaxPagesPerCall == nil {
		m.MaxPagesPerCall = o.MaxPagesPerCall
	}
}

// Resolver combines a Lookup with defaults.
type Resolver struct {
	lookup   Lookup
	defaults Settings
}

// NewResolver creates a Resolver. lookup may be nil, in which case every
// tenant gets the defaults.
func NewResolver(lookup Lookup, defaults Settings) *Resolver {
	return &Resolver{lookup: lookup, defaults: defaults}
}

// Defaults returns the settings applied to tenants without overrides.
func (r *Resolver) Defaults() Settings {
	return r.defaults
}

// Get returns the effective settings for tenantID.
func (r *Resolver) Get(ctx context.Context, tenantID string) (Settings, error) {
	if r.lookup == nil {
		return r.defaults, nil
	}
	o, err := r.lookup.Override(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return r.defaults, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("loading settings for %s: %w", tenantID, err)
	}
	return o.Resolve(r.defaults), nil
}
