// Package provider defines the vendor-neutral surface the gateway calls and
// the error classification shared by all adapters.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alecgard/metergate/internal/call"
)

// ErrUnknownProvider is returned when a tenant names a provider that is not
// registered.
var ErrUnknownProvider = errors.New("unknown provider")

// Context keys understood by the bundled adapters.
const (
	ContextSystem    = "system"
	ContextMaxTokens = "max_output_tokens"
	ContextSchema    = "schema"
)

// Call is one request to a provider. Payload and Context are built by the
// caller; adapters interpret them per operation.
type Call struct {
	Model   string
	Payload []byte
	Context map[string]string
}

// Response is the raw provider output with reported usage.
type Response struct {
	Output    string
	Model     string
	TokensIn  int64
	TokensOut int64
}

// Provider is implemented by every model vendor adapter.
type Provider interface {
	Name() string
	ExtractFromText(ctx context.Context, c Call) (*Response, error)
	ExtractFromImages(ctx context.Context, c Call) (*Response, error)
	RepairOutput(ctx context.Context, c Call) (*Response, error)
}

// Page is one rendered document page.
type Page struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// PagesPayload is the Payload encoding for ExtractFromImages.
type PagesPayload struct {
	Prompt string `json:"prompt"`
	Pages  []Page `json:"pages"`
}

// DecodePages parses an ExtractFromImages payload.
func DecodePages(providerName string, payload []byte) (*PagesPayload, error) {
	var p PagesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &Error{Kind: call.ErrorInvalidRequest, Provider: providerName, Err: fmt.Errorf("decoding pages payload: %w", err)}
	}
	if len(p.Pages) == 0 {
		return nil, &Error{Kind: call.ErrorInvalidRequest, Provider: providerName, Err: errors.New("pages payload has no pages")}
	}
	return &p, nil
}

// Registry maps provider identifiers to adapters. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a Registry holding ps.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds or replaces p under p.Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered as name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
