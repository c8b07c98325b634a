package call

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRequest is returned when a Request is missing required fields.
var ErrInvalidRequest = errors.New("invalid call request")

// Kind identifies the shape of billable work.
type Kind string

const (
	KindTextExtraction   Kind = "TEXT_EXTRACTION"
	KindVisionExtraction Kind = "VISION_EXTRACTION"
	KindJSONRepair       Kind = "JSON_REPAIR"
)

// ParseKind converts a case-insensitive string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown call kind %q", s)
	}
	return k, nil
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTextExtraction, KindVisionExtraction, KindJSONRepair:
		return true
	}
	return false
}

// PageShaped reports whether the size descriptor of k counts pages rather
// than characters.
func (k Kind) PageShaped() bool {
	return k == KindVisionExtraction
}

// Status is the terminal state of one call attempt.
type Status string

const (
	StatusSucceeded    Status = "SUCCEEDED"
	StatusFailed       Status = "FAILED"
	StatusDeniedBudget Status = "DENIED_BUDGET"
	StatusDeniedSize   Status = "DENIED_SIZE"
	StatusCacheHit     Status = "CACHE_HIT"
)

// Request describes one unit of billable work. Payload and Context are the
// opaque provider input built by the pipeline; the gateway never inspects
// them beyond forwarding.
type Request struct {
	TenantID     string            `json:"tenant_id"`
	Kind         Kind              `json:"call_kind"`
	Fingerprint  string            `json:"content_fingerprint"`
	Size         int               `json:"size_descriptor"`
	ModelVariant string            `json:"model_variant,omitempty"`
	BypassCache  bool              `json:"bypass_cache"`
	Payload      []byte            `json:"payload,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// Validate checks the fields the gateway relies on.
func (r *Request) Validate() error {
	switch {
	case strings.TrimSpace(r.TenantID) == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	case !r.Kind.Valid():
		return fmt.Errorf("%w: unknown call_kind %q", ErrInvalidRequest, r.Kind)
	case r.Fingerprint == "":
		return fmt.Errorf("%w: content_fingerprint is required", ErrInvalidRequest)
	case r.Size < 0:
		return fmt.Errorf("%w: size_descriptor must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Outcome is the immutable ledger row recorded for one call attempt.
type Outcome struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Kind            Kind      `json:"call_kind"`
	Fingerprint     string    `json:"content_fingerprint"`
	Status          Status    `json:"status"`
	Provider        string    `json:"provider"`
	ModelVariant    string    `json:"model_variant"`
	TokensIn        int64     `json:"tokens_in"`
	TokensOut       int64     `json:"tokens_out"`
	LatencyMs       int64     `json:"latency_ms"`
	CostMicros      int64     `json:"cost_micros"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	ResultReference string    `json:"result_reference,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
