package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/alecgard/metergate/internal/call"
)

// Error is a classified provider failure.
type Error struct {
	Kind       call.ErrorKind
	StatusCode int
	Provider   string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusOverloaded is Anthropic's non-standard overload status.
const StatusOverloaded = 529

// ClassifyStatus maps a provider HTTP status to an error kind.
func ClassifyStatus(code int) call.ErrorKind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return call.ErrorTimeout
	case code == http.StatusTooManyRequests:
		return call.ErrorRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return call.ErrorAuth
	case code == StatusOverloaded, code >= 500:
		return call.ErrorServiceUnavailable
	case code >= 400:
		return call.ErrorInvalidRequest
	}
	return call.ErrorServiceUnavailable
}

// Classify returns the error kind for err. Errors that are not already
// classified are treated as timeouts when a deadline was hit and as
// service unavailability otherwise.
func Classify(err error) call.ErrorKind {
	if err == nil {
		return ""
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return call.ErrorTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return call.ErrorTimeout
	}
	return call.ErrorServiceUnavailable
}

// Wrap classifies err and attaches the provider name. Already classified
// errors are returned unchanged.
func Wrap(providerName string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: Classify(err), Provider: providerName, Err: err}
}
