package call

// ErrorKind classifies why a call did not succeed. The empty value means no
// error.
type ErrorKind string

const (
	ErrorTimeout            ErrorKind = "TIMEOUT"
	ErrorRateLimited        ErrorKind = "RATE_LIMITED"
	ErrorAuth               ErrorKind = "AUTH_ERROR"
	ErrorServiceUnavailable ErrorKind = "SERVICE_UNAVAILABLE"
	ErrorInvalidRequest     ErrorKind = "INVALID_REQUEST"
	ErrorSizeDenied         ErrorKind = "SIZE_DENIED"
	ErrorBudgetDenied       ErrorKind = "BUDGET_DENIED"
	ErrorMalformedOutput    ErrorKind = "MALFORMED_OUTPUT"
)

// Retryable is the recommendation handed to callers. Only transient provider
// conditions are worth retrying with backoff; admission denials should fall
// back to the non-metered path instead.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorTimeout, ErrorRateLimited, ErrorServiceUnavailable:
		return true
	}
	return false
}

// Alerting reports whether the kind needs operator attention rather than a
// caller-side fallback.
func (k ErrorKind) Alerting() bool {
	return k == ErrorAuth
}
