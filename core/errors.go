package core

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Validation errors - caller mistakes, raised before any vendor call
	ErrValidation          = errors.New("invalid request")
	ErrUnknownModel        = errors.New("unknown model")
	ErrModelNotAllowed     = errors.New("model not in vendor allowlist")
	ErrTooManyMessages     = errors.New("message shape not supported by vendor")
	ErrALSOverflow         = errors.New("ALS block exceeds length limit")
	ErrCountryNotSupported = errors.New("ALS country not supported")

	// Grounding errors
	ErrGroundingNotSupported   = errors.New("grounding tool not supported")
	ErrGroundingRequiredFailed = errors.New("grounding required but not satisfied")
	ErrGroundingEmptyResults   = errors.New("grounding tool returned no results")

	// Transport / availability errors
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrCircuitOpen         = errors.New("circuit breaker open")
	ErrTimeout             = errors.New("operation timeout")

	// Account errors
	ErrAuth          = errors.New("authentication failed")
	ErrQuotaExceeded = errors.New("quota exceeded")

	// Everything else
	ErrInternal = errors.New("internal error")

	// Operation errors shared with the resilience layer
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrContextCanceled    = errors.New("context canceled")
)

// RouterError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type RouterError struct {
	Op      string // Operation that failed (e.g., "router.Complete")
	Vendor  Vendor // Vendor involved, when known
	Model   string // Model involved, when known
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *RouterError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return "router error"
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *RouterError) Unwrap() error {
	return e.Err
}

// NewRouterError creates a new RouterError
func NewRouterError(op string, err error, msg string) *RouterError {
	return &RouterError{Op: op, Err: err, Message: msg}
}

// IsRetryable reports whether the adapter may retry the same call.
// Only classified transients qualify; validation, auth, quota and grounding
// policy errors never do.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// CountsForBreaker reports whether the failure should advance the circuit
// breaker window. Non-transport errors (validation, auth, unsupported tool,
// quota) are breaker-neutral, as is caller cancellation.
func CountsForBreaker(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrContextCanceled) {
		return false
	}
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrTimeout)
}

// IsValidation reports whether the error is a caller mistake.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnknownModel) ||
		errors.Is(err, ErrModelNotAllowed) ||
		errors.Is(err, ErrTooManyMessages) ||
		errors.Is(err, ErrALSOverflow)
}

// ErrorCode maps an error to its stable telemetry code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownModel):
		return "unknown_model"
	case errors.Is(err, ErrModelNotAllowed):
		return "model_not_allowed"
	case errors.Is(err, ErrTooManyMessages):
		return "invalid_message_shape"
	case errors.Is(err, ErrALSOverflow):
		return "als_overflow"
	case errors.Is(err, ErrCountryNotSupported):
		return "als_country_not_supported"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrGroundingRequiredFailed):
		return "grounding_required_failed"
	case errors.Is(err, ErrGroundingNotSupported):
		return "grounding_not_supported"
	case errors.Is(err, ErrGroundingEmptyResults):
		return "grounding_empty_results"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, context.Canceled), errors.Is(err, ErrContextCanceled):
		return "canceled"
	default:
		return "internal_error"
	}
}
