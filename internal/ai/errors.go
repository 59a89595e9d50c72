package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorClass partitions provider failures by how callers must react.
// Classification happens exactly once, at the router boundary; everything
// above the router (scheduler, orchestrator, hub) only inspects the class.
type ErrorClass string

const (
	// ClassTransient errors (timeouts, 5xx, rate limits) may be retried,
	// either on a fallback provider or on a later task attempt.
	ClassTransient ErrorClass = "transient"

	// ClassNonRetriable errors (bad credentials, exhausted quota, malformed
	// requests) fail the call immediately and are surfaced verbatim.
	ClassNonRetriable ErrorClass = "non_retriable"

	// ClassFatal errors indicate infrastructure problems on our side.
	ClassFatal ErrorClass = "fatal"
)

// Well-known error codes surfaced to users.
const (
	CodeRateLimit           = "rate_limit"
	CodeUnauthorized        = "unauthorized"
	CodeInsufficientCredits = "insufficient_credits"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeServiceUnavailable  = "service_unavailable"
	CodeTimeout             = "timeout"
	CodeMalformedRequest    = "malformed_request"
	CodeAllProvidersFailed  = "all_providers_failed"
	CodeNoProvider          = "no_provider_available"
	CodeRequestBudget       = "request_budget_exceeded"
)

// Error is a classified provider failure.
type Error struct {
	Provider Provider
	Class    ErrorClass
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether a fallback provider may be attempted.
func (e *Error) Retriable() bool { return e.Class == ClassTransient }

// ClassOf extracts the error class, defaulting unknown errors to fatal so
// that unclassified failures never loop through retry paths.
func ClassOf(err error) ErrorClass {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr.Class
	}
	return ClassFatal
}

// CodeOf extracts the user-facing error code, if any.
func CodeOf(err error) string {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr.Code
	}
	return ""
}

// apiError is the raw failure a provider client reports before classification.
type apiError struct {
	provider   Provider
	statusCode int
	message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.provider, e.statusCode, e.message)
}

// classify assigns the single authoritative classification for a provider
// failure. Anything already classified passes through unchanged.
func classify(provider Provider, err error) *Error {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: provider, Class: ClassTransient, Code: CodeTimeout,
			Message: "provider call timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Provider: provider, Class: ClassNonRetriable, Code: "cancelled",
			Message: "provider call cancelled", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Provider: provider, Class: ClassTransient, Code: CodeTimeout,
			Message: "network timeout", Err: err}
	}

	var api *apiError
	if errors.As(err, &api) {
		return classifyStatus(provider, api)
	}

	// Provider-level body errors sometimes carry credit exhaustion messages
	// without a dedicated status code.
	if containsInsufficientCredits(err.Error()) {
		return &Error{Provider: provider, Class: ClassNonRetriable, Code: CodeInsufficientCredits,
			Message: "provider account has insufficient credits", Err: err}
	}

	return &Error{Provider: provider, Class: ClassTransient, Code: CodeServiceUnavailable,
		Message: err.Error(), Err: err}
}

func classifyStatus(provider Provider, api *apiError) *Error {
	switch api.statusCode {
	case http.StatusTooManyRequests:
		return &Error{Provider: provider, Class: ClassTransient, Code: CodeRateLimit,
			Message: "provider rate limit exceeded", Err: api}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Provider: provider, Class: ClassNonRetriable, Code: CodeUnauthorized,
			Message: "provider rejected the API key", Err: api}
	case http.StatusPaymentRequired:
		return &Error{Provider: provider, Class: ClassNonRetriable, Code: CodeInsufficientCredits,
			Message: "provider account has insufficient credits", Err: api}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if containsInsufficientCredits(api.message) {
			return &Error{Provider: provider, Class: ClassNonRetriable, Code: CodeInsufficientCredits,
				Message: "provider account has insufficient credits", Err: api}
		}
		return &Error{Provider: provider, Class: ClassNonRetriable, Code: CodeMalformedRequest,
			Message: api.message, Err: api}
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout, 529:
		return &Error{Provider: provider, Class: ClassTransient, Code: CodeServiceUnavailable,
			Message: fmt.Sprintf("provider temporarily unavailable (status %d)", api.statusCode), Err: api}
	default:
		return &Error{Provider: provider, Class: ClassTransient, Code: CodeServiceUnavailable,
			Message: api.message, Err: api}
	}
}

func containsInsufficientCredits(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "insufficient credit") ||
		strings.Contains(lower, "insufficient_credits") ||
		strings.Contains(lower, "credit balance is too low")
}
