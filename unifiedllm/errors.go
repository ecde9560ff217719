package unifiedllm

import (
	"errors"
	"fmt"
)

// SDKError is the root of the error hierarchy.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error { return e.Cause }

// ProviderError is a failure reported by a model provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64 // server hint, in seconds
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Provider failure kinds. Each carries its own retry classification.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }

// Failures that never reached a provider.

type RequestTimeoutError struct{ SDKError }
type NetworkError struct{ SDKError }
type AbortError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// transient is implemented by every error type that knows whether a retry
// can help.
type transient interface{ transient() bool }

func (e *ProviderError) transient() bool       { return e.Retryable }
func (e *AuthenticationError) transient() bool { return false }
func (e *AccessDeniedError) transient() bool   { return false }
func (e *NotFoundError) transient() bool       { return false }
func (e *InvalidRequestError) transient() bool { return false }
func (e *ContextLengthError) transient() bool  { return false }
func (e *ContentFilterError) transient() bool  { return false }
func (e *RateLimitError) transient() bool      { return true }
func (e *ServerError) transient() bool         { return true }
func (e *RequestTimeoutError) transient() bool { return true }
func (e *NetworkError) transient() bool        { return true }
func (e *AbortError) transient() bool          { return false }
func (e *ConfigurationError) transient() bool  { return false }

// IsRetryable reports whether a retry could succeed. Unknown errors are
// treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var t transient
	if errors.As(err, &t) {
		return t.transient()
	}
	return true
}

// ErrorFromStatusCode classifies an HTTP failure from a provider.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{pe}
	case 401:
		return &AuthenticationError{pe}
	case 403:
		return &AccessDeniedError{pe}
	case 404:
		return &NotFoundError{pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{pe}
	default:
		// Unknown statuses default to retryable.
		pe.Retryable = true
		return &pe
	}
}
