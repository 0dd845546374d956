package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ClientError is the base error type for this package.
type ClientError struct {
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Error codes adapters may attach to a ProviderError when the provider
// surfaces a structured code. CodeStreamingUnsupported is the preferred
// signal for the engine's streaming fallback; the message heuristics in
// IsStreamingUnsupported exist only for providers that don't supply one.
const (
	CodeStreamingUnsupported = "stream_unsupported"
)

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	ClientError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// providerError surfaces the struct itself. The concrete subtypes promote
// this method from their embedded ProviderError, which is what lets
// AsProviderError see through them: errors.As against *ProviderError would
// not, since a *RateLimitError is not a *ProviderError and Unwrap walks to
// Cause, not to the embedded struct.
func (e *ProviderError) providerError() *ProviderError { return e }

// AsProviderError extracts the ProviderError carried by err, whether err is
// a bare *ProviderError, one of the concrete subtypes, or wraps either.
func AsProviderError(err error) (*ProviderError, bool) {
	var carrier interface{ providerError() *ProviderError }
	if errors.As(err, &carrier) {
		return carrier.providerError(), true
	}
	return nil, false
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ ClientError }
type AbortError struct{ ClientError }
type NetworkError struct{ ClientError }
type ConfigurationError struct{ ClientError }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, retryAfter *float64) error {
	pe := ProviderError{
		ClientError: ClientError{Message: message},
		Provider:    provider,
		StatusCode:  statusCode,
		ErrorCode:   errorCode,
		RetryAfter:  retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{ClientError: ClientError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch err.(type) {
	case *AuthenticationError, *AccessDeniedError, *NotFoundError,
		*InvalidRequestError, *ContextLengthError, *ConfigurationError, *AbortError:
		return false
	case *RateLimitError, *ServerError, *NetworkError, *RequestTimeoutError:
		return true
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable
	}
	// Unknown errors default to retryable.
	return true
}

// IsStreamingUnsupported reports whether err indicates the provider rejected
// streaming for this model or account. The structured ErrorCode wins when an
// adapter supplies it; otherwise the decision falls back to substring
// heuristics over the error message, which are best-effort, not a contract.
func IsStreamingUnsupported(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := AsProviderError(err); ok && pe.ErrorCode == CodeStreamingUnsupported {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "stream") &&
		(strings.Contains(msg, "param") || strings.Contains(msg, "unsupported")) {
		return true
	}
	return strings.Contains(msg, "must be verified")
}
