package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// SDKError is the base error type for all model backend errors.
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

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by a model provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		RetryAfter: retryAfter,
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
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504, 529:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown errors default to retryable.
		pe.Retryable = true
		return &pe
	}
}

// FailureClass is the coarse classification the orchestration loop acts on.
type FailureClass string

const (
	ClassNone             FailureClass = ""
	ClassRateLimited      FailureClass = "RateLimited"
	ClassModelUnavailable FailureClass = "ModelUnavailable"
	ClassInvalidRequest   FailureClass = "InvalidRequest"
	ClassAborted          FailureClass = "Aborted"
)

// Classify maps a backend error onto a FailureClass. RateLimited and
// ModelUnavailable are transient; InvalidRequest and Aborted are not.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassAborted
	}

	var (
		abort    *AbortError
		rate     *RateLimitError
		server   *ServerError
		network  *NetworkError
		timeout  *RequestTimeoutError
		invalid  *InvalidRequestError
		ctxLen   *ContextLengthError
		auth     *AuthenticationError
		denied   *AccessDeniedError
		notFound *NotFoundError
		filter   *ContentFilterError
		quota    *QuotaExceededError
		cfg      *ConfigurationError
		provider *ProviderError
	)
	switch {
	case errors.As(err, &abort):
		return ClassAborted
	case errors.As(err, &rate):
		return ClassRateLimited
	case errors.As(err, &server), errors.As(err, &network), errors.As(err, &timeout):
		return ClassModelUnavailable
	case errors.As(err, &invalid), errors.As(err, &ctxLen), errors.As(err, &auth),
		errors.As(err, &denied), errors.As(err, &notFound), errors.As(err, &filter),
		errors.As(err, &quota), errors.As(err, &cfg):
		return ClassInvalidRequest
	case errors.As(err, &provider):
		if provider.Retryable {
			return ClassModelUnavailable
		}
		return ClassInvalidRequest
	default:
		// Unknown errors are treated as a flaky backend.
		return ClassModelUnavailable
	}
}

// IsRetryable returns true if the error is safe to retry.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassRateLimited, ClassModelUnavailable:
		return true
	default:
		return false
	}
}
