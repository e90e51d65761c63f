package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindPermission     ErrorKind = "permission"
	KindNotFound       ErrorKind = "not_found"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindContextLength  ErrorKind = "context_length"
	KindContentFilter  ErrorKind = "content_filter"
	KindRateLimit      ErrorKind = "rate_limit"
	KindServer         ErrorKind = "server"
	KindTimeout        ErrorKind = "timeout"
	KindNetwork        ErrorKind = "network"
	KindUnknown        ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on retry.
// Unknown failures are retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServer, KindTimeout, KindNetwork, KindUnknown:
		return true
	default:
		return false
	}
}

// KindForStatus maps an HTTP status code to an ErrorKind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindPermission
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status == http.StatusRequestEntityTooLarge:
		return KindContextLength
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// ProviderError is a classified failure reported by a provider adapter.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	Status     int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

var (
	ErrNoProvider      = errors.New("no provider configured")
	ErrUnknownProvider = errors.New("provider is not registered")
)

// IsRetryable reports whether err is a provider failure worth retrying.
// Cancellation, request validation and routing errors are never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidRequest) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind.Retryable()
	}
	return false
}

// KindOf returns the kind of the first ProviderError in err's chain, or
// KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
