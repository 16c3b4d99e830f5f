// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Error codes carried by ProviderError. The code, not the message, decides
// whether a failure is retried.
const (
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeAuth           = "authentication_error"
	ErrCodeContentFilter  = "content_filter"
)

// ProviderError is the typed error returned by provider implementations.
type ProviderError struct {
	// Provider is the name of the provider that failed.
	Provider string

	// Code is a machine-readable error code.
	Code string

	// Message is a human-readable description.
	Message string

	// StatusCode is the HTTP status code, if applicable.
	StatusCode int

	// RetryAfter is the server-suggested wait before retrying (429s).
	RetryAfter time.Duration

	// Cause is the underlying error, if any.
	Cause error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient (timeout, 5xx, 429).
func (e *ProviderError) Retryable() bool {
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	}
	return false
}

// NewProviderError creates a ProviderError with the given code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: message}
}

// CodeForStatus maps an HTTP status code to an error code.
func CodeForStatus(status int) string {
	switch {
	case status == 429:
		return ErrCodeRateLimit
	case status >= 500:
		return ErrCodeServerError
	case status == 401 || status == 403:
		return ErrCodeAuth
	default:
		return ErrCodeInvalidRequest
	}
}

// CircuitOpenError is returned by a Breaker when the circuit is open; the
// wrapped operation was never invoked.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// TotalOutageError is returned when every primary provider and the fallback
// have been exhausted. It is the only unrecoverable failure a dispatch
// surfaces to the caller and should page, not just log.
type TotalOutageError struct {
	Kind Kind
	Err  error
}

func (e *TotalOutageError) Error() string {
	return fmt.Sprintf("all %s providers exhausted: %v", e.Kind, e.Err)
}

func (e *TotalOutageError) Unwrap() error {
	return e.Err
}

// ErrQueueClosed is returned for jobs cancelled by a queue shutdown.
var ErrQueueClosed = errors.New("worker queue closed")

// IsTransient reports whether err may succeed on retry. Circuit-open
// failures are transient from the dispatcher's point of view (the breaker
// will re-admit calls after its reset timeout) but are never retried
// in-request.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsCircuitOpen reports whether err is a fast-fail from an open breaker.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// IsTotalOutage reports whether err is a total-outage failure.
func IsTotalOutage(err error) bool {
	var toe *TotalOutageError
	return errors.As(err, &toe)
}

// RetryAfterHint extracts a server-suggested retry delay from err, or 0.
func RetryAfterHint(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
