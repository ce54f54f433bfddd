package llms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// FailureKind classifies why a provider call failed. The retry engine and
// fallback executor dispatch on it.
type FailureKind string

const (
	FailureRateLimited     FailureKind = "rate_limited"
	FailureTimeout         FailureKind = "timeout"
	FailureNetwork         FailureKind = "network"
	FailureServerError     FailureKind = "server_error"
	FailureBadRequest      FailureKind = "bad_request"
	FailureAuthFailed      FailureKind = "auth_failed"
	FailureQualityRejected FailureKind = "quality_rejected"
	FailureChainExhausted  FailureKind = "chain_exhausted"
	FailureCancelled       FailureKind = "cancelled"
)

// ProviderError is the typed error carried through the retry engine and
// fallback executor.
type ProviderError struct {
	Provider string
	Kind     FailureKind

	// Status is the HTTP status when the failure came from a response.
	Status int

	// RetryAfter is the server-requested wait, zero when absent.
	RetryAfter time.Duration

	// Reason is a short human-readable explanation.
	Reason string

	Err error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same provider may be retried.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case FailureRateLimited, FailureTimeout, FailureNetwork, FailureServerError:
		return true
	}
	return false
}

// KindOf extracts the failure kind from any error chain. Unclassified
// errors count as network failures.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureCancelled
	}
	return FailureNetwork
}

// ClassifyHTTP maps an HTTP status and headers into the failure taxonomy.
// Success statuses return nil.
func ClassifyHTTP(provider string, status int, header http.Header, body string) *ProviderError {
	if status >= 200 && status < 300 {
		return nil
	}

	pe := &ProviderError{Provider: provider, Status: status, Reason: truncateReason(body)}

	switch {
	case status == http.StatusTooManyRequests:
		pe.Kind = FailureRateLimited
		pe.RetryAfter = parseRetryAfter(header)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Kind = FailureAuthFailed
	case status == http.StatusRequestTimeout:
		pe.Kind = FailureTimeout
	case status >= 500:
		pe.Kind = FailureServerError
	case status >= 400:
		pe.Kind = FailureBadRequest
	default:
		pe.Kind = FailureServerError
	}
	return pe
}

// ClassifyTransport maps transport-level errors (dial failures, timeouts,
// cancellations) into the taxonomy.
func ClassifyTransport(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}

	pe := &ProviderError{Provider: provider, Err: err, Reason: err.Error()}

	switch {
	case errors.Is(err, context.Canceled):
		pe.Kind = FailureCancelled
	case errors.Is(err, context.DeadlineExceeded):
		pe.Kind = FailureTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			pe.Kind = FailureTimeout
		} else {
			pe.Kind = FailureNetwork
		}
	}
	return pe
}

func parseRetryAfter(header http.Header) time.Duration {
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	// HTTP-date form.
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncateReason(body string) string {
	const max = 200
	if len(body) > max {
		return body[:max]
	}
	return body
}
