package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoAPIKey is returned when the provider needs a key and none is set.
var ErrNoAPIKey = errors.New("llm: API key not configured")

// ErrMalformedReply is returned when a structured reply is JSON but cannot
// be used as a reply.
var ErrMalformedReply = errors.New("llm: malformed structured reply")

// ErrorKind classifies API errors for retry decisions.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or quota exhausted
	ErrorBadRequest                  // 400
	ErrorFatal
)

// String returns a label for logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorBadRequest:
		return "bad_request"
	default:
		return "fatal"
	}
}

// APIError is a non-200 response.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// Kind classifies the error.
func (e *APIError) Kind() ErrorKind {
	return classify(e.StatusCode, e.Body)
}

func classify(status int, body string) ErrorKind {
	lower := strings.ToLower(body)

	if status == 402 ||
		strings.Contains(lower, "billing") ||
		strings.Contains(lower, "insufficient_quota") {
		return ErrorBilling
	}
	if status == 429 ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "resource_exhausted") {
		return ErrorRateLimit
	}
	if status == 529 || strings.Contains(lower, "overloaded") {
		return ErrorOverloaded
	}

	switch status {
	case 400:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	default:
		if status >= 500 {
			return ErrorRetryable
		}
		return ErrorFatal
	}
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	var apierr *APIError
	if errors.As(err, &apierr) {
		switch apierr.Kind() {
		case ErrorRetryable, ErrorRateLimit, ErrorOverloaded:
			return true
		}
		return false
	}
	// Per-attempt timeouts surface as DeadlineExceeded; the caller's own
	// cancellation is checked before the next attempt.
	return errors.Is(err, context.DeadlineExceeded)
}
