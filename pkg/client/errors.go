package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
)

// ErrorClass is the recovery category of a failed operation.
type ErrorClass string

const (
	// ErrorClassRateLimited is HTTP 429 or an explicit "slow down" message.
	ErrorClassRateLimited ErrorClass = "rate_limited"

	// ErrorClassBlocked is HTTP 401/403: the credentials in use were rejected.
	ErrorClassBlocked ErrorClass = "blocked"

	// ErrorClassServerOrNetwork is 5xx, timeouts and transport failures.
	ErrorClassServerOrNetwork ErrorClass = "server_or_network"

	// ErrorClassNonRetryable is any other 4xx, e.g. 404 for a missing target.
	ErrorClassNonRetryable ErrorClass = "non_retryable"

	// ErrorClassMalformed is a 2xx response of unexpected shape.
	ErrorClassMalformed ErrorClass = "malformed_response"

	// ErrorClassPoolExhausted means no credential set was available.
	ErrorClassPoolExhausted ErrorClass = "pool_exhausted"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrMalformedResponse marks a successful response whose body could not be interpreted.
	ErrMalformedResponse = errors.New("malformed response")
)

// rateLimitPhrases appear in 2xx bodies and transport errors when the
// upstream throttles without a 429.
var rateLimitPhrases = []string{
	"rate limit",
	"too many requests",
	"please wait a few minutes",
	"try again later",
}

// RequestError is an upstream response that failed with a classified status.
type RequestError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Malformed wraps ErrMalformedResponse with detail.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// ClassifyStatus maps an HTTP status code to an error class.
// Statuses below 400 return the empty class.
func ClassifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorClassBlocked
	case code == http.StatusRequestTimeout || code >= 500:
		return ErrorClassServerOrNetwork
	case code >= 400:
		return ErrorClassNonRetryable
	default:
		return ""
	}
}

// Classify maps any error returned by an operation to an error class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.ErrorClass
	}

	switch {
	case errors.Is(err, credentials.ErrPoolExhausted):
		return ErrorClassPoolExhausted
	case errors.Is(err, ErrMalformedResponse):
		return ErrorClassMalformed
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return ErrorClassServerOrNetwork
	}

	if containsRateLimitPhrase(err.Error()) {
		return ErrorClassRateLimited
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassServerOrNetwork
	}

	return ErrorClassNonRetryable
}

func containsRateLimitPhrase(s string) bool {
	lower := strings.ToLower(s)
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassNonRetryable:
		// The target does not exist or the request is wrong; retrying wastes budget.
		return false
	case ErrorClassRateLimited, ErrorClassBlocked, ErrorClassServerOrNetwork,
		ErrorClassMalformed, ErrorClassPoolExhausted:
		return true
	default:
		return false
	}
}
