package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrMissingToken is returned by New when no access token is configured.
	ErrMissingToken = errors.New("access token is required")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassUnauthorized represents 401/403. Fatal for the run.
	ErrorClassUnauthorized ErrorClass = "unauthorized"

	// ErrorClassMalformed represents 400/404/422 and unparseable bodies.
	// Fatal for the request.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassRetriesExhausted represents a retryable failure that
	// outlived its attempt budget. Fatal for the run.
	ErrorClassRetriesExhausted ErrorClass = "retries_exhausted"
)

// APIError is a classified failure of a Rollbar API request.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Endpoint   string
	Err        error

	// retryAfter is the Retry-After hint of a 429 response.
	retryAfter string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rollbar %s error (status %d) on %s: %s: %v",
			e.Class, e.StatusCode, e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("rollbar %s error (status %d) on %s: %s",
		e.Class, e.StatusCode, e.Endpoint, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error must stop the run.
func (e *APIError) Fatal() bool {
	return !shouldRetry(e.Class)
}

// ClassOf returns the class of the outermost APIError in err's chain,
// or "" if there is none.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ""
}

// IsPastEnd reports whether err is Rollbar rejecting an instances page
// request with 400 or 404, which is how it answers pages beyond the last.
func IsPastEnd(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Class == ErrorClassMalformed &&
		apiErr.Endpoint == endpointInstances &&
		(apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusNotFound)
}

// classifyStatus maps an HTTP status code to an error class.
// It returns "" for success codes.
func classifyStatus(code int) ErrorClass {
	switch {
	case code >= 200 && code < 300:
		return ""
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrorClassUnauthorized
	case code >= 500:
		return ErrorClassServer
	default:
		// 400, 404, 422 and anything else unexpected.
		return ErrorClassMalformed
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassRateLimit, ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		// Unauthorized and malformed requests fail the same way every time.
		return false
	}
}
