// Package api provides the HTTP client for the file haven server with
// automatic retry, exponential backoff, and error classification.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, api.ErrNotFound) to check.
var (
	ErrBadRequest  = errors.New("api: bad request")
	ErrNotFound    = errors.New("api: not found")
	ErrConflict    = errors.New("api: conflict")
	ErrTooLarge    = errors.New("api: payload too large")
	ErrUnavailable = errors.New("api: service unavailable")
	ErrServerError = errors.New("api: server error")
)

// APIError wraps a sentinel error with the HTTP status code and the error
// message body for debugging.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ConflictError is the typed form of a 409 upload rejection: this client's
// upload lost a concurrent-modification conflict and its bytes were diverted
// to ConflictFileName on the server.
type ConflictError struct {
	FileName         string
	ConflictID       string
	ConflictFileName string
	WinnerClientID   string
	WinnerModified   time.Time
	Message          string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("api: upload of %q lost to client %s (conflict copy %q)",
		e.FileName, e.WinnerClientID, e.ConflictFileName)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
// 503 is included because the supervisor answers it while no worker is
// healthy, which is usually transient.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
