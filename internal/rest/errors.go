// Package rest provides the HTTP client shared by every provider adapter:
// base URL handling, auth decoration, request pacing, and status code
// classification. It deliberately performs no retries; retry policy belongs
// to the caller.
package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tonimelisma/pansave/internal/drive"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, rest.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("rest: bad request")
	ErrUnauthorized = errors.New("rest: unauthorized")
	ErrForbidden    = errors.New("rest: forbidden")
	ErrNotFound     = errors.New("rest: not found")
	ErrConflict     = errors.New("rest: conflict")
	ErrThrottled    = errors.New("rest: throttled")
	ErrServerError  = errors.New("rest: server error")
	ErrUnexpected   = errors.New("rest: unexpected status")
	ErrMalformed    = errors.New("rest: malformed response")
)

// maxMessageBytes caps how much of an error body ends up in messages.
const maxMessageBytes = 512

// StatusError wraps a sentinel error with the HTTP status code, request ID
// and the raw response body. Providers parse Body for their own error codes.
type StatusError struct {
	StatusCode int
	RequestID  string
	Body       []byte
	Err        error // sentinel, for errors.Is()
}

func (e *StatusError) Error() string {
	msg := string(e.Body)
	if len(msg) > maxMessageBytes {
		msg = msg[:maxMessageBytes] + "..."
	}

	if e.RequestID != "" {
		return fmt.Sprintf("rest: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, msg)
	}

	return fmt.Sprintf("rest: HTTP %d: %s", e.StatusCode, msg)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Kind maps the status to the drive failure taxonomy.
func (e *StatusError) Kind() drive.Kind {
	switch {
	case errors.Is(e.Err, ErrUnauthorized), errors.Is(e.Err, ErrForbidden):
		return drive.KindAuthInvalid
	case errors.Is(e.Err, ErrNotFound):
		return drive.KindNotFound
	case errors.Is(e.Err, ErrThrottled):
		return drive.KindRateLimited
	case errors.Is(e.Err, ErrBadRequest), errors.Is(e.Err, ErrConflict):
		return drive.KindBadInput
	default:
		return drive.KindTransport
	}
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusOK && code < http.StatusMultipleChoices {
			return nil
		}

		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrUnexpected
	}
}
