package reply

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRateLimited means the relay or its upstream rejected the request
	// with HTTP 429. The user has to wait; nothing is retried.
	ErrRateLimited = errors.New("rate limited")

	// ErrQuotaExhausted means the AI credits are used up (HTTP 402).
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrUpstream covers every other non-success status.
	ErrUpstream = errors.New("upstream error")

	// ErrTransport means the stream could not be established or was
	// interrupted, including the stream timeout.
	ErrTransport = errors.New("transport error")
)

// StatusError is a non-success relay response. It unwraps to the matching
// sentinel so callers can use errors.Is.
type StatusError struct {
	StatusCode int
	Message    string
	kind       error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%v (status %d): %s", e.kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%v (status %d)", e.kind, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// FromStatus maps an HTTP status code to the distinguished error kinds.
func FromStatus(code int, message string) error {
	kind := ErrUpstream
	switch code {
	case http.StatusTooManyRequests:
		kind = ErrRateLimited
	case http.StatusPaymentRequired:
		kind = ErrQuotaExhausted
	}
	return &StatusError{StatusCode: code, Message: message, kind: kind}
}

// Notice renders err as the single user-facing message shown in place of
// a reply.
func Notice(err error) string {
	var status *StatusError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "Rate limit exceeded. Please try again later."
	case errors.Is(err, ErrQuotaExhausted):
		return "AI credits exhausted. Please add credits."
	case errors.As(err, &status) && status.Message != "":
		return status.Message
	case errors.Is(err, ErrTransport):
		return "Connection to kBot was lost. Please try again."
	default:
		return "Something went wrong talking to kBot."
	}
}
