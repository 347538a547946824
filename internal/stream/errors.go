package stream

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the failure modes of a streamed chat completion.
var (
	// ErrUpstream indicates the relay or the upstream completion service failed.
	ErrUpstream = errors.New("upstream error")

	// ErrRateLimited indicates the caller sent too many requests (HTTP 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrQuotaExhausted indicates the account ran out of credits (HTTP 402).
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrUnauthorized indicates the bearer credential was missing or rejected (HTTP 401).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBadRequest indicates the request payload was rejected as malformed (HTTP 400).
	ErrBadRequest = errors.New("bad request")

	// ErrNoResponseBody indicates a successful response that carried no streamable body.
	ErrNoResponseBody = fmt.Errorf("%w: no response body", ErrUpstream)

	// ErrStreamStalled indicates no bytes arrived within the idle timeout.
	ErrStreamStalled = errors.New("stream stalled")
)

const (
	msgRateLimited    = "Rate limit exceeded. Please try again in a few minutes."
	msgQuotaExhausted = "AI credits exhausted. Please top up your account to keep chatting."
	msgUnauthorized   = "Your session has expired. Please sign in again."
	msgBadRequest     = "The request could not be processed."
	msgUpstream       = "The AI service failed to answer. Please try again."
)

// StatusError is returned when the relay answers with a non-2xx status. Its Error method returns a
// human-readable message suitable for showing to the user as is.
type StatusError struct {
	StatusCode int
	Message    string

	kind error
}

func newStatusError(statusCode int, message string) *StatusError {
	e := &StatusError{StatusCode: statusCode, Message: message}

	var fallback string
	switch statusCode {
	case http.StatusTooManyRequests:
		e.kind, fallback = ErrRateLimited, msgRateLimited
	case http.StatusPaymentRequired:
		e.kind, fallback = ErrQuotaExhausted, msgQuotaExhausted
	case http.StatusUnauthorized:
		e.kind, fallback = ErrUnauthorized, msgUnauthorized
	case http.StatusBadRequest:
		e.kind, fallback = ErrBadRequest, msgBadRequest
	default:
		fallback = msgUpstream
	}
	if e.Message == "" {
		e.Message = fallback
	}
	return e
}

func (e *StatusError) Error() string {
	return e.Message
}

// Unwrap makes a StatusError match ErrUpstream for statuses without a dedicated sentinel, and the
// dedicated sentinel otherwise. Unauthorized and bad request also match ErrUpstream.
func (e *StatusError) Unwrap() []error {
	switch e.kind {
	case nil:
		return []error{ErrUpstream}
	case ErrRateLimited, ErrQuotaExhausted:
		return []error{e.kind}
	default:
		return []error{e.kind, ErrUpstream}
	}
}
