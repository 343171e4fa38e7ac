// Package resilience guards the feed and Chronicler upstream calls: it
// classifies their failures, retries the transient ones with backoff, and
// opens a circuit when an upstream is down so an ingest run degrades to
// waiting instead of hammering a dead API.
package resilience

import (
	"errors"
	"net"
	"net/http"
	"strings"
)

// TransientError wraps an upstream failure that a later attempt can succeed
// on: rate limiting, 5xx responses, or the network dropping mid-request.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient. statusCode is zero when the
// request never produced a response.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RetryableStatus reports whether an upstream HTTP status is worth retrying.
// The feed and Chronicler APIs rate-limit with 429 and surface maintenance
// windows as 5xx; 408 is retried too, and anything else in the 4xx range is
// a caller bug.
func RetryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// IsTransient reports whether the error (or anything in its chain) is safe
// to retry against the upstream.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		if te.StatusCode == 0 {
			return true
		}
		return RetryableStatus(te.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Wrapped network failures from the HTTP client lose their type by the
	// time they reach us; fall back on the messages those failures carry.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"no such host",
		"unexpected eof",
		"i/o timeout",
		"tls handshake timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
