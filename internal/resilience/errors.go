package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrorKind buckets provider failures for the audit log and health stats.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindTimeout     ErrorKind = "timeout"
	KindCanceled    ErrorKind = "canceled"
	KindRateLimited ErrorKind = "rate_limited"
	KindUnavailable ErrorKind = "unavailable"
	KindAuth        ErrorKind = "auth"
	KindMalformed   ErrorKind = "malformed"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindUnknown     ErrorKind = "unknown"
)

// StatusError is a non-2xx response from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

// RetryAfterHint implements RetryAfterHinter.
func (e *StatusError) RetryAfterHint() time.Duration { return e.RetryAfter }

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("%s: http %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.StatusCode, body)
}

// MalformedError marks a provider response that could not be parsed into
// the expected shape.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string { return "malformed response: " + e.Err.Error() }

func (e *MalformedError) Unwrap() error { return e.Err }

// Malformed wraps err as a MalformedError.
func Malformed(err error) error {
	if err == nil {
		return nil
	}
	return &MalformedError{Err: err}
}

// Classify maps an error onto an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	var me *MalformedError
	if errors.As(err, &me) {
		return KindMalformed
	}

	var se *StatusError
	if errors.As(err, &se) {
		return kindForStatus(se.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return KindUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"no such host",
		"temporary failure in name resolution",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return KindUnavailable
		}
	}
	if strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "tls handshake timeout") {
		return KindTimeout
	}

	return KindUnknown
}

func kindForStatus(code int) ErrorKind {
	switch {
	case code == 429:
		return KindRateLimited
	case code == 401 || code == 403:
		return KindAuth
	case code == 408 || code == 504:
		return KindTimeout
	case code >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	switch Classify(err) {
	case KindTimeout, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable or past values give zero.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue.
func IsTransientHTTPStatus(statusCode int) bool {
	switch kindForStatus(statusCode) {
	case KindTimeout, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}
