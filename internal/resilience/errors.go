package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrCircuitOpen is matched by every *CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRequestTimeout is matched by every *RequestTimeoutError.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrMaxRetriesExceeded is matched by every *MaxRetriesExceededError.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// CircuitOpenError is returned without invoking the operation while the
// exchange's breaker refuses calls. It is never retried.
type CircuitOpenError struct {
	Exchange string
	Endpoint string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, refusing %s", e.Exchange, e.Endpoint)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// RequestTimeoutError marks an attempt that outlived its timeout.
type RequestTimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s: request timed out after %s", e.Endpoint, e.Timeout)
}

func (e *RequestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

// MaxRetriesExceededError wraps the last error once retries are exhausted.
type MaxRetriesExceededError struct {
	Endpoint string
	Attempts int
	Last     error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Endpoint, e.Attempts, e.Last)
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.Last }

func (e *MaxRetriesExceededError) Is(target error) bool { return target == ErrMaxRetriesExceeded }

// RetryHinter is implemented by errors that carry a server-directed retry
// delay, such as a parsed Retry-After header.
type RetryHinter interface {
	RetryAfterHint() (time.Duration, bool)
}

// HTTPError is a non-2xx response from an exchange.
type HTTPError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
	RetryAfter time.Duration // NoHint when the response carried none
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Endpoint, e.StatusCode, body)
}

// RetryAfterHint implements RetryHinter.
func (e *HTTPError) RetryAfterHint() (time.Duration, bool) {
	if e.RetryAfter < 0 {
		return 0, false
	}
	return e.RetryAfter, true
}

// ParseRetryAfter interprets a Retry-After header value given either as
// delta-seconds or as an HTTP date. It returns NoHint when the value is
// missing or malformed.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return NoHint
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return NoHint
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d
	}
	return NoHint
}

// RetryHint extracts a server-provided retry delay from err, or NoHint.
func RetryHint(err error) time.Duration {
	var h RetryHinter
	if errors.As(err, &h) {
		if d, ok := h.RetryAfterHint(); ok && d >= 0 {
			return d
		}
	}
	return NoHint
}
