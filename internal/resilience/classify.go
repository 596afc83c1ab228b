package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Classifier decides whether a failed attempt is worth retrying.
type Classifier interface {
	Retryable(err error) bool
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(err error) bool

// Retryable implements Classifier.
func (f ClassifierFunc) Retryable(err error) bool { return f(err) }

// DefaultClassifier retries timeouts, transient network failures, HTTP 5xx
// and HTTP 429. Everything else, including other 4xx responses, fails fast.
var DefaultClassifier Classifier = ClassifierFunc(defaultRetryable)

func defaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Checked before OpError: dial errors wrap DNS failures.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}
