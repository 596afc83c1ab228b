package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type tempErr struct{ temporary bool }

func (e tempErr) Error() string   { return "temp" }
func (e tempErr) Temporary() bool { return e.temporary }

func TestDefaultClassifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", &RequestTimeoutError{Endpoint: "/x", Timeout: time.Second}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"http 500", &HTTPError{StatusCode: http.StatusInternalServerError}, true},
		{"http 503 wrapped", fmt.Errorf("ticker: %w", &HTTPError{StatusCode: 503}), true},
		{"http 429", &HTTPError{StatusCode: http.StatusTooManyRequests}, true},
		{"http 400", &HTTPError{StatusCode: http.StatusBadRequest}, false},
		{"http 401", &HTTPError{StatusCode: http.StatusUnauthorized}, false},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"dial unknown host", &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "api.invalid", IsNotFound: true}}, false},
		{"dial dns temporary", &net.OpError{Op: "dial", Err: &net.DNSError{Err: "server misbehaving", Name: "api.example.com", IsTemporary: true}}, true},
		{"dns timeout", &net.DNSError{Err: "i/o timeout", Name: "api.example.com", IsTimeout: true}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"temporary", tempErr{temporary: true}, true},
		{"not temporary", tempErr{temporary: false}, false},
		{"unknown", errors.New("invalid symbol"), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, DefaultClassifier.Retryable(tt.err))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.Equal(t, NoHint, ParseRetryAfter("", now))
	require.Equal(t, NoHint, ParseRetryAfter("soon", now))
	require.Equal(t, NoHint, ParseRetryAfter("-3", now))
	require.Equal(t, 3*time.Second, ParseRetryAfter("3", now))
	require.Equal(t, 1500*time.Millisecond, ParseRetryAfter("1.5", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("0", now))
	require.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	require.Equal(t, time.Duration(0), ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestRetryHint(t *testing.T) {
	t.Parallel()

	require.Equal(t, NoHint, RetryHint(errors.New("boom")))
	require.Equal(t, NoHint, RetryHint(&HTTPError{StatusCode: 503, RetryAfter: NoHint}))
	require.Equal(t, 2*time.Second, RetryHint(fmt.Errorf("wrap: %w", &HTTPError{StatusCode: 429, RetryAfter: 2 * time.Second})))
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	last := &HTTPError{Method: "GET", Endpoint: "/x", StatusCode: 502, RetryAfter: NoHint}
	err := error(&MaxRetriesExceededError{Endpoint: "/x", Attempts: 4, Last: last})
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, 502, httpErr.StatusCode)

	require.ErrorIs(t, &CircuitOpenError{Exchange: "binance"}, ErrCircuitOpen)
	require.ErrorIs(t, &RequestTimeoutError{}, ErrRequestTimeout)
	require.NotErrorIs(t, &RequestTimeoutError{}, ErrCircuitOpen)
}
