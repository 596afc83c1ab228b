package resilience

import "sync/atomic"

// Metrics is a point-in-time copy of a policy's counters.
type Metrics struct {
	TotalRequests      uint64 `json:"total_requests"`
	SuccessfulRequests uint64 `json:"successful_requests"`
	FailedRequests     uint64 `json:"failed_requests"`
	TotalRetries       uint64 `json:"total_retries"`
	RateLimitWaits     uint64 `json:"rate_limit_waits"`
}

// RequestMetrics accumulates monotonically increasing counters. Reads have
// no side effects; Reset exists for test isolation and operator resets.
type RequestMetrics struct {
	totalRequests      atomic.Uint64
	successfulRequests atomic.Uint64
	failedRequests     atomic.Uint64
	totalRetries       atomic.Uint64
	rateLimitWaits     atomic.Uint64
}

// Snapshot copies the counters.
func (m *RequestMetrics) Snapshot() Metrics {
	return Metrics{
		TotalRequests:      m.totalRequests.Load(),
		SuccessfulRequests: m.successfulRequests.Load(),
		FailedRequests:     m.failedRequests.Load(),
		TotalRetries:       m.totalRetries.Load(),
		RateLimitWaits:     m.rateLimitWaits.Load(),
	}
}

// Reset zeroes every counter.
func (m *RequestMetrics) Reset() {
	m.totalRequests.Store(0)
	m.successfulRequests.Store(0)
	m.failedRequests.Store(0)
	m.totalRetries.Store(0)
	m.rateLimitWaits.Store(0)
}
