// Package metrics exports request policy state to Prometheus.
//
// Policy counters live in the policies themselves; Collector reads them on
// every scrape instead of mirroring each increment. Breaker transitions are
// the exception: they are events, so they are counted as they happen.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundingbot/internal/resilience"
)

var (
	descRequests = prometheus.NewDesc(
		"bot_requests_total",
		"Calls started through the request policy",
		[]string{"exchange"}, nil,
	)
	descOutcomes = prometheus.NewDesc(
		"bot_request_outcomes_total",
		"Completed calls by outcome (success or failed)",
		[]string{"exchange", "outcome"}, nil,
	)
	descRetries = prometheus.NewDesc(
		"bot_request_retries_total",
		"Retry attempts made by the request policy",
		[]string{"exchange"}, nil,
	)
	descRateLimitWaits = prometheus.NewDesc(
		"bot_rate_limit_waits_total",
		"Acquisitions that had to wait for tokens",
		[]string{"exchange"}, nil,
	)
	descCircuitState = prometheus.NewDesc(
		"bot_circuit_state",
		"0=closed, 1=half_open, 2=open",
		[]string{"exchange"}, nil,
	)
	descAvailableTokens = prometheus.NewDesc(
		"bot_available_tokens",
		"Whole tokens currently in each category bucket",
		[]string{"exchange", "category"}, nil,
	)
)

// Collector is a prometheus.Collector over a set of policies.
type Collector struct {
	mu       sync.RWMutex
	policies map[string]*resilience.Policy

	transitions *prometheus.CounterVec
	registry    *prometheus.Registry
}

// NewCollector creates a collector with its own registry, which also carries
// the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		policies: make(map[string]*resilience.Policy),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_circuit_transitions_total",
				Help: "Circuit breaker state transitions by target state",
			},
			[]string{"exchange", "to"},
		),
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(
		c,
		c.transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Register starts exporting p. Registering the same name twice replaces the
// earlier policy.
func (c *Collector) Register(p *resilience.Policy) {
	c.mu.Lock()
	c.policies[p.Name()] = p
	c.mu.Unlock()

	name := p.Name()
	p.OnStateChange(func(_, to resilience.State) {
		c.transitions.WithLabelValues(name, to.String()).Inc()
	})
}

// Registry returns the registry the collector is registered with.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descRequests
	ch <- descOutcomes
	ch <- descRetries
	ch <- descRateLimitWaits
	ch <- descCircuitState
	ch <- descAvailableTokens
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for name, p := range c.policies {
		m := p.Metrics()
		ch <- prometheus.MustNewConstMetric(descRequests, prometheus.CounterValue, float64(m.TotalRequests), name)
		ch <- prometheus.MustNewConstMetric(descOutcomes, prometheus.CounterValue, float64(m.SuccessfulRequests), name, "success")
		ch <- prometheus.MustNewConstMetric(descOutcomes, prometheus.CounterValue, float64(m.FailedRequests), name, "failed")
		ch <- prometheus.MustNewConstMetric(descRetries, prometheus.CounterValue, float64(m.TotalRetries), name)
		ch <- prometheus.MustNewConstMetric(descRateLimitWaits, prometheus.CounterValue, float64(m.RateLimitWaits), name)
		ch <- prometheus.MustNewConstMetric(descCircuitState, prometheus.GaugeValue, float64(p.CircuitState()), name)

		lim := p.Limiter()
		for _, cat := range lim.Categories() {
			ch <- prometheus.MustNewConstMetric(descAvailableTokens, prometheus.GaugeValue,
				float64(lim.Bucket(cat).Available()), name, cat)
		}
	}
}
