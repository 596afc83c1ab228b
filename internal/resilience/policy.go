// Package resilience wraps every outbound exchange call in one composed
// request policy:
//
//	rate limit → circuit breaker → timeout race → classify → backoff → retry
//
// Admission control runs first so that waiting for tokens is never counted
// against the breaker; the breaker gates the operation itself so a dependency
// known to be down is never actually called while the circuit is open.
//
// One Policy is built per exchange at startup and shared by every call site
// of that exchange's adapter.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config is everything a Policy needs, usually produced by config.Config.PolicyConfig.
type Config struct {
	Exchange        string
	Categories      map[string]BucketConfig
	DefaultCategory string
	Endpoints       []EndpointRule
	Breaker         BreakerConfig
	Backoff         BackoffConfig
	DefaultTimeout  time.Duration
	MaxRetries      int
}

// Options tune a single call. Zero values fall back to the policy defaults.
type Options struct {
	Endpoint           string        // required; drives bucket and weight resolution
	Category           string        // overrides the resolved category
	Timeout            time.Duration // per-attempt timeout; 0 = policy default
	MaxRetries         *int          // nil = policy default
	SkipRateLimit      bool
	SkipCircuitBreaker bool
	Retryable          Classifier // nil = DefaultClassifier
	// Discard receives a value that op produced after its attempt had
	// already timed out or been cancelled. Set it when the value owns a
	// resource such as a connection.
	Discard func(v any)
}

// Retries returns a pointer for Options.MaxRetries.
func Retries(n int) *int { return &n }

// Policy is safe for concurrent use.
type Policy struct {
	name           string
	limiter        *Limiter
	breaker        *CircuitBreaker
	backoff        *Backoff
	defaultTimeout time.Duration
	maxRetries     int
	metrics        RequestMetrics
	logger         *slog.Logger

	listenersMu sync.RWMutex
	listeners   []func(from, to State)
}

// NewPolicy validates cfg and builds the limiter, breaker and backoff.
func NewPolicy(cfg Config, logger *slog.Logger) (*Policy, error) {
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("policy: exchange name is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("policy %s: max retries must be >= 0", cfg.Exchange)
	}
	if cfg.DefaultTimeout < 0 {
		return nil, fmt.Errorf("policy %s: default timeout must be >= 0", cfg.Exchange)
	}
	if cfg.Backoff.JitterFactor < 0 || cfg.Backoff.JitterFactor > 1 {
		return nil, fmt.Errorf("policy %s: jitter factor must be within [0,1]", cfg.Exchange)
	}

	limiter, err := NewLimiter(cfg.Categories, cfg.DefaultCategory, cfg.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", cfg.Exchange, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	p := &Policy{
		name:           cfg.Exchange,
		limiter:        limiter,
		breaker:        NewCircuitBreaker(cfg.Breaker),
		backoff:        NewBackoff(cfg.Backoff),
		defaultTimeout: cfg.DefaultTimeout,
		maxRetries:     cfg.MaxRetries,
		logger:         logger.With("component", "resilience", "exchange", cfg.Exchange),
	}
	p.breaker.OnStateChange(p.stateChanged)
	return p, nil
}

// Do runs op under the policy. op receives a context that is cancelled when
// the attempt times out or the caller gives up.
func (p *Policy) Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	_, err := p.run(ctx, opts, func(ctx context.Context) (any, error) {
		return nil, op(ctx)
	})
	return err
}

// Execute is the value-returning form of Policy.Do.
func Execute[T any](ctx context.Context, p *Policy, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	v, err := p.run(ctx, opts, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T) // nil interface values assert to the zero T
	return t, nil
}

type result struct {
	v   any
	err error
}

func (p *Policy) run(ctx context.Context, opts Options, op func(ctx context.Context) (any, error)) (any, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("policy %s: endpoint is required", p.name)
	}
	p.metrics.totalRequests.Add(1)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	maxRetries := p.maxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}
	classifier := opts.Retryable
	if classifier == nil {
		classifier = DefaultClassifier
	}
	cost := p.limiter.Resolve(opts.Endpoint)
	if opts.Category != "" {
		cost.Category = opts.Category
	}
	bucket := p.limiter.Bucket(cost.Category)
	useBreaker := !opts.SkipCircuitBreaker

	for attempt := 0; ; attempt++ {
		if !opts.SkipRateLimit {
			waited, err := bucket.Acquire(ctx, cost.Weight)
			if waited {
				p.metrics.rateLimitWaits.Add(1)
			}
			if err != nil {
				p.metrics.failedRequests.Add(1)
				return nil, err
			}
		}

		var gen Generation
		if useBreaker {
			var ok bool
			if gen, ok = p.breaker.Allow(); !ok {
				p.metrics.failedRequests.Add(1)
				p.logger.Debug("circuit open, failing fast", "endpoint", opts.Endpoint)
				return nil, &CircuitOpenError{Exchange: p.name, Endpoint: opts.Endpoint}
			}
		}

		v, err := p.attempt(ctx, opts, timeout, op)
		if err == nil {
			if useBreaker {
				p.breaker.OnSuccess(gen)
			}
			p.metrics.successfulRequests.Add(1)
			return v, nil
		}

		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the exchange.
			if useBreaker {
				p.breaker.release(gen)
			}
			p.metrics.failedRequests.Add(1)
			return nil, ctx.Err()
		}

		if useBreaker {
			p.breaker.OnFailure(gen)
		}

		if !classifier.Retryable(err) {
			p.metrics.failedRequests.Add(1)
			return nil, err
		}
		if attempt >= maxRetries {
			p.metrics.failedRequests.Add(1)
			p.logger.Warn("retries exhausted",
				"endpoint", opts.Endpoint,
				"attempts", attempt+1,
				"error", err,
			)
			return nil, &MaxRetriesExceededError{Endpoint: opts.Endpoint, Attempts: attempt + 1, Last: err}
		}

		p.metrics.totalRetries.Add(1)
		delay := p.backoff.ComputeDelay(attempt, RetryHint(err))
		p.logger.Debug("retrying request",
			"endpoint", opts.Endpoint,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			p.metrics.failedRequests.Add(1)
			return nil, err
		}
	}
}

// attempt races op against the timeout. A result arriving after the timeout
// lands in the buffered channel and is dropped, or handed to opts.Discard.
func (p *Policy) attempt(ctx context.Context, opts Options, timeout time.Duration, op func(ctx context.Context) (any, error)) (any, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		v, err := op(attemptCtx)
		done <- result{v: v, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-done:
		return r.v, r.err
	case <-expired:
		drain(done, opts.Discard)
		return nil, &RequestTimeoutError{Endpoint: opts.Endpoint, Timeout: timeout}
	case <-ctx.Done():
		drain(done, opts.Discard)
		return nil, ctx.Err()
	}
}

// drain hands the abandoned attempt's value to discard once op returns.
func drain(done <-chan result, discard func(v any)) {
	if discard == nil {
		return
	}
	go func() {
		if r := <-done; r.err == nil && r.v != nil {
			discard(r.v)
		}
	}()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Policy) stateChanged(from, to State) {
	p.logger.Warn("circuit breaker transition", "from", from.String(), "to", to.String())

	p.listenersMu.RLock()
	listeners := p.listeners
	p.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(from, to)
	}
}

// OnStateChange registers fn to be called after every breaker transition.
func (p *Policy) OnStateChange(fn func(from, to State)) {
	p.listenersMu.Lock()
	p.listeners = append(p.listeners, fn)
	p.listenersMu.Unlock()
}

// Name returns the exchange the policy is scoped to.
func (p *Policy) Name() string { return p.name }

// Metrics returns a snapshot of the request counters.
func (p *Policy) Metrics() Metrics { return p.metrics.Snapshot() }

// ResetMetrics zeroes the request counters.
func (p *Policy) ResetMetrics() { p.metrics.Reset() }

// CircuitState returns the breaker state.
func (p *Policy) CircuitState() State { return p.breaker.State() }

// AvailableTokens returns the tokens left in the bucket endpoint draws from.
func (p *Policy) AvailableTokens(endpoint string) int { return p.limiter.Available(endpoint) }

// Limiter exposes the category buckets for introspection.
func (p *Policy) Limiter() *Limiter { return p.limiter }

// Breaker exposes the circuit breaker, mainly for operator resets.
func (p *Policy) Breaker() *CircuitBreaker { return p.breaker }

// Backoff exposes the retry delay policy, reused by reconnect loops.
func (p *Policy) Backoff() *Backoff { return p.backoff }
