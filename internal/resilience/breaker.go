// breaker.go implements a three-state circuit breaker.
//
//	CLOSED    calls pass; FailureThreshold consecutive failures trip to OPEN.
//	OPEN      calls are refused until ResetTimeout has elapsed since the trip.
//	HALF_OPEN up to HalfOpenMaxCalls trial calls are admitted; SuccessThreshold
//	          successes close the circuit, any failure re-opens it.
//
// The breaker trusts the caller's success/failure classification. Every call
// admitted by Allow must be followed by exactly one OnSuccess or OnFailure
// carrying the Generation that Allow returned. Each state change starts a new
// generation, and outcomes from an earlier one are ignored, so only calls
// admitted during HALF_OPEN decide the trial.
package resilience

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Generation identifies the state period a call was admitted under.
type Generation uint64

// BreakerConfig tunes trip and recovery behaviour.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu                   sync.Mutex
	state                State
	generation           Generation
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	halfOpenInFlight     int

	onChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker. Zero thresholds default to 1.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenMaxCalls < 1 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// OnStateChange registers a hook invoked after every transition. The hook
// runs outside the breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Allow reports whether a call may proceed, and the generation to hand back
// with its outcome.
func (cb *CircuitBreaker) Allow() (Generation, bool) {
	cb.mu.Lock()
	from := cb.state
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
			cb.setStateLocked(StateHalfOpen)
			cb.halfOpenInFlight = 1
			allowed = true
		}
	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.cfg.HalfOpenMaxCalls {
			cb.halfOpenInFlight++
			allowed = true
		}
	}

	to, gen, hook := cb.state, cb.generation, cb.onChange
	cb.mu.Unlock()
	notify(hook, from, to)
	return gen, allowed
}

// OnSuccess records a successful call admitted under gen.
func (cb *CircuitBreaker) OnSuccess(gen Generation) {
	cb.mu.Lock()
	from := cb.state
	if gen != cb.generation {
		cb.mu.Unlock()
		return
	}

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0
	case StateHalfOpen:
		cb.releaseTrialLocked()
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.setStateLocked(StateClosed)
		}
	}

	to, hook := cb.state, cb.onChange
	cb.mu.Unlock()
	notify(hook, from, to)
}

// OnFailure records a failed call admitted under gen.
func (cb *CircuitBreaker) OnFailure(gen Generation) {
	cb.mu.Lock()
	from := cb.state
	if gen != cb.generation {
		cb.mu.Unlock()
		return
	}

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.tripLocked()
		}
	case StateHalfOpen:
		cb.tripLocked()
	}

	to, hook := cb.state, cb.onChange
	cb.mu.Unlock()
	notify(hook, from, to)
}

// release gives back a half-open trial slot without recording an outcome.
// Used when the caller abandoned the call before it could be classified.
func (cb *CircuitBreaker) release(gen Generation) {
	cb.mu.Lock()
	if gen == cb.generation && cb.state == StateHalfOpen {
		cb.releaseTrialLocked()
	}
	cb.mu.Unlock()
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setStateLocked(StateClosed)
	to, hook := cb.state, cb.onChange
	cb.mu.Unlock()
	notify(hook, from, to)
}

func (cb *CircuitBreaker) tripLocked() {
	cb.setStateLocked(StateOpen)
	cb.openedAt = cb.now()
}

// setStateLocked switches state, starts a new generation and clears every
// counter.
func (cb *CircuitBreaker) setStateLocked(s State) {
	cb.state = s
	cb.generation++
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0
}

func (cb *CircuitBreaker) releaseTrialLocked() {
	if cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

func notify(hook func(from, to State), from, to State) {
	if hook != nil && from != to {
		hook(from, to)
	}
}
