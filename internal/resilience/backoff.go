package resilience

import (
	"math"
	"math/rand"
	"time"
)

// NoHint tells ComputeDelay that the server supplied no retry hint.
const NoHint time.Duration = -1

// BackoffConfig shapes the retry delay curve.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // fraction in [0,1]
}

// Backoff computes jittered exponential retry delays. It holds no mutable
// state and is safe for concurrent use.
type Backoff struct {
	cfg   BackoffConfig
	float func() float64 // uniform in [0,1)
}

// NewBackoff clamps the jitter into [0,1] and defaults the multiplier to 2.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	if cfg.JitterFactor > 1 {
		cfg.JitterFactor = 1
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &Backoff{cfg: cfg, float: rand.Float64}
}

// Config returns the effective configuration.
func (b *Backoff) Config() BackoffConfig { return b.cfg }

// ComputeDelay returns the wait before retry number attempt+1. attempt is
// 0-based: attempt 0 is the delay before the first retry. A non-negative hint
// (for example from a Retry-After header) is returned verbatim.
func (b *Backoff) ComputeDelay(attempt int, hint time.Duration) time.Duration {
	if hint >= 0 {
		return hint
	}
	if attempt < 0 {
		attempt = 0
	}

	base := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if ceiling := float64(b.cfg.MaxDelay); base > ceiling || math.IsInf(base, 1) || math.IsNaN(base) {
		base = ceiling
	}

	if b.cfg.JitterFactor > 0 {
		spread := (b.float()*2 - 1) * b.cfg.JitterFactor
		base *= 1 + spread
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
