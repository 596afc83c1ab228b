package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeDelayDeterministicWithoutJitter(t *testing.T) {
	t.Parallel()
	b := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, w := range want {
		require.Equal(t, w, b.ComputeDelay(attempt, NoHint), "attempt %d", attempt)
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 200; attempt++ {
		d := b.ComputeDelay(attempt, NoHint)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, time.Second)
		prev = d
	}
}

func TestComputeDelayHintWins(t *testing.T) {
	t.Parallel()
	b := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		JitterFactor: 0.5,
	})

	for attempt := 0; attempt < 10; attempt++ {
		require.Equal(t, 7*time.Second, b.ComputeDelay(attempt, 7*time.Second))
		require.Equal(t, time.Duration(0), b.ComputeDelay(attempt, 0))
	}
}

func TestComputeDelayJitterBounds(t *testing.T) {
	t.Parallel()
	b := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		JitterFactor: 0.2,
	})

	for i := 0; i < 500; i++ {
		d := b.ComputeDelay(1, NoHint) // base 200ms
		require.GreaterOrEqual(t, d, 160*time.Millisecond)
		require.LessOrEqual(t, d, 240*time.Millisecond)
	}

	b.float = func() float64 { return 0 }
	require.Equal(t, 160*time.Millisecond, b.ComputeDelay(1, NoHint))
	b.float = func() float64 { return 0.5 }
	require.Equal(t, 200*time.Millisecond, b.ComputeDelay(1, NoHint))
}

func TestComputeDelayFullJitterNeverNegative(t *testing.T) {
	t.Parallel()
	b := NewBackoff(BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 1})
	b.float = func() float64 { return 0 }
	require.Equal(t, time.Duration(0), b.ComputeDelay(0, NoHint))
}

func TestNewBackoffClampsConfig(t *testing.T) {
	t.Parallel()
	b := NewBackoff(BackoffConfig{InitialDelay: time.Second, MaxDelay: 0, JitterFactor: 3})
	cfg := b.Config()
	require.Equal(t, 2.0, cfg.Multiplier)
	require.Equal(t, 1.0, cfg.JitterFactor)
	require.Equal(t, time.Second, cfg.MaxDelay)
}
