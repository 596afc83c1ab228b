package api

import (
	"time"

	"fundingbot/internal/resilience"
	"fundingbot/pkg/types"
)

// DashboardSnapshot is the complete state served by /api/snapshot and sent to
// every websocket client on connect.
type DashboardSnapshot struct {
	Timestamp    time.Time           `json:"timestamp"`
	Policies     []PolicyStatus      `json:"policies"`
	Tickers      []types.Ticker      `json:"tickers"`
	FundingRates []types.FundingRate `json:"funding_rates"`
	Config       ConfigSummary       `json:"config"`
}

// PolicyStatus is the live view of one request policy.
type PolicyStatus struct {
	Exchange     string             `json:"exchange"`
	CircuitState string             `json:"circuit_state"`
	Metrics      resilience.Metrics `json:"metrics"`
	Buckets      []BucketStatus     `json:"buckets"`
	Backoff      BackoffStatus      `json:"backoff"`
}

// BucketStatus describes one rate-limit category.
type BucketStatus struct {
	Category   string  `json:"category"`
	Available  int     `json:"available"`
	Capacity   int     `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
	Default    bool    `json:"default,omitempty"`
}

type BackoffStatus struct {
	InitialDelay string  `json:"initial_delay"`
	MaxDelay     string  `json:"max_delay"`
	Multiplier   float64 `json:"multiplier"`
}

// ConfigSummary exposes the non-secret parts of the running configuration.
type ConfigSummary struct {
	DryRun       bool     `json:"dry_run"`
	Exchanges    []string `json:"exchanges"`
	ChainEnabled bool     `json:"chain_enabled"`
	PollInterval string   `json:"poll_interval"`
}

// NewPolicyStatus reads the current state of p.
func NewPolicyStatus(p *resilience.Policy) PolicyStatus {
	lim := p.Limiter()
	cats := lim.Categories()
	buckets := make([]BucketStatus, 0, len(cats))
	for _, cat := range cats {
		b := lim.Bucket(cat)
		buckets = append(buckets, BucketStatus{
			Category:   cat,
			Available:  b.Available(),
			Capacity:   b.Capacity(),
			RefillRate: b.Rate(),
			Default:    cat == lim.DefaultCategory(),
		})
	}
	bo := p.Backoff().Config()
	return PolicyStatus{
		Exchange:     p.Name(),
		CircuitState: p.CircuitState().String(),
		Metrics:      p.Metrics(),
		Buckets:      buckets,
		Backoff: BackoffStatus{
			InitialDelay: bo.InitialDelay.String(),
			MaxDelay:     bo.MaxDelay.String(),
			Multiplier:   bo.Multiplier,
		},
	}
}
