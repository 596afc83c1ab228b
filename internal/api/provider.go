package api

import (
	"time"

	"fundingbot/internal/resilience"
	"fundingbot/pkg/types"
)

// Provider gives the API read access to the running bot.
type Provider interface {
	// Policies returns every request policy, sorted by name.
	Policies() []*resilience.Policy
	Policy(name string) (*resilience.Policy, bool)
	Tickers() []types.Ticker
	FundingRates() []types.FundingRate
	Summary() ConfigSummary
	// DashboardEvents may return nil when the provider has no event stream.
	DashboardEvents() <-chan DashboardEvent
}

// BuildSnapshot assembles the dashboard state from the provider.
func BuildSnapshot(p Provider, now time.Time) DashboardSnapshot {
	policies := p.Policies()
	statuses := make([]PolicyStatus, 0, len(policies))
	for _, pol := range policies {
		statuses = append(statuses, NewPolicyStatus(pol))
	}
	tickers := p.Tickers()
	if tickers == nil {
		tickers = []types.Ticker{}
	}
	rates := p.FundingRates()
	if rates == nil {
		rates = []types.FundingRate{}
	}
	return DashboardSnapshot{
		Timestamp:    now,
		Policies:     statuses,
		Tickers:      tickers,
		FundingRates: rates,
		Config:       p.Summary(),
	}
}
