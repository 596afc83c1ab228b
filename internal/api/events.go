package api

import (
	"time"

	"fundingbot/internal/resilience"
	"fundingbot/pkg/types"
)

// Event types pushed over /ws.
const (
	EventSnapshot = "snapshot"
	EventCircuit  = "circuit"
	EventTicker   = "ticker"
	EventFunding  = "funding"
	EventReset    = "reset"
)

// DashboardEvent is the wrapper for all events sent to the dashboard
type DashboardEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Exchange  string    `json:"exchange,omitempty"` // empty for global events
	Data      any       `json:"data"`
}

// CircuitEvent is emitted on every breaker transition.
type CircuitEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ResetEvent is emitted when an operator resets a policy through the API.
type ResetEvent struct {
	Breaker bool `json:"breaker"`
}

// NewCircuitEvent wraps a breaker transition.
func NewCircuitEvent(exchange string, from, to resilience.State, at time.Time) DashboardEvent {
	return DashboardEvent{
		Type:      EventCircuit,
		Timestamp: at,
		Exchange:  exchange,
		Data:      CircuitEvent{From: from.String(), To: to.String()},
	}
}

func NewTickerEvent(t types.Ticker) DashboardEvent {
	return DashboardEvent{Type: EventTicker, Timestamp: t.Time, Exchange: t.Exchange, Data: t}
}

func NewFundingEvent(f types.FundingRate) DashboardEvent {
	return DashboardEvent{Type: EventFunding, Timestamp: f.Time, Exchange: f.Exchange, Data: f}
}
