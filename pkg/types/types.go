// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: order types, market data
// snapshots and stream payloads. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == BUY || s == SELL }

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce controls how long a limit order rests on the book.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // Good-Til-Cancelled
	IOC TimeInForce = "IOC" // Immediate-Or-Cancel
	FOK TimeInForce = "FOK" // Fill-Or-Kill
)

// Ticker is the best bid/ask for a symbol on one exchange.
type Ticker struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Last     decimal.Decimal `json:"last"`
	Time     time.Time       `json:"time"`
}

// Mid returns (bid+ask)/2, or Last when one side is missing.
func (t Ticker) Mid() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return t.Last
	}
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// SpreadBps returns the bid/ask spread in basis points of the mid price.
func (t Ticker) SpreadBps() decimal.Decimal {
	mid := t.Mid()
	if mid.IsZero() || t.Bid.IsZero() || t.Ask.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid).Div(mid).Mul(decimal.NewFromInt(10000))
}

// FundingRate is the current perpetual funding rate for a symbol.
// Rate is per funding interval (e.g. 0.0001 = 0.01% per 8h).
type FundingRate struct {
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	Rate        decimal.Decimal `json:"rate"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	NextFunding time.Time       `json:"next_funding"`
	Time        time.Time       `json:"time"`
}

// Annualized scales Rate to a yearly figure given the funding interval.
func (f FundingRate) Annualized(interval time.Duration) decimal.Decimal {
	if interval <= 0 {
		return decimal.Zero
	}
	periods := decimal.NewFromFloat((365 * 24 * time.Hour).Hours() / interval.Hours())
	return f.Rate.Mul(periods)
}

// Order is an order intent submitted to an exchange.
type Order struct {
	ClientID    string          `json:"client_order_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	TimeInForce TimeInForce     `json:"time_in_force,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// OrderAck is the exchange's acknowledgement of a placed or cancelled order.
type OrderAck struct {
	OrderID  string `json:"order_id"`
	ClientID string `json:"client_order_id,omitempty"`
	Status   string `json:"status"`
}

// Balance is a native-token balance read from the chain, in wei.
type Balance struct {
	Address string          `json:"address"`
	Wei     decimal.Decimal `json:"wei"`
	Block   uint64          `json:"block"`
}

// Ether converts Wei to whole units (18 decimals).
func (b Balance) Ether() decimal.Decimal {
	return b.Wei.Shift(-18)
}

// NormalizeSymbol uppercases a symbol and strips separators, so BTC-USDT,
// btc/usdt and BTC_USDT all map to BTCUSDT.
func NormalizeSymbol(s string) string {
	r := strings.NewReplacer("-", "", "/", "", "_", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(s)))
}
