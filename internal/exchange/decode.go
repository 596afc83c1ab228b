package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"fundingbot/pkg/types"
)

// Exchanges disagree on envelope and field names. The decoders below unwrap
// the common envelopes ({"result":{"list":[...]}}, {"data":[...]}, bare arrays)
// and then look fields up by a list of known aliases.

var (
	bidKeys      = []string{"bidPrice", "bid", "bid1Price", "best_bid", "bestBid", "b"}
	askKeys      = []string{"askPrice", "ask", "ask1Price", "best_ask", "bestAsk", "a"}
	lastKeys     = []string{"lastPrice", "last", "price", "markPrice", "c"}
	timeKeys     = []string{"time", "ts", "timestamp", "serverTime", "timeNow", "timeSecond", "E"}
	symbolKeys   = []string{"symbol", "s", "instId"}
	rateKeys     = []string{"lastFundingRate", "fundingRate", "funding_rate", "rate"}
	markKeys     = []string{"markPrice", "mark_price", "mark"}
	nextFundKeys = []string{"nextFundingTime", "next_funding_time", "fundingTime"}
	orderIDKeys  = []string{"orderId", "order_id", "id", "orderID"}
	clientIDKeys = []string{"clientOrderId", "client_order_id", "orderLinkId"}
	statusKeys   = []string{"status", "orderStatus", "state"}
)

// unwrap returns the first record object inside a response body.
func unwrap(raw []byte) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	switch raw[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("empty list response")
		}
		return unwrap(list[0])
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode object: %w", err)
		}
		for _, env := range []string{"result", "data"} {
			if inner, ok := obj[env]; ok && len(inner) > 0 && !bytes.Equal(inner, []byte("null")) {
				rec, err := unwrap(inner)
				if err != nil {
					return nil, err
				}
				return rec, nil
			}
		}
		if inner, ok := obj["list"]; ok {
			return unwrap(inner)
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unexpected response %.32q", raw)
	}
}

// decimalField returns the first alias present, accepting JSON numbers and
// numeric strings.
func decimalField(rec map[string]json.RawMessage, keys []string) (decimal.Decimal, bool) {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok {
			continue
		}
		if d, err := parseDecimal(v); err == nil {
			return d, true
		}
	}
	return decimal.Zero, false
}

func parseDecimal(v json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if s == "" {
			return decimal.Zero, fmt.Errorf("empty string")
		}
		return decimal.NewFromString(s)
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(n.String())
}

// timeField interprets epoch values: seconds below 1e11, milliseconds below
// 1e14, nanoseconds above.
func timeField(rec map[string]json.RawMessage, keys []string) (time.Time, bool) {
	d, ok := decimalField(rec, keys)
	if !ok || !d.IsPositive() {
		return time.Time{}, false
	}
	n := d.IntPart()
	switch {
	case n < 1e11:
		return time.Unix(n, 0).UTC(), true
	case n < 1e14:
		return time.UnixMilli(n).UTC(), true
	default:
		return time.Unix(0, n).UTC(), true
	}
}

func stringField(rec map[string]json.RawMessage, keys []string) string {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

func decodeTicker(raw []byte) (types.Ticker, error) {
	rec, err := unwrap(raw)
	if err != nil {
		return types.Ticker{}, err
	}
	var t types.Ticker
	bid, hasBid := decimalField(rec, bidKeys)
	ask, hasAsk := decimalField(rec, askKeys)
	last, hasLast := decimalField(rec, lastKeys)
	if !hasBid && !hasAsk && !hasLast {
		return types.Ticker{}, fmt.Errorf("no price fields in response")
	}
	t.Bid, t.Ask, t.Last = bid, ask, last
	if ts, ok := timeField(rec, timeKeys); ok {
		t.Time = ts
	}
	return t, nil
}

func decodeFundingRate(raw []byte) (types.FundingRate, error) {
	rec, err := unwrap(raw)
	if err != nil {
		return types.FundingRate{}, err
	}
	rate, ok := decimalField(rec, rateKeys)
	if !ok {
		return types.FundingRate{}, fmt.Errorf("no funding rate field in response")
	}
	f := types.FundingRate{Rate: rate}
	f.MarkPrice, _ = decimalField(rec, markKeys)
	if next, ok := timeField(rec, nextFundKeys); ok {
		f.NextFunding = next
	}
	return f, nil
}

func decodeServerTime(raw []byte) (time.Time, error) {
	trimmed := bytes.TrimSpace(raw)
	if _, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		// bare epoch body
		if ts, ok := timeField(map[string]json.RawMessage{"time": trimmed}, []string{"time"}); ok {
			return ts, nil
		}
		return time.Time{}, fmt.Errorf("server time: invalid epoch %s", trimmed)
	}
	rec, err := unwrap(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	ts, ok := timeField(rec, timeKeys)
	if !ok {
		return time.Time{}, fmt.Errorf("server time: no time field in response")
	}
	return ts, nil
}

func decodeOrderAck(raw []byte) (types.OrderAck, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return types.OrderAck{}, nil
	}
	rec, err := unwrap(raw)
	if err != nil {
		return types.OrderAck{}, err
	}
	return types.OrderAck{
		OrderID:  stringField(rec, orderIDKeys),
		ClientID: stringField(rec, clientIDKeys),
		Status:   stringField(rec, statusKeys),
	}, nil
}

// decodeStreamTicker decodes a pushed ticker frame, which carries its own symbol.
func decodeStreamTicker(raw []byte) (types.Ticker, error) {
	t, err := decodeTicker(raw)
	if err != nil {
		return types.Ticker{}, err
	}
	rec, _ := unwrap(raw)
	t.Symbol = types.NormalizeSymbol(stringField(rec, symbolKeys))
	if t.Symbol == "" {
		return types.Ticker{}, fmt.Errorf("ticker frame without symbol")
	}
	return t, nil
}
