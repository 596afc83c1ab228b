package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingbot/internal/config"
	"fundingbot/internal/exchange"
	"fundingbot/internal/resilience"
	"fundingbot/internal/store"
)

func TestRenderLimits(t *testing.T) {
	t.Parallel()

	pc := config.ExchangeConfig{
		DefaultCategory: "public",
		Categories: map[string]config.CategoryConfig{
			"public": {Capacity: 1200, RefillRate: 20},
			"order":  {Capacity: 50, RefillRate: 5},
		},
		Endpoints: []config.EndpointConfig{
			{Path: "/fapi/v1/premiumIndex", Weight: 10},
			{Path: "/fapi/v1/order", Category: "order", Prefix: true},
		},
	}.PolicyConfig("binance")

	var buf bytes.Buffer
	require.NoError(t, renderLimits(&buf, pc))
	out := buf.String()

	assert.Contains(t, out, "binance")
	assert.Contains(t, out, "1200")
	assert.Contains(t, out, "/fapi/v1/premiumIndex")
	assert.Contains(t, out, "prefix")
	assert.Contains(t, out, "30s") // default breaker reset timeout
}

func TestRenderLimitsRejectsBadConfig(t *testing.T) {
	t.Parallel()

	pc := config.ExchangeConfig{
		Categories: map[string]config.CategoryConfig{"public": {Capacity: 0, RefillRate: 1}},
	}.PolicyConfig("broken")

	require.Error(t, renderLimits(io.Discard, pc))
}

func TestPolicyConfigChain(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Chain: config.ChainConfig{
			Policy: config.ExchangeConfig{
				Categories: map[string]config.CategoryConfig{"rpc": {Capacity: 10, RefillRate: 10}},
			},
		},
	}
	_, err := policyConfig(cfg, "chain")
	require.Error(t, err, "chain disabled")

	cfg.Chain.Enabled = true
	pc, err := policyConfig(cfg, "chain")
	require.NoError(t, err)
	assert.Equal(t, "chain", pc.Exchange)

	_, err = policyConfig(cfg, "nope")
	require.Error(t, err)
}

func TestRenderSnapshots(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, renderSnapshots(&buf, []store.Snapshot{{
		Exchange:        "bybit",
		CircuitState:    "open",
		Metrics:         resilience.Metrics{TotalRequests: 7, FailedRequests: 3},
		AvailableTokens: map[string]int{"public": 100, "order": 9},
		TakenAt:         now.Add(-90 * time.Second),
	}}, now))

	out := buf.String()
	assert.Contains(t, out, "bybit")
	assert.Contains(t, out, "open")
	assert.Contains(t, out, "order=9 public=100")
	assert.Contains(t, out, "1m30s")

	buf.Reset()
	require.NoError(t, renderSnapshots(&buf, nil, now))
	assert.Contains(t, buf.String(), "no snapshots")
}

func TestRunProbe(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/time":
			io.WriteString(w, `{"serverTime":1700000000000}`)
		case "/ticker":
			io.WriteString(w, `{"bidPrice":"100","askPrice":"101"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	retries := 0
	ex := config.ExchangeConfig{
		BaseURL:    srv.URL,
		Categories: map[string]config.CategoryConfig{"public": {Capacity: 10, RefillRate: 10}},
		Routes: config.RoutesConfig{
			ServerTime:  "/time",
			Ticker:      "/ticker?symbol={symbol}",
			FundingRate: "/funding?symbol={symbol}",
		},
		MaxRetries: &retries,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy, err := resilience.NewPolicy(ex.PolicyConfig("testex"), logger)
	require.NoError(t, err)
	client := exchange.NewClient("testex", ex, true, policy, logger)

	var buf bytes.Buffer
	require.NoError(t, runProbe(context.Background(), &buf, client, "BTCUSDT"))

	out := buf.String()
	assert.Contains(t, out, "2023-11-14T22:13:20Z")
	assert.Contains(t, out, "bid 100 ask 101")
	assert.Contains(t, out, "error:")
	assert.Equal(t, uint64(3), policy.Metrics().TotalRequests)
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel(""))
}
