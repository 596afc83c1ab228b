package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingbot/internal/api"
	"fundingbot/internal/config"
	"fundingbot/internal/resilience"
	"fundingbot/internal/store"
)

func exchangeConfig(baseURL string, symbols ...string) config.ExchangeConfig {
	retries := 0
	return config.ExchangeConfig{
		BaseURL: baseURL,
		Symbols: symbols,
		Categories: map[string]config.CategoryConfig{
			"public": {Capacity: 50, RefillRate: 50},
		},
		Routes: config.RoutesConfig{
			Ticker:      "/ticker?symbol={symbol}",
			FundingRate: "/funding?symbol={symbol}",
		},
		Breaker:    config.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour},
		Backoff:    config.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Timeout:    time.Second,
		MaxRetries: &retries,
	}
}

func healthyServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ticker":
			io.WriteString(w, `{"bidPrice":"99.5","askPrice":"100.5"}`)
		case "/funding":
			io.WriteString(w, `{"lastFundingRate":"0.0001","markPrice":"100","nextFundingTime":1700000000000}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestEngine(t *testing.T, exchanges map[string]config.ExchangeConfig) *Engine {
	t.Helper()
	cfg := config.Config{
		DryRun:    true,
		Exchanges: exchanges,
		Store:     config.StoreConfig{DataDir: t.TempDir()},
		Dashboard: config.DashboardConfig{Enabled: true, Port: 8080},
	}
	e, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(e.cancel)
	return e
}

func TestPollOnceRecordsMarketData(t *testing.T) {
	t.Parallel()
	srv := healthyServer()
	defer srv.Close()

	e := newTestEngine(t, map[string]config.ExchangeConfig{
		"alpha": exchangeConfig(srv.URL, "BTCUSDT", "ETHUSDT"),
		"beta":  exchangeConfig(srv.URL, "btc-usdt"),
	})
	e.PollOnce(context.Background())

	tickers := e.Tickers()
	require.Len(t, tickers, 3)
	assert.Equal(t, "alpha", tickers[0].Exchange, "tickers not sorted")
	assert.Equal(t, "BTCUSDT", tickers[0].Symbol, "tickers not sorted")
	assert.Equal(t, "100", tickers[2].Mid().String())

	rates := e.FundingRates()
	require.Len(t, rates, 3)
	assert.Equal(t, "0.0001", rates[0].Rate.String())

	alpha, ok := e.Policy("alpha")
	require.True(t, ok)
	assert.Equal(t, uint64(4), alpha.Metrics().SuccessfulRequests)
}

func TestOpenCircuitSkipsExchange(t *testing.T) {
	t.Parallel()
	healthy := healthyServer()
	defer healthy.Close()

	var brokenCalls atomic.Int32
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokenCalls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	e := newTestEngine(t, map[string]config.ExchangeConfig{
		"good": exchangeConfig(healthy.URL, "BTCUSDT"),
		"bad":  exchangeConfig(broken.URL, "BTCUSDT", "ETHUSDT"),
	})
	e.PollOnce(context.Background())

	bad, _ := e.Policy("bad")
	require.Equal(t, resilience.StateOpen, bad.CircuitState())
	// One failure trips the breaker; every later call fails fast.
	assert.Equal(t, int32(1), brokenCalls.Load())
	assert.Len(t, e.Tickers(), 1, "only the healthy exchange should report")

	var sawCircuit bool
	for len(e.dashboardEvents) > 0 {
		evt := <-e.dashboardEvents
		if evt.Type == api.EventCircuit && evt.Exchange == "bad" {
			sawCircuit = true
		}
	}
	assert.True(t, sawCircuit, "expected a circuit event for bad")
}

func TestSaveSnapshotsPersistsEveryPolicy(t *testing.T) {
	t.Parallel()
	srv := healthyServer()
	defer srv.Close()

	e := newTestEngine(t, map[string]config.ExchangeConfig{
		"alpha": exchangeConfig(srv.URL, "BTCUSDT"),
	})
	e.PollOnce(context.Background())
	e.SaveSnapshots()

	snap, err := e.store.LoadSnapshot("alpha")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(2), snap.Metrics.TotalRequests)
}

func TestSummary(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, map[string]config.ExchangeConfig{
		"b": exchangeConfig("http://127.0.0.1:1"),
		"a": exchangeConfig("http://127.0.0.1:1"),
	})
	s := e.Summary()
	assert.True(t, s.DryRun)
	assert.Equal(t, []string{"a", "b"}, s.Exchanges)
	assert.False(t, s.ChainEnabled)
	assert.NotNil(t, e.DashboardEvents(), "dashboard events should be enabled")
}

// Not parallel: swaps openStore.
func TestNewClosesStoreOnError(t *testing.T) {
	var opened *store.Store
	openStore = func(dir string) (*store.Store, error) {
		st, err := store.Open(dir)
		opened = st
		return st, err
	}
	t.Cleanup(func() { openStore = store.Open })

	good := exchangeConfig("http://127.0.0.1:1")
	bad := exchangeConfig("http://127.0.0.1:1")
	bad.Backoff.JitterFactor = 1.5

	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"invalid exchange policy", config.Config{
			Exchanges: map[string]config.ExchangeConfig{"a": good, "b": bad},
		}},
		{"unreachable chain rpc", config.Config{
			Exchanges: map[string]config.ExchangeConfig{"a": good},
			Chain: config.ChainConfig{
				Enabled: true,
				RPCURL:  "ftp://127.0.0.1:1",
				Policy:  good,
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opened = nil
			tt.cfg.Store = config.StoreConfig{DataDir: t.TempDir()}

			e, err := New(tt.cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			require.Error(t, err)
			require.Nil(t, e)
			require.NotNil(t, opened)
			assert.True(t, opened.Closed())
		})
	}
}
