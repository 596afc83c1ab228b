package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingbot/internal/config"
	"fundingbot/internal/resilience"
	"fundingbot/pkg/types"
)

type fakeProvider struct {
	policies []*resilience.Policy
	tickers  []types.Ticker
	events   chan DashboardEvent
}

func (f *fakeProvider) Policies() []*resilience.Policy { return f.policies }

func (f *fakeProvider) Policy(name string) (*resilience.Policy, bool) {
	for _, p := range f.policies {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

func (f *fakeProvider) Tickers() []types.Ticker           { return f.tickers }
func (f *fakeProvider) FundingRates() []types.FundingRate { return nil }
func (f *fakeProvider) Summary() ConfigSummary {
	return ConfigSummary{DryRun: true, Exchanges: []string{"testex"}, PollInterval: "5s"}
}
func (f *fakeProvider) DashboardEvents() <-chan DashboardEvent { return f.events }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *fakeProvider) {
	t.Helper()
	p, err := resilience.NewPolicy(resilience.Config{
		Exchange:        "testex",
		Categories:      map[string]resilience.BucketConfig{"public": {Capacity: 10, RefillRatePerSecond: 0}},
		DefaultCategory: "public",
		Breaker:         resilience.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour},
		DefaultTimeout:  time.Second,
	}, discardLogger())
	require.NoError(t, err)
	prov := &fakeProvider{
		policies: []*resilience.Policy{p},
		tickers: []types.Ticker{{
			Exchange: "testex",
			Symbol:   "BTCUSDT",
			Bid:      decimal.RequireFromString("100"),
			Ask:      decimal.RequireFromString("101"),
		}},
		events: make(chan DashboardEvent, 4),
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "bot_up 1\n")
	})
	return NewServer(config.DashboardConfig{Port: 0}, prov, metrics, discardLogger()), prov
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestMetricsMounted(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bot_up 1")
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap DashboardSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Policies, 1)
	assert.Equal(t, "testex", snap.Policies[0].Exchange)
	assert.Equal(t, "closed", snap.Policies[0].CircuitState)
	require.Len(t, snap.Policies[0].Buckets, 1)
	assert.Equal(t, 10, snap.Policies[0].Buckets[0].Available)
	require.Len(t, snap.Tickers, 1)
	assert.Equal(t, "BTCUSDT", snap.Tickers[0].Symbol)
	assert.NotNil(t, snap.FundingRates, "funding rates should encode as an empty list")
	assert.True(t, snap.Config.DryRun, "config summary missing")
}

func TestPolicyNotFound(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/policies/nope", nil),
		httptest.NewRequest(http.MethodPost, "/api/policies/nope/reset", nil),
	} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", req.Method, req.URL.Path)
	}
}

func TestResetPolicy(t *testing.T) {
	t.Parallel()
	s, prov := newTestServer(t)
	p := prov.policies[0]

	_ = p.Do(context.Background(), resilience.Options{Endpoint: "/ticker"}, func(context.Context) error {
		return &resilience.HTTPError{StatusCode: http.StatusBadRequest}
	})
	require.Equal(t, resilience.StateOpen, p.CircuitState())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/policies/testex/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(0), p.Metrics().TotalRequests, "metrics not reset")
	assert.Equal(t, resilience.StateOpen, p.CircuitState(), "breaker should stay open without ?breaker=true")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/policies/testex/reset?breaker=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, resilience.StateClosed, p.CircuitState())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/policies/testex/reset?breaker=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetRequiresPost(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/policies/testex/reset", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	t.Parallel()
	s, prov := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	go s.consumeEvents(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first DashboardEvent
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, EventSnapshot, first.Type)

	// Registration is asynchronous; wait for the hub to see the client.
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	prov.events <- NewCircuitEvent("testex", resilience.StateClosed, resilience.StateOpen, time.Now())

	var evt struct {
		Type     string       `json:"type"`
		Exchange string       `json:"exchange"`
		Data     CircuitEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, EventCircuit, evt.Type)
	assert.Equal(t, "testex", evt.Exchange)
	assert.Equal(t, "open", evt.Data.To)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.Error(t, err, "dial should fail for a foreign origin")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketExchangeFilter(t *testing.T) {
	t.Parallel()
	s, prov := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	go s.consumeEvents(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?exchange=other", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first DashboardEvent
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, EventSnapshot, first.Type)
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	now := time.Now()
	prov.events <- NewCircuitEvent("testex", resilience.StateClosed, resilience.StateOpen, now)
	prov.events <- NewCircuitEvent("other", resilience.StateClosed, resilience.StateOpen, now)

	var evt DashboardEvent
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "other", evt.Exchange, "filtered stream should only carry other")
}

func TestExchangeFilter(t *testing.T) {
	t.Parallel()

	assert.Nil(t, exchangeFilter(""))
	assert.Equal(t, []string{"binance", "bybit"}, exchangeFilter(" binance, ,bybit "))
}
