package chain

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundingbot/internal/resilience"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// rpcServer answers JSON-RPC calls with handler's result or error.
func rpcServer(t *testing.T, handler func(req rpcRequest) (result any, code int, status int)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, code, status := handler(req)
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if code != 0 {
			resp["error"] = map[string]any{"code": code, "message": "node says no"}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	policy, err := resilience.NewPolicy(resilience.Config{
		Exchange:        "chain",
		Categories:      map[string]resilience.BucketConfig{"rpc": {Capacity: 100, RefillRatePerSecond: 100}},
		DefaultCategory: "rpc",
		Breaker:         resilience.BreakerConfig{FailureThreshold: 10, SuccessThreshold: 1, ResetTimeout: time.Minute},
		Backoff:         resilience.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2},
		DefaultTimeout:  2 * time.Second,
		MaxRetries:      2,
	}, logger)
	require.NoError(t, err)

	c, err := Dial(context.Background(), url, policy, logger)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestBlockNumberAndChainID(t *testing.T) {
	t.Parallel()

	srv := rpcServer(t, func(req rpcRequest) (any, int, int) {
		switch req.Method {
		case "eth_blockNumber":
			return "0x10", 0, 0
		case "eth_chainId":
			return "0x89", 0, 0
		}
		return nil, -32601, 0
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), n)

	id, err := c.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(137), id.Int64())

	m := c.Policy().Metrics()
	assert.Equal(t, uint64(2), m.SuccessfulRequests)
}

func TestBalanceAt(t *testing.T) {
	t.Parallel()

	srv := rpcServer(t, func(req rpcRequest) (any, int, int) {
		if req.Method != "eth_getBalance" {
			return nil, -32601, 0
		}
		return "0x14d1120d7b160000", 0, 0 // 1.5 ether
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	bal, err := c.BalanceAt(context.Background(), "0x00000000219ab540356cbb839cbe05303d7705fa")
	require.NoError(t, err)
	assert.Equal(t, "1.5", bal.Ether().String())
	assert.True(t, strings.EqualFold("0x00000000219ab540356cbb839cbe05303d7705fa", bal.Address))

	_, err = c.BalanceAt(context.Background(), "not-an-address")
	require.Error(t, err)
}

func TestRetriesNodeOverload(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := rpcServer(t, func(req rpcRequest) (any, int, int) {
		switch calls.Add(1) {
		case 1:
			return nil, 0, http.StatusServiceUnavailable
		case 2:
			return nil, codeLimitExceeded, 0
		}
		return "0x2a", 0, 0
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(2), c.Policy().Metrics().TotalRetries)
}

func TestRPCErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := rpcServer(t, func(req rpcRequest) (any, int, int) {
		calls.Add(1)
		return nil, -32602, 0
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.BlockNumber(context.Background())
	require.Error(t, err)

	var rpcErr rpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32602, rpcErr.ErrorCode())
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassifier(t *testing.T) {
	t.Parallel()

	assert.True(t, Classifier.Retryable(rpc.HTTPError{StatusCode: 502}))
	assert.True(t, Classifier.Retryable(rpc.HTTPError{StatusCode: 429}))
	assert.False(t, Classifier.Retryable(rpc.HTTPError{StatusCode: 401}))
	assert.True(t, Classifier.Retryable(context.DeadlineExceeded))
	assert.False(t, Classifier.Retryable(errors.New("execution reverted")))
}
