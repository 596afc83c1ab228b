// Package chain reads EVM chain state over JSON-RPC. Every RPC runs through a
// resilience.Policy so node rate limits and outages are handled the same way
// as exchange APIs.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"fundingbot/internal/resilience"
	"fundingbot/pkg/types"
)

// Policy endpoints, named after the JSON-RPC methods.
const (
	EndpointBlockNumber = "eth_blockNumber"
	EndpointChainID     = "eth_chainId"
	EndpointGetBalance  = "eth_getBalance"
)

// codeLimitExceeded is the JSON-RPC error code nodes use for rate limiting.
const codeLimitExceeded = -32005

// Client wraps an ethclient.Client.
type Client struct {
	eth    *ethclient.Client
	policy *resilience.Policy
	logger *slog.Logger
}

// Dial connects to rpcURL. For HTTP endpoints no request is made until the
// first call.
func Dial(ctx context.Context, rpcURL string, policy *resilience.Policy, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Client{
		eth:    eth,
		policy: policy,
		logger: logger.With("component", "chain"),
	}, nil
}

// Policy returns the request policy guarding the node.
func (c *Client) Policy() *resilience.Policy { return c.policy }

// Close releases the underlying RPC client.
func (c *Client) Close() { c.eth.Close() }

// BlockNumber returns the most recent block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := resilience.Execute(ctx, c.policy, c.opts(EndpointBlockNumber), c.eth.BlockNumber)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

// ChainID returns the chain ID reported by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := resilience.Execute(ctx, c.policy, c.opts(EndpointChainID), c.eth.ChainID)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return id, nil
}

// BalanceAt returns the latest native balance of address.
func (c *Client) BalanceAt(ctx context.Context, address string) (types.Balance, error) {
	if !common.IsHexAddress(address) {
		return types.Balance{}, fmt.Errorf("balance: invalid address %q", address)
	}
	addr := common.HexToAddress(address)

	wei, err := resilience.Execute(ctx, c.policy, c.opts(EndpointGetBalance), func(ctx context.Context) (*big.Int, error) {
		return c.eth.BalanceAt(ctx, addr, nil)
	})
	if err != nil {
		return types.Balance{}, fmt.Errorf("balance %s: %w", addr.Hex(), err)
	}
	return types.Balance{Address: addr.Hex(), Wei: decimal.NewFromBigInt(wei, 0)}, nil
}

func (c *Client) opts(endpoint string) resilience.Options {
	return resilience.Options{Endpoint: endpoint, Retryable: Classifier}
}

// Classifier extends the default classification with go-ethereum's error
// types: HTTP 429/5xx from the node and the JSON-RPC "limit exceeded" code
// are retryable, any other JSON-RPC error is a definitive answer.
var Classifier = resilience.ClassifierFunc(func(err error) bool {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode() == codeLimitExceeded
	}
	return resilience.DefaultClassifier.Retryable(err)
})
