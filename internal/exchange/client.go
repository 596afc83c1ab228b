// Package exchange implements the REST and WebSocket adapters for the
// exchanges the bot polls.
//
// The REST client (Client) exposes a small normalized surface:
//   - Ticker:      best bid/ask for a symbol
//   - FundingRate: current perpetual funding rate
//   - ServerTime:  exchange clock, used for drift checks
//   - PlaceOrder / CancelOrder: signed, mutating calls (fake in dry-run)
//
// Paths come from the exchange's routes config. Every request runs through the
// exchange's resilience.Policy: resty's own retry machinery stays disabled so
// rate limiting, circuit breaking and backoff are decided in one place.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"fundingbot/internal/config"
	"fundingbot/internal/resilience"
	"fundingbot/pkg/types"
)

// maxErrorBody caps how much of a failed response body is kept in HTTPError.
const maxErrorBody = 512

// Client is one exchange's REST API client.
type Client struct {
	name   string
	http   *resty.Client
	policy *resilience.Policy
	signer *Signer // nil when no API secret is configured
	routes config.RoutesConfig
	dryRun bool // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
	now    func() time.Time
}

// NewClient creates a REST client bound to policy. The policy must have been
// built from the same exchange section.
func NewClient(name string, cfg config.ExchangeConfig, dryRun bool, policy *resilience.Policy, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	var signer *Signer
	if cfg.APISecret != "" {
		signer = NewSigner(cfg.APIKey, cfg.APISecret)
	}

	return &Client{
		name:   name,
		http:   httpClient,
		policy: policy,
		signer: signer,
		routes: cfg.Routes,
		dryRun: dryRun,
		logger: logger.With("component", "exchange", "exchange", name),
		now:    time.Now,
	}
}

// Name returns the exchange name.
func (c *Client) Name() string { return c.name }

// Policy returns the request policy guarding this client.
func (c *Client) Policy() *resilience.Policy { return c.policy }

// CallOption tunes a single request.
type CallOption func(*resilience.Options)

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *resilience.Options) { o.Timeout = d }
}

// WithRetries overrides the retry budget; 0 means a single attempt.
func WithRetries(n int) CallOption {
	return func(o *resilience.Options) { o.MaxRetries = resilience.Retries(n) }
}

// WithCategory charges the request to a different rate limit category.
func WithCategory(category string) CallOption {
	return func(o *resilience.Options) { o.Category = category }
}

// WithClassifier replaces the default retry classification.
func WithClassifier(cl resilience.Classifier) CallOption {
	return func(o *resilience.Options) { o.Retryable = cl }
}

// SkipRateLimit bypasses token acquisition.
func SkipRateLimit() CallOption {
	return func(o *resilience.Options) { o.SkipRateLimit = true }
}

// SkipCircuitBreaker bypasses the breaker.
func SkipCircuitBreaker() CallOption {
	return func(o *resilience.Options) { o.SkipCircuitBreaker = true }
}

// Get issues a GET for endpoint and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values, out any, opts ...CallOption) error {
	return c.do(ctx, http.MethodGet, endpoint, query, nil, false, out, opts)
}

// Post issues a signed POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, endpoint string, body any, out any, opts ...CallOption) error {
	return c.do(ctx, http.MethodPost, endpoint, nil, body, true, out, opts)
}

// Delete issues a signed DELETE with query parameters.
func (c *Client) Delete(ctx context.Context, endpoint string, query url.Values, out any, opts ...CallOption) error {
	return c.do(ctx, http.MethodDelete, endpoint, query, nil, true, out, opts)
}

// do runs one request under the policy. The response body is handed out of
// the attempt and decoded afterwards, so an abandoned attempt can never write
// into out.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body any, signed bool, out any, opts []CallOption) error {
	o := resilience.Options{Endpoint: endpoint}
	for _, opt := range opts {
		opt(&o)
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: marshal body: %w", method, endpoint, err)
		}
		payload = b
	}

	raw, err := resilience.Execute(ctx, c.policy, o, func(ctx context.Context) ([]byte, error) {
		return c.send(ctx, method, endpoint, query, payload, signed)
	})
	if err != nil {
		return err
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, endpoint, err)
	}
	return nil
}

// send performs a single HTTP attempt.
func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload []byte, signed bool) ([]byte, error) {
	requestID := uuid.NewString()
	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", requestID)
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if payload != nil {
		req.SetBody(payload)
	}
	if signed && c.signer != nil {
		path := endpoint
		if len(query) > 0 {
			path += "?" + query.Encode()
		}
		req.SetHeaders(c.signer.Headers(method, path, string(payload)))
	}

	resp, err := req.Execute(method, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		c.logger.Debug("non-2xx response",
			"method", method,
			"endpoint", endpoint,
			"status", resp.StatusCode(),
			"request_id", requestID,
		)
		return nil, &resilience.HTTPError{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode(),
			Body:       truncate(resp.String(), maxErrorBody),
			RetryAfter: resilience.ParseRetryAfter(resp.Header().Get("Retry-After"), c.now()),
		}
	}
	return resp.Body(), nil
}

// Ticker fetches the best bid/ask for symbol.
func (c *Client) Ticker(ctx context.Context, symbol string, opts ...CallOption) (types.Ticker, error) {
	endpoint, query, err := c.route(c.routes.Ticker, "ticker", symbol)
	if err != nil {
		return types.Ticker{}, err
	}
	var raw json.RawMessage
	if err := c.Get(ctx, endpoint, query, &raw, opts...); err != nil {
		return types.Ticker{}, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	t, err := decodeTicker(raw)
	if err != nil {
		return types.Ticker{}, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	t.Exchange = c.name
	t.Symbol = types.NormalizeSymbol(symbol)
	if t.Time.IsZero() {
		t.Time = c.now()
	}
	return t, nil
}

// FundingRate fetches the current funding rate for symbol.
func (c *Client) FundingRate(ctx context.Context, symbol string, opts ...CallOption) (types.FundingRate, error) {
	endpoint, query, err := c.route(c.routes.FundingRate, "funding_rate", symbol)
	if err != nil {
		return types.FundingRate{}, err
	}
	var raw json.RawMessage
	if err := c.Get(ctx, endpoint, query, &raw, opts...); err != nil {
		return types.FundingRate{}, fmt.Errorf("funding rate %s: %w", symbol, err)
	}
	f, err := decodeFundingRate(raw)
	if err != nil {
		return types.FundingRate{}, fmt.Errorf("funding rate %s: %w", symbol, err)
	}
	f.Exchange = c.name
	f.Symbol = types.NormalizeSymbol(symbol)
	f.Time = c.now()
	return f, nil
}

// ServerTime returns the exchange clock.
func (c *Client) ServerTime(ctx context.Context, opts ...CallOption) (time.Time, error) {
	endpoint, query, err := c.route(c.routes.ServerTime, "server_time", "")
	if err != nil {
		return time.Time{}, err
	}
	var raw json.RawMessage
	if err := c.Get(ctx, endpoint, query, &raw, opts...); err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	return decodeServerTime(raw)
}

// PlaceOrder submits an order. In dry-run mode no request is made.
func (c *Client) PlaceOrder(ctx context.Context, order types.Order, opts ...CallOption) (types.OrderAck, error) {
	if !order.Side.Valid() {
		return types.OrderAck{}, fmt.Errorf("place order: invalid side %q", order.Side)
	}
	if !order.Quantity.IsPositive() {
		return types.OrderAck{}, fmt.Errorf("place order: quantity must be > 0")
	}
	if order.ClientID == "" {
		order.ClientID = uuid.NewString()
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"symbol", order.Symbol,
			"side", order.Side,
			"price", order.Price.String(),
			"quantity", order.Quantity.String(),
		)
		return types.OrderAck{OrderID: "dry-run-" + order.ClientID, ClientID: order.ClientID, Status: "NEW"}, nil
	}

	endpoint, _, err := c.route(c.routes.PlaceOrder, "place_order", order.Symbol)
	if err != nil {
		return types.OrderAck{}, err
	}
	var raw json.RawMessage
	if err := c.Post(ctx, endpoint, order, &raw, opts...); err != nil {
		return types.OrderAck{}, fmt.Errorf("place order: %w", err)
	}
	ack, err := decodeOrderAck(raw)
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("place order: %w", err)
	}
	if ack.ClientID == "" {
		ack.ClientID = order.ClientID
	}
	c.logger.Info("order placed", "symbol", order.Symbol, "order_id", ack.OrderID)
	return ack, nil
}

// CancelOrder cancels an order by exchange ID. In dry-run mode no request is made.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string, opts ...CallOption) (types.OrderAck, error) {
	if orderID == "" {
		return types.OrderAck{}, fmt.Errorf("cancel order: order id is required")
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return types.OrderAck{OrderID: orderID, Status: "CANCELED"}, nil
	}

	endpoint, query, err := c.route(c.routes.CancelOrder, "cancel_order", symbol)
	if err != nil {
		return types.OrderAck{}, err
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("symbol", types.NormalizeSymbol(symbol))
	query.Set("orderId", orderID)

	var raw json.RawMessage
	if err := c.Delete(ctx, endpoint, query, &raw, opts...); err != nil {
		return types.OrderAck{}, fmt.Errorf("cancel order: %w", err)
	}
	ack, err := decodeOrderAck(raw)
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("cancel order: %w", err)
	}
	if ack.OrderID == "" {
		ack.OrderID = orderID
	}
	return ack, nil
}

// route expands {symbol} in a configured route and splits off its query.
// The path alone is the policy endpoint, so query strings never affect
// weight resolution.
func (c *Client) route(tmpl, name, symbol string) (string, url.Values, error) {
	if tmpl == "" {
		return "", nil, fmt.Errorf("%s: routes.%s is not configured", c.name, name)
	}
	expanded := strings.ReplaceAll(tmpl, "{symbol}", url.QueryEscape(types.NormalizeSymbol(symbol)))
	u, err := url.Parse(expanded)
	if err != nil {
		return "", nil, fmt.Errorf("%s: routes.%s: %w", c.name, name, err)
	}
	var query url.Values
	if u.RawQuery != "" {
		query = u.Query()
	}
	return u.Path, query, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
