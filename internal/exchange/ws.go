// ws.go implements the WebSocket ticker stream for one exchange.
//
// The feed dials the exchange's ws_url, subscribes to the tracked symbols and
// pushes every decodable ticker frame onto a buffered channel. It
// auto-reconnects with the exchange policy's backoff and re-subscribes to all
// tracked symbols on reconnection. Dials and subscribe frames are outbound
// calls like any REST request, so they run through the same policy
// (endpoints ws/connect and ws/subscribe). A read deadline (90s) ensures
// silent server failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fundingbot/internal/resilience"
	"fundingbot/pkg/types"
)

const (
	pingInterval     = 30 * time.Second // how often we send a ping control frame
	readTimeout      = 90 * time.Second // missed pongs trigger a reconnect
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	tickerBufferSize = 256

	EndpointWSConnect   = "ws/connect"
	EndpointWSSubscribe = "ws/subscribe"
)

// controlMsg is the subscribe/unsubscribe frame.
type controlMsg struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// WSFeed manages a single WebSocket connection.
type WSFeed struct {
	name   string
	url    string
	policy *resilience.Policy
	dialer *websocket.Dialer

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes and swaps

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tickerCh chan types.Ticker

	logger *slog.Logger
}

// NewWSFeed creates a ticker feed for an exchange.
func NewWSFeed(name, wsURL string, policy *resilience.Policy, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		name:       name,
		url:        wsURL,
		policy:     policy,
		dialer:     websocket.DefaultDialer,
		subscribed: make(map[string]bool),
		tickerCh:   make(chan types.Ticker, tickerBufferSize),
		logger:     logger.With("component", "ws", "exchange", name),
	}
}

// Tickers returns a read-only channel of ticker updates.
func (f *WSFeed) Tickers() <-chan types.Ticker { return f.tickerCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	attempt := 0

	for {
		connected, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}

		delay := f.policy.Backoff().ComputeDelay(attempt, resilience.NoHint)
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"attempt", attempt+1,
			"backoff", delay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

// Subscribe adds symbols. When disconnected they are sent on the next connect.
func (f *WSFeed) Subscribe(ctx context.Context, symbols []string) error {
	normalized := f.track(symbols, true)
	return f.sendControl(ctx, "subscribe", normalized)
}

// Unsubscribe removes symbols from the subscription.
func (f *WSFeed) Unsubscribe(ctx context.Context, symbols []string) error {
	normalized := f.track(symbols, false)
	return f.sendControl(ctx, "unsubscribe", normalized)
}

// Subscribed returns the tracked symbols in sorted order.
func (f *WSFeed) Subscribed() []string {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	out := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) track(symbols []string, add bool) []string {
	f.subscribedMu.Lock()
	defer f.subscribedMu.Unlock()
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = types.NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if add {
			f.subscribed[s] = true
		} else {
			delete(f.subscribed, s)
		}
		out = append(out, s)
	}
	return out
}

func (f *WSFeed) sendControl(ctx context.Context, op string, symbols []string) error {
	if len(symbols) == 0 || !f.connected() {
		return nil
	}
	return f.policy.Do(ctx, resilience.Options{
		Endpoint:   EndpointWSSubscribe,
		MaxRetries: resilience.Retries(0),
	}, func(ctx context.Context) error {
		return f.writeJSON(controlMsg{Op: op, Args: symbols})
	})
}

func (f *WSFeed) connected() bool {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn != nil
}

func (f *WSFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	return resilience.Execute(ctx, f.policy, resilience.Options{
		Endpoint:   EndpointWSConnect,
		MaxRetries: resilience.Retries(0),
		Discard:    discardConn,
	}, func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		return conn, nil
	})
}

// discardConn closes a connection whose handshake finished after the dial
// attempt was abandoned.
func discardConn(v any) {
	if conn, ok := v.(*websocket.Conn); ok && conn != nil {
		conn.Close()
	}
}

// connectAndRead reports whether the dial succeeded, so Run can reset its
// backoff after a healthy session.
func (f *WSFeed) connectAndRead(ctx context.Context) (bool, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return false, err
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendControl(ctx, "subscribe", f.Subscribed()); err != nil {
		return true, fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Close the socket when ctx ends so ReadMessage unblocks.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) dispatchMessage(data []byte) {
	// Control acks ({"op":"subscribe","success":true}, {"result":null,"id":1})
	// carry no prices and fail to decode; that is expected.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if _, isAck := probe["op"]; isAck {
		f.logger.Debug("control ack", "data", string(data))
		return
	}

	t, err := decodeStreamTicker(data)
	if err != nil {
		f.logger.Debug("ignoring ws message", "error", err)
		return
	}
	t.Exchange = f.name
	if t.Time.IsZero() {
		t.Time = time.Now().UTC()
	}

	select {
	case f.tickerCh <- t:
	default:
		f.logger.Warn("ticker channel full, dropping event", "symbol", t.Symbol)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writePing(); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writePing() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}
