// Package engine is the central orchestrator of the funding-rate monitor.
//
// It wires together all subsystems:
//
//  1. One resilience.Policy per exchange (and one for the chain node) guards
//     every outbound call with rate limiting, circuit breaking and retries.
//  2. A poll loop fetches tickers and funding rates for every configured
//     symbol, fanning out across exchanges.
//  3. A WebSocket feed per exchange streams tickers between polls.
//  4. Breaker transitions are logged, counted by the metrics collector and
//     pushed to the dashboard.
//  5. Policy snapshots are persisted periodically and on shutdown.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fundingbot/internal/api"
	"fundingbot/internal/chain"
	"fundingbot/internal/config"
	"fundingbot/internal/exchange"
	"fundingbot/internal/metrics"
	"fundingbot/internal/resilience"
	"fundingbot/internal/store"
	"fundingbot/pkg/types"
)

// ChainPolicyName is the policy name used for the JSON-RPC node.
const ChainPolicyName = "chain"

// maxParallelExchanges bounds the poll fan-out.
const maxParallelExchanges = 4

// Engine orchestrates all components of the bot.
// It owns the lifecycle of all goroutines.
type Engine struct {
	cfg       config.Config
	policies  map[string]*resilience.Policy
	clients   map[string]*exchange.Client
	feeds     map[string]*exchange.WSFeed
	chain     *chain.Client
	collector *metrics.Collector
	store     *store.Store
	logger    *slog.Logger
	now       func() time.Time

	// Latest market data keyed by exchange/symbol. Protected by dataMu.
	tickers  map[string]types.Ticker
	funding  map[string]types.FundingRate
	balances map[string]types.Balance
	dataMu   sync.RWMutex

	// dashboardEvents is an optional channel for sending events to the dashboard.
	// Nil if dashboard is disabled.
	dashboardEvents chan api.DashboardEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// openStore is swapped out in tests.
var openStore = store.Open

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := openStore(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	abort := func(err error) (*Engine, error) {
		cancel()
		st.Close()
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		policies:  make(map[string]*resilience.Policy),
		clients:   make(map[string]*exchange.Client),
		feeds:     make(map[string]*exchange.WSFeed),
		collector: metrics.NewCollector(),
		store:     st,
		logger:    logger.With("component", "engine"),
		now:       time.Now,
		tickers:   make(map[string]types.Ticker),
		funding:   make(map[string]types.FundingRate),
		balances:  make(map[string]types.Balance),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Dashboard.Enabled {
		e.dashboardEvents = make(chan api.DashboardEvent, 100)
	}

	for _, name := range cfg.ExchangeNames() {
		ex := cfg.Exchanges[name]
		policy, err := e.newPolicy(ex.PolicyConfig(name), logger)
		if err != nil {
			return abort(err)
		}
		e.clients[name] = exchange.NewClient(name, ex, cfg.DryRun, policy, logger)
		if ex.WSURL != "" {
			e.feeds[name] = exchange.NewWSFeed(name, ex.WSURL, policy, logger)
		}
	}

	if cfg.Chain.Enabled {
		policy, err := e.newPolicy(cfg.Chain.Policy.PolicyConfig(ChainPolicyName), logger)
		if err != nil {
			return abort(err)
		}
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL, policy, logger)
		if err != nil {
			return abort(err)
		}
		e.chain = client
	}

	return e, nil
}

func (e *Engine) newPolicy(pc resilience.Config, logger *slog.Logger) (*resilience.Policy, error) {
	policy, err := resilience.NewPolicy(pc, logger)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", pc.Exchange, err)
	}

	if prev, err := e.store.LoadSnapshot(pc.Exchange); err == nil && prev != nil {
		e.logger.Info("previous run",
			"exchange", pc.Exchange,
			"taken_at", prev.TakenAt,
			"requests", prev.Metrics.TotalRequests,
			"failed", prev.Metrics.FailedRequests,
			"circuit", prev.CircuitState,
		)
	}

	name := pc.Exchange
	policy.OnStateChange(func(from, to resilience.State) {
		e.emitDashboardEvent(api.NewCircuitEvent(name, from, to, e.now()))
	})
	e.collector.Register(policy)
	e.policies[name] = policy
	return policy, nil
}

// Start launches all background goroutines: WS feeds, the poll loop and the
// snapshot loop.
func (e *Engine) Start() error {
	for name, feed := range e.feeds {
		name, feed := name, feed
		if err := feed.Subscribe(e.ctx, e.cfg.Exchanges[name].Symbols); err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("ws feed error", "exchange", name, "error", err)
			}
		}()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consumeFeed(feed)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.snapshotLoop()
	}()

	return nil
}

// Stop cancels all goroutines, persists a final snapshot per policy, and
// closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()

	e.SaveSnapshots()

	for _, feed := range e.feeds {
		feed.Close()
	}
	if e.chain != nil {
		e.chain.Close()
	}
	e.store.Close()

	e.logger.Info("shutdown complete")
}

func (e *Engine) pollLoop() {
	interval := e.cfg.Scheduler.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.PollOnce(e.ctx)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.PollOnce(e.ctx)
		}
	}
}

// PollOnce fetches tickers and funding rates from every exchange, and
// balances from the chain node when enabled. Failures are logged; one
// exchange failing never stops the others.
func (e *Engine) PollOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelExchanges)

	for name, client := range e.clients {
		name, client := name, client
		g.Go(func() error {
			e.pollExchange(gctx, client, e.cfg.Exchanges[name].Symbols)
			return nil
		})
	}
	if e.chain != nil {
		g.Go(func() error {
			e.pollChain(gctx)
			return nil
		})
	}
	g.Wait()
}

func (e *Engine) pollExchange(ctx context.Context, client *exchange.Client, symbols []string) {
	log := e.logger.With("exchange", client.Name())
	for _, symbol := range symbols {
		t, err := client.Ticker(ctx, symbol)
		if err != nil {
			if e.skipRest(log, "ticker", symbol, err) {
				return
			}
		} else {
			e.recordTicker(t)
		}

		f, err := client.FundingRate(ctx, symbol)
		if err != nil {
			if e.skipRest(log, "funding rate", symbol, err) {
				return
			}
			continue
		}
		e.recordFunding(f)
	}
}

// skipRest logs a poll failure and reports whether the rest of this
// exchange's poll should be abandoned.
func (e *Engine) skipRest(log *slog.Logger, what, symbol string, err error) bool {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		log.Debug("circuit open, skipping poll", "symbol", symbol)
		return true
	case errors.Is(err, context.Canceled):
		return true
	default:
		log.Warn("poll failed", "what", what, "symbol", symbol, "error", err)
		return false
	}
}

func (e *Engine) pollChain(ctx context.Context) {
	log := e.logger.With("exchange", ChainPolicyName)
	block, err := e.chain.BlockNumber(ctx)
	if err != nil {
		log.Warn("block number failed", "error", err)
		return
	}
	log.Debug("chain head", "block", block)

	for _, addr := range e.cfg.Chain.Watch {
		bal, err := e.chain.BalanceAt(ctx, addr)
		if err != nil {
			if e.skipRest(log, "balance", addr, err) {
				return
			}
			continue
		}
		e.dataMu.Lock()
		e.balances[bal.Address] = bal
		e.dataMu.Unlock()
	}
}

func (e *Engine) consumeFeed(feed *exchange.WSFeed) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case t := <-feed.Tickers():
			e.recordTicker(t)
		}
	}
}

func (e *Engine) recordTicker(t types.Ticker) {
	e.dataMu.Lock()
	e.tickers[key(t.Exchange, t.Symbol)] = t
	e.dataMu.Unlock()
	e.emitDashboardEvent(api.NewTickerEvent(t))
}

func (e *Engine) recordFunding(f types.FundingRate) {
	e.dataMu.Lock()
	e.funding[key(f.Exchange, f.Symbol)] = f
	e.dataMu.Unlock()
	e.emitDashboardEvent(api.NewFundingEvent(f))
}

func key(exchange, symbol string) string { return exchange + "/" + symbol }

func (e *Engine) snapshotLoop() {
	interval := e.cfg.Scheduler.SnapshotInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.SaveSnapshots()
		}
	}
}

// SaveSnapshots persists the current state of every policy.
func (e *Engine) SaveSnapshots() {
	now := e.now()
	for _, p := range e.Policies() {
		if err := e.store.SaveSnapshot(store.Capture(p, now)); err != nil {
			e.logger.Error("failed to save snapshot", "exchange", p.Name(), "error", err)
		}
	}
}

// emitDashboardEvent sends an event to the dashboard (non-blocking).
func (e *Engine) emitDashboardEvent(evt api.DashboardEvent) {
	if e.dashboardEvents == nil {
		return
	}
	select {
	case e.dashboardEvents <- evt:
	default:
		// Drop event if channel full (non-blocking)
	}
}

// Collector returns the Prometheus collector covering every policy.
func (e *Engine) Collector() *metrics.Collector { return e.collector }

// Client returns the REST client for an exchange.
func (e *Engine) Client(name string) (*exchange.Client, bool) {
	c, ok := e.clients[name]
	return c, ok
}

// Policies returns every request policy sorted by name.
func (e *Engine) Policies() []*resilience.Policy {
	out := make([]*resilience.Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Policy looks up a policy by exchange name.
func (e *Engine) Policy(name string) (*resilience.Policy, bool) {
	p, ok := e.policies[name]
	return p, ok
}

// Tickers returns the latest ticker per exchange and symbol.
func (e *Engine) Tickers() []types.Ticker {
	e.dataMu.RLock()
	defer e.dataMu.RUnlock()
	out := make([]types.Ticker, 0, len(e.tickers))
	for _, t := range e.tickers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].Exchange, out[i].Symbol) < key(out[j].Exchange, out[j].Symbol)
	})
	return out
}

// FundingRates returns the latest funding rate per exchange and symbol.
func (e *Engine) FundingRates() []types.FundingRate {
	e.dataMu.RLock()
	defer e.dataMu.RUnlock()
	out := make([]types.FundingRate, 0, len(e.funding))
	for _, f := range e.funding {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].Exchange, out[i].Symbol) < key(out[j].Exchange, out[j].Symbol)
	})
	return out
}

// Balances returns the latest balance of each watched address.
func (e *Engine) Balances() []types.Balance {
	e.dataMu.RLock()
	defer e.dataMu.RUnlock()
	out := make([]types.Balance, 0, len(e.balances))
	for _, b := range e.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Summary describes the running configuration for the dashboard.
func (e *Engine) Summary() api.ConfigSummary {
	return api.ConfigSummary{
		DryRun:       e.cfg.DryRun,
		Exchanges:    e.cfg.ExchangeNames(),
		ChainEnabled: e.chain != nil,
		PollInterval: e.cfg.Scheduler.PollInterval.String(),
	}
}

// DashboardEvents returns the read-only channel for dashboard events.
// Returns nil if dashboard is disabled.
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	if e.dashboardEvents == nil {
		return nil
	}
	return e.dashboardEvents
}
