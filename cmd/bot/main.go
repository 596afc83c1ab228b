// fundingbot is a funding-rate monitor for perpetual futures exchanges.
//
// Architecture:
//
//	main.go                 entry point, hands off to the cobra commands in internal/cmd
//	cmd/                    run, limits, status and probe subcommands
//	engine/engine.go        orchestrator: builds one request policy per exchange, polls, snapshots
//	resilience/             token buckets, circuit breaker, backoff and the policy composing them
//	exchange/client.go      REST client; every call goes through the exchange's policy
//	exchange/ws.go          ticker stream with policy-paced dial, subscribe and reconnect
//	chain/client.go         EVM JSON-RPC reads guarded by their own policy
//	metrics/collector.go    Prometheus export of policy counters and breaker state
//	api/                    chi router: snapshot, policy status/reset, /metrics, /ws
//	store/store.go          JSON snapshots of policy metrics (survive restarts)
package main

import (
	"os"

	"fundingbot/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
