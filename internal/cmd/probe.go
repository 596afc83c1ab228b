package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"fundingbot/internal/exchange"
	"fundingbot/internal/resilience"
)

var probeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe <exchange> [symbol]",
	Short: "Call an exchange once through its request policy and report the outcome",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		name := args[0]
		ex, ok := cfg.Exchanges[name]
		if !ok {
			return fmt.Errorf("unknown exchange %q", name)
		}
		symbol := ""
		if len(args) > 1 {
			symbol = args[1]
		} else if len(ex.Symbols) > 0 {
			symbol = ex.Symbols[0]
		}

		logger := stderrLogger(cfg)
		policy, err := resilience.NewPolicy(ex.PolicyConfig(name), logger)
		if err != nil {
			return err
		}
		client := exchange.NewClient(name, ex, true, policy, logger)

		ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
		defer cancel()
		return runProbe(ctx, cmd.OutOrStdout(), client, symbol)
	},
}

func init() {
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", time.Minute, "overall deadline for the probe")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(ctx context.Context, w io.Writer, client *exchange.Client, symbol string) error {
	results := table.NewWriter()
	results.SetStyle(table.StyleRounded)
	results.SetTitle(client.Name())
	results.AppendHeader(table.Row{"Call", "Result", "Latency"})

	record := func(call string, fn func() (string, error)) {
		start := time.Now()
		out, err := fn()
		if err != nil {
			out = "error: " + err.Error()
		}
		results.AppendRow(table.Row{call, out, time.Since(start).Truncate(time.Millisecond)})
	}

	record("server time", func() (string, error) {
		ts, err := client.ServerTime(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s (skew %s)", ts.UTC().Format(time.RFC3339Nano), time.Since(ts).Truncate(time.Millisecond)), nil
	})
	if symbol != "" {
		record("ticker "+symbol, func() (string, error) {
			t, err := client.Ticker(ctx, symbol)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("bid %s ask %s spread %sbps", t.Bid, t.Ask, t.SpreadBps().StringFixed(2)), nil
		})
		record("funding "+symbol, func() (string, error) {
			f, err := client.FundingRate(ctx, symbol)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("rate %s next %s", f.Rate, f.NextFunding.UTC().Format(time.RFC3339)), nil
		})
	}

	p := client.Policy()
	m := p.Metrics()
	results.AppendFooter(table.Row{
		"circuit " + p.CircuitState().String(),
		fmt.Sprintf("requests %d ok %d failed %d retries %d waits %d",
			m.TotalRequests, m.SuccessfulRequests, m.FailedRequests, m.TotalRetries, m.RateLimitWaits),
		"",
	})

	_, err := fmt.Fprintln(w, results.Render())
	return err
}
