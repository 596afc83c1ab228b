package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"fundingbot/internal/config"
	"fundingbot/internal/engine"
	"fundingbot/internal/resilience"
)

var limitsCmd = &cobra.Command{
	Use:   "limits [exchange...]",
	Short: "Show the effective rate-limit, breaker and backoff settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		names := args
		if len(names) == 0 {
			names = cfg.ExchangeNames()
			if cfg.Chain.Enabled {
				names = append(names, engine.ChainPolicyName)
			}
		}
		for _, name := range names {
			pc, err := policyConfig(cfg, name)
			if err != nil {
				return err
			}
			if err := renderLimits(cmd.OutOrStdout(), pc); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(limitsCmd)
}

// policyConfig resolves an exchange name, or the chain policy, to its
// effective policy settings.
func policyConfig(cfg *config.Config, name string) (resilience.Config, error) {
	if name == engine.ChainPolicyName {
		if !cfg.Chain.Enabled {
			return resilience.Config{}, fmt.Errorf("chain is not enabled")
		}
		return cfg.Chain.Policy.PolicyConfig(name), nil
	}
	return cfg.PolicyConfig(name)
}

// renderLimits writes the buckets, endpoint costs and retry settings of one
// policy as tables.
func renderLimits(w io.Writer, pc resilience.Config) error {
	policy, err := resilience.NewPolicy(pc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	lim := policy.Limiter()

	buckets := table.NewWriter()
	buckets.SetStyle(table.StyleRounded)
	buckets.SetTitle(pc.Exchange)
	buckets.AppendHeader(table.Row{"Category", "Capacity", "Refill/s", "Default"})
	for _, cat := range lim.Categories() {
		b := lim.Bucket(cat)
		def := ""
		if cat == lim.DefaultCategory() {
			def = "yes"
		}
		buckets.AppendRow(table.Row{cat, b.Capacity(), b.Rate(), def})
	}

	endpoints := table.NewWriter()
	endpoints.SetStyle(table.StyleRounded)
	endpoints.AppendHeader(table.Row{"Endpoint", "Match", "Weight", "Category"})
	for _, rule := range pc.Endpoints {
		match := "exact"
		if rule.Prefix {
			match = "prefix"
		}
		cost := lim.Resolve(rule.Endpoint)
		endpoints.AppendRow(table.Row{rule.Endpoint, match, cost.Weight, cost.Category})
	}
	endpoints.AppendFooter(table.Row{"(other)", "", 1, lim.DefaultCategory()})

	retry := table.NewWriter()
	retry.SetStyle(table.StyleRounded)
	retry.AppendHeader(table.Row{"Setting", "Value"})
	retry.AppendRows([]table.Row{
		{"timeout", pc.DefaultTimeout},
		{"max retries", pc.MaxRetries},
		{"breaker failure threshold", pc.Breaker.FailureThreshold},
		{"breaker success threshold", pc.Breaker.SuccessThreshold},
		{"breaker reset timeout", pc.Breaker.ResetTimeout},
		{"half-open max calls", pc.Breaker.HalfOpenMaxCalls},
		{"backoff initial", pc.Backoff.InitialDelay},
		{"backoff max", pc.Backoff.MaxDelay},
		{"backoff multiplier", pc.Backoff.Multiplier},
		{"backoff jitter", pc.Backoff.JitterFactor},
	})

	_, err = fmt.Fprintf(w, "%s\n%s\n%s\n\n", buckets.Render(), endpoints.Render(), retry.Render())
	return err
}
