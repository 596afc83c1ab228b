package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"fundingbot/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last persisted policy snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Store.DataDir)
		if err != nil {
			return err
		}
		defer st.Close() // nolint:errcheck // best-effort cleanup

		names, err := st.Exchanges()
		if err != nil {
			return err
		}
		snaps := make([]store.Snapshot, 0, len(names))
		for _, name := range names {
			snap, err := st.LoadSnapshot(name)
			if err != nil {
				return err
			}
			if snap != nil {
				snaps = append(snaps, *snap)
			}
		}
		return renderSnapshots(cmd.OutOrStdout(), snaps, time.Now())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func renderSnapshots(w io.Writer, snaps []store.Snapshot, now time.Time) error {
	if len(snaps) == 0 {
		_, err := fmt.Fprintln(w, "(no snapshots saved yet)")
		return err
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Exchange", "Circuit", "Requests", "OK", "Failed", "Retries", "Waits", "Tokens", "Age"})
	for _, s := range snaps {
		m := s.Metrics
		t.AppendRow(table.Row{
			s.Exchange,
			s.CircuitState,
			m.TotalRequests,
			m.SuccessfulRequests,
			m.FailedRequests,
			m.TotalRetries,
			m.RateLimitWaits,
			formatTokens(s.AvailableTokens),
			now.Sub(s.TakenAt).Truncate(time.Second),
		})
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func formatTokens(tokens map[string]int) string {
	cats := make([]string, 0, len(tokens))
	for c := range tokens {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	out := ""
	for i, c := range cats {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", c, tokens[c])
	}
	return out
}
