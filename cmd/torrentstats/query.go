package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/torrentstats/internal/api"
	"github.com/ethpandaops/torrentstats/internal/stats"
)

func queryCmd() *cobra.Command {
	var (
		addr          string
		interval      int
		keys          string
		totals        bool
		sessionTotals bool
		intervals     bool
		config        bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query a running agent and print the answer as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client := api.NewRemoteClient(addr)

			var (
				out any
				err error
			)

			switch {
			case totals:
				out, err = client.GetTotals(ctx)
			case sessionTotals:
				out, err = client.GetSessionTotals(ctx)
			case intervals:
				out, err = client.GetIntervals(ctx)
			case config:
				out, err = client.GetConfig(ctx)
			default:
				out, err = client.GetStats(ctx, splitKeys(keys), stats.Resolution(interval))
			}

			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("encoding response: %w", err)
			}

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "http://127.0.0.1:8112", "agent API base URL")
	flags.IntVar(&interval, "interval", 1, "resolution to query")
	flags.StringVar(&keys, "keys", "", "comma separated counters, all when empty")
	flags.BoolVar(&totals, "totals", false, "print lifetime totals")
	flags.BoolVar(&sessionTotals, "session-totals", false, "print session totals")
	flags.BoolVar(&intervals, "intervals", false, "print tracked resolutions")
	flags.BoolVar(&config, "config", false, "print user settings")

	cmd.MarkFlagsMutuallyExclusive("totals", "session-totals", "intervals", "config")

	return cmd
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
