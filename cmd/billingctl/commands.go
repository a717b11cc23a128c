package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PaySync/internal/pkg/billing"
	"github.com/ManuelReschke/PaySync/internal/pkg/bootstrap"
	"github.com/ManuelReschke/PaySync/internal/pkg/cache"
	"github.com/ManuelReschke/PaySync/internal/pkg/database"
	"github.com/ManuelReschke/PaySync/internal/pkg/env"
)

// openEngine connects to the database and cache and wires the engine without
// starting the job manager.
func openEngine(ctx context.Context) (*bootstrap.Engine, error) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	return bootstrap.NewEngine(ctx)
}

func graceSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grace-sweep",
		Short: "Evaluate every failing invoice whose grace period has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			n, err := engine.Manager.RunSweepOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Evaluated %d payment retries\n", n)
			return err
		},
	}
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show subscription, dispute and event counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			stats, err := engine.Service.Stats(cmd.Context())
			if err != nil {
				return err
			}
			var events map[string]map[string]int64
			if engine.Counters != nil {
				if events, err = engine.Counters.Snapshot(cmd.Context()); err != nil {
					return err
				}
			}

			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					billing.Stats
					Events map[string]map[string]int64 `json:"events,omitempty"`
				}{stats, events})
			}
			printStats(cmd.OutOrStdout(), stats, events)
			return nil
		},
	}

	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func printStats(w io.Writer, stats billing.Stats, events map[string]map[string]int64) {
	fmt.Fprintln(w, "Billing Status")
	fmt.Fprintln(w, strings.Repeat("=", 40))

	fmt.Fprintln(w, "\nSubscriptions:")
	for _, status := range sortedKeys(stats.SubscriptionsByStatus) {
		fmt.Fprintf(w, "  %-20s %d\n", status, stats.SubscriptionsByStatus[status])
	}
	fmt.Fprintf(w, "\nOpen disputes:    %d\n", stats.OpenDisputes)
	fmt.Fprintf(w, "Failing invoices: %d\n", stats.FailingInvoices)

	if len(events) == 0 {
		return
	}
	fmt.Fprintln(w, "\nEvents:")
	for _, eventType := range sortedKeys(events) {
		results := events[eventType]
		parts := make([]string, 0, len(results))
		for _, result := range sortedKeys(results) {
			parts = append(parts, fmt.Sprintf("%s=%d", result, results[result]))
		}
		fmt.Fprintf(w, "  %-40s %s\n", eventType, strings.Join(parts, " "))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func refundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refund [payment-intent] [amount]",
		Short: "Request a refund for a payment intent",
		Long: `Request a refund from the processor. The amount is in major units
(e.g. 12.50). The local refund record is written when the processor
sends charge.refunded.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(strings.TrimSpace(args[1]))
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			reason, _ := cmd.Flags().GetString("reason")

			engine, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			refundID, err := engine.Service.IssueRefund(cmd.Context(), args[0], amount, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refund %s requested for %s (%s)\n", refundID, args[0], amount.StringFixed(2))
			return nil
		},
	}

	cmd.Flags().StringP("reason", "r", "", "Refund reason (duplicate, fraudulent, requested_by_customer)")
	return cmd
}
