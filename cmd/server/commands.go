package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/usage-ledger/internal/config"
	"github.com/crosslogic/usage-ledger/pkg/database"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if err := database.Migrate(cmd.Context(), cfg.Database.DSN()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

// parseDay parses YYYY-MM-DD, or returns fallback when s is empty.
func parseDay(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

func newConsolidateCommand() *cobra.Command {
	var (
		date string
		days int
	)
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Recompute daily usage summaries from the usage ledger",
		Long: "Recompute the per-organization, per-user and per-model daily summaries for\n" +
			"--days days ending at --date (default: yesterday in the business timezone).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
			}
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			c := a.consolidator()
			to, err := parseDay(date, c.Today().AddDate(0, 0, -1))
			if err != nil {
				return err
			}
			runs, runErr := c.ConsolidateRange(ctx, to.AddDate(0, 0, -(days-1)), to)
			for _, r := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  events=%d corrected=%d %s\n",
					r.UsageDate.Format(time.DateOnly), r.Status, r.EventsScanned, r.RowsCorrected, r.Error)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "last day to consolidate (YYYY-MM-DD)")
	cmd.Flags().IntVar(&days, "days", 1, "number of days ending at --date")
	return cmd
}

func newFXCommand() *cobra.Command {
	var base, quote, date string
	cmd := &cobra.Command{
		Use:   "fx",
		Short: "Resolve the daily FX rate used for billing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			day, err := parseDay(date, a.consolidator().Today())
			if err != nil {
				return err
			}
			q, err := a.converter().Rate(ctx, strings.ToUpper(base), strings.ToUpper(quote), day)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(q)
		},
	}
	cmd.Flags().StringVar(&base, "base", "USD", "base currency")
	cmd.Flags().StringVar(&quote, "quote", "PLN", "quote currency")
	cmd.Flags().StringVar(&date, "date", "", "rate day (YYYY-MM-DD, default today)")
	return cmd
}
