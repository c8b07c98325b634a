package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/metergate/internal/budget"
	"github.com/alecgard/metergate/internal/ledger"
	"github.com/alecgard/metergate/internal/tenant"
)

var usageCmd = &cobra.Command{
	Use:   "usage [tenant-id]",
	Short: "Show today's spend against the daily budget",
	Long:  "Without a tenant id, lists today's spend for every tenant with SUCCEEDED calls.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	ledgerStore := ledger.NewStore(pool)
	today := budget.DayStart(time.Now())
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		rows, err := ledgerStore.SpendByTenant(ctx, today, time.Time{})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Spend for %s (UTC)\n", today.Format(time.DateOnly))
		for _, r := range rows {
			fmt.Fprintf(out, "  %-24s %14d micros  %6d calls\n", r.TenantID, r.CostMicros, r.Calls)
		}
		if len(rows) == 0 {
			fmt.Fprintln(out, "  no spend recorded")
		}
		return nil
	}

	tenantID := args[0]
	resolver := tenant.NewResolver(tenant.NewStore(pool), cfg.Tenants.Defaults)
	settings, err := resolver.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	spent, err := ledgerStore.SumCost(ctx, tenantID, today)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Tenant:   %s\n", tenantID)
	fmt.Fprintf(out, "Day:      %s (UTC)\n", today.Format(time.DateOnly))
	fmt.Fprintf(out, "Spent:    %d micros\n", spent)
	if settings.DailyBudgetMicros == 0 {
		fmt.Fprintln(out, "Budget:   unlimited")
		return nil
	}
	fmt.Fprintf(out, "Budget:   %d micros\n", settings.DailyBudgetMicros)
	if spent >= settings.DailyBudgetMicros {
		fmt.Fprintln(out, "Status:   exhausted, new calls are denied until 00:00 UTC")
	} else {
		fmt.Fprintf(out, "Status:   %d micros remaining\n", settings.DailyBudgetMicros-spent)
	}
	return nil
}
