package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/metergate/internal/auth"
	"github.com/alecgard/metergate/internal/tenant"
)

var seedCmd = &cobra.Command{
	Use:   "seed [tenant-id...]",
	Short: "Seed tenant settings rows from the configured defaults",
	Long: "Creates a tenant_settings row holding the configured defaults for each " +
		"tenant (\"demo\" when none is given) and prints a demo worker key. " +
		"Existing rows are left untouched.",
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := tenant.NewStore(pool)
	tenants := args
	if len(tenants) == 0 {
		tenants = []string{"demo"}
	}

	d := cfg.Tenants.Defaults
	override := tenant.Override{
		Provider:          d.Provider,
		TextModel:         d.TextModel,
		VisionModel:       d.VisionModel,
		DailyBudgetMicros: &d.DailyBudgetMicros,
		MaxTokensPerCall:  &d.MaxTokensPerCall,
		MaxPagesPerCall:   &d.MaxPagesPerCall,
	}

	created := 0
	for _, id := range tenants {
		_, err := store.Get(ctx, id)
		if err == nil {
			slog.Info("tenant settings already exist, skipping", "tenant_id", id)
			continue
		}
		if !errors.Is(err, tenant.ErrNotFound) {
			return fmt.Errorf("checking tenant %q: %w", id, err)
		}
		if _, err := store.Put(ctx, id, override); err != nil {
			return fmt.Errorf("seeding tenant %q: %w", id, err)
		}
		slog.Info("seeded tenant settings", "tenant_id", id)
		created++
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n=== Demo Data Seeded ===\n")
	fmt.Fprintf(out, "Tenants:    %d created, %d requested\n", created, len(tenants))
	fmt.Fprintf(out, "Worker key: %s\n", plaintext)
	fmt.Fprintf(out, "\nAdd to your config:\n")
	fmt.Fprintf(out, "  auth:\n    worker_keys:\n      - name: demo-worker\n        key_hash: %s\n", key.Hash)
	fmt.Fprintf(out, "\nTry it:\n")
	fmt.Fprintf(out, "  curl -H 'Authorization: Bearer %s' -d '{\"tenant_id\":\"%s\",\"call_kind\":\"TEXT_EXTRACTION\",\"content_fingerprint\":\"demo\",\"size_descriptor\":1200,\"payload\":\"SGVsbG8=\"}' http://localhost:%d/api/v1/calls\n",
		plaintext, tenants[0], cfg.Server.Port)
	return nil
}
