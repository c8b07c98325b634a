package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alecgard/metergate/internal/config"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "metergate",
	Short: "metergate: metered LLM gateway",
	Long: "metergate sits between document-processing workers and LLM providers, " +
		"estimating and recording the cost of every call, deduplicating repeat work " +
		"and enforcing per-tenant daily budgets and size ceilings.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus METERGATE_* env)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (skipped when missing)")
}

// loadConfig loads the dotenv file, then the config file with env overrides.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
