package cmd

import (
	"fmt"

	"github.com/rustyeddy/tradeguard/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tradeguard",
	Short: "Execution and risk consistency engine for multi-leg options trades",
	Long: `Tradeguard sits between a strategy and a broker and keeps the two
consistent.

It provides:
  - Per-bucket capital reservation with crash-safe journaling
  - A circuit breaker over the market data feed
  - A confidence gate comparing broker and model greeks
  - Atomic multi-leg execution with compensating closes on partial fills
  - Startup and periodic reconciliation against broker positions`,
	SilenceUsage: true,
}

var (
	configPath string
	envFile    string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "", "config file (YAML or JSON); defaults are used when empty")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file with TRADEGUARD_* overrides")
}

// loadConfig reads the config file, applies environment overrides and
// validates the result.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.LoadEnv(envFile); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
