package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/usef/backend/internal/app"
	"github.com/wonny/usef/backend/pkg/config"
	"github.com/wonny/usef/backend/pkg/logger"
)

var (
	// Global flags
	envFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "usef",
	Short: "USEF planboard participant",
	Long: `USEF planboard participant CLI

Receives and sends USEF flexibility documents, keeps the planboard of
every connection group and runs the periodic workflows: PTU phases,
flex order placement, settlement and document expiration.

Usage:
  go run ./cmd/usef [command]

Examples:
  go run ./cmd/usef serve
  go run ./cmd/usef scheduler list
  go run ./cmd/usef trigger reoptimize 2024-06-12
  go run ./cmd/usef validate-config`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file loaded before the environment (default .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// loadConfig reads the configuration, honouring the global flags
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// bootstrap loads the configuration, applies the command's overrides and
// wires the participant
func bootstrap(ctx context.Context, overrides ...func(*config.Config)) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}

	log := logger.New(cfg)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("wire participant: %w", err)
	}
	return a, nil
}
