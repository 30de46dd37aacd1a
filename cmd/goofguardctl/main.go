package main

import (
	"context"
	"fmt"
	"os"

	"github.com/glutchdiscord-alt/goofguard/internal/config"
	"github.com/glutchdiscord-alt/goofguard/internal/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	jsonOutput bool

	cfg    config.Config
	logger *zap.Logger
	store  *storage.Store
)

var rootCmd = &cobra.Command{
	Use:           "goofguardctl <command>",
	Short:         "Inspect and back up the goofguard config store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logger, err = config.BuildLogger(cfg.LogLevel); err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		store, err = storage.Open(context.Background(), storage.Options{DatabaseURL: cfg.DatabaseURL, DataDir: cfg.DataDir}, logger)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(domainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
