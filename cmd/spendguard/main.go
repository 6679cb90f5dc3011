package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/amerfu/spendguard/cmd/spendguard/commands"
	"github.com/amerfu/spendguard/internal/core/config"
	"github.com/amerfu/spendguard/internal/logger"
)

var (
	cfgFile    string
	outputJSON bool
	verbose    bool
)

func main() {
	err := newRootCommand().Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spendguard",
		Short: "Hierarchical daily spend budgets on Redis",
		Long: `spendguard reserves, commits and releases spend against daily limits at
global, organization, user, provider and model granularity. Counters live in
Redis so every process sharing it enforces the same budgets.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file or directory (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")

	ctx := context.Background()
	rootCmd.AddCommand(commands.NewServeCommand(ctx))
	rootCmd.AddCommand(commands.NewReserveCommand(ctx))
	rootCmd.AddCommand(commands.NewCommitCommand(ctx))
	rootCmd.AddCommand(commands.NewReleaseCommand(ctx))
	rootCmd.AddCommand(commands.NewSnapshotCommand(ctx))
	rootCmd.AddCommand(commands.NewEventsCommand(ctx))
	rootCmd.AddCommand(commands.NewPolicyCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())

	return rootCmd
}

func initConfig() error {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	commands.SetConfig(cfg)
	commands.SetLogger(log)
	commands.SetOutputJSON(outputJSON)

	return nil
}
