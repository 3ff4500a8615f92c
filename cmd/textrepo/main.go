package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tendant/textrepo/pkg/textrepo/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// NewRootCommand creates the textrepo command with all subcommands
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "textrepo",
		Short: "Versioned text repository",
		Long: `Versioned text repository

Stores file contents by SHA-224 digest, keeps a version history per file and
keeps the configured search indexes in sync with the latest version.

Configuration is read from the environment (see DATABASE_URL, INDEXERS_FILE,
TYPES and friends). A .env file in the current directory is loaded first.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewImportCommand())
	rootCmd.AddCommand(NewReindexCommand())
	rootCmd.AddCommand(NewReconcileCommand())

	return rootCmd
}

// loadConfig reads the environment and installs the configured logger as
// the default logger
func loadConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)
	cfg.Logger = logger
	return cfg, nil
}

// buildRuntime loads the configuration and builds the service with it
func buildRuntime(ctx context.Context, cmd *cobra.Command) (*config.ServerConfig, *config.Runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	rt, err := cfg.BuildService(ctx)
	if err != nil {
		return nil, nil, err
	}
	return cfg, rt, nil
}
