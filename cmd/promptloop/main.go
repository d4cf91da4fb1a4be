package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "promptloop",
		Short: "promptloop - regression-safe prompt optimization",
		Long: `promptloop refines a structured prompt against a labeled dataset.

Failing examples are handed to a refiner model that proposes one block-level
patch at a time. A patch is only committed when the validation set shows no
regression; everything else is rolled back and recorded in the audit trail.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger, err = newLogger(cfg.Logging, verbose)
			if err != nil {
				return err
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(
		runCmd(),
		runsCmd(),
		auditCmd(),
		strategiesCmd(),
		serveCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger = zap.NewNop()
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("promptloop %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
