package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/longregen/promptloop/internal/config"
)

// configCmd shows and checks the effective configuration
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("# %s\n", config.ConfigPath())
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg.Redacted())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load already validated; this checks what only wiring catches.
			if _, err := blockSchema(); err != nil {
				return err
			}
			fmt.Printf("Configuration is valid (%s).\n", config.ConfigPath())
			return nil
		},
	})

	return cmd
}
