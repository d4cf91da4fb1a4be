package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/longregen/promptloop/internal/application/services"
)

// strategiesCmd lists the registered scorers, mergers and validators
func strategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List available scorer, merger and validator strategies",
		Run: func(cmd *cobra.Command, args []string) {
			s := services.NewStrategies()
			mark := func(names []string, def string) string {
				out := make([]string, len(names))
				for i, n := range names {
					out[i] = n
					if n == def {
						out[i] += " (default)"
					}
				}
				return strings.Join(out, ", ")
			}
			fmt.Printf("Scorers:    %s\n", mark(s.Scorers.Names(), cfg.Strategies.Scorer))
			fmt.Printf("Mergers:    %s\n", mark(s.Mergers.Names(), cfg.Strategies.Merger))
			fmt.Printf("Validators: %s\n", mark(s.Validators.Names(), cfg.Strategies.Validator))
		},
	}
}
