package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/longregen/promptloop/internal/adapters/audit"
	"github.com/longregen/promptloop/internal/adapters/postgres"
	"github.com/longregen/promptloop/internal/domain"
)

// auditCmd reads audit trail files written by the file sink
func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read and import audit trail files",
	}
	cmd.AddCommand(auditShowCmd(), auditImportCmd())
	return cmd
}

func auditShowCmd() *cobra.Command {
	var runID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <file>",
		Short: "Print the events in an audit file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := audit.ReadFile(args[0])
			if err != nil {
				return err
			}
			if runID != "" {
				events = audit.FilterRun(events, runID)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			return printEvents(os.Stdout, events)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Only show events of this run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func auditImportCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Copy an audit file into the database event store",
		Long: `Copy the events of an audit file into PostgreSQL in one transaction.
Runs missing from the database are rebuilt from their run_started and
run_completed events. Events already stored are skipped, so importing the
same file twice is safe.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := audit.ReadFile(args[0])
			if err != nil {
				return err
			}
			if runID != "" {
				events = audit.FilterRun(events, runID)
			}

			pool, err := initDB(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			runRepo := postgres.NewRunRepository(pool)
			eventRepo := postgres.NewEventRepository(pool)
			created := 0
			err = postgres.NewTransactionManager(pool).WithTransaction(cmd.Context(), func(ctx context.Context) error {
				for _, id := range audit.RunIDs(events) {
					_, err := runRepo.GetByID(ctx, id)
					if err == nil {
						continue
					}
					if !errors.Is(err, domain.ErrNotFound) {
						return err
					}
					run, err := audit.RunFromEvents(id, events)
					if err != nil {
						return err
					}
					if err := runRepo.Create(ctx, run); err != nil {
						return fmt.Errorf("run %s: %w", id, err)
					}
					created++
				}
				return eventRepo.AppendAll(ctx, events)
			})
			if err != nil {
				return fmt.Errorf("failed to import events: %w", err)
			}
			fmt.Printf("Imported %d events (%d runs created).\n", len(events), created)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Only import events of this run")
	return cmd
}
