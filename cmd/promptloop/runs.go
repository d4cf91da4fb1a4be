package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/longregen/promptloop/internal/domain/models"
)

// runsCmd provides subcommands for stored optimization runs
func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored optimization runs",
		Long: `Inspect optimization runs persisted in PostgreSQL.

Subcommands:
  list     List runs
  show     Show one run and its final prompt
  events   Show a run's audit trail`,
	}

	cmd.AddCommand(
		runsListCmd(),
		runsShowCmd(),
		runsEventsCmd(),
	)
	return cmd
}

func runsListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List optimization runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := models.RunStatus(status)
			if status != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			svc, closeDB, err := historyService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			runs, err := svc.List(cmd.Context(), st, limit, 0)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			if len(runs) == 0 {
				fmt.Println("No optimization runs found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tVERSION\tITERATIONS\tPASSED\tUNRESOLVED\tSTARTED\tCOMPLETED")
			for _, run := range runs {
				completed := "N/A"
				if run.CompletedAt != nil {
					completed = run.CompletedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
					run.ID,
					run.Status,
					run.PromptVersion,
					run.Iterations,
					run.Passed,
					run.Unresolved,
					run.CreatedAt.Format("2006-01-02 15:04"),
					completed,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status (running, completed, cancelled, stopped, iteration_cap, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum number of runs to list")
	return cmd
}

func runsShowCmd() *cobra.Command {
	var showJSON bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show optimization run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeDB, err := historyService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			run, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			if showJSON {
				data, err := json.MarshalIndent(run, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Optimization Run: %s\n", run.ID)
			fmt.Printf("Status:      %s\n", run.Status)
			fmt.Printf("Version:     %d\n", run.PromptVersion)
			fmt.Printf("Iterations:  %d\n", run.Iterations)
			fmt.Printf("Passed:      %d\n", run.Passed)
			fmt.Printf("Unresolved:  %d\n", run.Unresolved)
			fmt.Printf("Started:     %s\n", run.CreatedAt.Format(time.RFC3339))
			if run.CompletedAt != nil {
				fmt.Printf("Completed:   %s\n", run.CompletedAt.Format(time.RFC3339))
			}
			if run.Error != "" {
				fmt.Printf("Error:       %s\n", run.Error)
			}
			fmt.Println()

			if len(run.Config) > 0 {
				fmt.Println("Configuration:")
				for key, val := range run.Config {
					fmt.Printf("  %s: %v\n", key, val)
				}
				fmt.Println()
			}

			final := run.FinalPrompt
			if final == "" {
				final = run.InitialPrompt
			}
			fmt.Println("Prompt:")
			fmt.Println()
			fmt.Println(final)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showJSON, "json", false, "Output as JSON")
	return cmd
}

func runsEventsCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show a run's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeDB, err := historyService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			events, err := svc.Events(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}
			return printEvents(os.Stdout, events)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 500, "Maximum number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "Events to skip")
	return cmd
}

// printEvents renders an audit trail, one event per line.
func printEvents(out io.Writer, events []models.Event) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "No events found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tVERSION\tITER\tEXAMPLE\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			e.Timestamp.Format("15:04:05.000"),
			e.Type,
			e.PromptVersion,
			e.Iteration,
			e.ExampleID,
			eventDetail(e),
		)
	}
	return w.Flush()
}

func eventDetail(e models.Event) string {
	switch {
	case e.Summary != nil:
		return fmt.Sprintf("%d/%d passing", e.Summary.Passed, e.Summary.Total)
	case e.Patch != nil && e.Reason != "":
		return fmt.Sprintf("%s (%s)", e.Patch, e.Reason)
	case e.Patch != nil:
		return e.Patch.String()
	case e.Status != "":
		return string(e.Status)
	}
	return e.Reason
}
