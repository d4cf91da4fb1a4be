package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/longregen/promptloop/internal/adapters/dataset"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// runCmd optimizes a prompt in the foreground
func runCmd() *cobra.Command {
	var (
		promptPath string
		trainPath  string
		valPath    string
		outPath    string
		sel        ports.StrategySelection
		attempts   int
		iterations int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Optimize a prompt against a labeled dataset",
		Long: `Run one optimization to completion in the foreground.

The prompt file is plain text with "### Block" headers, or a JSON/YAML list
of {name, content} blocks. Datasets are JSON arrays, JSON Lines or YAML lists
of {id, input, gold, labels} objects.

Interrupting the command (Ctrl-C) cancels the run and prints the partial
result: the last accepted prompt and every example's outcome so far.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if attempts > 0 {
				cfg.Optimizer.MaxAttempts = attempts
			}
			if iterations > 0 {
				cfg.Optimizer.MaxIterations = iterations
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			p, err := dataset.LoadPrompt(promptPath, a.schema)
			if err != nil {
				return err
			}
			train, err := dataset.LoadExamples(trainPath, a.idGen.GenerateExampleID)
			if err != nil {
				return err
			}
			var val []models.LabeledExample
			if valPath != "" {
				if val, err = dataset.LoadExamples(valPath, a.idGen.GenerateExampleID); err != nil {
					return err
				}
			}

			logger.Info("starting optimization",
				zap.String("model", a.llm.Model()),
				zap.Int("train", len(train)),
				zap.Int("validation", len(val)),
			)

			result, err := a.runs.Execute(ctx, ports.RunRequest{
				Prompt:        p,
				TrainSet:      train,
				ValidationSet: val,
				Strategies:    sel,
			})
			if result == nil {
				return err
			}

			if outPath != "" {
				if werr := os.WriteFile(outPath, []byte(result.Prompt.Serialize()+"\n"), 0o644); werr != nil {
					return fmt.Errorf("failed to write prompt: %w", werr)
				}
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if jerr := enc.Encode(result); jerr != nil {
					return jerr
				}
			} else {
				printResult(os.Stdout, result)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&promptPath, "prompt", "p", "", "Initial prompt file")
	cmd.Flags().StringVarP(&trainPath, "train", "t", "", "Training set file")
	cmd.Flags().StringVar(&valPath, "val", "", "Validation set file (defaults to the training set)")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Write the final prompt to this file")
	cmd.Flags().StringVar(&sel.Scorer, "scorer", "", "Scorer strategy")
	cmd.Flags().StringVar(&sel.Merger, "merger", "", "Merger strategy")
	cmd.Flags().StringVar(&sel.Validator, "validator", "", "Validator strategy")
	cmd.Flags().IntVar(&attempts, "max-attempts", 0, "Per-example retry budget")
	cmd.Flags().IntVar(&iterations, "max-iterations", 0, "Refinement attempts across the run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	_ = cmd.MarkFlagRequired("prompt")
	_ = cmd.MarkFlagRequired("train")

	return cmd
}

func printResult(out io.Writer, r *models.RunResult) {
	fmt.Fprintf(out, "Run:        %s\n", r.RunID)
	fmt.Fprintf(out, "Status:     %s\n", r.Status)
	fmt.Fprintf(out, "Iterations: %d\n", r.Iterations)
	fmt.Fprintf(out, "Commits:    %d\n", r.Commits)
	fmt.Fprintf(out, "Passed:     %d/%d\n", r.Passed(), len(r.Outcomes))
	fmt.Fprintf(out, "Duration:   %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	if unresolved := r.Unresolved(); len(unresolved) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Unresolved examples:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  EXAMPLE\tATTEMPTS\tREASON")
		for _, o := range unresolved {
			fmt.Fprintf(w, "  %s\t%d\t%s\n", o.ExampleID, o.Attempts, o.Reason)
		}
		w.Flush()
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Final prompt (version %d):\n\n", r.Prompt.Version)
	fmt.Fprintln(out, r.Prompt.Serialize())
}
