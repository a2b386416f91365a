package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/scpipeline/internal/observability"
	"github.com/jonathan/scpipeline/internal/pipeline"
	"github.com/jonathan/scpipeline/internal/schemas"
	"github.com/jonathan/scpipeline/internal/types"
)

// paramFlags are the override flags shared by run-step and set-params.
type paramFlags struct {
	file  string
	pairs []string
}

func (f *paramFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "params-file", "f", "", "YAML or JSON file with parameter overrides")
	cmd.Flags().StringArrayVarP(&f.pairs, "param", "p", nil, "Parameter override as key=value (repeatable)")
}

func (f *paramFlags) parse() (map[string]any, error) {
	return parseParams(f.file, f.pairs)
}

// printStepError adds the failure detail the engine recorded before returning err.
func printStepError(cmd *cobra.Command, err error) error {
	if pipeline.StateMutated(err) {
		fmt.Fprintln(cmd.ErrOrStderr(), "The step was marked as failed; fix the parameters or backend and run it again.")
	}
	return err
}

func newStepsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "Print the step catalog with parameters and defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs := schemas.Default().Definitions()
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), defs)
			}
			observability.NewPrinter(cmd.OutOrStdout()).PrintDefinitions(defs)
			return nil
		},
	}
}

func newRunStepCmd(opts *rootOptions) *cobra.Command {
	var pf paramFlags

	cmd := &cobra.Command{
		Use:   "run-step <pipeline-id> <step>",
		Short: "Run one step with its current parameters plus overrides",
		Long: "Run one step of a pipeline. The previous step must be completed. " +
			"Overrides are merged into the stored parameters and persisted.",
		Example: "  scpipeline run-step 0190b6a2-... qc_filter -p min_genes=300 -p max_mito_pct=10",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("pipeline id", args[0])
			if err != nil {
				return err
			}
			step := types.StepType(args[1])
			overrides, err := pf.parse()
			if err != nil {
				return err
			}

			a, err := opts.newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			start := time.Now()
			result, err := a.engine.RunStep(cmd.Context(), id, step, overrides)
			if err != nil {
				return printStepError(cmd, err)
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}

			printer := observability.NewPrinter(cmd.OutOrStdout())
			printer.PrintStepResult(step, result)
			printer.PrintDuration("Step "+string(step)+" completed", time.Since(start))
			return nil
		},
	}

	pf.register(cmd)
	return cmd
}

func newSetParamsCmd(opts *rootOptions) *cobra.Command {
	var pf paramFlags

	cmd := &cobra.Command{
		Use:   "set-params <pipeline-id> <step>",
		Short: "Store parameter overrides for a step without running it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("pipeline id", args[0])
			if err != nil {
				return err
			}
			step := types.StepType(args[1])
			overrides, err := pf.parse()
			if err != nil {
				return err
			}
			if len(overrides) == 0 {
				return fmt.Errorf("no parameters given: use --param key=value or --params-file")
			}

			a, err := opts.newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.UpdateStepParams(cmd.Context(), id, step, overrides); err != nil {
				return err
			}
			p, err := a.engine.GetPipeline(cmd.Context(), id)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), p.Step(step).Params)
			}
			return printPipeline(cmd, opts, p)
		},
	}

	pf.register(cmd)
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <pipeline-id> <step>",
		Short: "List the successful executions of a step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("pipeline id", args[0])
			if err != nil {
				return err
			}
			step := types.StepType(args[1])

			a, err := opts.newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			history, err := a.engine.GetStepHistory(cmd.Context(), id, step)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), history)
			}
			observability.NewPrinter(cmd.OutOrStdout()).PrintHistory(step, history)
			return nil
		},
	}
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <pipeline-id> <step> <execution-id>",
		Short: "Run a step again with the parameters of a past execution",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("pipeline id", args[0])
			if err != nil {
				return err
			}
			step := types.StepType(args[1])
			executionID, err := parseUUID("execution id", args[2])
			if err != nil {
				return err
			}

			a, err := opts.newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.engine.ReplayExecution(cmd.Context(), id, step, executionID)
			if err != nil {
				return printStepError(cmd, err)
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}
			observability.NewPrinter(cmd.OutOrStdout()).PrintStepResult(step, result)
			return nil
		},
	}
}
