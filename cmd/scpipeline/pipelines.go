package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/scpipeline/internal/observability"
	"github.com/jonathan/scpipeline/internal/types"
)

// demoPipelineName names the pipeline inserted by the seed command.
const demoPipelineName = "PBMC 3K example"

func parseUUID(kind, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", kind, raw, err)
	}
	return id, nil
}

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var req types.CreatePipelineRequest

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a pipeline with every step pending",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Name = args[0]
			}
			if err := req.Validate(); err != nil {
				return fmt.Errorf("invalid pipeline: %w", err)
			}

			a, err := opts.newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.engine.CreatePipeline(cmd.Context(), req.Name, req.Metadata())
			if err != nil {
				return err
			}
			return printPipeline(cmd, opts, p)
		},
	}

	cmd.Flags().StringVar(&req.DataPath, "data-path", "", "Path of the dataset analysed by this pipeline")
	cmd.Flags().StringVar(&req.Species, "species", "", "Species of the sample")
	cmd.Flags().StringVar(&req.Description, "description", "", "Free-text description")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			pipelines, err := a.engine.ListPipelines(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), pipelines)
			}
			observability.NewPrinter(cmd.OutOrStdout()).PrintPipelineList(pipelines)
			return nil
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var withResults bool

	cmd := &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "Show a pipeline and the status of its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("pipeline id", args[0])
			if err != nil {
				return err
			}

			a, err := opts.newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.engine.GetPipeline(cmd.Context(), id)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), p)
			}

			printer := observability.NewPrinter(cmd.OutOrStdout())
			printer.PrintPipeline(p)
			if withResults {
				for _, st := range p.Steps {
					printer.PrintStepResult(st.StepType, st.Result)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withResults, "results", false, "Also print the latest result of every completed step")
	return cmd
}

func newRenameCmd(opts *rootOptions) *cobra.Command {
	var dataPath, species, description string

	cmd := &cobra.Command{
		Use:   "rename <pipeline-id> <name>",
		Short: "Change the name and metadata of a pipeline",
		Long:  "Change the name of a pipeline. Metadata flags that are not given keep their current value.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("pipeline id", args[0])
			if err != nil {
				return err
			}

			a, err := opts.newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.engine.GetPipeline(cmd.Context(), id)
			if err != nil {
				return err
			}

			req := types.UpdatePipelineRequest{
				Name:        args[1],
				DataPath:    p.Metadata.DataPath,
				Species:     p.Metadata.Species,
				Description: p.Metadata.Description,
			}
			if cmd.Flags().Changed("data-path") {
				req.DataPath = dataPath
			}
			if cmd.Flags().Changed("species") {
				req.Species = species
			}
			if cmd.Flags().Changed("description") {
				req.Description = description
			}
			if err := req.Validate(); err != nil {
				return fmt.Errorf("invalid pipeline: %w", err)
			}

			if err := a.engine.UpdatePipelineMetadata(cmd.Context(), id, req.Name, req.Metadata()); err != nil {
				return err
			}
			p, err = a.engine.GetPipeline(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printPipeline(cmd, opts, p)
		},
	}

	cmd.Flags().StringVar(&dataPath, "data-path", "", "Path of the dataset analysed by this pipeline")
	cmd.Flags().StringVar(&species, "species", "", "Species of the sample")
	cmd.Flags().StringVar(&description, "description", "", "Free-text description")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <pipeline-id>",
		Short: "Delete a pipeline and its execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("pipeline id", args[0])
			if err != nil {
				return err
			}

			a, err := opts.newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.DeletePipeline(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted pipeline %s\n", id)
			return nil
		},
	}
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert the PBMC 3K demo pipeline with data_load and qc_filter completed",
		Long: "Insert a demo pipeline on the bundled pbmc_3k dataset with the first two steps " +
			"already run. Does nothing if a pipeline with the demo name exists.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := opts.newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			existing, err := a.engine.ListPipelines(ctx)
			if err != nil {
				return err
			}
			for _, p := range existing {
				if p.Name == demoPipelineName {
					a.log.WithField("pipeline_id", p.ID).Info("demo pipeline already present")
					return printPipeline(cmd, opts, p)
				}
			}

			p, err := a.engine.CreatePipeline(ctx, demoPipelineName, types.Metadata{
				DataPath:    "pbmc_3k",
				Species:     "human",
				Description: "Peripheral blood mononuclear cells, 3k cells (10x Genomics)",
			})
			if err != nil {
				return err
			}

			seedRuns := []struct {
				step   types.StepType
				params map[string]any
			}{
				{step: types.StepDataLoad, params: map[string]any{"file_source": "example", "example_dataset": "pbmc_3k"}},
				{step: types.StepQCFilter},
			}
			for _, run := range seedRuns {
				if _, err := a.engine.RunStep(ctx, p.ID, run.step, run.params); err != nil {
					return fmt.Errorf("failed to seed step %s: %w", run.step, err)
				}
			}

			p, err = a.engine.GetPipeline(ctx, p.ID)
			if err != nil {
				return err
			}
			return printPipeline(cmd, opts, p)
		},
	}
}

func printPipeline(cmd *cobra.Command, opts *rootOptions, p *types.PipelineState) error {
	if opts.jsonOutput {
		return printJSON(cmd.OutOrStdout(), p)
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintPipeline(p)
	return nil
}
