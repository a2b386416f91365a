// Package main provides the entry point for the single-cell analysis pipeline server and CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configPath  string
	databaseURL string
	computeURL  string
	simulate    bool
	logLevel    string
	jsonOutput  bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "scpipeline",
		Short: "Single-cell RNA-seq analysis pipeline engine",
		Long: "scpipeline runs single-cell analyses as a fixed sequence of steps " +
			"(data_load, qc_filter, dim_reduce, annotation) against a compute backend, " +
			"tracking parameters, results and execution history per pipeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a JSON or YAML config file")
	flags.StringVar(&opts.databaseURL, "db-url", "", "PostgreSQL URL (overrides DATABASE_URL)")
	flags.StringVar(&opts.computeURL, "compute-url", "", "Compute backend URL (overrides COMPUTE_URL)")
	flags.BoolVar(&opts.simulate, "simulate", false, "Use the in-process simulated compute backend")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print results as JSON instead of boxes")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newCreateCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newRenameCmd(opts),
		newDeleteCmd(opts),
		newSeedCmd(opts),
		newStepsCmd(opts),
		newRunStepCmd(opts),
		newSetParamsCmd(opts),
		newHistoryCmd(opts),
		newReplayCmd(opts),
	)

	return rootCmd
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
