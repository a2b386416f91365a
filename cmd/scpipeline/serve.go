package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jonathan/scpipeline/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		Long:  `Start an HTTP server that exposes REST endpoints for creating pipelines and running their steps.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.newApp(cmd.Context(), true)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("port") {
				a.cfg.Port = port
			}

			srv, err := server.New(server.Config{
				Port:        a.cfg.Port,
				Engine:      a.engine,
				Logger:      a.log,
				Gatherer:    a.registry,
				OnShutdown:  a.closers,
				StepTimeout: a.cfg.StepTimeout.Std(),
			})
			if err != nil {
				a.Close()
				return fmt.Errorf("failed to create server: %w", err)
			}

			a.log.WithFields(logrus.Fields{
				"store":     a.cfg.Store,
				"simulated": a.cfg.UseSimulator(),
			}).Info("pipeline engine ready")
			if err := srv.Start(); err != nil {
				a.Close()
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on (overrides PORT and the config file)")
	return cmd
}
