package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/jonathan/scpipeline/internal/compute"
	"github.com/jonathan/scpipeline/internal/config"
	"github.com/jonathan/scpipeline/internal/db"
	"github.com/jonathan/scpipeline/internal/observability"
	"github.com/jonathan/scpipeline/internal/pipeline"
)

// app is the wired engine with everything it owns.
type app struct {
	cfg      config.Config
	log      *logrus.Logger
	engine   *pipeline.Engine
	registry *prometheus.Registry
	closers  []func()
}

// openStore connects the configured repository. Tests replace it with a shared memory store.
var openStore = func(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (pipeline.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		return db.NewMemoryStore(), func() {}, nil
	}

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Debug("connected to PostgreSQL")
	return database, database.Close, nil
}

// loadConfig layers the config file, the environment and the command line flags.
func (o *rootOptions) loadConfig() (config.Config, error) {
	var cfg config.Config
	if o.configPath != "" {
		loaded, err := config.LoadConfig(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = *loaded
	}

	cfg, err := config.FromEnv(cfg)
	if err != nil {
		return config.Config{}, err
	}

	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.computeURL != "" {
		cfg.ComputeURL = o.computeURL
	}
	if o.simulate {
		cfg.Simulate = true
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	merged := cfg.MergeWithDefaults(config.Defaults())
	if err := merged.Validate(); err != nil {
		return config.Config{}, err
	}
	return merged, nil
}

// newApp builds the engine. longLived is false for one-shot commands, which get a warning
// when their changes would vanish with the in-memory store.
func (o *rootOptions) newApp(ctx context.Context, longLived bool) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Store == config.StoreMemory && !longLived {
		logger.Warn("using the in-memory store; changes are lost when the command exits (set DATABASE_URL to persist)")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := pipeline.NewEngine(pipeline.Options{
		Store:       store,
		Executor:    newExecutor(cfg, logger),
		Logger:      logger,
		Metrics:     pipeline.NewMetrics(registry),
		StepTimeout: cfg.StepTimeout.Std(),
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      logger,
		engine:   engine,
		registry: registry,
		closers:  []func(){closeStore},
	}, nil
}

// newExecutor builds the configured backend with retries and a concurrency cap.
func newExecutor(cfg config.Config, log logrus.FieldLogger) compute.Executor {
	var backend compute.Executor
	if cfg.UseSimulator() {
		log.Debug("using the simulated compute backend")
		backend = compute.NewSimulated()
	} else {
		log.WithField("compute_url", cfg.ComputeURL).Debug("using the HTTP compute backend")
		backend = compute.NewHTTPExecutor(cfg.ComputeURL, compute.WithTimeout(cfg.ComputeTimeout.Std()))
	}
	return wrapExecutor(backend, cfg, log)
}

// wrapExecutor bounds concurrent backend calls and retries transport failures. The bound
// sits inside the retry loop so a call waiting out its backoff does not hold a slot.
func wrapExecutor(backend compute.Executor, cfg config.Config, log logrus.FieldLogger) compute.Executor {
	return compute.NewRetrying(compute.NewLimited(backend, cfg.MaxConcurrentExecutions),
		compute.WithMaxRetries(cfg.MaxRetries),
		compute.WithBackoff(cfg.RetryBackoff.Std()),
		compute.WithRetryLogger(log),
	)
}

// Close waits for running executions and releases the store.
func (a *app) Close() {
	a.engine.Wait()
	for _, fn := range a.closers {
		fn()
	}
}

// printJSON writes v as indented JSON.
func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
