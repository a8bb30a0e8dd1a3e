package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"weaver/internal/agent"
	"weaver/internal/config"
	"weaver/internal/observability"
	"weaver/internal/orchestrator"
	"weaver/internal/store"
	"weaver/internal/store/filestore"
	"weaver/internal/store/postgresstore"
	"weaver/internal/store/redisstore"
)

// newServeCommand creates the serve subcommand
func newServeCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		Long: `Start the worker pool, the cron scheduler and the metrics endpoint,
recover executions interrupted by the previous shutdown, then serve
until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.loadEngineConfig()
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("store"); v != "" {
				cfg.Store.Backend = v
			}
			if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
				cfg.MetricsAddr = v
			}
			if v, _ := cmd.Flags().GetString("node-id"); v != "" {
				cfg.NodeID = v
			}
			cfg = cfg.Normalized()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cli, cfg)
		},
	}

	cmd.Flags().String("store", "", "Store backend (memory|file|postgres|redis)")
	cmd.Flags().String("metrics-addr", "", "Prometheus listen address")
	cmd.Flags().String("node-id", "", "Scheduler lease identity")
	return cmd
}

func runServe(ctx context.Context, cli *CLI, cfg config.Config) error {
	obs, err := observability.LoadConfig(cli.observabilityConfigPath())
	if err != nil {
		return fmt.Errorf("load observability config: %w", err)
	}
	obs.Logging.Level = cfg.LogLevel

	slogger := observability.NewLogger(observability.LogConfig{
		Level:  obs.Logging.Level,
		Format: obs.Logging.Format,
	})
	logger := slogger.Printf()

	tracer, err := observability.NewTracerProvider(obs.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	metricsCfg := obs.Metrics
	if cfg.MetricsAddr != "" {
		metricsCfg.Addr = cfg.MetricsAddr
	}
	collector, err := observability.NewMetricsCollector(metricsCfg, logger)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	st = observability.InstrumentStore(st, cfg.Store.Backend, collector)

	registry := agent.NewRegistry(logger)
	if err := agent.RegisterBuiltins(registry, logger); err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Store:    st,
		Registry: registry,
		Logger:   logger,
		Metrics:  orchestrator.DefaultMetrics(),
	})
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("%s %s\n", bold("Weaver"), gray(version))
	fmt.Printf("  %s %s\n", cyan("node:"), cfg.NodeID)
	fmt.Printf("  %s %s\n", cyan("store:"), storeTarget(cfg))
	if metricsCfg.Enabled && metricsCfg.Addr != "" {
		fmt.Printf("  %s %s/metrics\n", cyan("metrics:"), metricsCfg.Addr)
	}
	logger.Info("serving: workers=%d queue=%d scheduler_tick=%s lease_ttl=%s",
		cfg.Workers, cfg.QueueCapacity, cfg.SchedulerTick, cfg.LeaseTTL)

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if err := orch.Stop(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := collector.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// openStore builds the persistence backend selected by the config.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "file":
		return filestore.New(config.ExpandHome(cfg.Store.Dir))
	case "postgres":
		return postgresstore.Connect(ctx, cfg.Store.PostgresDSN)
	case "redis":
		return redisstore.Connect(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// storeTarget renders the backend and its location for the banner,
// with credentials masked.
func storeTarget(cfg config.Config) string {
	switch cfg.Store.Backend {
	case "file":
		return fmt.Sprintf("file %s", config.ExpandHome(cfg.Store.Dir))
	case "postgres":
		return fmt.Sprintf("postgres %s", observability.SanitizeDSN(cfg.Store.PostgresDSN))
	case "redis":
		return fmt.Sprintf("redis %s/%d", cfg.Store.RedisAddr, cfg.Store.RedisDB)
	default:
		return "in-memory"
	}
}
