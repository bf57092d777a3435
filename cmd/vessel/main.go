// Package main is the entry point for the vessel-control binary: the
// control-plane gateway that fronts a fleet service with circuit breaking,
// rate limiting, feature flags, and security filtering.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vesselhealth/vessel-control/internal/gateway"
	"github.com/vesselhealth/vessel-control/pkg/config"
	"github.com/vesselhealth/vessel-control/pkg/flags"
	"github.com/vesselhealth/vessel-control/pkg/logging"
	"github.com/vesselhealth/vessel-control/pkg/ratelimit"
	"github.com/vesselhealth/vessel-control/pkg/resilience"
	"github.com/vesselhealth/vessel-control/pkg/security"
	"github.com/vesselhealth/vessel-control/pkg/store"
	"github.com/vesselhealth/vessel-control/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vessel",
		Short: "Operational control plane for Vessel fleet services",
		Long: `vessel fronts a fleet service with the shared control-plane stack:
per-dependency circuit breaking with retries and timeouts, per-endpoint
concurrency limits, Redis-backed rate limiting, rule-based feature flags,
and a perimeter security filter.

Example:
  vessel --config /etc/vessel/vessel.yaml`,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	return rootCmd
}

func run(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logging.Setup(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty}).
		With().Str("service", cfg.Service.Name).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runGateway(ctx, cfg, logger)
}

func runGateway(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(registry)

	exec := resilience.NewExecutor(resilience.Options{
		MaxConcurrent: cfg.Resilience.MaxConcurrent,
		AcquireWait:   cfg.Resilience.AcquireWait,
		Timeout:       cfg.Resilience.Timeout,
		MaxRetries:    cfg.Resilience.MaxRetries,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			Cooldown:         cfg.Resilience.Cooldown,
		},
	}, metrics, logger)

	rules := ratelimit.NewRegistry()
	if err := rules.RegisterAll(cfg.RateLimits); err != nil {
		return err
	}
	limiter := ratelimit.New(st, rules, metrics, logger)

	engine := flags.NewEngine(st, flags.Config{
		Environment: cfg.Service.Environment,
		CacheTTL:    cfg.Flags.CacheTTL,
		StoreTTL:    cfg.Flags.StoreTTL,
	}, metrics, logger)

	if path := cfg.Flags.BootstrapPath; path != "" {
		if err := seedFlags(ctx, engine, path); err != nil {
			return err
		}
		watcher, err := config.WatchFile(path, logger, func() {
			if err := seedFlags(context.Background(), engine, path); err != nil {
				logger.Error().Err(err).Msg("flag bootstrap reload failed")
			}
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	filter := security.NewFilter(cfg.Security.Filter, st, metrics, logger)

	gw, err := gateway.New(cfg, gateway.Deps{
		Store:    st,
		Executor: exec,
		Limiter:  limiter,
		Flags:    engine,
		Filter:   filter,
		Metrics:  metrics,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return gw.Shutdown(shutdownCtx)
}

func buildStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.CounterStore, error) {
	if cfg.Store.Backend == "memory" {
		logger.Warn().Msg("using in-memory counter store, rate limits and flags are per-instance")
		return store.NewMemoryStore(), nil
	}

	st := store.NewRedisStore(store.RedisConfig{
		Addr:        cfg.Store.Redis.Addr,
		Password:    cfg.Store.Redis.Password,
		DB:          cfg.Store.Redis.DB,
		DialTimeout: cfg.Store.Redis.DialTimeout,
	})
	if err := st.Ping(ctx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Store.Redis.Addr).
			Msg("redis unreachable at startup, continuing with degraded limits")
	}
	return st, nil
}

func seedFlags(ctx context.Context, engine *flags.Engine, path string) error {
	seed, err := flags.LoadBootstrap(path)
	if err != nil {
		return err
	}
	return engine.ApplyBootstrap(ctx, seed)
}
