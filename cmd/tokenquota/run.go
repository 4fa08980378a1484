package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mercator-hq/tokenquota/pkg/cli"
	"mercator-hq/tokenquota/pkg/quota/admission"
	"mercator-hq/tokenquota/pkg/quota/policy"
	"mercator-hq/tokenquota/pkg/quota/sweeper"
	"mercator-hq/tokenquota/pkg/server"
	"mercator-hq/tokenquota/pkg/telemetry/health"
	"mercator-hq/tokenquota/pkg/telemetry/metrics"
	"mercator-hq/tokenquota/pkg/telemetry/tracing"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the quota API server",
	Long: `Start the quota API server with the specified configuration.

Besides the HTTP API this runs the reservation sweeper and, when enabled,
reloads the policy file whenever it changes.

Examples:
  # Start with defaults and TOKENQUOTA_* environment overrides
  tokenquota run

  # Start with a config file
  tokenquota run --config /etc/tokenquota/config.yaml

  # Override listen address
  tokenquota run --listen 0.0.0.0:8080

  # Validate config and policy without starting the server
  tokenquota run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config and policy without starting the server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	logger, err := newLogger(cfg, true)
	if err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}
	slog.SetDefault(logger)

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	tracer, err := tracing.New(&cfg.Telemetry.Tracing, Version)
	if err != nil {
		return cli.NewCommandError("run", fmt.Errorf("failed to initialize tracing: %w", err))
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)

	e, err := openEngine(ctx, cfg, logger, admission.WithRecorder(collector))
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer e.Close()

	snap := e.policies.Snapshot()
	collector.RecordPolicyReload(snap.Version, nil)
	e.policies.OnReload(func(snap *policy.Snapshot, err error) {
		var version int64
		if snap != nil {
			version = snap.Version
		}
		collector.RecordPolicyReload(version, err)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Configuration loaded (ledger=%s, lock=%s, missing_policy=%s)\n",
		e.ledger.Backend(), cfg.Lock.Backend, cfg.Admission.MissingPolicy)
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Policy loaded (version %d)\n", snap.Version)
	if runFlags.dryRun {
		return nil
	}

	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
	checker.RegisterCheck("ledger", health.LedgerCheck(e.ledger))
	checker.RegisterCheck("policy", health.PolicyCheck(e.policies))

	srv := server.New(cfg, server.Deps{
		Controller: e.controller,
		Reporter:   e.reporter,
		Health:     checker,
		Metrics:    collector,
		Tracer:     tracing.Named("server"),
		Logger:     logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Sweeper.Enabled {
		sw := sweeper.New(e.ledger, sweeper.Config{
			Schedule:   cfg.Sweeper.Schedule,
			PruneAfter: cfg.Sweeper.PruneAfter,
		}, collector, logger)
		if err := sw.Start(gctx); err != nil {
			return cli.NewCommandError("run", fmt.Errorf("failed to start sweeper: %w", err))
		}
		defer sw.Stop()
	}

	if cfg.Policy.Watch && cfg.Policy.FilePath != "" {
		watcher, err := policy.NewWatcher(e.policies, cfg.Policy.Debounce, logger)
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		defer watcher.Stop()
		g.Go(func() error {
			if err := watcher.Watch(gctx); err != nil && gctx.Err() == nil {
				logger.Error("policy watcher stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return srv.Start(gctx)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Server listening on %s\n", cfg.Server.ListenAddress)
	fmt.Fprintln(cmd.OutOrStdout(), "\nPress Ctrl+C to stop")

	if err := g.Wait(); err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Server stopped")
	return nil
}
