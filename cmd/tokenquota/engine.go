package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	goredis "github.com/redis/go-redis/v9"

	"mercator-hq/tokenquota/pkg/cli"
	"mercator-hq/tokenquota/pkg/config"
	"mercator-hq/tokenquota/pkg/quota/admission"
	"mercator-hq/tokenquota/pkg/quota/analytics"
	"mercator-hq/tokenquota/pkg/quota/ledger"
	"mercator-hq/tokenquota/pkg/quota/lock"
	"mercator-hq/tokenquota/pkg/quota/policy"
	"mercator-hq/tokenquota/pkg/telemetry/logging"
)

// engine is the set of components every command works with.
type engine struct {
	config     *config.Config
	logger     *slog.Logger
	ledger     ledger.Store
	policies   *policy.Store
	controller *admission.Controller
	reporter   *analytics.Reporter

	closers []func() error
}

// loadConfig reads --config and the TOKENQUOTA_* environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError("", err.Error())
	}
	return cfg, nil
}

// newLogger builds the process logger. Commands other than run only log
// warnings unless --verbose is given.
func newLogger(cfg *config.Config, server bool) (*slog.Logger, error) {
	lc := logging.FromConfig(cfg.Telemetry.Logging)
	lc.Writer = os.Stderr
	if !server && !verbose {
		lc.Level = "warn"
	}
	if verbose {
		lc.Level = "debug"
	}
	return logging.New(lc)
}

// openEngine opens the ledger, loads the policy and builds the admission
// controller. opts are appended after the configured options.
func openEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...admission.Option) (*engine, error) {
	e := &engine{config: cfg, logger: logger}

	store, err := ledger.Open(ledger.Config{
		Backend:            cfg.Ledger.Backend,
		DSN:                cfg.Ledger.DSN,
		BusyTimeout:        cfg.Ledger.BusyTimeout,
		MaxOpenConns:       cfg.Ledger.MaxOpenConns,
		MaxRetries:         cfg.Ledger.MaxRetries,
		CheckpointInterval: cfg.Ledger.CheckpointInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	e.ledger = store
	e.closers = append(e.closers, store.Close)

	e.policies = policy.NewStore(cfg.Policy.FilePath, store, logger)
	if _, err := e.policies.Reload(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	locker, closeLocker, err := newLocker(cfg.Lock, logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	if closeLocker != nil {
		e.closers = append(e.closers, closeLocker)
	}

	base := []admission.Option{
		admission.WithLocker(locker),
		admission.WithLogger(logger),
		admission.WithTTL(cfg.Admission.ReservationTTL),
		admission.WithFailOpen(cfg.Admission.FailOpen()),
		admission.WithDefaultEstimate(cfg.Admission.DefaultEstimate),
	}
	e.controller = admission.New(store, e.policies, append(base, opts...)...)
	e.reporter = analytics.NewReporter(store, logger)
	return e, nil
}

// Close releases the engine's resources in reverse order.
func (e *engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// newLocker builds the configured scope locker. The returned close func is
// nil when the locker holds no connection.
func newLocker(cfg config.LockConfig, logger *slog.Logger) (lock.Locker, func() error, error) {
	switch cfg.Backend {
	case "", "local":
		return lock.NewLocal(), nil, nil
	case "none":
		return lock.Nop{}, nil, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		locker := lock.NewRedis(client,
			lock.WithKeyPrefix(cfg.Redis.KeyPrefix),
			lock.WithTTL(cfg.Redis.TTL),
			lock.WithRetryInterval(cfg.Redis.RetryInterval),
			lock.WithLogger(logging.Component(logger, "lock")),
		)
		return locker, client.Close, nil
	}
	return nil, nil, cli.NewConfigError("lock.backend", fmt.Sprintf("unsupported backend %q", cfg.Backend))
}

// withEngine loads configuration, opens the engine, runs fn and closes it.
func withEngine(ctx context.Context, fn func(*engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, false)
	if err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}
	e, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}
