package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLedger(&cfg.Ledger)...)
	errs = append(errs, validatePolicy(&cfg.Policy)...)
	errs = append(errs, validateAdmission(&cfg.Admission)...)
	errs = append(errs, validateLock(&cfg.Lock)...)
	errs = append(errs, validateSweeper(&cfg.Sweeper)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{Field: "server.listen_address", Message: "listen address is required"})
	} else if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: fmt.Sprintf("invalid address %q: %v", cfg.ListenAddress, err),
		})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "read timeout must be positive"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "write timeout must be positive"})
	}
	if cfg.IdleTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.idle_timeout", Message: "idle timeout must be positive"})
	}
	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.shutdown_timeout", Message: "shutdown timeout must be positive"})
	}
	if cfg.MaxBodyBytes < 0 {
		errs = append(errs, FieldError{Field: "server.max_body_bytes", Message: "max body bytes must be non-negative"})
	}

	errs = append(errs, validateAuth(&cfg.Auth)...)

	return errs
}

func validateAuth(cfg *AuthConfig) []FieldError {
	var errs []FieldError

	if cfg.Enabled && len(cfg.Keys) == 0 {
		errs = append(errs, FieldError{Field: "server.auth.keys", Message: "at least one key is required when auth is enabled"})
	}

	seen := make(map[string]bool, len(cfg.Keys))
	for i, k := range cfg.Keys {
		field := fmt.Sprintf("server.auth.keys[%d]", i)
		if k.Key == "" {
			errs = append(errs, FieldError{Field: field + ".key", Message: "key is required"})
		} else if seen[k.Key] {
			errs = append(errs, FieldError{Field: field + ".key", Message: "duplicate key"})
		}
		seen[k.Key] = true
		if k.Operator == "" {
			errs = append(errs, FieldError{Field: field + ".operator", Message: "operator is required"})
		}
	}

	return errs
}

func validateLedger(cfg *LedgerConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "", "memory":
	case "sqlite", "sqlite3":
		if cfg.DSN == "" {
			errs = append(errs, FieldError{Field: "ledger.dsn", Message: "database path is required for sqlite backends"})
		}
	case "postgres":
		if cfg.DSN == "" {
			errs = append(errs, FieldError{Field: "ledger.dsn", Message: "connection URL is required for the postgres backend"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "ledger.backend",
			Message: fmt.Sprintf("invalid backend %q (must be one of: memory, sqlite, sqlite3, postgres)", cfg.Backend),
		})
	}

	if cfg.BusyTimeout < 0 {
		errs = append(errs, FieldError{Field: "ledger.busy_timeout", Message: "busy timeout must be positive"})
	}
	if cfg.MaxOpenConns < 0 {
		errs = append(errs, FieldError{Field: "ledger.max_open_conns", Message: "max open connections must be non-negative"})
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, FieldError{Field: "ledger.max_retries", Message: "max retries must be non-negative"})
	}
	if cfg.CheckpointInterval < 0 {
		errs = append(errs, FieldError{Field: "ledger.checkpoint_interval", Message: "checkpoint interval must be non-negative"})
	}

	return errs
}

func validatePolicy(cfg *PolicyConfig) []FieldError {
	var errs []FieldError

	if cfg.Debounce < 0 {
		errs = append(errs, FieldError{Field: "policy.debounce", Message: "debounce must be non-negative"})
	}
	if cfg.Watch && cfg.FilePath == "" {
		errs = append(errs, FieldError{Field: "policy.watch", Message: "watch requires policy.file_path"})
	}

	return errs
}

func validateAdmission(cfg *AdmissionConfig) []FieldError {
	var errs []FieldError

	switch cfg.MissingPolicy {
	case MissingPolicyAllow, MissingPolicyDeny:
	default:
		errs = append(errs, FieldError{
			Field:   "admission.missing_policy",
			Message: fmt.Sprintf("invalid value %q (must be one of: allow, deny)", cfg.MissingPolicy),
		})
	}
	if cfg.ReservationTTL <= 0 {
		errs = append(errs, FieldError{Field: "admission.reservation_ttl", Message: "reservation TTL must be positive"})
	}
	if cfg.DefaultEstimate < 0 {
		errs = append(errs, FieldError{Field: "admission.default_estimate", Message: "default estimate must be non-negative"})
	}

	return errs
}

func validateLock(cfg *LockConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "local", "none":
	case "redis":
		if cfg.Redis.Addr == "" {
			errs = append(errs, FieldError{Field: "lock.redis.addr", Message: "redis address is required"})
		}
		if cfg.Redis.DB < 0 {
			errs = append(errs, FieldError{Field: "lock.redis.db", Message: "database number must be non-negative"})
		}
		if cfg.Redis.TTL <= 0 {
			errs = append(errs, FieldError{Field: "lock.redis.ttl", Message: "lock TTL must be positive"})
		}
		if cfg.Redis.RetryInterval <= 0 {
			errs = append(errs, FieldError{Field: "lock.redis.retry_interval", Message: "retry interval must be positive"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "lock.backend",
			Message: fmt.Sprintf("invalid backend %q (must be one of: local, redis, none)", cfg.Backend),
		})
	}

	return errs
}

func validateSweeper(cfg *SweeperConfig) []FieldError {
	var errs []FieldError

	if cfg.Enabled {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			errs = append(errs, FieldError{
				Field:   "sweeper.schedule",
				Message: fmt.Sprintf("invalid schedule %q: %v", cfg.Schedule, err),
			})
		}
	}
	if cfg.PruneAfter < 0 {
		errs = append(errs, FieldError{Field: "sweeper.prune_after", Message: "prune_after must be non-negative"})
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid log level %q (must be one of: debug, info, warn, error)", cfg.Logging.Level),
		})
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid log format %q (must be one of: json, text)", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "metrics path must start with /"})
	}
	for i := 1; i < len(cfg.Metrics.DurationBuckets); i++ {
		if cfg.Metrics.DurationBuckets[i] <= cfg.Metrics.DurationBuckets[i-1] {
			errs = append(errs, FieldError{Field: "telemetry.metrics.duration_buckets", Message: "buckets must be strictly increasing"})
			break
		}
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Sampler {
		case "always", "never", "ratio":
		default:
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sampler",
				Message: fmt.Sprintf("invalid sampler %q (must be one of: always, never, ratio)", cfg.Tracing.Sampler),
			})
		}
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "endpoint is required when tracing is enabled"})
		}
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "sample ratio must be between 0.0 and 1.0"})
	}

	if !strings.HasPrefix(cfg.Health.LivenessPath, "/") {
		errs = append(errs, FieldError{Field: "telemetry.health.liveness_path", Message: "path must start with /"})
	}
	if !strings.HasPrefix(cfg.Health.ReadinessPath, "/") {
		errs = append(errs, FieldError{Field: "telemetry.health.readiness_path", Message: "path must start with /"})
	}

	return errs
}
