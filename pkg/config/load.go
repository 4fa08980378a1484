package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "TOKENQUOTA_"

// LoadConfig loads configuration from a YAML file at the specified path.
// The file is decoded on top of Default, so omitted fields keep their
// defaults and explicit false values are preserved. Unknown keys are
// rejected. The configuration is not modified by environment variables;
// use LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML on top of the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	// The ledger backend is inferred from the DSN when only the DSN is set.
	cfg.Ledger = LedgerConfig{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention TOKENQUOTA_SECTION_FIELD (e.g., TOKENQUOTA_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// An empty path skips the file and starts from the defaults.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies TOKENQUOTA_* variables to cfg. A variable
// that is set but cannot be parsed is an error.
func applyEnvOverrides(cfg *Config) error {
	env := envReader{}

	// Server overrides
	env.str("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	env.duration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	env.duration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	env.duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	env.boolean("SERVER_AUTH_ENABLED", &cfg.Server.Auth.Enabled)

	// Ledger overrides
	env.str("LEDGER_BACKEND", &cfg.Ledger.Backend)
	env.str("LEDGER_DSN", &cfg.Ledger.DSN)
	env.duration("LEDGER_BUSY_TIMEOUT", &cfg.Ledger.BusyTimeout)
	env.integer("LEDGER_MAX_OPEN_CONNS", &cfg.Ledger.MaxOpenConns)
	env.integer("LEDGER_MAX_RETRIES", &cfg.Ledger.MaxRetries)

	// Policy overrides
	env.str("POLICY_FILE_PATH", &cfg.Policy.FilePath)
	env.boolean("POLICY_WATCH", &cfg.Policy.Watch)
	env.duration("POLICY_DEBOUNCE", &cfg.Policy.Debounce)

	// Admission overrides
	env.str("ADMISSION_MISSING_POLICY", &cfg.Admission.MissingPolicy)
	env.duration("ADMISSION_RESERVATION_TTL", &cfg.Admission.ReservationTTL)
	env.int64("ADMISSION_DEFAULT_ESTIMATE", &cfg.Admission.DefaultEstimate)

	// Lock overrides
	env.str("LOCK_BACKEND", &cfg.Lock.Backend)
	env.str("LOCK_REDIS_ADDR", &cfg.Lock.Redis.Addr)
	env.str("LOCK_REDIS_PASSWORD", &cfg.Lock.Redis.Password)
	env.integer("LOCK_REDIS_DB", &cfg.Lock.Redis.DB)
	env.str("LOCK_REDIS_KEY_PREFIX", &cfg.Lock.Redis.KeyPrefix)
	env.duration("LOCK_REDIS_TTL", &cfg.Lock.Redis.TTL)

	// Sweeper overrides
	env.boolean("SWEEPER_ENABLED", &cfg.Sweeper.Enabled)
	env.str("SWEEPER_SCHEDULE", &cfg.Sweeper.Schedule)
	env.duration("SWEEPER_PRUNE_AFTER", &cfg.Sweeper.PruneAfter)

	// Telemetry overrides
	env.str("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	env.str("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	env.boolean("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	env.str("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	env.boolean("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	env.str("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	env.float("TELEMETRY_TRACING_SAMPLE_RATIO", &cfg.Telemetry.Tracing.SampleRatio)

	return errors.Join(env.errs...)
}

// envReader collects parse failures while applying overrides.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (r *envReader) fail(name, val string, err error) {
	r.errs = append(r.errs, fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, val, err))
}

func (r *envReader) str(name string, dst *string) {
	if val, ok := r.lookup(name); ok {
		*dst = val
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if val, ok := r.lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = d
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	if val, ok := r.lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) integer(name string, dst *int) {
	if val, ok := r.lookup(name); ok {
		i, err := strconv.Atoi(val)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = i
	}
}

func (r *envReader) int64(name string, dst *int64) {
	if val, ok := r.lookup(name); ok {
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = i
	}
}

func (r *envReader) float(name string, dst *float64) {
	if val, ok := r.lookup(name); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			r.fail(name, val, err)
			return
		}
		*dst = f
	}
}
