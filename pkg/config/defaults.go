package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxBodyBytes    = int64(1 << 20)

	// Ledger defaults
	DefaultLedgerBackend            = "sqlite"
	DefaultLedgerDSN                = "data/tokenquota.db"
	DefaultLedgerBusyTimeout        = 5 * time.Second
	DefaultLedgerMaxOpenConns       = 10
	DefaultLedgerMaxRetries         = 5
	DefaultLedgerCheckpointInterval = 5 * time.Minute

	// Policy defaults
	DefaultPolicyFilePath = "./quota.yaml"
	DefaultPolicyWatch    = true
	DefaultPolicyDebounce = 100 * time.Millisecond

	// Admission defaults
	DefaultMissingPolicy  = MissingPolicyAllow
	DefaultReservationTTL = 5 * time.Minute

	// Lock defaults
	DefaultLockBackend        = "local"
	DefaultRedisAddr          = "localhost:6379"
	DefaultRedisKeyPrefix     = "tokenquota:lock:"
	DefaultRedisTTL           = 10 * time.Second
	DefaultRedisRetryInterval = 10 * time.Millisecond
	DefaultRedisDialTimeout   = 5 * time.Second

	// Sweeper defaults
	DefaultSweeperEnabled    = true
	DefaultSweeperSchedule   = "@every 30s"
	DefaultSweeperPruneAfter = 7 * 24 * time.Hour

	// Telemetry defaults
	DefaultLoggingLevel         = "info"
	DefaultLoggingFormat        = "json"
	DefaultLoggingRedactSecrets = true
	DefaultMetricsEnabled       = true
	DefaultMetricsPath          = "/metrics"
	DefaultMetricsNamespace     = "tokenquota"
	DefaultTracingEnabled       = false
	DefaultTracingSampler       = "ratio"
	DefaultTracingSampleRatio   = 0.1
	DefaultTracingServiceName   = "tokenquota"
	DefaultTracingInsecure      = true
	DefaultTracingTimeout       = 10 * time.Second
	DefaultLivenessPath         = "/health"
	DefaultReadinessPath        = "/ready"
	DefaultHealthCheckTimeout   = 5 * time.Second
)

// DefaultDurationBuckets are the admission latency histogram buckets.
var DefaultDurationBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// Default returns a configuration with every default applied, including
// the boolean switches that ApplyDefaults cannot distinguish from an
// explicit false. LoadConfig decodes the YAML file on top of it.
func Default() *Config {
	cfg := &Config{}
	cfg.Policy.Watch = DefaultPolicyWatch
	cfg.Sweeper.Enabled = DefaultSweeperEnabled
	cfg.Telemetry.Logging.RedactSecrets = DefaultLoggingRedactSecrets
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	cfg.Telemetry.Tracing.Enabled = DefaultTracingEnabled
	cfg.Telemetry.Tracing.Insecure = DefaultTracingInsecure
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}

	// Ledger defaults. An explicit DSN without a backend lets the ledger
	// infer the backend from the DSN.
	if cfg.Ledger.Backend == "" && cfg.Ledger.DSN == "" {
		cfg.Ledger.Backend = DefaultLedgerBackend
		cfg.Ledger.DSN = DefaultLedgerDSN
	}
	if cfg.Ledger.DSN == "" && isSQLite(cfg.Ledger.Backend) {
		cfg.Ledger.DSN = DefaultLedgerDSN
	}
	if cfg.Ledger.BusyTimeout == 0 {
		cfg.Ledger.BusyTimeout = DefaultLedgerBusyTimeout
	}
	if cfg.Ledger.MaxOpenConns == 0 {
		cfg.Ledger.MaxOpenConns = DefaultLedgerMaxOpenConns
	}
	if cfg.Ledger.MaxRetries == 0 {
		cfg.Ledger.MaxRetries = DefaultLedgerMaxRetries
	}
	if cfg.Ledger.CheckpointInterval == 0 && isSQLite(cfg.Ledger.Backend) {
		cfg.Ledger.CheckpointInterval = DefaultLedgerCheckpointInterval
	}

	// Policy defaults
	if cfg.Policy.FilePath == "" {
		cfg.Policy.FilePath = DefaultPolicyFilePath
	}
	if cfg.Policy.Debounce == 0 {
		cfg.Policy.Debounce = DefaultPolicyDebounce
	}

	// Admission defaults
	if cfg.Admission.MissingPolicy == "" {
		cfg.Admission.MissingPolicy = DefaultMissingPolicy
	}
	if cfg.Admission.ReservationTTL == 0 {
		cfg.Admission.ReservationTTL = DefaultReservationTTL
	}

	// Lock defaults
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = DefaultLockBackend
	}
	redis := &cfg.Lock.Redis
	if redis.Addr == "" {
		redis.Addr = DefaultRedisAddr
	}
	if redis.KeyPrefix == "" {
		redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if redis.TTL == 0 {
		redis.TTL = DefaultRedisTTL
	}
	if redis.RetryInterval == 0 {
		redis.RetryInterval = DefaultRedisRetryInterval
	}
	if redis.DialTimeout == 0 {
		redis.DialTimeout = DefaultRedisDialTimeout
	}

	// Sweeper defaults
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = DefaultSweeperSchedule
	}
	if cfg.Sweeper.PruneAfter == 0 {
		cfg.Sweeper.PruneAfter = DefaultSweeperPruneAfter
	}

	// Telemetry defaults
	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}

	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if len(t.Metrics.DurationBuckets) == 0 {
		t.Metrics.DurationBuckets = append([]float64(nil), DefaultDurationBuckets...)
	}

	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
	if t.Tracing.Timeout == 0 {
		t.Tracing.Timeout = DefaultTracingTimeout
	}

	if t.Health.LivenessPath == "" {
		t.Health.LivenessPath = DefaultLivenessPath
	}
	if t.Health.ReadinessPath == "" {
		t.Health.ReadinessPath = DefaultReadinessPath
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}

func isSQLite(backend string) bool {
	return backend == "sqlite" || backend == "sqlite3"
}
