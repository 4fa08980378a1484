package config

import "time"

// Config is the root configuration structure for tokenquota.
// It contains every section needed to run the admission service: the HTTP
// server, the usage ledger, policy loading, admission behaviour, scope
// locking, the expiry sweeper, and telemetry.
type Config struct {
	// Server contains HTTP API server configuration.
	Server ServerConfig `yaml:"server"`

	// Ledger selects and tunes the durable usage ledger.
	Ledger LedgerConfig `yaml:"ledger"`

	// Policy contains the policy document location and reload settings.
	Policy PolicyConfig `yaml:"policy"`

	// Admission contains reservation and missing-policy behaviour.
	Admission AdmissionConfig `yaml:"admission"`

	// Lock selects how concurrent admissions on the same budget are
	// serialized.
	Lock LockConfig `yaml:"lock"`

	// Sweeper contains the reservation expiry schedule.
	Sweeper SweeperConfig `yaml:"sweeper"`

	// Telemetry contains logging, metrics, tracing and health settings.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP API server.
type ServerConfig struct {
	// ListenAddress is the address and port for the API to listen on.
	// Format: "host:port" (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 15s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response.
	// Default: 15s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum time to wait for the next request when
	// keep-alives are enabled.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes caps request bodies.
	// Default: 1048576 (1MB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// Auth guards the administrative routes.
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig contains API key authentication for the admin API.
type AuthConfig struct {
	// Enabled requires a valid key on every /v1/admin route. When set,
	// the key's operator replaces the X-Operator header in the audit trail.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Keys lists the accepted admin keys.
	Keys []AdminKey `yaml:"keys"`
}

// AdminKey is one admin API key and the operator it acts as.
type AdminKey struct {
	Key      string `yaml:"key"`
	Operator string `yaml:"operator"`

	// Disabled keeps the key configured but rejects it.
	Disabled bool `yaml:"disabled"`
}

// LedgerConfig contains usage ledger configuration.
type LedgerConfig struct {
	// Backend is the storage backend.
	// Options: "memory", "sqlite", "sqlite3", "postgres"
	// When empty the backend is inferred from DSN.
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// DSN is the database file path for SQLite or the connection URL for
	// PostgreSQL.
	// Default: "data/tokenquota.db"
	DSN string `yaml:"dsn"`

	// BusyTimeout is how long SQLite waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// MaxOpenConns caps the PostgreSQL connection pool. SQLite always uses
	// a single connection.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxRetries is how often a transaction is retried after a
	// serialization failure or busy database.
	// Default: 5
	MaxRetries int `yaml:"max_retries"`

	// CheckpointInterval is the SQLite WAL checkpoint period. Zero disables
	// periodic checkpoints.
	// Default: 5m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// PolicyConfig contains policy document configuration.
type PolicyConfig struct {
	// FilePath is the path to the YAML policy document. When empty only
	// administrative overrides stored in the ledger apply.
	// Default: "./quota.yaml"
	FilePath string `yaml:"file_path"`

	// Watch enables automatic reloading when the policy file changes.
	// Default: true
	Watch bool `yaml:"watch"`

	// Debounce delays reloads after a burst of file events.
	// Default: 100ms
	Debounce time.Duration `yaml:"debounce"`
}

// Missing-policy behaviours.
const (
	MissingPolicyAllow = "allow"
	MissingPolicyDeny  = "deny"
)

// AdmissionConfig contains admission controller configuration.
type AdmissionConfig struct {
	// MissingPolicy decides requests no policy covers.
	// Options: "allow" (fail open), "deny" (fail closed)
	// Default: "allow"
	MissingPolicy string `yaml:"missing_policy"`

	// ReservationTTL is how long a reservation holds its estimate before it
	// expires.
	// Default: 5m
	ReservationTTL time.Duration `yaml:"reservation_ttl"`

	// DefaultEstimate is used when a request carries no estimate.
	// Default: 0
	DefaultEstimate int64 `yaml:"default_estimate"`
}

// FailOpen reports whether requests without a covering policy are admitted.
func (a AdmissionConfig) FailOpen() bool {
	return a.MissingPolicy != MissingPolicyDeny
}

// LockConfig contains scope lock configuration.
type LockConfig struct {
	// Backend selects the locker.
	// Options: "local" (single process), "redis" (shared across instances),
	// "none" (rely on ledger transactions only)
	// Default: "local"
	Backend string `yaml:"backend"`

	// Redis configures the redis locker.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings for the scope locker.
type RedisConfig struct {
	// Addr is the Redis server address.
	// Default: "localhost:6379"
	Addr string `yaml:"addr"`

	// Password is the optional Redis password.
	Password string `yaml:"password"`

	// DB is the Redis database number.
	// Default: 0
	DB int `yaml:"db"`

	// KeyPrefix namespaces lock keys.
	// Default: "tokenquota:lock:"
	KeyPrefix string `yaml:"key_prefix"`

	// TTL bounds how long a crashed holder can keep a lock.
	// Default: 10s
	TTL time.Duration `yaml:"ttl"`

	// RetryInterval is the wait between acquisition attempts.
	// Default: 10ms
	RetryInterval time.Duration `yaml:"retry_interval"`

	// DialTimeout bounds connection establishment.
	// Default: 5s
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// SweeperConfig contains reservation sweeper configuration.
type SweeperConfig struct {
	// Enabled runs the sweeper inside the server process.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression or descriptor such as "@every 30s".
	// Default: "@every 30s"
	Schedule string `yaml:"schedule"`

	// PruneAfter is how long resolved reservations are kept before they are
	// deleted. Zero keeps them forever.
	// Default: 168h (7 days)
	PruneAfter time.Duration `yaml:"prune_after"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Health contains health check configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// RedactSecrets masks credentials (DSN passwords, tokens) in log
	// attributes.
	// Default: true
	RedactSecrets bool `yaml:"redact_secrets"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "tokenquota"
	Namespace string `yaml:"namespace"`

	// DurationBuckets defines histogram buckets for admission latency
	// (seconds).
	// Default: [0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1]
	DurationBuckets []float64 `yaml:"duration_buckets"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler determines the sampling strategy.
	// Options: "always", "never", "ratio"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of traces to sample (0.0 to 1.0).
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP gRPC collector endpoint.
	// Example: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// ServiceName is the service name in traces.
	// Default: "tokenquota"
	ServiceName string `yaml:"service_name"`

	// Insecure disables TLS for the collector connection.
	// Default: true
	Insecure bool `yaml:"insecure"`

	// Timeout is the export timeout.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig contains health check endpoint configuration.
type HealthConfig struct {
	// LivenessPath is the path for the liveness endpoint.
	// Default: "/health"
	LivenessPath string `yaml:"liveness_path"`

	// ReadinessPath is the path for the readiness endpoint.
	// Default: "/ready"
	ReadinessPath string `yaml:"readiness_path"`

	// CheckTimeout is the timeout for individual component health checks.
	// Default: 5s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}
