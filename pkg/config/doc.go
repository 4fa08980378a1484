// Package config provides configuration management for tokenquota.
//
// Configuration is read from a YAML file, decoded on top of the defaults,
// overridden by environment variables and validated before use.
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("tokenquota.yaml")
//	cfg, err := config.LoadConfigWithEnvOverrides("tokenquota.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention TOKENQUOTA_SECTION_FIELD:
//
//   - TOKENQUOTA_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - TOKENQUOTA_LEDGER_DSN overrides ledger.dsn
//   - TOKENQUOTA_LOCK_REDIS_ADDR overrides lock.redis.addr
//   - TOKENQUOTA_ADMISSION_MISSING_POLICY overrides admission.missing_policy
//
// A variable that is set but cannot be parsed fails the load.
//
// # Configuration Precedence
//
//  1. Default values (defaults.go)
//  2. Values from the YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Validation
//
// Validation errors carry field paths:
//
//	configuration validation failed with 2 errors:
//	  - ledger.backend: invalid backend "mysql" (must be one of: memory, sqlite, sqlite3, postgres)
//	  - lock.redis.addr: redis address is required
//
// # Example Configuration
//
//	server:
//	  listen_address: "0.0.0.0:8080"
//	  auth:
//	    enabled: true
//	    keys:
//	      - key: "qk-ops-7f3a"
//	        operator: "ops"
//
//	ledger:
//	  backend: "postgres"
//	  dsn: "postgres://quota:secret@db:5432/quota"
//
//	policy:
//	  file_path: "/etc/tokenquota/quota.yaml"
//	  watch: true
//
//	admission:
//	  missing_policy: "allow"
//	  reservation_ttl: "5m"
//
//	lock:
//	  backend: "redis"
//	  redis:
//	    addr: "redis:6379"
//
//	sweeper:
//	  schedule: "@every 30s"
//
// # Singleton
//
// Initialize, GetConfig, SetConfig and ReloadConfig manage a process-wide
// instance stored behind an atomic pointer; readers never block.
package config
