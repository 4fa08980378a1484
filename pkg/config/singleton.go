package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// current holds the process-wide configuration.
	current atomic.Pointer[Config]

	// initMu serializes Initialize and ReloadConfig.
	initMu sync.Mutex

	// initialized is set once Initialize succeeds.
	initialized bool
)

// Initialize loads configuration from path with environment overrides and
// stores it as the process-wide configuration. Only the first successful
// call has an effect; later calls return nil without reloading. An empty
// path starts from the defaults.
func Initialize(path string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if initialized {
		return nil
	}

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return err
	}

	current.Store(cfg)
	initialized = true
	return nil
}

// GetConfig returns the process-wide configuration, or nil before
// Initialize. The returned value must not be mutated.
//
// For testing, prefer passing explicit Config values.
func GetConfig() *Config {
	return current.Load()
}

// SetConfig replaces the process-wide configuration. Intended for tests
// and for commands that build a Config from flags.
func SetConfig(cfg *Config) {
	current.Store(cfg)
}

// ReloadConfig reloads the configuration from path. The stored instance is
// replaced only if loading and validation succeed.
func ReloadConfig(path string) error {
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	initMu.Lock()
	defer initMu.Unlock()
	current.Store(cfg)
	initialized = true
	return nil
}

// MustGetConfig returns the process-wide configuration and panics if it has
// not been initialized.
func MustGetConfig() *Config {
	cfg := GetConfig()
	if cfg == nil {
		panic("configuration not initialized: call Initialize first")
	}
	return cfg
}

// reset clears the process-wide configuration.
func reset() {
	initMu.Lock()
	defer initMu.Unlock()
	current.Store(nil)
	initialized = false
}
