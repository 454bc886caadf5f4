package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields after loading configuration from file and environment.
//
// Default Strategy:
//   - Zero values (0, "", false) are replaced with defaults
//   - Explicit values are preserved
//   - self_rank, tcp_locations, storage_dir, n_sectors, and the HMAC key
//     paths have no sensible default and are left for Validate to reject
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.StableStorageBackend == "" {
		cfg.StableStorageBackend = "file"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation.
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics).
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all defaultable values
// applied. self_rank, tcp_locations, storage_dir, n_sectors, and the HMAC
// key paths are filled with sample values for a single-process setup
// (rank 1 of one process at 127.0.0.1:9001); callers building a real
// deployment must supply these explicitly.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		SelfRank: 1,
		TCPLocations: []Location{
			{Host: "127.0.0.1", Port: 9001},
		},
		StorageDir:        "/var/lib/atomicdrive",
		NSectors:          1024,
		HMACSystemKeyPath: "/etc/atomicdrive/hmac_system.key",
		HMACClientKeyPath: "/etc/atomicdrive/hmac_client.key",
	}

	ApplyDefaults(cfg)
	return cfg
}
