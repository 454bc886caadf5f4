package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/distsys-edu/atomicdrive/internal/bytesize"
)

// Config represents a register process's static configuration: its rank
// and peers, storage location, sector count, HMAC key files, and the
// ambient logging/metrics/shutdown settings.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (ATOMICDRIVE_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// SelfRank is this process's 1-indexed rank within TCPLocations.
	SelfRank uint8 `mapstructure:"self_rank" validate:"required,gt=0" yaml:"self_rank"`

	// TCPLocations lists every process's TCP endpoint, ordered by rank
	// (index 0 is rank 1). Its length is the process count N.
	TCPLocations []Location `mapstructure:"tcp_locations" validate:"required,min=1,dive" yaml:"tcp_locations"`

	// StorageDir is the directory the sector manager and stable-storage
	// key/value store persist into.
	StorageDir string `mapstructure:"storage_dir" validate:"required" yaml:"storage_dir"`

	// NSectors is the number of 4096-byte sectors exposed by the drive.
	NSectors uint64 `mapstructure:"n_sectors" validate:"required,gt=0" yaml:"n_sectors"`

	// StableStorageBackend selects the per-worker rid store: "file" (the
	// plain tmpfile+fsync+rename KV store) or "badger" (an embedded
	// badger.DB per worker).
	StableStorageBackend string `mapstructure:"stable_storage_backend" validate:"omitempty,oneof=file badger" yaml:"stable_storage_backend"`

	// BadgerMemTableSize overrides badger's default in-memory table size
	// when StableStorageBackend is "badger". Supports human-readable
	// formats like "64Mi". Zero uses badger's own default.
	BadgerMemTableSize bytesize.ByteSize `mapstructure:"badger_mem_table_size" yaml:"badger_mem_table_size,omitempty"`

	// HMACSystemKeyPath is a file containing the 64-byte key used to
	// authenticate process-to-process system messages.
	HMACSystemKeyPath string `mapstructure:"hmac_system_key" validate:"required" yaml:"hmac_system_key"`

	// HMACClientKeyPath is a file containing the 32-byte key used to
	// authenticate client commands and responses.
	HMACClientKeyPath string `mapstructure:"hmac_client_key" validate:"required" yaml:"hmac_client_key"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// Location is a single process's TCP endpoint.
type Location struct {
	Host string `mapstructure:"host" validate:"required" yaml:"host"`
	Port uint16 `mapstructure:"port" validate:"required" yaml:"port"`
}

// Addr formats the location as a host:port dial/listen address.
func (l Location) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written.
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the HTTP server are active.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the /metrics and /health endpoints.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ProcessCount returns the number of processes in the replica set.
func (c *Config) ProcessCount() uint8 {
	return uint8(len(c.TCPLocations))
}

// SelfAddr returns this process's own TCP endpoint, derived from
// SelfRank and TCPLocations.
func (c *Config) SelfAddr() Location {
	return c.TCPLocations[c.SelfRank-1]
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (ATOMICDRIVE_*)
//  2. Configuration file
//  3. Default values
//
// When no configuration file is found, GetDefaultConfig is returned as is;
// environment variables are not applied in that case.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages. It checks if
// the config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please create a configuration file there first,\n"+
				"or specify a custom config file:\n"+
				"  atomicdrive <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file.",
				configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML
// format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// HMAC key material is referenced by path, not embedded, but the rest
	// of the config can still describe a deployment's topology, so keep
	// the file owner-only.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variable and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the ATOMICDRIVE_ prefix and underscores.
	// Example: ATOMICDRIVE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("ATOMICDRIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns
// (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook returns a mapstructure decode hook that converts
// strings and integers to bytesize.ByteSize, so config files can use
// human-readable sizes like "64Mi", "1GB", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook returns a mapstructure decode hook that converts
// strings to time.Duration, so config files can use "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "atomicdrive")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "atomicdrive")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
