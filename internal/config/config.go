package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/sessiond/internal/cache"
	"github.com/objectfs/sessiond/pkg/errors"
	"github.com/objectfs/sessiond/pkg/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SESSIOND_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Queue      QueueConfig      `yaml:"queue"`
	Cache      CacheConfig      `yaml:"cache"`
	Session    SessionConfig    `yaml:"session"`
	Store      StoreConfig      `yaml:"store"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// QueueConfig represents work queue settings
type QueueConfig struct {
	ItemsPerBatch        int           `yaml:"items_per_batch"`
	MaxBatchesPerPass    int           `yaml:"max_batches_per_pass"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	ShutdownPollInterval time.Duration `yaml:"shutdown_poll_interval"`
}

// CacheConfig represents cache manager settings
type CacheConfig struct {
	CompressionThreshold      string             `yaml:"compression_threshold"`
	DynamicTTLStep            float64            `yaml:"dynamic_ttl_step"`
	FrequencyTableSize        int                `yaml:"frequency_table_size"`
	HighPressureThreshold     float64            `yaml:"high_pressure_threshold"`
	ModeratePressureThreshold float64            `yaml:"moderate_pressure_threshold"`
	HighEvictFraction         float64            `yaml:"high_evict_fraction"`
	ModerateEvictFraction     float64            `yaml:"moderate_evict_fraction"`
	ForceGC                   bool               `yaml:"force_gc"`
	MonitorInterval           time.Duration      `yaml:"monitor_interval"`
	MemoryLimit               string             `yaml:"memory_limit"`
	Pools                     []cache.PoolConfig `yaml:"pools"`

	// Prime seeds pools with static entries on every successful connect
	Prime map[string]map[string]string `yaml:"prime"`
}

// SessionConfig represents reconnect policy settings
type SessionConfig struct {
	BaseDelay           time.Duration `yaml:"base_delay"`
	GrowthFactor        float64       `yaml:"growth_factor"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	MaxAttempts         int           `yaml:"max_attempts"`
	ForbiddenCeiling    int           `yaml:"forbidden_ceiling"`
	ConnectionLostDelay time.Duration `yaml:"connection_lost_delay"`
	TransientDelay      time.Duration `yaml:"transient_delay"`
	CredentialDelay     time.Duration `yaml:"credential_delay"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
}

// StoreConfig represents credential and state store settings. Credentials
// live in their own directory so a wipe leaves handler state intact.
type StoreConfig struct {
	Dir            string        `yaml:"dir"`
	CredentialsDir string        `yaml:"credentials_dir"`
	Sync           bool          `yaml:"sync"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
}

// GatewayConfig represents gateway client settings
type GatewayConfig struct {
	Kind            string  `yaml:"kind"`
	EventsPerSecond float64 `yaml:"events_per_second"`
	Burst           int     `yaml:"burst"`
}

// MonitoringConfig represents observability settings
type MonitoringConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Addr      string            `yaml:"addr"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "json",
		},
		Queue: QueueConfig{
			ItemsPerBatch:        2,
			MaxBatchesPerPass:    10,
			ShutdownTimeout:      10 * time.Second,
			ShutdownPollInterval: 50 * time.Millisecond,
		},
		Cache: CacheConfig{
			CompressionThreshold:      "1KiB",
			DynamicTTLStep:            0.1,
			FrequencyTableSize:        1 << 16,
			HighPressureThreshold:     0.85,
			ModeratePressureThreshold: 0.70,
			HighEvictFraction:         0.5,
			ModerateEvictFraction:     0.2,
			ForceGC:                   true,
			MonitorInterval:           30 * time.Second,
			Pools:                     cache.DefaultPools(),
		},
		Session: SessionConfig{
			BaseDelay:           2 * time.Second,
			GrowthFactor:        2,
			MaxDelay:            60 * time.Second,
			MaxAttempts:         10,
			ForbiddenCeiling:    3,
			ConnectionLostDelay: 2 * time.Second,
			TransientDelay:      5 * time.Second,
			CredentialDelay:     10 * time.Second,
			ConnectTimeout:      30 * time.Second,
		},
		Store: StoreConfig{
			Dir:            "./data/session",
			CredentialsDir: "./data/credentials",
			DebounceWindow: time.Second,
		},
		Gateway: GatewayConfig{
			Kind:            "loopback",
			EventsPerSecond: 5,
			Burst:           10,
		},
		Monitoring: MonitoringConfig{
			Enabled:   true,
			Addr:      ":9464",
			Path:      "/metrics",
			Namespace: "sessiond",
			Labels:    map[string]string{"service": "sessiond"},
		},
	}
}

// Load builds a configuration from defaults, then the YAML file (if any),
// then the .env file (if present), then SESSIOND_* variables.
func Load(filename, envFile string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrCodeConfigLoad, "failed to load env file", err).
				WithComponent("config").
				WithDetail("file", envFile)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err).
			WithComponent("config").
			WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err).
			WithComponent("config").
			WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	var bad []string
	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	integer := func(name string, dst *int) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				bad = append(bad, EnvPrefix+name)
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				bad = append(bad, EnvPrefix+name)
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				bad = append(bad, EnvPrefix+name)
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = strings.ToLower(val) == "true"
		}
	}

	// Global settings
	str("LOG_LEVEL", &c.Global.LogLevel)
	str("LOG_FORMAT", &c.Global.LogFormat)
	str("LOG_FILE", &c.Global.LogFile)

	// Queue settings
	integer("ITEMS_PER_BATCH", &c.Queue.ItemsPerBatch)
	integer("MAX_BATCHES_PER_PASS", &c.Queue.MaxBatchesPerPass)
	duration("SHUTDOWN_TIMEOUT", &c.Queue.ShutdownTimeout)

	// Cache settings
	str("COMPRESSION_THRESHOLD", &c.Cache.CompressionThreshold)
	str("MEMORY_LIMIT", &c.Cache.MemoryLimit)
	float("HIGH_PRESSURE_THRESHOLD", &c.Cache.HighPressureThreshold)
	float("MODERATE_PRESSURE_THRESHOLD", &c.Cache.ModeratePressureThreshold)
	duration("MONITOR_INTERVAL", &c.Cache.MonitorInterval)

	// Session settings
	integer("MAX_ATTEMPTS", &c.Session.MaxAttempts)
	integer("FORBIDDEN_CEILING", &c.Session.ForbiddenCeiling)
	duration("MAX_DELAY", &c.Session.MaxDelay)

	// Store, gateway and monitoring settings
	str("STORE_DIR", &c.Store.Dir)
	str("CREDENTIALS_DIR", &c.Store.CredentialsDir)
	float("EVENTS_PER_SECOND", &c.Gateway.EventsPerSecond)
	boolean("METRICS_ENABLED", &c.Monitoring.Enabled)
	str("METRICS_ADDR", &c.Monitoring.Addr)

	if len(bad) > 0 {
		return errors.NewError(errors.ErrCodeConfigLoad, "invalid environment overrides").
			WithComponent("config").
			WithDetail("variables", bad)
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CompressionThresholdBytes parses the human-readable compression threshold.
func (c *Configuration) CompressionThresholdBytes() (int, error) {
	n, err := utils.ParseBytes(c.Cache.CompressionThreshold)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// MemoryLimitBytes parses the memory limit; an empty value means no limit.
func (c *Configuration) MemoryLimitBytes() (uint64, error) {
	if strings.TrimSpace(c.Cache.MemoryLimit) == "" {
		return 0, nil
	}
	n, err := utils.ParseBytes(c.Cache.MemoryLimit)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf(format, args...)).
			WithComponent("config").
			WithOperation("validate")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}

	if c.Queue.ItemsPerBatch <= 0 {
		return invalid("items_per_batch must be greater than 0")
	}
	if c.Queue.MaxBatchesPerPass <= 0 {
		return invalid("max_batches_per_pass must be greater than 0")
	}
	if c.Queue.ShutdownTimeout <= 0 {
		return invalid("shutdown_timeout must be greater than 0")
	}

	if _, err := c.CompressionThresholdBytes(); err != nil {
		return invalid("invalid compression_threshold: %s", c.Cache.CompressionThreshold)
	}
	if _, err := c.MemoryLimitBytes(); err != nil {
		return invalid("invalid memory_limit: %s", c.Cache.MemoryLimit)
	}
	for name, v := range map[string]float64{
		"high_pressure_threshold":     c.Cache.HighPressureThreshold,
		"moderate_pressure_threshold": c.Cache.ModeratePressureThreshold,
		"high_evict_fraction":         c.Cache.HighEvictFraction,
		"moderate_evict_fraction":     c.Cache.ModerateEvictFraction,
	} {
		if v <= 0 || v > 1 {
			return invalid("%s must be in (0, 1], got %v", name, v)
		}
	}
	if c.Cache.ModeratePressureThreshold >= c.Cache.HighPressureThreshold {
		return invalid("moderate_pressure_threshold must be below high_pressure_threshold")
	}

	seen := make(map[string]bool, len(c.Cache.Pools))
	for i, pool := range c.Cache.Pools {
		if strings.TrimSpace(pool.Name) == "" {
			return invalid("pool %d has an empty name", i)
		}
		if seen[pool.Name] {
			return invalid("duplicate pool: %s", pool.Name)
		}
		seen[pool.Name] = true
		if pool.MaxKeys <= 0 {
			return invalid("pool %s: max_keys must be greater than 0", pool.Name)
		}
	}
	for name := range c.Cache.Prime {
		if !seen[name] {
			return invalid("prime references unknown pool: %s", name)
		}
	}

	if c.Session.GrowthFactor < 1 {
		return invalid("growth_factor must be at least 1")
	}
	if c.Session.MaxAttempts <= 0 {
		return invalid("max_attempts must be greater than 0")
	}
	if c.Session.ForbiddenCeiling <= 0 {
		return invalid("forbidden_ceiling must be greater than 0")
	}
	if c.Session.BaseDelay > c.Session.MaxDelay {
		return invalid("base_delay must not exceed max_delay")
	}

	if c.Store.Dir == "" {
		return invalid("store dir is required")
	}
	if c.Store.CredentialsDir == "" {
		return invalid("store credentials_dir is required")
	}
	if filepath.Clean(c.Store.CredentialsDir) == filepath.Clean(c.Store.Dir) {
		return invalid("store credentials_dir must differ from dir")
	}
	if c.Gateway.Kind != "loopback" {
		return invalid("unsupported gateway kind: %s", c.Gateway.Kind)
	}
	if c.Monitoring.Enabled && c.Monitoring.Addr == "" {
		return invalid("monitoring addr is required when monitoring is enabled")
	}

	return nil
}
