// Package config loads engine configuration from an optional YAML file
// with GEOCACHE_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"geocache/internal/schedule"
)

// Config is the full engine configuration.
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Redis        RedisConfig        `yaml:"redis"`
	Edge         EdgeConfig         `yaml:"edge"`
	Cache        CacheConfig        `yaml:"cache"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Warming      WarmingConfig      `yaml:"warming"`
	Budget       BudgetConfig       `yaml:"budget"`
	Provider     ProviderConfig     `yaml:"provider"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	Maintenance  MaintenanceConfig  `yaml:"maintenance"`
	Log          LogConfig          `yaml:"log"`
}

// StorageConfig selects the durable backend.
type StorageConfig struct {
	Type        string `yaml:"type"` // sqlite or postgresql
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
	// MongoURL, when set, archives invalidation records to MongoDB
	// instead of the primary store.
	MongoURL      string `yaml:"mongo_url"`
	MongoDatabase string `yaml:"mongo_database"`
}

// RedisConfig configures the shared cache layer. Empty URL disables it.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// EdgeConfig configures the file-backed edge layer. Empty dir disables it.
type EdgeConfig struct {
	Dir string `yaml:"dir"`
}

// CacheConfig tunes entry encoding and defaults.
type CacheConfig struct {
	CompressionThreshold int `yaml:"compression_threshold"`
	// DefaultTTLSeconds applies to warmed entries whose type has no
	// per-type TTL.
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
}

// InvalidationConfig tunes the invalidation strategies.
type InvalidationConfig struct {
	ConfidenceThreshold    float64       `yaml:"confidence_threshold"`
	TrafficFreshnessWindow time.Duration `yaml:"traffic_freshness_window"`
}

// WarmingConfig tunes the warming executor.
type WarmingConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	BatchSize    int           `yaml:"batch_size"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	RetryBase    time.Duration `yaml:"retry_base"`
	// MaxAttempts is the default attempt cap for enqueued jobs that do
	// not carry their own.
	MaxAttempts int `yaml:"max_attempts"`
}

// BudgetConfig tunes the budget gate.
type BudgetConfig struct {
	CallsPerSecond float64 `yaml:"calls_per_second"`
	Burst          int     `yaml:"burst"`
	DailyBudget    float64 `yaml:"daily_budget"`
}

// ProviderConfig configures the upstream geodata gateway.
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// ScheduleConfig overrides the warming cadence. Windows use the
// "HH:MM-HH:MM" form, end-exclusive.
type ScheduleConfig struct {
	RushInterval     time.Duration `yaml:"rush_interval"`
	BusinessInterval time.Duration `yaml:"business_interval"`
	OffInterval      time.Duration `yaml:"off_interval"`
	RushWindows      []string      `yaml:"rush_windows"`
	BusinessWindow   string        `yaml:"business_window"`
}

// MaintenanceConfig tunes the maintenance pass.
type MaintenanceConfig struct {
	PassTimeBudget      time.Duration `yaml:"pass_time_budget"`
	RecordRetentionDays int           `yaml:"record_retention_days"`
	JobRetentionDays    int           `yaml:"job_retention_days"`
	StatsRetentionDays  int           `yaml:"stats_retention_days"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // auto, json, text
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Type:          "sqlite",
			SQLitePath:    "data/geocache.db",
			MongoDatabase: "geocache",
		},
		Redis: RedisConfig{Prefix: "geocache"},
		Edge:  EdgeConfig{},
		Cache: CacheConfig{
			CompressionThreshold: 1024,
			DefaultTTLSeconds:    3600,
		},
		Invalidation: InvalidationConfig{
			ConfidenceThreshold:    0.5,
			TrafficFreshnessWindow: 10 * time.Minute,
		},
		Warming: WarmingConfig{
			Concurrency:  4,
			BatchSize:    25,
			FetchTimeout: 15 * time.Second,
			RetryBase:    30 * time.Second,
			MaxAttempts:  3,
		},
		Budget: BudgetConfig{
			CallsPerSecond: 5,
			Burst:          10,
		},
		Provider: ProviderConfig{Timeout: 30 * time.Second},
		Schedule: ScheduleConfig{
			RushInterval:     5 * time.Minute,
			BusinessInterval: 15 * time.Minute,
			OffInterval:      30 * time.Minute,
			RushWindows:      []string{"07:00-09:00", "17:00-19:00"},
			BusinessWindow:   "07:00-19:00",
		},
		Maintenance: MaintenanceConfig{
			PassTimeBudget:      2 * time.Minute,
			RecordRetentionDays: 30,
			JobRetentionDays:    7,
			StatsRetentionDays:  90,
		},
		Log: LogConfig{Level: "info", Format: "auto"},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist), then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Type {
	case "sqlite", "postgresql":
	default:
		return fmt.Errorf("unknown storage type %q (valid: sqlite, postgresql)", c.Storage.Type)
	}
	if c.Storage.Type == "postgresql" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("storage type postgresql requires postgres_url")
	}
	if c.Invalidation.ConfidenceThreshold < 0 || c.Invalidation.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1]")
	}
	if c.Cache.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("default_ttl_seconds must be positive")
	}
	if c.Warming.MaxAttempts <= 0 {
		return fmt.Errorf("warming max_attempts must be positive")
	}
	for _, w := range c.Schedule.RushWindows {
		if _, err := schedule.ParseWindow(w); err != nil {
			return fmt.Errorf("rush_windows: %w", err)
		}
	}
	if c.Schedule.BusinessWindow != "" {
		if _, err := schedule.ParseWindow(c.Schedule.BusinessWindow); err != nil {
			return fmt.Errorf("business_window: %w", err)
		}
	}
	return nil
}

// applyEnv overlays GEOCACHE_* variables onto the configuration.
func applyEnv(cfg *Config) {
	setString(&cfg.Storage.Type, "GEOCACHE_STORAGE_TYPE")
	setString(&cfg.Storage.SQLitePath, "GEOCACHE_SQLITE_PATH")
	setString(&cfg.Storage.PostgresURL, "GEOCACHE_POSTGRES_URL")
	setString(&cfg.Storage.MongoURL, "GEOCACHE_MONGO_URL")
	setString(&cfg.Storage.MongoDatabase, "GEOCACHE_MONGO_DATABASE")
	setString(&cfg.Redis.URL, "GEOCACHE_REDIS_URL")
	setString(&cfg.Redis.Prefix, "GEOCACHE_REDIS_PREFIX")
	setString(&cfg.Edge.Dir, "GEOCACHE_EDGE_DIR")
	setString(&cfg.Provider.BaseURL, "GEOCACHE_PROVIDER_BASE_URL")
	setString(&cfg.Provider.APIKey, "GEOCACHE_PROVIDER_API_KEY")
	setString(&cfg.Log.Level, "GEOCACHE_LOG_LEVEL")
	setString(&cfg.Log.Format, "GEOCACHE_LOG_FORMAT")
	setInt(&cfg.Warming.Concurrency, "GEOCACHE_WARMING_CONCURRENCY")
	setInt(&cfg.Warming.BatchSize, "GEOCACHE_WARMING_BATCH_SIZE")
	setInt(&cfg.Warming.MaxAttempts, "GEOCACHE_MAX_WARMING_ATTEMPTS")
	setInt(&cfg.Cache.DefaultTTLSeconds, "GEOCACHE_DEFAULT_TTL_SECONDS")
	setString(&cfg.Schedule.BusinessWindow, "GEOCACHE_BUSINESS_WINDOW")
	setFloat(&cfg.Budget.DailyBudget, "GEOCACHE_DAILY_BUDGET")
	setFloat(&cfg.Budget.CallsPerSecond, "GEOCACHE_CALLS_PER_SECOND")
	setDuration(&cfg.Maintenance.PassTimeBudget, "GEOCACHE_PASS_TIME_BUDGET")
	setDuration(&cfg.Invalidation.TrafficFreshnessWindow, "GEOCACHE_TRAFFIC_FRESHNESS_WINDOW")
	setFloat(&cfg.Invalidation.ConfidenceThreshold, "GEOCACHE_CONFIDENCE_THRESHOLD")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
