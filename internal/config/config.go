// Package config loads and resolves the gateway's runtime configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the single configuration structure recognized by the gateway.
// It is loaded from YAML and then overridden by environment variables, in
// that order, matching the teacher's LoadConfig → applyEnvOverrides pipeline.
type Config struct {
	Environment string            `yaml:"environment"` // key-prefix tag, e.g. "prod", "staging"
	Log         LogConfig         `yaml:"log"`
	KV          KVConfig          `yaml:"kv"`
	Durable     DurableConfig     `yaml:"durable"`
	Security    SecurityConfig    `yaml:"security"`
	Cache       CacheConfig       `yaml:"cache"`
	RateLimit   RateLimitDefaults `yaml:"rate_limit"`
	Quota       QuotaDefaults     `yaml:"quota"`
	Anomaly     AnomalyConfig     `yaml:"anomaly"`
	Reset       ResetConfig       `yaml:"reset"`
}

// LogConfig controls the structured-logging surface.
type LogConfig struct {
	Format string `yaml:"format"` // "structured" (slog/JSON) or "plain"
	Level  string `yaml:"level"`  // debug, info, warn, error
}

// KVConfig configures the shared K/V substrate client (C1).
type KVConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

// DurableConfig configures the durable-store collaborator (tenant records,
// pricing records, rate-limit/quota configuration, append tables).
type DurableConfig struct {
	DSN      string `yaml:"dsn"`
	PoolSize int    `yaml:"pool_size"`
}

// SecurityConfig holds the credential-store master key and cache TTLs.
type SecurityConfig struct {
	MasterEncryptionKey string        `yaml:"master_encryption_key"` // required; KDF input, yields 32 bytes
	TenantCacheTTL       time.Duration `yaml:"tenant_cache_ttl"`
	VendorCredCacheTTL   time.Duration `yaml:"vendor_cred_cache_ttl"`
	PricingCacheTTL      time.Duration `yaml:"pricing_cache_ttl"`
}

// CacheConfig configures the layered cache (C2).
type CacheConfig struct {
	ScanBatchSize int `yaml:"scan_batch_size"`
}

// TierLimits is the default rate-limit/quota envelope for a tenant tier.
type TierLimits struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
	PerMonth  int `yaml:"per_month"`
	BurstSize int `yaml:"burst_size"`

	MonthlyRequestCap int64   `yaml:"monthly_request_cap"`
	MonthlyCostCap    float64 `yaml:"monthly_cost_cap"`
	DailyRequestCap   int64   `yaml:"daily_request_cap"`
	DailyCostCap      float64 `yaml:"daily_cost_cap"`
}

// RateLimitDefaults holds the per-tier rate limit envelopes and the
// sliding-window tunables of §4.5.
type RateLimitDefaults struct {
	Tiers              map[string]TierLimits `yaml:"tiers"`
	SubWindowPrecision int                   `yaml:"sub_window_precision"` // default 10
	FailOpen           bool                  `yaml:"fail_open"`           // default true
}

// QuotaDefaults holds the per-tier quota envelopes, threshold fractions,
// and alert cooldowns of §4.6.
type QuotaDefaults struct {
	Tiers             map[string]TierLimits `yaml:"tiers"`
	WarningThreshold  float64               `yaml:"warning_threshold"`  // default 0.75
	CriticalThreshold float64               `yaml:"critical_threshold"` // default 0.90
	DangerThreshold   float64               `yaml:"danger_threshold"`   // default 0.95
	AutoBlock         bool                  `yaml:"auto_block"`
	GracePeriod       time.Duration         `yaml:"grace_period"`
	FailOpen          bool                  `yaml:"fail_open"` // default true; not read: the accountant admits on substrate failure whatever its value
	CooldownWarning   time.Duration         `yaml:"cooldown_warning"`
	CooldownCritical  time.Duration         `yaml:"cooldown_critical"`
	CooldownDanger    time.Duration         `yaml:"cooldown_danger"`
	CooldownExceeded  time.Duration         `yaml:"cooldown_exceeded"`
	CooldownBlocked   time.Duration         `yaml:"cooldown_blocked"`
}

// AnomalyConfig configures the anomaly detector (C10).
type AnomalyConfig struct {
	BaselineWindowHours int     `yaml:"baseline_window_hours"` // default 168
	MinBaselinePoints   int     `yaml:"min_baseline_points"`   // default 20
	SpikeZThreshold     float64 `yaml:"spike_z_threshold"`     // default 3.0
	DropZThreshold      float64 `yaml:"drop_z_threshold"`      // default -2.5
	CostZThreshold      float64 `yaml:"cost_z_threshold"`      // default 2.0
	LatencyZThreshold   float64 `yaml:"latency_z_threshold"`   // default 2.0
	ErrorZThreshold     float64 `yaml:"error_z_threshold"`     // default 1.5
	SeasonalZThreshold  float64 `yaml:"seasonal_z_threshold"`  // default 2.5
}

// ResetConfig controls the scheduled quota reset (§4.6, external scheduler).
type ResetConfig struct {
	DayOfMonth int    `yaml:"day_of_month"`
	TimeZone   string `yaml:"time_zone"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton configuration, loading it from
// CONFIG_PATH (default "config.yaml") on first use.
func Get() *Config {
	once.Do(func() {
		godotenv.Load() //nolint:errcheck // a missing .env is the normal case
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
			cfg = &Config{RateLimit: RateLimitDefaults{FailOpen: true}, Quota: QuotaDefaults{FailOpen: true}}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// fail_open keys absent from the file keep their default of true.
	cfg := Config{RateLimit: RateLimitDefaults{FailOpen: true}, Quota: QuotaDefaults{FailOpen: true}}
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Environment = getEnv("ENVIRONMENT_TAG", c.Environment)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	c.KV.URL = getEnv("KV_URL", c.KV.URL)
	if v := getEnvInt("KV_POOL_SIZE", 0); v > 0 {
		c.KV.PoolSize = v
	}

	c.Durable.DSN = getEnv("DURABLE_DSN", c.Durable.DSN)
	if v := getEnvInt("DURABLE_POOL_SIZE", 0); v > 0 {
		c.Durable.PoolSize = v
	}

	c.Security.MasterEncryptionKey = getEnv("MASTER_ENCRYPTION_KEY", c.Security.MasterEncryptionKey)

	c.RateLimit.FailOpen = getEnvBool("RATE_LIMIT_FAIL_OPEN", c.RateLimit.FailOpen)
	c.Quota.FailOpen = getEnvBool("QUOTA_FAIL_OPEN", c.Quota.FailOpen)

	c.Reset.TimeZone = getEnv("RESET_TIME_ZONE", c.Reset.TimeZone)
	if v := getEnvInt("RESET_DAY_OF_MONTH", 0); v > 0 {
		c.Reset.DayOfMonth = v
	}
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.Log.Format == "" {
		c.Log.Format = "structured"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.KV.PoolSize == 0 {
		c.KV.PoolSize = 20
	}
	if c.Durable.PoolSize == 0 {
		c.Durable.PoolSize = 10
	}
	if c.Security.TenantCacheTTL == 0 {
		c.Security.TenantCacheTTL = time.Hour
	}
	if c.Security.VendorCredCacheTTL == 0 {
		c.Security.VendorCredCacheTTL = 30 * time.Minute
	}
	if c.Security.PricingCacheTTL == 0 {
		c.Security.PricingCacheTTL = 24 * time.Hour
	}
	if c.Cache.ScanBatchSize == 0 {
		c.Cache.ScanBatchSize = 200
	}
	if c.RateLimit.SubWindowPrecision == 0 {
		c.RateLimit.SubWindowPrecision = 10
	}
	if c.RateLimit.Tiers == nil {
		c.RateLimit.Tiers = defaultTierLimits()
	}
	if c.Quota.Tiers == nil {
		c.Quota.Tiers = defaultTierLimits()
	}
	if c.Quota.WarningThreshold == 0 {
		c.Quota.WarningThreshold = 0.75
	}
	if c.Quota.CriticalThreshold == 0 {
		c.Quota.CriticalThreshold = 0.90
	}
	if c.Quota.DangerThreshold == 0 {
		c.Quota.DangerThreshold = 0.95
	}
	if c.Quota.GracePeriod == 0 {
		c.Quota.GracePeriod = 24 * time.Hour
	}
	if c.Quota.CooldownWarning == 0 {
		c.Quota.CooldownWarning = 60 * time.Minute
	}
	if c.Quota.CooldownCritical == 0 {
		c.Quota.CooldownCritical = 30 * time.Minute
	}
	if c.Quota.CooldownDanger == 0 {
		c.Quota.CooldownDanger = 15 * time.Minute
	}
	if c.Quota.CooldownExceeded == 0 {
		c.Quota.CooldownExceeded = 5 * time.Minute
	}
	if c.Quota.CooldownBlocked == 0 {
		c.Quota.CooldownBlocked = time.Minute
	}
	if c.Anomaly.BaselineWindowHours == 0 {
		c.Anomaly.BaselineWindowHours = 168
	}
	if c.Anomaly.MinBaselinePoints == 0 {
		c.Anomaly.MinBaselinePoints = 20
	}
	if c.Anomaly.SpikeZThreshold == 0 {
		c.Anomaly.SpikeZThreshold = 3.0
	}
	if c.Anomaly.DropZThreshold == 0 {
		c.Anomaly.DropZThreshold = -2.5
	}
	if c.Anomaly.CostZThreshold == 0 {
		c.Anomaly.CostZThreshold = 2.0
	}
	if c.Anomaly.LatencyZThreshold == 0 {
		c.Anomaly.LatencyZThreshold = 2.0
	}
	if c.Anomaly.ErrorZThreshold == 0 {
		c.Anomaly.ErrorZThreshold = 1.5
	}
	if c.Anomaly.SeasonalZThreshold == 0 {
		c.Anomaly.SeasonalZThreshold = 2.5
	}
	if c.Reset.DayOfMonth == 0 {
		c.Reset.DayOfMonth = 1
	}
	if c.Reset.TimeZone == "" {
		c.Reset.TimeZone = "UTC"
	}
}

// defaultTierLimits returns the built-in tier defaults used when no
// tenant-specific rate-limit or quota record exists in the durable store.
func defaultTierLimits() map[string]TierLimits {
	return map[string]TierLimits{
		"free": {
			PerMinute: 20, PerHour: 500, PerDay: 2000, BurstSize: 5,
			MonthlyRequestCap: 10_000, MonthlyCostCap: 25,
			DailyRequestCap: 2_000, DailyCostCap: 5,
		},
		"standard": {
			PerMinute: 120, PerHour: 5_000, PerDay: 50_000, BurstSize: 30,
			MonthlyRequestCap: 500_000, MonthlyCostCap: 1_000,
			DailyRequestCap: 50_000, DailyCostCap: 100,
		},
		"premium": {
			PerMinute: 600, PerHour: 30_000, PerDay: 500_000, BurstSize: 150,
			MonthlyRequestCap: 5_000_000, MonthlyCostCap: 10_000,
			DailyRequestCap: 500_000, DailyCostCap: 1_000,
		},
		"enterprise": {
			PerMinute: 3_000, PerHour: 150_000, PerDay: 3_000_000, BurstSize: 750,
			MonthlyRequestCap: 50_000_000, MonthlyCostCap: 100_000,
			DailyRequestCap: 3_000_000, DailyCostCap: 10_000,
		},
	}
}

// KeyPrefix returns the environment-tag prefix every core-owned key uses (§6).
func (c *Config) KeyPrefix() string {
	return strings.TrimSuffix(c.Environment, ":") + ":"
}

func (c *Config) Validate() error {
	if c.Security.MasterEncryptionKey == "" {
		return fmt.Errorf("config: security.master_encryption_key is required")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
