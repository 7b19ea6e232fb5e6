package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// ConfigFilePath returns the path of the config file used by the last
// successful Load, or "" if none has been loaded yet.
func ConfigFilePath() string {
	if p, ok := loadedConfigFile.Load().(string); ok {
		return p
	}
	return ""
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for the cache proxy.
type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	DatabaseURL    string `mapstructure:"database_url"    yaml:"database_url"`
	UseCurl        bool   `mapstructure:"use_curl"        yaml:"use_curl"`
	UseProxy       bool   `mapstructure:"use_proxy"       yaml:"use_proxy"`
	EnableThinking bool   `mapstructure:"enable_thinking" yaml:"enable_thinking"`

	CacheHitPoolSize      int `mapstructure:"cache_hit_pool_size"      yaml:"cache_hit_pool_size"`
	CacheMissPoolSize     int `mapstructure:"cache_miss_pool_size"     yaml:"cache_miss_pool_size"`
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests" yaml:"max_concurrent_requests"`

	CacheVersion      int  `mapstructure:"cache_version"       yaml:"cache_version"`
	CacheOverrideMode bool `mapstructure:"cache_override_mode" yaml:"cache_override_mode"`

	Cache            CacheConfig            `mapstructure:"cache"             yaml:"cache"`
	IdleFlush        IdleFlushConfig        `mapstructure:"idle_flush"        yaml:"idle_flush"`
	CacheMaintenance CacheMaintenanceConfig `mapstructure:"cache_maintenance" yaml:"cache_maintenance"`
	ContextTrim      ContextTrimConfig      `mapstructure:"context_trim"      yaml:"context_trim"`
	Compression      CompressionConfig      `mapstructure:"compression"       yaml:"compression"`
	Tracing          TracingConfig          `mapstructure:"tracing"           yaml:"tracing"`

	APIHeaders   map[string]string `mapstructure:"api_headers"   yaml:"api_headers"`
	APIEndpoints []EndpointConfig  `mapstructure:"api_endpoints" yaml:"api_endpoints"`
}

// TracingConfig controls optional OpenTelemetry span export around
// upstream calls.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"     yaml:"enabled"`
	Exporter   string  `mapstructure:"exporter"    yaml:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"    yaml:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"    yaml:"insecure"`
}

// ServerConfig holds the HTTP listener settings. These are ambient to the
// cache/dispatch core but a real deployment needs them regardless.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"  yaml:"bind_address"`
	Port         int    `mapstructure:"port"          yaml:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout_seconds"  yaml:"read_timeout_seconds"`
	WriteTimeout int    `mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	IdleTimeout  int    `mapstructure:"idle_timeout_seconds"  yaml:"idle_timeout_seconds"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	LogLevel     string `mapstructure:"log_level"     yaml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      yaml:"data_dir"`
}

// CacheConfig controls the in-memory cache (C3).
type CacheConfig struct {
	Enabled        bool `mapstructure:"enabled"          yaml:"enabled"`
	MaxItems       int  `mapstructure:"max_items"        yaml:"max_items"`
	BatchWriteSize int  `mapstructure:"batch_write_size" yaml:"batch_write_size"`
}

// IdleFlushConfig controls the idle flusher (C4).
type IdleFlushConfig struct {
	Enabled              bool `mapstructure:"enabled"               yaml:"enabled"`
	IdleTimeoutSeconds   int  `mapstructure:"idle_timeout_seconds"   yaml:"idle_timeout_seconds"`
	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds" yaml:"check_interval_seconds"`
}

// CacheMaintenanceConfig controls the maintenance loop (C8).
type CacheMaintenanceConfig struct {
	Enabled          bool `mapstructure:"enabled"            yaml:"enabled"`
	IntervalHours    int  `mapstructure:"interval_hours"     yaml:"interval_hours"`
	RetentionDays    int  `mapstructure:"retention_days"     yaml:"retention_days"`
	CleanupOnStartup bool `mapstructure:"cleanup_on_startup" yaml:"cleanup_on_startup"`
	MinHitCount      int  `mapstructure:"min_hit_count"      yaml:"min_hit_count"`
}

// ContextTrimConfig controls the context trimmer (C6).
type ContextTrimConfig struct {
	Enabled          bool `mapstructure:"enabled"            yaml:"enabled"`
	MaxContextTokens int  `mapstructure:"max_context_tokens" yaml:"max_context_tokens"`
}

// CompressionConfig controls answer-payload compression (C2).
type CompressionConfig struct {
	ThresholdBytes int `mapstructure:"threshold_bytes" yaml:"threshold_bytes"`
}

// EndpointConfig describes one configured upstream endpoint, consumed by
// the upstream selector (C5).
type EndpointConfig struct {
	URL           string `mapstructure:"url"            yaml:"url"`
	Weight        int    `mapstructure:"weight"         yaml:"weight"`
	Version       int    `mapstructure:"version"        yaml:"version"`
	Model         string `mapstructure:"model"          yaml:"model"`
	KeyRef        string `mapstructure:"key_ref"        yaml:"key_ref,omitempty"`
}

// Load reads configuration from the given path (or the default search
// order if empty), overlays environment variables, validates the result,
// and stores it as the process-wide current config.
//
// Search order when path is empty: $HOME/.cacheproxy/cacheproxy.yaml, then
// ./cacheproxy.yaml.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setViperDefaults(v)

	v.SetEnvPrefix("CACHEPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnvAliases(v)

	path := explicitPath
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".cacheproxy", "cacheproxy.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
		if path == "" {
			if _, err := os.Stat("./cacheproxy.yaml"); err == nil {
				path = "./cacheproxy.yaml"
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else {
			loadedConfigFile.Store(path)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.DatabaseURL = expandHome(cfg.DatabaseURL)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// bindLegacyEnvAliases binds the flat environment variable names named
// explicitly by the configuration contract (DATABASE_URL, CACHE_VERSION,
// ...) which do not carry the CACHEPROXY_ prefix or section nesting that
// AutomaticEnv alone would require.
func bindLegacyEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"DATABASE_URL":             "database_url",
		"USE_CURL":                 "use_curl",
		"USE_PROXY":                "use_proxy",
		"CACHE_VERSION":            "cache_version",
		"CACHE_OVERRIDE_MODE":      "cache_override_mode",
		"CACHE_MISS_POOL_SIZE":     "cache_miss_pool_size",
		"CACHE_HIT_POOL_SIZE":      "cache_hit_pool_size",
		"MAX_CONCURRENT_REQUESTS":  "max_concurrent_requests",
		"ENABLE_THINKING":          "enable_thinking",
		"LOG_LEVEL":                "server.log_level",
	}
	for env, key := range aliases {
		_ = v.BindEnv(key, env)
	}
}

// setViperDefaults registers every key's default with viper so that
// AutomaticEnv/config-file overrides compose correctly with DefaultConfig.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout_seconds", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout_seconds", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout_seconds", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)

	v.SetDefault("database_url", d.DatabaseURL)
	v.SetDefault("use_curl", d.UseCurl)
	v.SetDefault("use_proxy", d.UseProxy)
	v.SetDefault("enable_thinking", d.EnableThinking)

	v.SetDefault("cache_hit_pool_size", d.CacheHitPoolSize)
	v.SetDefault("cache_miss_pool_size", d.CacheMissPoolSize)
	v.SetDefault("max_concurrent_requests", d.MaxConcurrentRequests)

	v.SetDefault("cache_version", d.CacheVersion)
	v.SetDefault("cache_override_mode", d.CacheOverrideMode)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.max_items", d.Cache.MaxItems)
	v.SetDefault("cache.batch_write_size", d.Cache.BatchWriteSize)

	v.SetDefault("idle_flush.enabled", d.IdleFlush.Enabled)
	v.SetDefault("idle_flush.idle_timeout_seconds", d.IdleFlush.IdleTimeoutSeconds)
	v.SetDefault("idle_flush.check_interval_seconds", d.IdleFlush.CheckIntervalSeconds)

	v.SetDefault("cache_maintenance.enabled", d.CacheMaintenance.Enabled)
	v.SetDefault("cache_maintenance.interval_hours", d.CacheMaintenance.IntervalHours)
	v.SetDefault("cache_maintenance.retention_days", d.CacheMaintenance.RetentionDays)
	v.SetDefault("cache_maintenance.cleanup_on_startup", d.CacheMaintenance.CleanupOnStartup)
	v.SetDefault("cache_maintenance.min_hit_count", d.CacheMaintenance.MinHitCount)

	v.SetDefault("context_trim.enabled", d.ContextTrim.Enabled)
	v.SetDefault("context_trim.max_context_tokens", d.ContextTrim.MaxContextTokens)

	v.SetDefault("compression.threshold_bytes", d.Compression.ThresholdBytes)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	v.SetDefault("api_headers", d.APIHeaders)
	v.SetDefault("api_endpoints", d.APIEndpoints)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// ExportConfig writes the current config to path as YAML.
func ExportConfig(path string) error {
	cfg := Get()
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil && filepath.Dir(path) != "." {
		return fmt.Errorf("config: creating directory: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// ImportConfig reads a YAML config file from path, validates it, and makes
// it the process-wide current config.
func ImportConfig(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)
	return nil
}

// InitConfig writes a default config file to the standard location if one
// does not already exist.
func InitConfig() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".cacheproxy")
	path := filepath.Join(dir, "cacheproxy.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("config: creating %s: %w", dir, err)
	}
	b, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return "", fmt.Errorf("config: writing %s: %w", path, err)
	}
	return path, nil
}
