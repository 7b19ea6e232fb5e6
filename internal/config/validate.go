package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout_seconds must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout_seconds must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_bytes must be non-negative, got %d", cfg.Server.MaxBodyBytes))
	}

	if cfg.DatabaseURL == "" {
		errs = append(errs, "database_url must not be empty")
	}

	if cfg.CacheHitPoolSize < 1 {
		errs = append(errs, fmt.Sprintf("cache_hit_pool_size must be at least 1, got %d", cfg.CacheHitPoolSize))
	}
	if cfg.CacheMissPoolSize < 1 {
		errs = append(errs, fmt.Sprintf("cache_miss_pool_size must be at least 1, got %d", cfg.CacheMissPoolSize))
	}
	if cfg.MaxConcurrentRequests < 1 {
		errs = append(errs, fmt.Sprintf("max_concurrent_requests must be at least 1, got %d", cfg.MaxConcurrentRequests))
	}

	if cfg.Cache.MaxItems < 1 {
		errs = append(errs, fmt.Sprintf("cache.max_items must be at least 1, got %d", cfg.Cache.MaxItems))
	}
	if cfg.Cache.BatchWriteSize < 1 {
		errs = append(errs, fmt.Sprintf("cache.batch_write_size must be at least 1, got %d", cfg.Cache.BatchWriteSize))
	}

	if cfg.IdleFlush.IdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Sprintf("idle_flush.idle_timeout_seconds must be non-negative, got %d", cfg.IdleFlush.IdleTimeoutSeconds))
	}
	if cfg.IdleFlush.CheckIntervalSeconds < 1 {
		errs = append(errs, fmt.Sprintf("idle_flush.check_interval_seconds must be at least 1, got %d", cfg.IdleFlush.CheckIntervalSeconds))
	}

	if cfg.CacheMaintenance.IntervalHours < 1 {
		errs = append(errs, fmt.Sprintf("cache_maintenance.interval_hours must be at least 1, got %d", cfg.CacheMaintenance.IntervalHours))
	}
	if cfg.CacheMaintenance.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("cache_maintenance.retention_days must be at least 1, got %d", cfg.CacheMaintenance.RetentionDays))
	}
	if cfg.CacheMaintenance.MinHitCount < 0 {
		errs = append(errs, fmt.Sprintf("cache_maintenance.min_hit_count must be non-negative, got %d", cfg.CacheMaintenance.MinHitCount))
	}

	if cfg.ContextTrim.Enabled && cfg.ContextTrim.MaxContextTokens < 1 {
		errs = append(errs, fmt.Sprintf("context_trim.max_context_tokens must be at least 1, got %d", cfg.ContextTrim.MaxContextTokens))
	}

	if cfg.Compression.ThresholdBytes < 0 {
		errs = append(errs, fmt.Sprintf("compression.threshold_bytes must be non-negative, got %d", cfg.Compression.ThresholdBytes))
	}

	for i, ep := range cfg.APIEndpoints {
		if ep.URL == "" {
			errs = append(errs, fmt.Sprintf("api_endpoints[%d].url must not be empty", i))
		}
		if ep.Weight < 0 {
			errs = append(errs, fmt.Sprintf("api_endpoints[%d].weight must be non-negative, got %d", i, ep.Weight))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
