package config

// Default values applied by DefaultConfig and registered with viper so that
// a config file only needs to name what it overrides.
const (
	DefaultBindAddress = "0.0.0.0"
	DefaultPort        = 8080
	DefaultReadTimeout  = 30
	DefaultWriteTimeout = 30
	DefaultIdleTimeout  = 120
	DefaultMaxBodyBytes = 10 << 20 // 10 MiB
	DefaultLogLevel     = "info"

	DefaultDatabaseURL = "./data/cacheproxy.db"

	DefaultCacheHitPoolSize      = 64
	DefaultCacheMissPoolSize     = 16
	DefaultMaxConcurrentRequests = 128

	DefaultCacheMaxItems       = 10000
	DefaultCacheBatchWriteSize = 100

	DefaultIdleTimeoutSeconds   = 30
	DefaultCheckIntervalSeconds = 5

	DefaultMaintenanceIntervalHours = 6
	DefaultRetentionDays            = 30
	DefaultMinHitCount              = 1

	DefaultMaxContextTokens = 8000

	DefaultCompressionThresholdBytes = 1024

	DefaultCacheVersion = 0
)

var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}

// DefaultConfig returns a fully populated Config with every field set to its
// documented default. Load starts from this value and overlays the config
// file plus environment variables on top of it.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			Port:         DefaultPort,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodyBytes: DefaultMaxBodyBytes,
			LogLevel:     DefaultLogLevel,
			DataDir:      "./data",
		},
		DatabaseURL:           DefaultDatabaseURL,
		UseCurl:               false,
		UseProxy:              false,
		EnableThinking:        false,
		CacheHitPoolSize:      DefaultCacheHitPoolSize,
		CacheMissPoolSize:     DefaultCacheMissPoolSize,
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		CacheVersion:          DefaultCacheVersion,
		CacheOverrideMode:     false,
		Cache: CacheConfig{
			Enabled:        true,
			MaxItems:       DefaultCacheMaxItems,
			BatchWriteSize: DefaultCacheBatchWriteSize,
		},
		IdleFlush: IdleFlushConfig{
			Enabled:              true,
			IdleTimeoutSeconds:   DefaultIdleTimeoutSeconds,
			CheckIntervalSeconds: DefaultCheckIntervalSeconds,
		},
		CacheMaintenance: CacheMaintenanceConfig{
			Enabled:          true,
			IntervalHours:    DefaultMaintenanceIntervalHours,
			RetentionDays:    DefaultRetentionDays,
			CleanupOnStartup: false,
			MinHitCount:      DefaultMinHitCount,
		},
		ContextTrim: ContextTrimConfig{
			Enabled:          true,
			MaxContextTokens: DefaultMaxContextTokens,
		},
		APIHeaders:   map[string]string{},
		APIEndpoints: []EndpointConfig{},
		Compression: CompressionConfig{
			ThresholdBytes: DefaultCompressionThresholdBytes,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}
}
