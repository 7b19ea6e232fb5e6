package config

import "testing"

func TestValidate_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := validate(cfg); err != nil {
		t.Fatalf("validate: unexpected error: %v", err)
	}
}

func TestValidate_BadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 70000
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.LogLevel = "verbose"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidate_EmptyDatabaseURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabaseURL = ""
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for empty database_url")
	}
}

func TestValidate_PoolSizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheHitPoolSize = 0
	cfg.CacheMissPoolSize = 0
	cfg.MaxConcurrentRequests = 0
	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for zero pool sizes")
	}
}

func TestValidate_EndpointWeight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIEndpoints = []EndpointConfig{{URL: "http://x/", Weight: -1}}
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for negative endpoint weight")
	}
}

func TestValidate_EndpointMissingURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIEndpoints = []EndpointConfig{{Weight: 1}}
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for missing endpoint url")
	}
}

func TestValidate_CombinesMultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = -1
	cfg.DatabaseURL = ""
	err := validate(cfg)
	if err == nil {
		t.Fatal("expected combined error")
	}
}
