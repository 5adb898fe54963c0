package config

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.MaxUploadBytes() != 50<<20 {
		t.Errorf("expected 50M upload limit, got %d", cfg.MaxUploadBytes())
	}
	if cfg.JobTTL != 24*time.Hour {
		t.Errorf("expected 24h job ttl, got %s", cfg.JobTTL)
	}
	if cfg.WorkerCount != 2 || cfg.AnalysisConcurrency != 4 {
		t.Errorf("unexpected worker settings %d/%d", cfg.WorkerCount, cfg.AnalysisConcurrency)
	}
	if cfg.ProfileValidatorTimeout != 60*time.Second || cfg.NarrativeTimeout != 120*time.Second {
		t.Errorf("unexpected collaborator timeouts %s/%s", cfg.ProfileValidatorTimeout, cfg.NarrativeTimeout)
	}
	if cfg.FHIRVersion != "4.0.1" {
		t.Errorf("expected FHIR version 4.0.1, got %s", cfg.FHIRVersion)
	}
	if cfg.UsesRedis() {
		t.Error("expected in-memory mode without REDIS_URL")
	}
	if cfg.WebhookURL != "" || cfg.WebhookMaxRetries != 3 {
		t.Errorf("unexpected webhook defaults %q/%d", cfg.WebhookURL, cfg.WebhookMaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JOB_TTL", "90m")
	t.Setenv("WORKER_COUNT", "6")
	t.Setenv("CORS_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" || cfg.WorkerCount != 6 || cfg.JobTTL != 90*time.Minute {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if !cfg.UsesRedis() {
		t.Error("expected redis mode")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.example" {
		t.Errorf("unexpected origins %q", cfg.CORSOrigins)
	}
	if cfg.Level() != zerolog.DebugLevel {
		t.Errorf("expected debug level, got %s", cfg.Level())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func validConfig() *Config {
	return &Config{
		Port:                "8000",
		Env:                 "development",
		LogLevel:            "info",
		MaxUploadSize:       "50M",
		WorkerCount:         1,
		AnalysisConcurrency: 1,
		JobTTL:              time.Hour,
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"PORT":                  func(c *Config) { c.Port = "http" },
		"LOG_LEVEL":             func(c *Config) { c.LogLevel = "chatty" },
		"MAX_UPLOAD_SIZE":       func(c *Config) { c.MaxUploadSize = "big" },
		"WORKER_COUNT":          func(c *Config) { c.WorkerCount = 0 },
		"ANALYSIS_CONCURRENCY":  func(c *Config) { c.AnalysisConcurrency = 0 },
		"JOB_TTL":               func(c *Config) { c.JobTTL = 0 },
		"REDIS_URL":             func(c *Config) { c.RedisURL = "http://localhost:6379" },
		"PROFILE_VALIDATOR_URL": func(c *Config) { c.ProfileValidatorURL = "localhost" },
		"WEBHOOK_URL":           func(c *Config) { c.WebhookURL = "/callback" },
		"WEBHOOK_MAX_RETRIES":   func(c *Config) { c.WebhookMaxRetries = -1 },
	}
	for key, mutate := range cases {
		c := validConfig()
		mutate(c)
		err := c.Validate()
		if err == nil || !strings.Contains(err.Error(), key) {
			t.Errorf("%s: expected validation error naming the key, got %v", key, err)
		}
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"50M", 50 << 20},
		{"50mb", 50 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.input)
		if err != nil || got != tt.want {
			t.Errorf("ParseSize(%q) = %d, %v; want %d", tt.input, got, err, tt.want)
		}
	}
	for _, bad := range []string{"", "lots", "-1M"} {
		if _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q): expected error", bad)
		}
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() || c.IsProduction() {
		t.Error("expected development mode")
	}
	c.Env = "production"
	if c.IsDev() || !c.IsProduction() {
		t.Error("expected production mode")
	}
}
