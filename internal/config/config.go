package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	LogLevel                string        `mapstructure:"LOG_LEVEL"`
	CORSOrigins             []string      `mapstructure:"CORS_ORIGINS"`
	MaxUploadSize           string        `mapstructure:"MAX_UPLOAD_SIZE"`
	RequestTimeout          time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS            float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst          int           `mapstructure:"RATE_LIMIT_BURST"`
	RedisURL                string        `mapstructure:"REDIS_URL"`
	RedisPrefix             string        `mapstructure:"REDIS_PREFIX"`
	JobTTL                  time.Duration `mapstructure:"JOB_TTL"`
	QueueSize               int           `mapstructure:"QUEUE_SIZE"`
	WorkerCount             int           `mapstructure:"WORKER_COUNT"`
	AnalysisConcurrency     int           `mapstructure:"ANALYSIS_CONCURRENCY"`
	ProfileValidatorURL     string        `mapstructure:"PROFILE_VALIDATOR_URL"`
	ProfileValidatorTimeout time.Duration `mapstructure:"PROFILE_VALIDATOR_TIMEOUT"`
	FHIRVersion             string        `mapstructure:"FHIR_VERSION"`
	NarrativeURL            string        `mapstructure:"NARRATIVE_URL"`
	NarrativeModel          string        `mapstructure:"NARRATIVE_MODEL"`
	NarrativeTimeout        time.Duration `mapstructure:"NARRATIVE_TIMEOUT"`
	AnomalyModelPath        string        `mapstructure:"ANOMALY_MODEL_PATH"`
	WebhookURL              string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret           string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookMaxRetries       int           `mapstructure:"WEBHOOK_MAX_RETRIES"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "CORS_ORIGINS", "MAX_UPLOAD_SIZE",
	"REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REDIS_URL", "REDIS_PREFIX", "JOB_TTL", "QUEUE_SIZE", "WORKER_COUNT",
	"ANALYSIS_CONCURRENCY", "PROFILE_VALIDATOR_URL", "PROFILE_VALIDATOR_TIMEOUT",
	"FHIR_VERSION", "NARRATIVE_URL", "NARRATIVE_MODEL", "NARRATIVE_TIMEOUT",
	"ANOMALY_MODEL_PATH", "WEBHOOK_URL", "WEBHOOK_SECRET", "WEBHOOK_MAX_RETRIES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("MAX_UPLOAD_SIZE", "50M")
	v.SetDefault("REQUEST_TIMEOUT", 60*time.Second)
	v.SetDefault("RATE_LIMIT_RPS", 2)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("REDIS_PREFIX", "fhirguard")
	v.SetDefault("JOB_TTL", 24*time.Hour)
	v.SetDefault("QUEUE_SIZE", 64)
	v.SetDefault("WORKER_COUNT", 2)
	v.SetDefault("ANALYSIS_CONCURRENCY", 4)
	v.SetDefault("PROFILE_VALIDATOR_URL", "http://localhost:8080/validate")
	v.SetDefault("PROFILE_VALIDATOR_TIMEOUT", 60*time.Second)
	v.SetDefault("FHIR_VERSION", "4.0.1")
	v.SetDefault("NARRATIVE_URL", "http://localhost:11434/api/generate")
	v.SetDefault("NARRATIVE_MODEL", "medgemma")
	v.SetDefault("NARRATIVE_TIMEOUT", 120*time.Second)
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesRedis reports whether the queue, job store and event relay run on Redis
// instead of in process memory.
func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

// MaxUploadBytes returns MAX_UPLOAD_SIZE in bytes.
func (c *Config) MaxUploadBytes() int64 {
	n, err := ParseSize(c.MaxUploadSize)
	if err != nil {
		return 0
	}
	return n
}

// Level returns the zerolog level for LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration can be served.
func (c *Config) Validate() error {
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("PORT must be a TCP port number, got %q", c.Port)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL is not a valid level: %w", err)
	}
	if n, err := ParseSize(c.MaxUploadSize); err != nil || n == 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be a positive size such as 50M, got %q", c.MaxUploadSize)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.AnalysisConcurrency < 1 {
		return fmt.Errorf("ANALYSIS_CONCURRENCY must be at least 1, got %d", c.AnalysisConcurrency)
	}
	if c.JobTTL <= 0 {
		return fmt.Errorf("JOB_TTL must be positive, got %s", c.JobTTL)
	}
	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must not be negative, got %d", c.WebhookMaxRetries)
	}
	if c.UsesRedis() {
		if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return fmt.Errorf("REDIS_URL must be a redis:// or rediss:// URL, got %q", c.RedisURL)
		}
	}
	for name, raw := range map[string]string{
		"PROFILE_VALIDATOR_URL": c.ProfileValidatorURL,
		"NARRATIVE_URL":         c.NarrativeURL,
		"WEBHOOK_URL":           c.WebhookURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	return nil
}

// ParseSize parses a human-readable size such as "50M", "512K" or "1G" into
// bytes. A bare number is bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "G") || strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimRight(s, "GB")
	case strings.HasSuffix(s, "M") || strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimRight(s, "MB")
	case strings.HasSuffix(s, "K") || strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimRight(s, "KB")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * multiplier, nil
}
