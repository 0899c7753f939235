// ABOUTME: Configuration loading and parsing for mcp-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete mcp-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	Proxy     ProxyConfig     `yaml:"proxy" toml:"proxy"`
	Audit     SinkConfig      `yaml:"audit" toml:"audit"`
	Usage     SinkConfig      `yaml:"usage" toml:"usage"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds credential verification configuration
type AuthConfig struct {
	// APIKeySecret keys the HMAC used to hash API key payloads.
	APIKeySecret string `yaml:"api_key_secret" toml:"api_key_secret"`
	// EncryptionKey seals downstream credentials and org signing secrets at rest.
	EncryptionKey string `yaml:"encryption_key" toml:"encryption_key"`
	JWTIssuer     string `yaml:"jwt_issuer" toml:"jwt_issuer"`
	JWTAudience   string `yaml:"jwt_audience" toml:"jwt_audience"`

	ClockSkew        time.Duration `yaml:"-" toml:"-"`
	LastUsedDebounce time.Duration `yaml:"-" toml:"-"`

	ClockSkewRaw        string `yaml:"clock_skew" toml:"clock_skew"`
	LastUsedDebounceRaw string `yaml:"last_used_debounce" toml:"last_used_debounce"`
}

// PlanLimits holds the ceilings of one plan tier. Zero means unbounded.
type PlanLimits struct {
	RequestsPerSecond int64 `yaml:"requests_per_second" toml:"requests_per_second"`
	MonthlyRequests   int64 `yaml:"monthly_requests" toml:"monthly_requests"`
}

// RateLimitConfig selects the counter store and the plan ceilings
type RateLimitConfig struct {
	Backend       string                `yaml:"backend" toml:"backend"` // memory, sqlite or redis
	RedisAddr     string                `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string                `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int                   `yaml:"redis_db" toml:"redis_db"`
	SelfHosted    bool                  `yaml:"self_hosted" toml:"self_hosted"`
	DefaultPlan   string                `yaml:"default_plan" toml:"default_plan"`
	Plans         map[string]PlanLimits `yaml:"plans" toml:"plans"`
}

// HealthConfig holds background probe configuration
type HealthConfig struct {
	Disabled          bool `yaml:"disabled" toml:"disabled"`
	FailureThreshold  int  `yaml:"failure_threshold" toml:"failure_threshold"`
	RecoveryThreshold int  `yaml:"recovery_threshold" toml:"recovery_threshold"`

	Interval time.Duration `yaml:"-" toml:"-"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
}

// Unhealthy server policies
const (
	PolicyAdvisory = "advisory"
	PolicyStrict   = "strict"
)

// ProxyConfig holds downstream forwarding configuration
type ProxyConfig struct {
	UnhealthyPolicy     string `yaml:"unhealthy_policy" toml:"unhealthy_policy"`
	MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host" toml:"max_idle_conns_per_host"`
	MaxConcurrent       int    `yaml:"max_concurrent_per_pool" toml:"max_concurrent_per_pool"`
	DisableRetry        bool   `yaml:"disable_retry" toml:"disable_retry"`

	DefaultTimeout  time.Duration `yaml:"-" toml:"-"`
	MaxTimeout      time.Duration `yaml:"-" toml:"-"`
	IdleTimeout     time.Duration `yaml:"-" toml:"-"`
	CheckoutTimeout time.Duration `yaml:"-" toml:"-"`
	PartialTimeout  time.Duration `yaml:"-" toml:"-"`

	DefaultTimeoutRaw  string `yaml:"default_timeout" toml:"default_timeout"`
	MaxTimeoutRaw      string `yaml:"max_timeout" toml:"max_timeout"`
	IdleTimeoutRaw     string `yaml:"idle_timeout" toml:"idle_timeout"`
	CheckoutTimeoutRaw string `yaml:"checkout_timeout" toml:"checkout_timeout"`
	PartialTimeoutRaw  string `yaml:"partial_timeout" toml:"partial_timeout"`
}

// SinkConfig holds async sink buffering configuration
type SinkConfig struct {
	BufferSize int `yaml:"buffer_size" toml:"buffer_size"`
	BatchSize  int `yaml:"batch_size" toml:"batch_size"`
	MaxRetries int `yaml:"max_retries" toml:"max_retries"`

	FlushInterval time.Duration `yaml:"-" toml:"-"`

	FlushIntervalRaw string `yaml:"flush_interval" toml:"flush_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// DefaultPlans returns the built-in plan tiers used when the file declares none.
func DefaultPlans() map[string]PlanLimits {
	return map[string]PlanLimits{
		"free":       {RequestsPerSecond: 10, MonthlyRequests: 10_000},
		"pro":        {RequestsPerSecond: 100, MonthlyRequests: 1_000_000},
		"enterprise": {RequestsPerSecond: 1000, MonthlyRequests: 0},
	}
}

// applyDefaults fills unset fields
func applyDefaults(cfg *Config) {
	if cfg.Auth.ClockSkew == 0 {
		cfg.Auth.ClockSkew = 60 * time.Second
	}
	if cfg.Auth.LastUsedDebounce == 0 {
		cfg.Auth.LastUsedDebounce = time.Minute
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "sqlite"
	}
	if len(cfg.RateLimit.Plans) == 0 {
		cfg.RateLimit.Plans = DefaultPlans()
	}
	if cfg.RateLimit.DefaultPlan == "" {
		cfg.RateLimit.DefaultPlan = "free"
	}

	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 60 * time.Second
	}
	if cfg.Health.Timeout == 0 {
		cfg.Health.Timeout = 30 * time.Second
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.Health.RecoveryThreshold == 0 {
		cfg.Health.RecoveryThreshold = 1
	}

	if cfg.Proxy.UnhealthyPolicy == "" {
		cfg.Proxy.UnhealthyPolicy = PolicyAdvisory
	}
	if cfg.Proxy.DefaultTimeout == 0 {
		cfg.Proxy.DefaultTimeout = 30 * time.Second
	}
	if cfg.Proxy.MaxTimeout == 0 {
		cfg.Proxy.MaxTimeout = 5 * time.Minute
	}
	if cfg.Proxy.IdleTimeout == 0 {
		cfg.Proxy.IdleTimeout = 90 * time.Second
	}
	if cfg.Proxy.CheckoutTimeout == 0 {
		cfg.Proxy.CheckoutTimeout = 2 * time.Second
	}
	if cfg.Proxy.PartialTimeout == 0 {
		cfg.Proxy.PartialTimeout = 5 * time.Second
	}
	if cfg.Proxy.MaxIdleConnsPerHost == 0 {
		cfg.Proxy.MaxIdleConnsPerHost = 16
	}
	if cfg.Proxy.MaxConcurrent == 0 {
		cfg.Proxy.MaxConcurrent = 64
	}

	applySinkDefaults(&cfg.Audit)
	applySinkDefaults(&cfg.Usage)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func applySinkDefaults(s *SinkConfig) {
	if s.BufferSize == 0 {
		s.BufferSize = 1024
	}
	if s.BatchSize == 0 {
		s.BatchSize = 100
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 5
	}
	if s.FlushInterval == 0 {
		s.FlushInterval = time.Second
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.APIKeySecret) < 32 {
		return fmt.Errorf("auth.api_key_secret must be at least 32 characters")
	}
	if len(c.Auth.EncryptionKey) < 32 {
		return fmt.Errorf("auth.encryption_key must be at least 32 characters")
	}

	switch c.RateLimit.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("rate_limit.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("rate_limit.backend must be memory, sqlite or redis, got %q", c.RateLimit.Backend)
	}
	if _, ok := c.RateLimit.Plans[c.RateLimit.DefaultPlan]; !ok {
		return fmt.Errorf("rate_limit.default_plan %q is not a declared plan", c.RateLimit.DefaultPlan)
	}
	for name, p := range c.RateLimit.Plans {
		if p.RequestsPerSecond < 0 || p.MonthlyRequests < 0 {
			return fmt.Errorf("rate_limit.plans.%s: limits must not be negative", name)
		}
	}

	if c.Health.FailureThreshold < 1 || c.Health.RecoveryThreshold < 1 {
		return fmt.Errorf("health thresholds must be at least 1")
	}
	if c.Health.Timeout > c.Health.Interval {
		return fmt.Errorf("health.timeout (%s) must not exceed health.interval (%s)", c.Health.Timeout, c.Health.Interval)
	}

	if c.Proxy.UnhealthyPolicy != PolicyAdvisory && c.Proxy.UnhealthyPolicy != PolicyStrict {
		return fmt.Errorf("proxy.unhealthy_policy must be %q or %q", PolicyAdvisory, PolicyStrict)
	}
	if c.Proxy.DefaultTimeout > c.Proxy.MaxTimeout {
		return fmt.Errorf("proxy.default_timeout must not exceed proxy.max_timeout")
	}

	return nil
}

// durationField pairs a raw config string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"auth.clock_skew", cfg.Auth.ClockSkewRaw, &cfg.Auth.ClockSkew},
		{"auth.last_used_debounce", cfg.Auth.LastUsedDebounceRaw, &cfg.Auth.LastUsedDebounce},
		{"health.interval", cfg.Health.IntervalRaw, &cfg.Health.Interval},
		{"health.timeout", cfg.Health.TimeoutRaw, &cfg.Health.Timeout},
		{"proxy.default_timeout", cfg.Proxy.DefaultTimeoutRaw, &cfg.Proxy.DefaultTimeout},
		{"proxy.max_timeout", cfg.Proxy.MaxTimeoutRaw, &cfg.Proxy.MaxTimeout},
		{"proxy.idle_timeout", cfg.Proxy.IdleTimeoutRaw, &cfg.Proxy.IdleTimeout},
		{"proxy.checkout_timeout", cfg.Proxy.CheckoutTimeoutRaw, &cfg.Proxy.CheckoutTimeout},
		{"proxy.partial_timeout", cfg.Proxy.PartialTimeoutRaw, &cfg.Proxy.PartialTimeout},
		{"audit.flush_interval", cfg.Audit.FlushIntervalRaw, &cfg.Audit.FlushInterval},
		{"usage.flush_interval", cfg.Usage.FlushIntervalRaw, &cfg.Usage.FlushInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
