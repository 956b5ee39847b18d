// Package config loads and validates the gateway's YAML configuration.
// Grounded on the teacher's internal/config.Config: a single struct with
// nested per-component sub-configs, a Load(path) entry point that falls
// back to documented defaults when the file is absent, environment
// overrides layered on top of YAML, and range validation — the same
// shape, rebuilt around the WAF domain (vhost defaults, timing, behavioral
// tracking, cluster coordination, the shared store) instead of the
// LLM-proxy's backend/session/policy configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway process.
type Config struct {
	Listen        string              `yaml:"listen"`
	Upstream      string              `yaml:"upstream"`       // plain-HTTP upstream address
	UpstreamSSL   string              `yaml:"upstream_ssl"`   // https upstream address, used when UseUpstreamSSL
	UseUpstreamSSL bool               `yaml:"use_upstream_ssl"`
	UpstreamTimeout time.Duration     `yaml:"upstream_timeout"`

	VhostDefaults  VhostDefaults  `yaml:"vhost_defaults"`
	Timing         TimingConfig   `yaml:"timing"`
	Behavioral     BehavioralConfig `yaml:"behavioral"`
	Cluster        ClusterConfig  `yaml:"cluster"`
	Store          StoreConfig    `yaml:"store"`
	TrustedProxies []string       `yaml:"trusted_proxies"` // CSV CIDRs augmenting the built-in default set
	Logging        LoggingConfig  `yaml:"logging"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`

	ExposeWAFHeaders bool `yaml:"expose_waf_headers"`
}

// VhostDefaults holds the global defaults applied when a vhost omits a
// setting (spec.md §3: "global default" fallback for timing/behavioral
// config; §4.11 point 3's strict-mode tightening factor).
type VhostDefaults struct {
	FlagScore           int     `yaml:"flag_score"`
	BlockScore          int     `yaml:"block_score"`
	CaptchaScore        int     `yaml:"captcha_score"`
	StrictModeFactor    float64 `yaml:"strict_mode_factor"`
	DefaultProfileID    string  `yaml:"default_profile_id"`
	BlockStatusCode     int     `yaml:"block_status_code"`
}

// TimingConfig is the global timing-token default, overridden per vhost
// (spec.md §4.7).
type TimingConfig struct {
	Enabled      bool          `yaml:"enabled"`
	CookieBase   string        `yaml:"cookie_base"`
	CookieTTL    time.Duration `yaml:"cookie_ttl"`
	MinTimeBlock time.Duration `yaml:"min_time_block"`
	MinTimeFlag  time.Duration `yaml:"min_time_flag"`
	SecretKey    string        `yaml:"secret_key"` // >=32 bytes if set; else generated/derived per worker
	ScoreNoCookie int          `yaml:"score_no_cookie"`
	ScoreTooFast  int          `yaml:"score_too_fast"`
	ScoreSuspect  int          `yaml:"score_suspect"`
}

// BehavioralConfig is the global behavioral-tracker default (spec.md §4.8).
type BehavioralConfig struct {
	LearningPeriodDays int     `yaml:"learning_period_days"`
	MinSamples         int64   `yaml:"min_samples"`
	StdDevThreshold    float64 `yaml:"std_dev_threshold"`
	ScoreAddition      int     `yaml:"score_addition"`
}

// ClusterConfig configures the instance coordinator (C15).
type ClusterConfig struct {
	InstanceID string `yaml:"instance_id"` // falls back to $HOSTNAME, then a random id
	Enabled    bool   `yaml:"enabled"`
}

// StoreConfig configures the shared key-value store connection (§6).
type StoreConfig struct {
	Backend  string `yaml:"backend"` // "redis" or "memory" (single-process/dev)
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file, applying defaults for
// anything the file omits and then environment overrides per spec.md §6.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config with the numeric/timing defaults documented
// throughout spec.md §4.
func defaults() *Config {
	return &Config{
		Listen:          ":8443",
		Upstream:        "http://localhost:8080",
		UpstreamTimeout: 30 * time.Second,
		VhostDefaults: VhostDefaults{
			FlagScore:        30,
			BlockScore:       70,
			CaptchaScore:     50,
			StrictModeFactor: 0.75,
			DefaultProfileID: "balanced-web",
			BlockStatusCode:  403,
		},
		Timing: TimingConfig{
			Enabled:       true,
			CookieBase:    "_waf_timing",
			CookieTTL:     time.Hour,
			MinTimeBlock:  2 * time.Second,
			MinTimeFlag:   5 * time.Second,
			ScoreNoCookie: 30,
			ScoreTooFast:  40,
			ScoreSuspect:  20,
		},
		Behavioral: BehavioralConfig{
			LearningPeriodDays: 14,
			MinSamples:         100,
			StdDevThreshold:    2.0,
			ScoreAddition:      15,
		},
		Cluster: ClusterConfig{Enabled: true},
		Store: StoreConfig{
			Backend: "redis",
			Host:    "localhost",
			Port:    6379,
			DB:      0,
		},
		Logging: LoggingConfig{Format: "json", Level: "info"},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "wardengate",
			Insecure:    true,
		},
		ExposeWAFHeaders: true,
	}
}

// applyEnvOverrides layers the environment variables documented in
// spec.md §6 over whatever the YAML file (or defaults) set.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Store.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Store.Port = p
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			c.Store.DB = d
		}
	}
	if v := os.Getenv("HAPROXY_UPSTREAM"); v != "" {
		c.Upstream = v
	}
	if v := os.Getenv("HAPROXY_UPSTREAM_SSL"); v != "" {
		c.UpstreamSSL = v
	}
	if os.Getenv("UPSTREAM_SSL") == "true" {
		c.UseUpstreamSSL = true
	}
	if v := os.Getenv("WAF_TRUSTED_PROXIES"); v != "" {
		c.TrustedProxies = append(c.TrustedProxies, splitCSV(v)...)
	}
	if v := os.Getenv("HOSTNAME"); v != "" && c.Cluster.InstanceID == "" {
		c.Cluster.InstanceID = v
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// validate checks that the configuration is within range, per spec.md
// §3's endpoint invariant ("modes and scores are in range") applied at
// the global-default level.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Upstream == "" && c.UpstreamSSL == "" {
		return fmt.Errorf("upstream or upstream_ssl is required")
	}
	if c.VhostDefaults.FlagScore < 0 || c.VhostDefaults.BlockScore < 0 || c.VhostDefaults.CaptchaScore < 0 {
		return fmt.Errorf("vhost_defaults scores must be non-negative")
	}
	if c.VhostDefaults.StrictModeFactor <= 0 || c.VhostDefaults.StrictModeFactor > 1 {
		return fmt.Errorf("vhost_defaults.strict_mode_factor must be in (0, 1]")
	}
	if c.Behavioral.StdDevThreshold <= 0 {
		return fmt.Errorf("behavioral.std_dev_threshold must be positive")
	}
	if c.Store.Backend != "redis" && c.Store.Backend != "memory" {
		return fmt.Errorf("store.backend must be \"redis\" or \"memory\", got %q", c.Store.Backend)
	}
	return nil
}
