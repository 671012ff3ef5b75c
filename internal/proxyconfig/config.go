// Package proxyconfig loads the gateway's JSON configuration document: the
// RATE_LIMITING, ALLOWLIST, HTTP_CLIENT sections, and the upstream API key.
// Layering follows the teacher's three-tier precedence (core/config.go's
// Config/Option pattern): built-in defaults, then file contents, then a
// narrow set of environment overrides (OPENAI_API_KEY only, per spec).
package proxyconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomind-oss/llmgateway/core"
)

// LimiterSpec is one side (global or per_user) of the rate-limit section.
type LimiterSpec struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	ConcurrentLimit   int `json:"concurrent_limit"`
	QueueSize         int `json:"queue_size"`
}

// RateLimiting is the RATE_LIMITING config section.
type RateLimiting struct {
	Global         LimiterSpec   `json:"global"`
	PerUser        LimiterSpec   `json:"per_user"`
	Enabled        bool          `json:"enabled"`
	MetricsEnabled bool          `json:"metrics_enabled"`
	IdleTTL        time.Duration `json:"idle_ttl"`
}

// Allowlist is the ALLOWLIST config section.
type Allowlist struct {
	Enabled      bool     `json:"enabled"`
	Endpoints    []string `json:"endpoints"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"default_model"`
}

// HTTPClient is the HTTP_CLIENT config section: upstream connection and
// retry policy.
type HTTPClient struct {
	BaseURL           string        `json:"base_url"`
	JSONTimeout       time.Duration `json:"json_timeout"`
	MultipartTimeout  time.Duration `json:"multipart_timeout"`
	MaxRetries        int           `json:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	RetryableStatuses []int         `json:"retryable_statuses"`
}

// Staging configures the upload staging sweeper (spec.md §4.6).
type Staging struct {
	Directory      string        `json:"directory"`
	MaxAge         time.Duration `json:"max_age"`
	SweepInterval  time.Duration `json:"sweep_interval"`
	MaxUploadSlots int           `json:"max_upload_slots"`
}

// AccessLog configures access-log rotation (spec.md §4.6, made a config
// field per SPEC_FULL.md's supplemented-features note rather than a literal).
type AccessLog struct {
	Path              string        `json:"path"`
	MaxSizeBytes      int64         `json:"max_size_bytes"`
	RotateInterval    time.Duration `json:"rotate_interval"`
	BackupRetainCount int           `json:"backup_retain_count"`
}

// Server is the HTTP listener's own bind address and port.
type Server struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Config is the full parsed configuration document.
type Config struct {
	RateLimiting  RateLimiting `json:"RATE_LIMITING"`
	Allowlist     Allowlist    `json:"ALLOWLIST"`
	HTTPClient    HTTPClient   `json:"HTTP_CLIENT"`
	OpenAIAPIKey  string       `json:"OPENAI_API_KEY"`
	Staging       Staging      `json:"STAGING"`
	AccessLog     AccessLog    `json:"ACCESS_LOG"`
	Server        Server       `json:"SERVER"`
	KeyFile       string       `json:"KEY_FILE"`
	UsageFile     string       `json:"USAGE_FILE"`
	Logging       core.LoggingConfig     `json:"LOGGING"`
	Development   core.DevelopmentConfig `json:"DEVELOPMENT"`
}

// Default returns the built-in defaults, the lowest-priority layer.
func Default() *Config {
	return &Config{
		RateLimiting: RateLimiting{
			Global:         LimiterSpec{RequestsPerMinute: 600, ConcurrentLimit: 20, QueueSize: 50},
			PerUser:        LimiterSpec{RequestsPerMinute: 60, ConcurrentLimit: 2, QueueSize: 5},
			Enabled:        true,
			MetricsEnabled: true,
			IdleTTL:        time.Hour,
		},
		Allowlist: Allowlist{
			Enabled:      true,
			Endpoints:    []string{"/v1/chat/completions", "/v1/audio/transcriptions"},
			Models:       []string{"gpt-4o-mini"},
			DefaultModel: "gpt-4o-mini",
		},
		HTTPClient: HTTPClient{
			BaseURL:           "https://api.openai.com",
			JSONTimeout:       120 * time.Second,
			MultipartTimeout:  30 * time.Second,
			MaxRetries:        3,
			BaseDelay:         500 * time.Millisecond,
			MaxDelay:          30 * time.Second,
			RetryableStatuses: []int{429, 500, 502, 503, 504},
		},
		Staging: Staging{
			Directory:      filepath.Join(os.TempDir(), "llmgateway-staging"),
			MaxAge:         10 * time.Minute,
			SweepInterval:  5 * time.Minute,
			MaxUploadSlots: 2,
		},
		AccessLog: AccessLog{
			Path:              "access.log",
			MaxSizeBytes:      100 << 20,
			RotateInterval:    5 * time.Minute,
			BackupRetainCount: 5,
		},
		Server:    Server{Address: "0.0.0.0", Port: 8080},
		KeyFile:   "keys.json",
		UsageFile: "usage.log",
		Logging: core.LoggingConfig{
			Level: "info", Format: "json", Output: "stdout", TimeFormat: time.RFC3339,
		},
	}
}

// Load reads defaults, overlays the JSON document at path, then applies the
// single environment override spec.md §6 names: OPENAI_API_KEY fills in
// only when the file omitted it.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("proxyconfig: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("proxyconfig: parse %s: %w", path, core.ErrMalformedRequest)
	}

	if cfg.OpenAIAPIKey == "" {
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			cfg.OpenAIAPIKey = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline could not run with.
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("proxyconfig: OPENAI_API_KEY is required: %w", core.ErrMissingConfig)
	}
	if c.RateLimiting.Global.ConcurrentLimit <= 0 {
		return fmt.Errorf("proxyconfig: RATE_LIMITING.global.concurrent_limit must be positive: %w", core.ErrInvalidConfig)
	}
	if c.RateLimiting.PerUser.ConcurrentLimit <= 0 {
		return fmt.Errorf("proxyconfig: RATE_LIMITING.per_user.concurrent_limit must be positive: %w", core.ErrInvalidConfig)
	}
	return nil
}
