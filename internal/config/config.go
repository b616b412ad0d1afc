// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	APIBaseURL           string  `mapstructure:"api_base_url"`
	WebSocketURL         string  `mapstructure:"websocket_url"`
	RequestTimeout       int     `mapstructure:"request_timeout_ms"`
	DialTimeout          int     `mapstructure:"dial_timeout_ms"`
	RefreshSkew          int     `mapstructure:"refresh_skew_ms"`
	ReconnectBaseDelay   int     `mapstructure:"reconnect_base_delay_ms"`
	ReconnectMaxDelay    int     `mapstructure:"reconnect_max_delay_ms"`
	ReconnectJitter      float64 `mapstructure:"reconnect_jitter"`
	ReconnectMaxAttempts int     `mapstructure:"reconnect_max_attempts"`
	PingInterval         int     `mapstructure:"ping_interval_ms"`
	RateLimitPerSec      float64 `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst       int     `mapstructure:"rate_limit_burst"`
	TickCoalesceInterval int     `mapstructure:"tick_coalesce_interval_ms"`
	CredentialsDSN       string  `mapstructure:"credentials_dsn"`
	DebugLogging         bool    `mapstructure:"debug_logging"`
	LogFile              string  `mapstructure:"log_file"`
	MetricsAddr          string  `mapstructure:"metrics_addr"`
}

const (
	DefaultRequestTimeout       = 10000
	DefaultDialTimeout          = 10000
	DefaultRefreshSkew          = 30000
	DefaultReconnectBaseDelay   = 500
	DefaultReconnectMaxDelay    = 30000
	DefaultReconnectJitter      = 0.2
	DefaultReconnectMaxAttempts = 10
	DefaultPingInterval         = 25000
	DefaultRateLimitPerSec      = 20
	DefaultRateLimitBurst       = 10
	DefaultTickCoalesceInterval = 250
)

const envPrefix = "TRADESYNC"

// Defaults returns a configuration usable without any file, pointing at a
// local backend.
func Defaults() *Config {
	return &Config{
		APIBaseURL:           "http://localhost:8000/api",
		WebSocketURL:         "ws://localhost:8000/ws",
		RequestTimeout:       DefaultRequestTimeout,
		DialTimeout:          DefaultDialTimeout,
		RefreshSkew:          DefaultRefreshSkew,
		ReconnectBaseDelay:   DefaultReconnectBaseDelay,
		ReconnectMaxDelay:    DefaultReconnectMaxDelay,
		ReconnectJitter:      DefaultReconnectJitter,
		ReconnectMaxAttempts: DefaultReconnectMaxAttempts,
		PingInterval:         DefaultPingInterval,
		RateLimitPerSec:      DefaultRateLimitPerSec,
		RateLimitBurst:       DefaultRateLimitBurst,
		TickCoalesceInterval: DefaultTickCoalesceInterval,
		CredentialsDSN:       "tradesync.db",
	}
}

// LoadConfig reads the config file at path (json, yaml or toml, by extension),
// then applies a .env file if present and TRADESYNC_* environment variables.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"request_timeout_ms":        DefaultRequestTimeout,
		"dial_timeout_ms":           DefaultDialTimeout,
		"refresh_skew_ms":           DefaultRefreshSkew,
		"reconnect_base_delay_ms":   DefaultReconnectBaseDelay,
		"reconnect_max_delay_ms":    DefaultReconnectMaxDelay,
		"reconnect_jitter":          DefaultReconnectJitter,
		"reconnect_max_attempts":    DefaultReconnectMaxAttempts,
		"ping_interval_ms":          DefaultPingInterval,
		"rate_limit_per_sec":        DefaultRateLimitPerSec,
		"rate_limit_burst":          DefaultRateLimitBurst,
		"tick_coalesce_interval_ms": DefaultTickCoalesceInterval,
		"credentials_dsn":           "tradesync.db",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	loadEnvironmentVariables(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, validateConfig(&cfg)
}

// Duration helpers; config values are stored in milliseconds.

func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

func (c *Config) DialTimeoutDuration() time.Duration {
	return time.Duration(c.DialTimeout) * time.Millisecond
}

func (c *Config) RefreshSkewDuration() time.Duration {
	return time.Duration(c.RefreshSkew) * time.Millisecond
}

func (c *Config) ReconnectBaseDelayDuration() time.Duration {
	return time.Duration(c.ReconnectBaseDelay) * time.Millisecond
}

func (c *Config) ReconnectMaxDelayDuration() time.Duration {
	return time.Duration(c.ReconnectMaxDelay) * time.Millisecond
}

func (c *Config) PingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Millisecond
}

func (c *Config) TickCoalesceDuration() time.Duration {
	return time.Duration(c.TickCoalesceInterval) * time.Millisecond
}

func validateConfig(cfg *Config) error {
	if cfg.APIBaseURL == "" {
		return errors.New("missing api_base_url in configuration")
	}
	if err := validateURLWithCache(cfg.APIBaseURL, "http"); err != nil {
		return errors.New("invalid api_base_url protocol")
	}
	if cfg.WebSocketURL == "" {
		return errors.New("missing websocket_url in configuration")
	}
	if err := validateURLWithCache(cfg.WebSocketURL, "ws"); err != nil {
		return errors.New("invalid WebSocket URL protocol")
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.RequestTimeout <= 0 {
		return errors.New("invalid request_timeout_ms")
	}
	if cfg.DialTimeout <= 0 {
		return errors.New("invalid dial_timeout_ms")
	}
	if cfg.RefreshSkew < 0 {
		return errors.New("invalid refresh_skew_ms")
	}
	if cfg.ReconnectBaseDelay <= 0 {
		return errors.New("invalid reconnect_base_delay_ms")
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		return errors.New("reconnect_max_delay_ms must not be below reconnect_base_delay_ms")
	}
	if cfg.ReconnectJitter < 0 || cfg.ReconnectJitter >= 1 {
		return errors.New("reconnect_jitter must be in [0, 1)")
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		return errors.New("invalid reconnect_max_attempts")
	}
	if cfg.PingInterval < 0 {
		return errors.New("invalid ping_interval_ms")
	}
	if cfg.RateLimitPerSec <= 0 || cfg.RateLimitBurst <= 0 {
		return errors.New("invalid rate limit")
	}
	if cfg.TickCoalesceInterval < 0 {
		return errors.New("invalid tick_coalesce_interval_ms")
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) || parsed.Host == "" {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

var configKeys = []string{
	"api_base_url", "websocket_url", "request_timeout_ms", "dial_timeout_ms",
	"refresh_skew_ms", "reconnect_base_delay_ms", "reconnect_max_delay_ms",
	"reconnect_jitter", "reconnect_max_attempts", "ping_interval_ms",
	"rate_limit_per_sec", "rate_limit_burst", "tick_coalesce_interval_ms",
	"credentials_dsn", "debug_logging", "log_file", "metrics_addr",
}

func loadEnvironmentVariables(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees env values for keys viper knows about.
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}
}
