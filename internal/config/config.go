package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// EnvPrefix is the prefix of environment overrides, e.g. DAYCARE_API__BASE_URL
const EnvPrefix = "DAYCARE_"

// Load reads the configuration file (optional when path is empty), applies
// DAYCARE_* environment overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envKey maps DAYCARE_API__BASE_URL to api.base_url
func envKey(s string) string {
	return strings.ReplaceAll(
		strings.ToLower(strings.TrimPrefix(s, EnvPrefix)),
		"__",
		".",
	)
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = DefaultEnv
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	// use_proxy is a tri-state: unset means "only in production"
	if cfg.API.UseProxy == nil {
		useProxy := cfg.IsProduction()
		cfg.API.UseProxy = &useProxy
	}
	if cfg.API.DebounceDelay == 0 {
		cfg.API.DebounceDelay = DefaultDebounceDelay
	}
	if cfg.API.RequestTimeout == 0 {
		cfg.API.RequestTimeout = DefaultRequestTimeout
	}
	if len(cfg.API.DefaultHeaders) == 0 {
		cfg.API.DefaultHeaders = map[string]string{"Content-Type": "application/json"}
	}

	if cfg.Relay.Host == "" {
		cfg.Relay.Host = DefaultRelayHost
	}
	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = DefaultRelayPort
	}
	if cfg.Relay.Path == "" {
		cfg.Relay.Path = DefaultRelayPath
	}
	if cfg.Relay.MaxBodySize == 0 {
		cfg.Relay.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Relay.UpstreamTimeout == 0 {
		cfg.Relay.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.Relay.BreakerEnabled == nil {
		enabled := DefaultBreakerEnabled
		cfg.Relay.BreakerEnabled = &enabled
	}
	if cfg.Relay.BreakerFailureThreshold == 0 {
		cfg.Relay.BreakerFailureThreshold = DefaultBreakerFailureThreshold
	}
	if cfg.Relay.BreakerRecoveryTimeout == 0 {
		cfg.Relay.BreakerRecoveryTimeout = DefaultBreakerRecoveryTimeout
	}
	if cfg.Relay.BreakerHalfOpenProbes == 0 {
		cfg.Relay.BreakerHalfOpenProbes = DefaultBreakerHalfOpenProbes
	}
	if len(cfg.Relay.AllowedHosts) == 0 && cfg.API.BaseURL != "" {
		if u, err := url.Parse(cfg.API.BaseURL); err == nil && u.Host != "" {
			cfg.Relay.AllowedHosts = []string{u.Host}
		}
	}

	if cfg.API.ProxyURL == "" {
		cfg.API.ProxyURL = fmt.Sprintf("http://%s:%d%s", cfg.Relay.Host, cfg.Relay.Port, cfg.Relay.Path)
	}

	if cfg.Verify.FindIDTTL == 0 {
		cfg.Verify.FindIDTTL = DefaultFindIDTTL
	}
	if cfg.Verify.FindPasswordTTL == 0 {
		cfg.Verify.FindPasswordTTL = DefaultFindPasswordTTL
	}
	if cfg.Verify.MaxSessions == 0 {
		cfg.Verify.MaxSessions = DefaultMaxSessions
	}

	if cfg.Watch.Method == "" {
		cfg.Watch.Method = DefaultWatchMethod
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	if cfg.API.DebounceDelay < 0 {
		return errors.New("api.debounce_delay must be non-negative")
	}

	if cfg.API.RequestTimeout < 0 {
		return errors.New("api.request_timeout must be non-negative")
	}

	if !strings.HasPrefix(cfg.Relay.Path, "/") {
		return fmt.Errorf("relay.path must start with '/', got '%s'", cfg.Relay.Path)
	}

	if cfg.Relay.Port < 1 || cfg.Relay.Port > 65535 {
		return errors.New("relay.port must be between 1 and 65535")
	}

	if cfg.Relay.MaxBodySize < 0 {
		return errors.New("relay.max_body_size must be non-negative")
	}

	if cfg.Relay.BreakerFailureThreshold < 0 {
		return errors.New("relay.breaker_failure_threshold must be non-negative")
	}

	if cfg.Relay.BreakerHalfOpenProbes < 0 {
		return errors.New("relay.breaker_half_open_probes must be non-negative")
	}

	if cfg.Verify.FindIDTTL < 0 || cfg.Verify.FindPasswordTTL < 0 {
		return errors.New("verify ttl values must be non-negative")
	}

	if cfg.Verify.MaxSessions < 0 {
		return errors.New("verify.max_sessions must be non-negative")
	}

	if cfg.Watch.File != "" && cfg.Watch.URL == "" {
		return errors.New("watch.url is required when watch.file is set")
	}

	return nil
}
