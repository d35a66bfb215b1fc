package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Env      string       `koanf:"env" validate:"required"`
	LogLevel string       `koanf:"log_level" validate:"oneof=debug info warn error"`
	API      APIConfig    `koanf:"api"`
	Relay    RelayConfig  `koanf:"relay"`
	Verify   VerifyConfig `koanf:"verify"`
	Watch    WatchConfig  `koanf:"watch"`
}

// APIConfig configures the outbound request dispatcher
type APIConfig struct {
	BaseURL        string            `koanf:"base_url" validate:"required,url"`
	UseProxy       *bool             `koanf:"use_proxy"`
	ProxyURL       string            `koanf:"proxy_url" validate:"omitempty,url"`
	DebounceDelay  int               `koanf:"debounce_delay"`  // ms
	RequestTimeout int               `koanf:"request_timeout"` // ms
	DefaultHeaders map[string]string `koanf:"default_headers"`
	AccessToken    string            `koanf:"access_token"`
}

// RelayConfig configures the /api/proxy relay server
type RelayConfig struct {
	Host                    string   `koanf:"host"`
	Port                    int      `koanf:"port"`
	Path                    string   `koanf:"path"`
	AllowedHosts            []string `koanf:"allowed_hosts"`
	MaxBodySize             int64    `koanf:"max_body_size"`
	UpstreamTimeout         int      `koanf:"upstream_timeout"` // ms
	BreakerEnabled          *bool    `koanf:"breaker_enabled"`
	BreakerFailureThreshold int      `koanf:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  int      `koanf:"breaker_recovery_timeout"` // ms
	BreakerHalfOpenProbes   int      `koanf:"breaker_half_open_probes"`
}

// VerifyConfig configures verification code sessions
type VerifyConfig struct {
	FindIDTTL       int `koanf:"find_id_ttl"`       // seconds
	FindPasswordTTL int `koanf:"find_password_ttl"` // seconds
	MaxSessions     int `koanf:"max_sessions"`
}

// WatchConfig configures draft autosave
type WatchConfig struct {
	File   string `koanf:"file"`
	URL    string `koanf:"url"`
	Method string `koanf:"method" validate:"omitempty,oneof=POST PUT PATCH"`
}

// Default values
const (
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultDebounceDelay           = 500   // ms
	DefaultRequestTimeout          = 15000 // ms
	DefaultRelayHost               = "localhost"
	DefaultRelayPort               = 3000
	DefaultRelayPath               = "/api/proxy"
	DefaultMaxBodySize             = int64(10 << 20)
	DefaultUpstreamTimeout         = 30000 // ms
	DefaultBreakerEnabled          = true
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerRecoveryTimeout  = 30000 // ms
	DefaultBreakerHalfOpenProbes   = 1
	DefaultFindIDTTL               = 300 // seconds
	DefaultFindPasswordTTL         = 180 // seconds
	DefaultMaxSessions             = 64
	DefaultWatchMethod             = "PATCH"

	EnvProduction = "production"
)

// IsProduction returns true for production builds
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// ProxyEnabled returns true if outbound calls go through the relay
func (c *APIConfig) ProxyEnabled() bool {
	return c.UseProxy != nil && *c.UseProxy
}

// GetDebounceDelayDuration returns the debounce delay as time.Duration
func (c *APIConfig) GetDebounceDelayDuration() time.Duration {
	return time.Duration(c.DebounceDelay) * time.Millisecond
}

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *APIConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetUpstreamTimeoutDuration returns relay upstream timeout as time.Duration
func (c *RelayConfig) GetUpstreamTimeoutDuration() time.Duration {
	return time.Duration(c.UpstreamTimeout) * time.Millisecond
}

// GetBreakerRecoveryTimeoutDuration returns breaker recovery timeout as time.Duration
func (c *RelayConfig) GetBreakerRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.BreakerRecoveryTimeout) * time.Millisecond
}

// IsBreakerEnabled returns true if the relay circuit breaker is enabled
func (c *RelayConfig) IsBreakerEnabled() bool {
	return c.BreakerEnabled != nil && *c.BreakerEnabled
}

// GetFindIDTTLDuration returns the find-id code lifetime
func (c *VerifyConfig) GetFindIDTTLDuration() time.Duration {
	return time.Duration(c.FindIDTTL) * time.Second
}

// GetFindPasswordTTLDuration returns the find-password code lifetime
func (c *VerifyConfig) GetFindPasswordTTLDuration() time.Duration {
	return time.Duration(c.FindPasswordTTL) * time.Second
}
