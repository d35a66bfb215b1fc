// Package dispatch provides a debounced, cancelable JSON request dispatcher.
//
// Calls are grouped by a request key (METHOD:url unless overridden). Debounced
// calls for the same key are coalesced so only the last one is sent once the
// key has been quiet for the configured delay. Dispatching a key cancels any
// call for that key that is still in flight, and the response of a cancelled
// call is never handed to a caller.
//
// Two entry points exist per request: Schedule (and the Post/Put/Patch/Delete
// wrappers) is fire-and-forget, failures reach the user only through the
// configured Reporter; Execute sends immediately and returns the result.
package dispatch

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Method is an HTTP method accepted by the dispatcher
type Method string

const (
	MethodPost   Method = http.MethodPost
	MethodPut    Method = http.MethodPut
	MethodPatch  Method = http.MethodPatch
	MethodDelete Method = http.MethodDelete
)

// Valid returns true for the methods the dispatcher sends
func (m Method) Valid() bool {
	switch m {
	case MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	default:
		return false
	}
}

// Request describes one logical API call
type Request struct {
	// Key groups calls for coalescing and supersession.
	// Empty means METHOD:URL.
	Key     string
	Method  Method
	URL     string
	Data    any
	Headers map[string]string
}

// RequestKey returns the effective key of the request
func (r Request) RequestKey() string {
	if r.Key != "" {
		return r.Key
	}
	return string(r.Method) + ":" + r.URL
}

// ProxyEnvelope is the body POSTed to the relay in proxy mode
type ProxyEnvelope struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Hooks are optional callbacks invoked around every dispatched call.
// OnLoading(key, false) fires once no call for the key is in flight.
// Superseded or cancelled calls never reach OnSuccess or OnError.
type Hooks struct {
	OnLoading func(key string, loading bool)
	OnSuccess func(key string, body json.RawMessage)
	OnError   func(key string, err *RequestError)
}

// Config holds dispatcher settings
type Config struct {
	Delay          time.Duration
	BaseURL        string
	DefaultHeaders map[string]string
	UseProxy       bool
	ProxyURL       string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Reporter       Reporter
	Hooks          Hooks
}

// Default values
const (
	DefaultDelay    = 500 * time.Millisecond
	DefaultProxyURL = "/api/proxy"
)

func (c *Config) applyDefaults() {
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.DefaultHeaders == nil {
		c.DefaultHeaders = map[string]string{"Content-Type": "application/json"}
	}
	if c.ProxyURL == "" {
		c.ProxyURL = DefaultProxyURL
	}
	c.ProxyURL = resolveProxyURL(c.BaseURL, c.ProxyURL)
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
}

// resolveProxyURL makes a relative proxy path absolute against the origin of
// baseURL. It is returned unchanged when either cannot be resolved.
func resolveProxyURL(baseURL, proxyURL string) string {
	ref, err := url.Parse(proxyURL)
	if err != nil || ref.IsAbs() {
		return proxyURL
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return proxyURL
	}
	origin := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/"}
	return origin.ResolveReference(ref).String()
}
