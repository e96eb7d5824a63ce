package config

import (
	"encoding/json"
	"time"
)

// Config represents the main configuration structure
type Config struct {
	Host           string                  `json:"host"`
	Port           int                     `json:"port"`
	LogLevel       string                  `json:"logLevel"`
	RequestTimeout int                     `json:"requestTimeout"` // ms
	Upstream       UpstreamConfig          `json:"upstream"`
	Cache          *CacheConfig            `json:"cache,omitempty"`
	Methods        map[string]MethodConfig `json:"methods"`
}

// UpstreamConfig represents the upstream endpoint configuration
type UpstreamConfig struct {
	Name              string `json:"name"`
	RPCURL            string `json:"rpcUrl"`
	WSURL             string `json:"wsUrl"`
	PreferWS          bool   `json:"preferWs"`
	MessageTimeout    int    `json:"messageTimeout"`    // ms - timeout for receiving messages on the upstream WebSocket
	ReconnectInterval int    `json:"reconnectInterval"` // ms - interval between WebSocket reconnection attempts
}

// CacheConfig represents result cache configuration
type CacheConfig struct {
	Enabled bool `json:"enabled"`
	TTL     int  `json:"ttl"`  // seconds
	Size    int  `json:"size"` // number of entries
}

// MethodConfig describes how one RPC method is coalesced.
//
// Throttle mode sets waitMs only. Debounce mode sets minWaitAfterAddMs,
// minWaitMs and maxWaitMs. The element each caller contributes sits at
// aggregateParam in the params array; all other params form the context key.
type MethodConfig struct {
	WaitMs            int             `json:"waitMs"`
	MinWaitAfterAddMs int             `json:"minWaitAfterAddMs"`
	MinWaitMs         int             `json:"minWaitMs"`
	MaxWaitMs         int             `json:"maxWaitMs"`
	MaxSize           int             `json:"maxSize"` // 0 = unbounded
	AggregateParam    int             `json:"aggregateParam"`
	NotFound          json.RawMessage `json:"notFound,omitempty"` // raw JSON default for unanswered elements
}

// Default values
const (
	DefaultHost              = "localhost"
	DefaultPort              = 8545
	DefaultLogLevel          = "info"
	DefaultRequestTimeout    = 5000  // ms
	DefaultMessageTimeout    = 60000 // ms
	DefaultReconnectInterval = 5000  // ms
	DefaultCacheTTL          = 10    // seconds
	DefaultCacheSize         = 10000
	DefaultUpstreamName      = "upstream"
)

// DefaultNotFound is the raw JSON returned for elements the upstream omitted
var DefaultNotFound = json.RawMessage("null")

// GetRequestTimeoutDuration returns the request timeout as a duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// IsCacheEnabled returns true if the result cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// GetTTLDuration returns the cache TTL as a duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// GetMessageTimeoutDuration returns the WebSocket message timeout as a duration
func (u *UpstreamConfig) GetMessageTimeoutDuration() time.Duration {
	return time.Duration(u.MessageTimeout) * time.Millisecond
}

// GetReconnectIntervalDuration returns the WebSocket reconnect interval as a duration
func (u *UpstreamConfig) GetReconnectIntervalDuration() time.Duration {
	return time.Duration(u.ReconnectInterval) * time.Millisecond
}

// IsDebounce returns true if the method is configured in debounce mode
func (m *MethodConfig) IsDebounce() bool {
	return m.MinWaitAfterAddMs > 0
}

// GetWaitDuration returns the throttle wait as a duration
func (m *MethodConfig) GetWaitDuration() time.Duration {
	return time.Duration(m.WaitMs) * time.Millisecond
}

// GetMinWaitAfterAddDuration returns the debounce extension as a duration
func (m *MethodConfig) GetMinWaitAfterAddDuration() time.Duration {
	return time.Duration(m.MinWaitAfterAddMs) * time.Millisecond
}

// GetMinWaitDuration returns the debounce floor as a duration
func (m *MethodConfig) GetMinWaitDuration() time.Duration {
	return time.Duration(m.MinWaitMs) * time.Millisecond
}

// GetMaxWaitDuration returns the debounce ceiling as a duration
func (m *MethodConfig) GetMaxWaitDuration() time.Duration {
	return time.Duration(m.MaxWaitMs) * time.Millisecond
}

// GetNotFound returns the configured not-found default, or JSON null
func (m *MethodConfig) GetNotFound() json.RawMessage {
	if len(m.NotFound) == 0 {
		return DefaultNotFound
	}
	return m.NotFound
}
