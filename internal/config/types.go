package config

import "time"

// ProviderType selects the transport
type ProviderType string

const (
	ProviderHTTP ProviderType = "http"
	ProviderWS   ProviderType = "ws"
)

// Config represents the main configuration structure
type Config struct {
	LogLevel string          `json:"logLevel"`
	Provider *ProviderConfig `json:"provider,omitempty"`
	Cache    *CacheConfig    `json:"cache,omitempty"`
	Retry    *RetryConfig    `json:"retry,omitempty"`
	Breaker  *BreakerConfig  `json:"breaker,omitempty"`
}

// ProviderConfig represents the node connection
type ProviderConfig struct {
	Type             ProviderType      `json:"type"`
	EndpointURI      string            `json:"endpointUri"`
	RequestTimeout   int               `json:"requestTimeout"`   // ms
	Headers          map[string]string `json:"headers"`          // added to the default headers
	SessionCacheSize int               `json:"sessionCacheSize"` // pooled sessions per provider
	WSMessageTimeout int               `json:"wsMessageTimeout"` // ms - read deadline while pinging
	WSPingInterval   int               `json:"wsPingInterval"`   // ms - 0 disables keepalive pings
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	Enabled         bool     `json:"enabled"`
	TTL             int      `json:"ttl"`             // seconds
	Size            int      `json:"size"`            // number of entries
	DisabledMethods []string `json:"disabledMethods"` // methods to exclude from caching
}

// RetryConfig represents the exception_retry stage
type RetryConfig struct {
	Enabled     bool     `json:"enabled"`
	MaxAttempts int      `json:"maxAttempts"`
	Backoff     int      `json:"backoff"` // ms - initial wait between attempts
	Methods     []string `json:"methods"` // empty means the built-in read-only list
}

// BreakerConfig represents the circuit_breaker stage
type BreakerConfig struct {
	Enabled               bool `json:"enabled"`
	FailureThreshold      int  `json:"failureThreshold"`      // requests in the rolling window before the error rate counts
	ErrorPercentThreshold int  `json:"errorPercentThreshold"` // transport error rate that opens the circuit
	RecoveryTimeout       int  `json:"recoveryTimeout"`       // ms - open time before a trial call
	Timeout               int  `json:"timeout"`               // ms - bound on one call
	MaxConcurrentRequests int  `json:"maxConcurrentRequests"`
}

// Default values
const (
	DefaultLogLevel         = "info"
	DefaultProviderType     = ProviderHTTP
	DefaultHTTPEndpoint     = "http://127.0.0.1:8545"
	DefaultWSEndpoint       = "ws://127.0.0.1:8546"
	DefaultRequestTimeout   = 10000 // ms
	DefaultSessionCacheSize = 100
	DefaultWSMessageTimeout = 60000 // ms
	DefaultCacheTTL         = 60    // s
	DefaultCacheSize        = 1000
	DefaultRetryMaxAttempts = 3
	DefaultRetryBackoff     = 100 // ms

	DefaultBreakerFailureThreshold      = 5
	DefaultBreakerErrorPercentThreshold = 50
	DefaultBreakerRecoveryTimeout       = 30000 // ms
	DefaultBreakerTimeout               = 30000 // ms
	DefaultBreakerMaxConcurrentRequests = 100
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (p *ProviderConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(p.RequestTimeout) * time.Millisecond
}

// GetWSMessageTimeoutDuration returns the WebSocket read deadline as time.Duration
func (p *ProviderConfig) GetWSMessageTimeoutDuration() time.Duration {
	return time.Duration(p.WSMessageTimeout) * time.Millisecond
}

// GetWSPingIntervalDuration returns the WebSocket ping interval as time.Duration
func (p *ProviderConfig) GetWSPingIntervalDuration() time.Duration {
	return time.Duration(p.WSPingInterval) * time.Millisecond
}

// IsCacheEnabled returns true if cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// IsRetryEnabled returns true if retry is configured and enabled
func (c *Config) IsRetryEnabled() bool {
	return c.Retry != nil && c.Retry.Enabled
}

// IsBreakerEnabled returns true if the circuit breaker is configured and enabled
func (c *Config) IsBreakerEnabled() bool {
	return c.Breaker != nil && c.Breaker.Enabled
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// GetBackoffDuration returns the retry backoff as time.Duration
func (r *RetryConfig) GetBackoffDuration() time.Duration {
	return time.Duration(r.Backoff) * time.Millisecond
}

// GetRecoveryTimeoutDuration returns the breaker recovery timeout as time.Duration
func (b *BreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(b.RecoveryTimeout) * time.Millisecond
}

// GetTimeoutDuration returns the breaker call timeout as time.Duration
func (b *BreakerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Millisecond
}
