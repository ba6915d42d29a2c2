package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a JSON configuration
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Provider == nil {
		cfg.Provider = &ProviderConfig{}
	}
	p := cfg.Provider
	if p.Type == "" {
		p.Type = inferType(p.EndpointURI)
	}
	if p.EndpointURI == "" {
		if p.Type == ProviderWS {
			p.EndpointURI = DefaultWSEndpoint
		} else {
			p.EndpointURI = DefaultHTTPEndpoint
		}
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}
	if p.SessionCacheSize == 0 {
		p.SessionCacheSize = DefaultSessionCacheSize
	}
	if p.WSMessageTimeout == 0 {
		p.WSMessageTimeout = DefaultWSMessageTimeout
	}
	// WSPingInterval default is 0, which disables pings

	if cfg.Cache != nil {
		if cfg.Cache.TTL == 0 {
			cfg.Cache.TTL = DefaultCacheTTL
		}
		if cfg.Cache.Size == 0 {
			cfg.Cache.Size = DefaultCacheSize
		}
	}

	if cfg.Retry != nil {
		if cfg.Retry.MaxAttempts == 0 {
			cfg.Retry.MaxAttempts = DefaultRetryMaxAttempts
		}
		if cfg.Retry.Backoff == 0 {
			cfg.Retry.Backoff = DefaultRetryBackoff
		}
	}

	if cfg.Breaker != nil {
		if cfg.Breaker.FailureThreshold == 0 {
			cfg.Breaker.FailureThreshold = DefaultBreakerFailureThreshold
		}
		if cfg.Breaker.RecoveryTimeout == 0 {
			cfg.Breaker.RecoveryTimeout = DefaultBreakerRecoveryTimeout
		}
		if cfg.Breaker.ErrorPercentThreshold == 0 {
			cfg.Breaker.ErrorPercentThreshold = DefaultBreakerErrorPercentThreshold
		}
		if cfg.Breaker.Timeout == 0 {
			cfg.Breaker.Timeout = DefaultBreakerTimeout
		}
		if cfg.Breaker.MaxConcurrentRequests == 0 {
			cfg.Breaker.MaxConcurrentRequests = DefaultBreakerMaxConcurrentRequests
		}
	}
}

func inferType(uri string) ProviderType {
	u, err := url.Parse(uri)
	if err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		return ProviderWS
	}
	return DefaultProviderType
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	p := cfg.Provider
	if p.Type != ProviderHTTP && p.Type != ProviderWS {
		return fmt.Errorf("provider.type must be 'http' or 'ws'")
	}

	u, err := url.Parse(p.EndpointURI)
	if err != nil {
		return fmt.Errorf("provider.endpointUri: %w", err)
	}
	switch p.Type {
	case ProviderHTTP:
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("provider.endpointUri must use http or https for an http provider")
		}
	case ProviderWS:
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("provider.endpointUri must use ws or wss for a ws provider")
		}
	}
	if u.Host == "" {
		return fmt.Errorf("provider.endpointUri must include a host")
	}

	if p.RequestTimeout < 0 {
		return fmt.Errorf("provider.requestTimeout must be non-negative")
	}
	if p.SessionCacheSize < 0 {
		return fmt.Errorf("provider.sessionCacheSize must be non-negative")
	}
	if p.WSMessageTimeout < 0 {
		return fmt.Errorf("provider.wsMessageTimeout must be non-negative")
	}
	if p.WSPingInterval < 0 {
		return fmt.Errorf("provider.wsPingInterval must be non-negative")
	}

	if cfg.Cache != nil && cfg.Cache.Enabled {
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive when cache is enabled")
		}
		if cfg.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive when cache is enabled")
		}
	}

	if cfg.Retry != nil && cfg.Retry.Enabled {
		if cfg.Retry.MaxAttempts <= 0 {
			return fmt.Errorf("retry.maxAttempts must be positive when retry is enabled")
		}
		if cfg.Retry.Backoff < 0 {
			return fmt.Errorf("retry.backoff must be non-negative")
		}
	}

	if cfg.Breaker != nil && cfg.Breaker.Enabled {
		if cfg.Breaker.FailureThreshold <= 0 {
			return fmt.Errorf("breaker.failureThreshold must be positive when breaker is enabled")
		}
		if cfg.Breaker.RecoveryTimeout <= 0 {
			return fmt.Errorf("breaker.recoveryTimeout must be positive when breaker is enabled")
		}
		if cfg.Breaker.ErrorPercentThreshold <= 0 || cfg.Breaker.ErrorPercentThreshold > 100 {
			return fmt.Errorf("breaker.errorPercentThreshold must be between 1 and 100")
		}
		if cfg.Breaker.Timeout <= 0 {
			return fmt.Errorf("breaker.timeout must be positive when breaker is enabled")
		}
		if cfg.Breaker.MaxConcurrentRequests <= 0 {
			return fmt.Errorf("breaker.maxConcurrentRequests must be positive when breaker is enabled")
		}
	}

	return nil
}
