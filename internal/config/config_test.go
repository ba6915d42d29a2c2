package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	require.NotNil(t, cfg.Provider)
	assert.Equal(t, ProviderHTTP, cfg.Provider.Type)
	assert.Equal(t, DefaultHTTPEndpoint, cfg.Provider.EndpointURI)
	assert.Equal(t, 10*time.Second, cfg.Provider.GetRequestTimeoutDuration())
	assert.Equal(t, DefaultSessionCacheSize, cfg.Provider.SessionCacheSize)
	assert.Equal(t, time.Duration(0), cfg.Provider.GetWSPingIntervalDuration())
	assert.False(t, cfg.IsCacheEnabled())
	assert.False(t, cfg.IsRetryEnabled())
	assert.False(t, cfg.IsBreakerEnabled())

	assert.Equal(t, cfg, Default())
}

func TestParse_InfersWebSocket(t *testing.T) {
	cfg, err := Parse([]byte(`{"provider":{"endpointUri":"wss://node.example/ws"}}`))
	require.NoError(t, err)
	assert.Equal(t, ProviderWS, cfg.Provider.Type)
	assert.Equal(t, time.Minute, cfg.Provider.GetWSMessageTimeoutDuration())

	cfg, err = Parse([]byte(`{"provider":{"type":"ws"}}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultWSEndpoint, cfg.Provider.EndpointURI)
}

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"logLevel": "debug",
		"provider": {
			"type": "http",
			"endpointUri": "https://node.example",
			"requestTimeout": 2500,
			"headers": {"X-Api-Key": "k"},
			"sessionCacheSize": 8
		},
		"cache": {"enabled": true, "disabledMethods": ["eth_call"]},
		"retry": {"enabled": true, "backoff": 20, "methods": ["eth_blockNumber"]},
		"breaker": {"enabled": true, "failureThreshold": 3}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, cfg.Provider.GetRequestTimeoutDuration())
	assert.Equal(t, "k", cfg.Provider.Headers["X-Api-Key"])
	assert.True(t, cfg.IsCacheEnabled())
	assert.Equal(t, time.Minute, cfg.Cache.GetTTLDuration())
	assert.Equal(t, DefaultCacheSize, cfg.Cache.Size)
	assert.True(t, cfg.IsRetryEnabled())
	assert.Equal(t, DefaultRetryMaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.Retry.GetBackoffDuration())
	assert.True(t, cfg.IsBreakerEnabled())
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.GetRecoveryTimeoutDuration())
	assert.Equal(t, DefaultBreakerErrorPercentThreshold, cfg.Breaker.ErrorPercentThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.GetTimeoutDuration())
	assert.Equal(t, DefaultBreakerMaxConcurrentRequests, cfg.Breaker.MaxConcurrentRequests)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"log level", `{"logLevel":"trace"}`},
		{"provider type", `{"provider":{"type":"ipc"}}`},
		{"scheme mismatch", `{"provider":{"type":"http","endpointUri":"ws://node"}}`},
		{"no host", `{"provider":{"endpointUri":"http://"}}`},
		{"negative timeout", `{"provider":{"requestTimeout":-1}}`},
		{"negative ping", `{"provider":{"wsPingInterval":-5}}`},
		{"cache ttl", `{"cache":{"enabled":true,"ttl":-1}}`},
		{"retry attempts", `{"retry":{"enabled":true,"maxAttempts":-2}}`},
		{"breaker threshold", `{"breaker":{"enabled":true,"failureThreshold":-1}}`},
		{"breaker error percent", `{"breaker":{"enabled":true,"errorPercentThreshold":101}}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logLevel":"warn"}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
