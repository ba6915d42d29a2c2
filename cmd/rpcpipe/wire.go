package main

import (
	"github.com/rs/zerolog"

	"rpcpipe/internal/client"
	"rpcpipe/internal/config"
	"rpcpipe/internal/middleware"
	"rpcpipe/internal/provider"
)

// buildClient assembles provider, onion and client from cfg. The returned
// cleanup closes the sessions and stops the cache.
func buildClient(cfg *config.Config, logger zerolog.Logger) (*client.Client, func(), error) {
	opts := provider.Options{
		EndpointURI:      cfg.Provider.EndpointURI,
		Timeout:          cfg.Provider.GetRequestTimeoutDuration(),
		Headers:          cfg.Provider.Headers,
		SessionCacheSize: cfg.Provider.SessionCacheSize,
		MessageTimeout:   cfg.Provider.GetWSMessageTimeoutDuration(),
		PingInterval:     cfg.Provider.GetWSPingIntervalDuration(),
		Logger:           logger,
	}

	var (
		p   provider.Provider
		err error
	)
	if cfg.Provider.Type == config.ProviderWS {
		p, err = provider.NewWSProvider(opts)
	} else {
		p, err = provider.NewHTTPProvider(opts)
	}
	if err != nil {
		return nil, nil, err
	}

	c := client.New(p, client.WithLogger(logger))
	onion := c.Onion()

	var cache *middleware.Cache
	if cfg.IsCacheEnabled() {
		cache, err = middleware.NewCache(middleware.CacheOptions{
			Size:            cfg.Cache.Size,
			TTL:             cfg.Cache.GetTTLDuration(),
			DisabledMethods: cfg.Cache.DisabledMethods,
			Logger:          logger,
		})
		if err != nil {
			_ = p.Close()
			return nil, nil, err
		}
		if err := onion.Add(middleware.CacheName, cache, middleware.Outermost()); err != nil {
			cache.Close()
			_ = p.Close()
			return nil, nil, err
		}
	}

	if cfg.IsRetryEnabled() {
		retry := middleware.NewRetry(middleware.RetryOptions{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.GetBackoffDuration(),
			Methods:     nilIfEmpty(cfg.Retry.Methods),
			Logger:      logger,
		})
		if err := onion.Add(middleware.ExceptionRetry, retry, middleware.Innermost()); err != nil {
			_ = p.Close()
			return nil, nil, err
		}
	}

	if cfg.IsBreakerEnabled() {
		breaker := middleware.NewBreaker(middleware.BreakerOptions{
			Timeout:               cfg.Breaker.GetTimeoutDuration(),
			MaxConcurrentRequests: cfg.Breaker.MaxConcurrentRequests,
			FailureThreshold:      cfg.Breaker.FailureThreshold,
			ErrorPercentThreshold: cfg.Breaker.ErrorPercentThreshold,
			RecoveryTimeout:       cfg.Breaker.GetRecoveryTimeoutDuration(),
			Logger:                logger,
		})
		if err := onion.Add(middleware.CircuitBreaker, breaker, middleware.Innermost()); err != nil {
			_ = p.Close()
			return nil, nil, err
		}
	}

	if err := onion.Add(middleware.LoggingName, middleware.NewLogging(logger), middleware.Outermost()); err != nil {
		_ = p.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if cache != nil {
			cache.Close()
		}
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close sessions")
		}
	}
	return c, cleanup, nil
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
