package session

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPSession is a pooled HTTP client bound to one endpoint
type HTTPSession struct {
	endpoint Endpoint
	client   *http.Client
	closed   atomic.Bool
}

// NewHTTPSession creates a session with its own keep-alive transport.
// The client has no global timeout; deadlines are applied per request so a
// slow call never tears the session down.
func NewHTTPSession(ep Endpoint) *HTTPSession {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	return &HTTPSession{
		endpoint: ep,
		client:   &http.Client{Transport: transport},
	}
}

// WrapHTTPClient wraps a caller-supplied client as a session
func WrapHTTPClient(ep Endpoint, client *http.Client) *HTTPSession {
	return &HTTPSession{
		endpoint: ep,
		client:   client,
	}
}

// HTTPFactory is the pool Factory for HTTP endpoints
func HTTPFactory(_ context.Context, ep Endpoint) (Session, error) {
	return NewHTTPSession(ep), nil
}

// Endpoint returns the session endpoint
func (s *HTTPSession) Endpoint() Endpoint {
	return s.endpoint
}

// Client returns the underlying HTTP client
func (s *HTTPSession) Client() *http.Client {
	return s.client
}

// Alive returns false once the session is closed
func (s *HTTPSession) Alive() bool {
	return !s.closed.Load()
}

// Close releases idle connections
func (s *HTTPSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.client.CloseIdleConnections()
	return nil
}
