package session

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultScope is the execution-context identity used when the context
// carries none.
const DefaultScope = "default"

// Endpoint identifies a node endpoint together with the connection
// parameters the sessions for it are built with. Treat as immutable.
type Endpoint struct {
	URI     string
	Timeout time.Duration
	Headers http.Header
}

// NewEndpoint creates an Endpoint, copying headers
func NewEndpoint(uri string, timeout time.Duration, headers map[string]string) Endpoint {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return Endpoint{
		URI:     uri,
		Timeout: timeout,
		Headers: h,
	}
}

// Key returns the endpoint identity used in pool keys
func (e Endpoint) Key() string {
	return strings.TrimRight(e.URI, "/")
}

// IsWebSocket reports whether the endpoint uses a ws:// or wss:// scheme
func (e Endpoint) IsWebSocket() bool {
	return strings.HasPrefix(e.URI, "ws://") || strings.HasPrefix(e.URI, "wss://")
}

// Session is a reusable network channel to one endpoint
type Session interface {
	// Endpoint returns the endpoint the session talks to
	Endpoint() Endpoint
	// Alive reports whether the session can still carry requests
	Alive() bool
	// Close releases the underlying network resources
	Close() error
}

type scopeKey struct{}

// WithScope returns a context whose sessions are keyed under scope
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// NewScope returns a context carrying a freshly generated scope, so the
// calls made with it get their own sessions.
func NewScope(ctx context.Context) context.Context {
	return WithScope(ctx, uuid.NewString())
}

// ScopeFrom returns the scope carried by ctx, or DefaultScope
func ScopeFrom(ctx context.Context) string {
	if ctx != nil {
		if s, ok := ctx.Value(scopeKey{}).(string); ok && s != "" {
			return s
		}
	}
	return DefaultScope
}

// CacheKey builds the pool key for an endpoint in a scope
func CacheKey(ep Endpoint, scope string) string {
	return ep.Key() + "|" + scope
}
