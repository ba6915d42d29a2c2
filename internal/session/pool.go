package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the number of sessions a pool keeps before evicting
// the least recently used one.
const DefaultCacheSize = 100

// Factory creates a new session for an endpoint
type Factory func(ctx context.Context, ep Endpoint) (Session, error)

type entry struct {
	session  Session
	external bool
}

// Pool caches sessions keyed by (endpoint, scope). Pool-owned sessions are
// closed on eviction and on CloseAll; external ones never are.
type Pool struct {
	factory Factory
	cache   *lru.Cache[string, *entry]
	group   singleflight.Group
	logger  zerolog.Logger

	// mu serializes cache mutations on the slow path; lookups of existing
	// entries go straight to the LRU. Eviction callbacks run with mu held.
	mu sync.Mutex

	// purging is set while CloseAll purges; only then are close errors kept
	purging   bool
	purgeErrs []error
}

// PoolOption configures a Pool
type PoolOption func(*poolOptions)

type poolOptions struct {
	size   int
	logger zerolog.Logger
}

// WithCacheSize sets the maximum number of cached sessions
func WithCacheSize(size int) PoolOption {
	return func(o *poolOptions) {
		o.size = size
	}
}

// WithLogger sets the pool logger
func WithLogger(logger zerolog.Logger) PoolOption {
	return func(o *poolOptions) {
		o.logger = logger
	}
}

// NewPool creates a new session pool
func NewPool(factory Factory, opts ...PoolOption) (*Pool, error) {
	o := poolOptions{
		size:   DefaultCacheSize,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if factory == nil {
		return nil, errors.New("session factory is required")
	}

	p := &Pool{
		factory: factory,
		logger:  o.logger.With().Str("component", "session-pool").Logger(),
	}

	cache, err := lru.NewWithEvict[string, *entry](o.size, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	p.cache = cache

	return p, nil
}

// GetOrCreate returns the live session cached for the endpoint in the
// scope carried by ctx, creating it on a miss. Concurrent callers for an
// unseen key share a single creation.
func (p *Pool) GetOrCreate(ctx context.Context, ep Endpoint) (Session, error) {
	key := CacheKey(ep, ScopeFrom(ctx))

	if e, ok := p.cache.Get(key); ok && e.session.Alive() {
		return e.session, nil
	}

	v, err, shared := p.group.Do(key, func() (interface{}, error) {
		return p.create(ctx, key, ep)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.logger.Debug().Str("key", key).Msg("joined in-flight session creation")
	}
	return v.(Session), nil
}

// create runs under the per-key singleflight
func (p *Pool) create(ctx context.Context, key string, ep Endpoint) (Session, error) {
	if e, ok := p.cache.Peek(key); ok {
		if e.session.Alive() {
			return e.session, nil
		}
		p.evictStale(key, e)
	}

	// The creation is shared by every waiter, so one caller giving up must
	// not fail the others. Factories bound the dial with the endpoint timeout.
	s, err := p.factory(context.WithoutCancel(ctx), ep)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if e, ok := p.cache.Peek(key); ok && e.session.Alive() {
		// an external session was cached while we were dialing
		p.mu.Unlock()
		p.closeQuietly(key, s)
		return e.session, nil
	}
	p.cache.Add(key, &entry{session: s})
	p.mu.Unlock()

	p.logger.Debug().Str("key", key).Msg("session created")
	return s, nil
}

// evictStale drops an entry whose session is no longer usable. Failure to
// close it is logged, never returned.
func (p *Pool) evictStale(key string, stale *entry) {
	p.mu.Lock()
	current, ok := p.cache.Peek(key)
	if ok && current == stale {
		p.cache.Remove(key)
	}
	p.mu.Unlock()

	if ok && current == stale {
		p.logger.Debug().Str("key", key).Msg("evicted dead session")
	}
}

// CacheExternal registers a caller-owned session under the key derived
// from its endpoint and the scope carried by ctx. The pool never closes it.
func (p *Pool) CacheExternal(ctx context.Context, s Session) (Session, error) {
	if s == nil {
		return nil, errors.New("session is nil")
	}
	key := CacheKey(s.Endpoint(), ScopeFrom(ctx))

	p.mu.Lock()
	// Add does not fire the eviction callback on replace, so release a
	// replaced pool-owned session here.
	prev, hadPrev := p.cache.Peek(key)
	p.cache.Add(key, &entry{session: s, external: true})
	p.mu.Unlock()

	if hadPrev && !prev.external && prev.session != s {
		p.closeQuietly(key, prev.session)
	}

	p.logger.Debug().Str("key", key).Msg("external session cached")
	return s, nil
}

// Get returns the cached session for the endpoint without creating one
func (p *Pool) Get(ctx context.Context, ep Endpoint) (Session, bool) {
	e, ok := p.cache.Peek(CacheKey(ep, ScopeFrom(ctx)))
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Remove evicts the session for the endpoint in the scope carried by ctx.
// Pool-owned sessions are closed.
func (p *Pool) Remove(ctx context.Context, ep Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Remove(CacheKey(ep, ScopeFrom(ctx)))
}

// Len returns the number of cached sessions
func (p *Pool) Len() int {
	return p.cache.Len()
}

// Keys returns the cached keys, oldest first
func (p *Pool) Keys() []string {
	return p.cache.Keys()
}

// CloseAll evicts every session, closing the pool-owned ones. It is safe to
// call more than once; the pool stays usable afterwards.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	n := p.cache.Len()
	p.purging = true
	p.cache.Purge()
	errs := p.purgeErrs
	p.purging, p.purgeErrs = false, nil
	p.mu.Unlock()

	if n > 0 {
		p.logger.Debug().Int("sessions", n).Msg("session pool closed")
	}
	return errors.Join(errs...)
}

// onEvict runs for capacity evictions, Remove and Purge
func (p *Pool) onEvict(key string, e *entry) {
	if e.external {
		return
	}
	if err := e.session.Close(); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("failed to close evicted session")
		if p.purging {
			p.purgeErrs = append(p.purgeErrs, fmt.Errorf("close session %s: %w", key, err))
		}
	}
}

func (p *Pool) closeQuietly(key string, s Session) {
	if err := s.Close(); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("failed to close session")
	}
}
