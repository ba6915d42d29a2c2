package middleware

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"rpcpipe/internal/jsonrpc"
	"rpcpipe/internal/rpcerr"
)

// Cache defaults
const (
	DefaultCacheSize = 1000
	DefaultCacheTTL  = 5 * time.Minute
)

type cacheEntry struct {
	result    json.RawMessage
	expiresAt time.Time
}

// resultStore is an LRU of results with a TTL per entry
type resultStore struct {
	cache *lru.Cache[string, *cacheEntry]
	ttl   time.Duration
	mu    sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

func newResultStore(size int, ttl time.Duration) (*resultStore, error) {
	cache, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		return nil, err
	}

	s := &resultStore{
		cache: cache,
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

func (s *resultStore) get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		s.cache.Remove(key)
		return nil, false
	}
	return e.result, true
}

func (s *resultStore) set(key string, result json.RawMessage) {
	stored := make(json.RawMessage, len(result))
	copy(stored, result)

	s.mu.Lock()
	s.cache.Add(key, &cacheEntry{result: stored, expiresAt: time.Now().Add(s.ttl)})
	s.mu.Unlock()
}

func (s *resultStore) len() int {
	return s.cache.Len()
}

func (s *resultStore) cleanupLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *resultStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, key := range s.cache.Keys() {
		if e, ok := s.cache.Peek(key); ok && now.After(e.expiresAt) {
			s.cache.Remove(key)
		}
	}
}

func (s *resultStore) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// CacheOptions configures the cache stage
type CacheOptions struct {
	Size            int
	TTL             time.Duration
	DisabledMethods []string
	Logger          zerolog.Logger
}

// Cache answers repeated deterministic requests from memory. Only single
// payloads are cached; batches always go to the node.
type Cache struct {
	store  *resultStore
	rules  *CacheRules
	logger zerolog.Logger
}

// NewCache creates a cache stage. Close stops its cleanup goroutine.
func NewCache(opts CacheOptions) (*Cache, error) {
	if opts.Size <= 0 {
		opts.Size = DefaultCacheSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}

	store, err := newResultStore(opts.Size, opts.TTL)
	if err != nil {
		return nil, err
	}

	return &Cache{
		store:  store,
		rules:  NewCacheRules(opts.DisabledMethods),
		logger: opts.Logger.With().Str("component", "cache").Logger(),
	}, nil
}

// Wrap implements Middleware
func (c *Cache) Wrap(next Handler) Handler {
	return func(ctx context.Context, payload *jsonrpc.Payload) (*jsonrpc.Reply, error) {
		req := payload.Single()
		if req == nil || !c.rules.IsCacheable(req.Method, req.Params) {
			return next(ctx, payload)
		}

		key := CacheKey(req.Method, req.Params)
		if result, ok := c.store.get(key); ok {
			c.logger.Debug().Str("method", req.Method).Msg("cache hit")
			resp, err := jsonrpc.NewResponse(req.ID, result)
			if err != nil {
				return nil, rpcerr.Decoding(err)
			}
			return &jsonrpc.Reply{Responses: []*jsonrpc.Response{resp}}, nil
		}

		reply, err := next(ctx, payload)
		if err != nil {
			return nil, err
		}
		if resp := reply.Single(); resp != nil && !resp.HasError() && resp.HasResult() && !resp.ResultIsNull() {
			c.store.set(key, resp.Result)
		}
		return reply, nil
	}
}

// Len returns the number of cached results
func (c *Cache) Len() int {
	return c.store.len()
}

// Close stops the background cleanup
func (c *Cache) Close() {
	c.store.close()
}
