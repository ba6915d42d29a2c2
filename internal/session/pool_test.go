package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSession struct {
	ep     Endpoint
	dead   atomic.Bool
	closed atomic.Int32
	err    error
}

func (m *mockSession) Endpoint() Endpoint { return m.ep }
func (m *mockSession) Alive() bool        { return !m.dead.Load() && m.closed.Load() == 0 }
func (m *mockSession) Close() error {
	m.closed.Add(1)
	return m.err
}

type countingFactory struct {
	created atomic.Int32
	delay   time.Duration
	mu      sync.Mutex
	made    []*mockSession
}

func (f *countingFactory) create(_ context.Context, ep Endpoint) (Session, error) {
	f.created.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	s := &mockSession{ep: ep}
	f.mu.Lock()
	f.made = append(f.made, s)
	f.mu.Unlock()
	return s, nil
}

func newTestPool(t *testing.T, f Factory, opts ...PoolOption) *Pool {
	t.Helper()
	opts = append([]PoolOption{WithLogger(zerolog.Nop())}, opts...)
	p, err := NewPool(f, opts...)
	require.NoError(t, err)
	return p
}

func TestPool_ConcurrentGetOrCreateCreatesOnce(t *testing.T) {
	f := &countingFactory{delay: 20 * time.Millisecond}
	p := newTestPool(t, f.create)
	ep := NewEndpoint("http://node.local:8545", time.Second, nil)

	const callers = 32
	got := make([]Session, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, err := p.GetOrCreate(context.Background(), ep)
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), f.created.Load())
	for i := 1; i < callers; i++ {
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, 1, p.Len())

	require.NoError(t, p.CloseAll())
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, int32(1), f.made[0].closed.Load())

	// idempotent
	require.NoError(t, p.CloseAll())
	assert.Equal(t, int32(1), f.made[0].closed.Load())
}

func TestPool_ScopesGetSeparateSessions(t *testing.T) {
	f := &countingFactory{}
	p := newTestPool(t, f.create)
	ep := NewEndpoint("http://node.local:8545", 0, nil)

	a, err := p.GetOrCreate(context.Background(), ep)
	require.NoError(t, err)
	b, err := p.GetOrCreate(WithScope(context.Background(), "worker-1"), ep)
	require.NoError(t, err)
	c, err := p.GetOrCreate(context.Background(), ep)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Same(t, a, c)
	assert.Equal(t, 2, p.Len())
	assert.NotEqual(t, ScopeFrom(NewScope(context.Background())), DefaultScope)
}

func TestPool_ExternalSessionIsNeverClosed(t *testing.T) {
	f := &countingFactory{}
	p := newTestPool(t, f.create)
	ep := NewEndpoint("http://node.local:8545", 0, nil)

	ext := &mockSession{ep: ep}
	cached, err := p.CacheExternal(context.Background(), ext)
	require.NoError(t, err)
	assert.Same(t, ext, cached)
	assert.Equal(t, 1, p.Len())

	s, err := p.GetOrCreate(context.Background(), ep)
	require.NoError(t, err)
	assert.Same(t, ext, s)
	assert.Equal(t, int32(0), f.created.Load())

	require.NoError(t, p.CloseAll())
	assert.Equal(t, int32(0), ext.closed.Load())
}

func TestPool_CacheExternalReplacesOwnedSession(t *testing.T) {
	f := &countingFactory{}
	p := newTestPool(t, f.create)
	ep := NewEndpoint("http://node.local:8545", 0, nil)

	owned, err := p.GetOrCreate(context.Background(), ep)
	require.NoError(t, err)

	_, err = p.CacheExternal(context.Background(), &mockSession{ep: ep})
	require.NoError(t, err)

	assert.Equal(t, int32(1), owned.(*mockSession).closed.Load())
	assert.Equal(t, 1, p.Len())
}

func TestPool_DeadSessionIsReplaced(t *testing.T) {
	f := &countingFactory{}
	p := newTestPool(t, f.create)
	ep := NewEndpoint("ws://node.local:8546", 0, nil)

	first, err := p.GetOrCreate(context.Background(), ep)
	require.NoError(t, err)
	first.(*mockSession).dead.Store(true)

	second, err := p.GetOrCreate(context.Background(), ep)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), f.created.Load())
	assert.Equal(t, int32(1), first.(*mockSession).closed.Load())
	assert.Equal(t, 1, p.Len())
}

func TestPool_CapacityEvictionClosesOldest(t *testing.T) {
	f := &countingFactory{}
	p := newTestPool(t, f.create, WithCacheSize(2))

	for _, uri := range []string{"http://a", "http://b", "http://c"} {
		_, err := p.GetOrCreate(context.Background(), NewEndpoint(uri, 0, nil))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, int32(1), f.made[0].closed.Load())
	assert.Equal(t, []string{"http://b|default", "http://c|default"}, p.Keys())
}

func TestPool_FactoryErrorIsReturned(t *testing.T) {
	boom := errors.New("dial failed")
	p := newTestPool(t, func(context.Context, Endpoint) (Session, error) { return nil, boom })

	_, err := p.GetOrCreate(context.Background(), NewEndpoint("http://a", 0, nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Len())
}

func TestPool_CloseAllJoinsCloseErrors(t *testing.T) {
	closeErr := errors.New("close failed")
	p := newTestPool(t, func(_ context.Context, ep Endpoint) (Session, error) {
		return &mockSession{ep: ep, err: closeErr}, nil
	})

	_, err := p.GetOrCreate(context.Background(), NewEndpoint("http://a", 0, nil))
	require.NoError(t, err)

	assert.ErrorIs(t, p.CloseAll(), closeErr)
	assert.NoError(t, p.CloseAll())
}

func TestPool_CloseAllIgnoresEarlierEvictionErrors(t *testing.T) {
	closeErr := errors.New("close failed")
	p := newTestPool(t, func(_ context.Context, ep Endpoint) (Session, error) {
		s := &mockSession{ep: ep}
		if ep.URI == "http://a" {
			s.err = closeErr
		}
		return s, nil
	}, WithCacheSize(1))

	_, err := p.GetOrCreate(context.Background(), NewEndpoint("http://a", 0, nil))
	require.NoError(t, err)
	_, err = p.GetOrCreate(context.Background(), NewEndpoint("http://b", 0, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len(), "capacity eviction closed http://a")

	assert.NoError(t, p.CloseAll())
}

func TestPool_Remove(t *testing.T) {
	f := &countingFactory{}
	p := newTestPool(t, f.create)
	ep := NewEndpoint("http://a", 0, nil)

	_, err := p.GetOrCreate(context.Background(), ep)
	require.NoError(t, err)
	_, ok := p.Get(context.Background(), ep)
	assert.True(t, ok)

	assert.True(t, p.Remove(context.Background(), ep))
	assert.False(t, p.Remove(context.Background(), ep))
	assert.Equal(t, int32(1), f.made[0].closed.Load())
}

func TestNewPool_RequiresFactory(t *testing.T) {
	_, err := NewPool(nil)
	assert.Error(t, err)
}
