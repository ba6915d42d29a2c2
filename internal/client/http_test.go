package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcpipe/internal/jsonrpc"
	"rpcpipe/internal/middleware"
	"rpcpipe/internal/provider"
)

func newNode(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		body, _ := io.ReadAll(r.Body)
		out, err := echo(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	}))
	t.Cleanup(srv.Close)
	return srv, &posts
}

func TestClientOverHTTP(t *testing.T) {
	srv, posts := newNode(t)
	p, err := provider.NewHTTPProvider(provider.Options{
		EndpointURI: srv.URL,
		Timeout:     2 * time.Second,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	cache, err := middleware.NewCache(middleware.CacheOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer cache.Close()

	c := New(p, WithLogger(zerolog.Nop()))
	defer c.Close()
	require.NoError(t, c.Onion().Add(middleware.CacheName, cache, middleware.Outermost()))
	require.NoError(t, c.Onion().Add(middleware.LoggingName, middleware.NewLogging(zerolog.Nop()), middleware.Outermost()))

	for i := 0; i < 3; i++ {
		raw, err := c.Execute(context.Background(), "eth_chainId")
		require.NoError(t, err)
		assert.Equal(t, `"eth_chainId"`, string(raw))
	}
	assert.Equal(t, int32(1), posts.Load(), "cached after the first call")

	async, err := c.ExecuteAsync(context.Background(), "eth_blockNumber").Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `"eth_blockNumber"`, string(async))

	var futures []*Future
	err = c.WithBatch(context.Background(), func(b *Batch) error {
		futures = append(futures, b.Add("eth_gasPrice"), b.Add("net_version"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), posts.Load())
	for i, want := range []string{`"eth_gasPrice"`, `"net_version"`} {
		raw, err := futures[i].Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, string(raw))
	}

	b, err := c.Batch()
	require.NoError(t, err)
	_, err = b.Execute(context.Background())
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "empty batch", rpcErr.Message)

	ok, err := c.IsConnected(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, ok)
}
