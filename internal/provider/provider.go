package provider

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rpcpipe/internal/jsonrpc"
	"rpcpipe/internal/rpcerr"
	"rpcpipe/internal/session"
	"rpcpipe/internal/version"
)

// Default endpoints used when none is configured
const (
	DefaultHTTPEndpoint = "http://127.0.0.1:8545"
	DefaultWSEndpoint   = "ws://127.0.0.1:8546"
)

// DefaultTimeout is the per-request deadline when none is configured
const DefaultTimeout = 30 * time.Second

// ProbeMethod is the lightweight call used by IsConnected
const ProbeMethod = "web3_clientVersion"

// Reserved header keys that custom headers cannot override
const (
	HeaderContentType = "Content-Type"
	HeaderUserAgent   = "User-Agent"
)

// ErrBatchInProgress is returned when a second batch is opened on a provider
var ErrBatchInProgress = fmt.Errorf("%w: batch already in progress", rpcerr.ErrConfiguration)

// Result is the outcome of a non-blocking request
type Result struct {
	Data []byte
	Err  error
}

// Provider performs JSON-RPC exchanges over pooled sessions. Payloads are
// encoded requests, single objects or batch arrays; error objects inside
// the returned bytes are not provider failures.
type Provider interface {
	// MakeRequest sends the payload and blocks until the reply bytes arrive
	MakeRequest(ctx context.Context, payload []byte) ([]byte, error)
	// MakeRequestAsync sends the payload and delivers the reply on the channel
	MakeRequestAsync(ctx context.Context, payload []byte) <-chan Result
	// IsConnected probes the node. With showErrors the probe failure is returned.
	IsConnected(ctx context.Context, showErrors bool) (bool, error)
	// RequestHeaders returns the headers attached to every request
	RequestHeaders() http.Header
	// BeginBatch marks the provider as batching; only one batch may be open
	BeginBatch() error
	// EndBatch leaves batching mode
	EndBatch()
	// IsBatching reports whether a batch is open
	IsBatching() bool
	// NextID returns a request id unique among the provider's exchanges
	NextID() int64
	// Close releases every pool-owned session
	Close() error
}

// Options configures a provider
type Options struct {
	EndpointURI      string
	Timeout          time.Duration
	Headers          map[string]string
	SessionCacheSize int
	MessageTimeout   time.Duration
	PingInterval     time.Duration
	Logger           zerolog.Logger
}

// UserAgent builds the User-Agent value for a concrete provider type:
// <library>/<version>/<package path>.<type name>
func UserAgent(impl interface{}) string {
	t := reflect.TypeOf(impl)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return version.Library + "/" + version.Version
	}
	return fmt.Sprintf("%s/%s/%s.%s", version.Library, version.Version, t.PkgPath(), t.Name())
}

// DefaultHeaders returns the two headers every request carries
func DefaultHeaders(impl interface{}) http.Header {
	h := make(http.Header, 2)
	h.Set(HeaderContentType, "application/json")
	h.Set(HeaderUserAgent, UserAgent(impl))
	return h
}

// mergeHeaders adds custom headers to the defaults; reserved keys keep
// their default values.
func mergeHeaders(defaults, custom http.Header) http.Header {
	merged := defaults.Clone()
	for k, v := range custom {
		ck := http.CanonicalHeaderKey(k)
		if ck == HeaderContentType || ck == HeaderUserAgent {
			continue
		}
		merged[ck] = append([]string(nil), v...)
	}
	return merged
}

// Base holds what every provider shares: endpoint, session pool, headers
// and the batching flag.
type Base struct {
	endpoint session.Endpoint
	pool     *session.Pool
	headers  http.Header
	logger   zerolog.Logger

	batching atomic.Bool
	ids      atomic.Int64
}

func newBase(impl interface{}, ep session.Endpoint, factory session.Factory, opts Options) (*Base, error) {
	logger := opts.Logger.With().Str("component", "provider").Str("endpoint", ep.Key()).Logger()

	pool, err := session.NewPool(factory,
		session.WithCacheSize(opts.SessionCacheSize),
		session.WithLogger(opts.Logger),
	)
	if err != nil {
		return nil, err
	}

	return &Base{
		endpoint: ep,
		pool:     pool,
		headers:  mergeHeaders(DefaultHeaders(impl), ep.Headers),
		logger:   logger,
	}, nil
}

func endpointFromOptions(opts *Options, defaultURI string) session.Endpoint {
	if opts.EndpointURI == "" {
		opts.EndpointURI = defaultURI
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SessionCacheSize <= 0 {
		opts.SessionCacheSize = session.DefaultCacheSize
	}
	return session.NewEndpoint(opts.EndpointURI, opts.Timeout, opts.Headers)
}

// Endpoint returns the provider endpoint
func (b *Base) Endpoint() session.Endpoint {
	return b.endpoint
}

// Pool returns the provider session pool
func (b *Base) Pool() *session.Pool {
	return b.pool
}

// RequestHeaders returns a copy of the headers attached to every request
func (b *Base) RequestHeaders() http.Header {
	return b.headers.Clone()
}

// BeginBatch marks the provider as batching
func (b *Base) BeginBatch() error {
	if !b.batching.CompareAndSwap(false, true) {
		return ErrBatchInProgress
	}
	return nil
}

// EndBatch leaves batching mode
func (b *Base) EndBatch() {
	b.batching.Store(false)
}

// IsBatching reports whether a batch is open
func (b *Base) IsBatching() bool {
	return b.batching.Load()
}

// NextID returns the next request id. Every client of the provider and
// the connectivity probe draw from this one counter.
func (b *Base) NextID() int64 {
	return b.ids.Add(1)
}

// Close closes every pool-owned session
func (b *Base) Close() error {
	return b.pool.CloseAll()
}

// withTimeout applies the endpoint deadline to ctx
func (b *Base) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.endpoint.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.endpoint.Timeout)
}

type requestFunc func(ctx context.Context, payload []byte) ([]byte, error)

// isConnected sends the probe through send. Any transport failure or error
// reply means not connected.
func (b *Base) isConnected(ctx context.Context, send requestFunc, showErrors bool) (bool, error) {
	err := b.probe(ctx, send)
	if err == nil {
		return true, nil
	}
	b.logger.Debug().Err(err).Msg("connectivity probe failed")
	if showErrors {
		return false, err
	}
	return false, nil
}

func (b *Base) probe(ctx context.Context, send requestFunc) error {
	req, err := jsonrpc.NewRequest(ProbeMethod, nil, jsonrpc.NewIDInt(b.NextID()))
	if err != nil {
		return err
	}
	payload, err := req.Bytes()
	if err != nil {
		return err
	}

	raw, err := send(ctx, payload)
	if err != nil {
		return rpcerr.Connectivity(err)
	}

	resp, err := jsonrpc.ParseResponse(raw)
	if err != nil {
		return rpcerr.Connectivity(rpcerr.Decoding(err))
	}
	if resp.HasError() {
		return rpcerr.Connectivity(resp.Error)
	}
	if resp.JSONRPC != jsonrpc.Version || !resp.HasResult() {
		return rpcerr.Connectivity(rpcerr.Decodingf("malformed probe response"))
	}
	return nil
}

// goRequest runs a blocking request on its own goroutine
func goRequest(ctx context.Context, send requestFunc, payload []byte) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		data, err := send(ctx, payload)
		ch <- Result{Data: data, Err: err}
	}()
	return ch
}
