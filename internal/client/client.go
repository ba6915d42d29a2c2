package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"rpcpipe/internal/jsonrpc"
	"rpcpipe/internal/middleware"
	"rpcpipe/internal/provider"
	"rpcpipe/internal/rpcerr"
)

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithOnion replaces the default middleware stack
func WithOnion(o *middleware.Onion) Option {
	return func(c *Client) {
		c.onion = o
	}
}

// Client turns method calls into JSON-RPC envelopes, runs them through the
// middleware onion and decodes the replies.
type Client struct {
	provider provider.Provider
	onion    *middleware.Onion
	logger   zerolog.Logger

	// batch is the open batch calls are queued into, nil when none is open
	batch atomic.Pointer[Batch]
}

// New creates a client over p with the default middleware stack
func New(p provider.Provider, opts ...Option) *Client {
	c := &Client{
		provider: p,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.onion == nil {
		c.onion = middleware.NewDefaultOnion()
	}
	c.logger = c.logger.With().Str("component", "client").Logger()
	return c
}

// Onion returns the middleware onion; mutations apply to later calls
func (c *Client) Onion() *middleware.Onion {
	return c.onion
}

// Provider returns the underlying provider
func (c *Client) Provider() provider.Provider {
	return c.provider
}

// InBatch returns the open batch, if any
func (c *Client) InBatch() (*Batch, bool) {
	b := c.batch.Load()
	return b, b != nil
}

// IsConnected probes the node through the provider
func (c *Client) IsConnected(ctx context.Context, showErrors bool) (bool, error) {
	return c.provider.IsConnected(ctx, showErrors)
}

// Close releases the provider sessions
func (c *Client) Close() error {
	return c.provider.Close()
}

func (c *Client) newRequest(method string, params []interface{}) (*jsonrpc.Request, error) {
	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(c.provider.NextID()))
	if err != nil {
		return nil, rpcerr.Configurationf("%s: %v", method, err)
	}
	if err := req.Validate(); err != nil {
		return nil, rpcerr.Configurationf("%v", err)
	}
	return req, nil
}

// Execute sends one call and blocks until its result arrives. An error
// object from the node is returned as *jsonrpc.Error. While a batch is open
// it fails with ErrBatchOpen: the result would only exist after the batch
// is sent.
func (c *Client) Execute(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if b := c.batch.Load(); b != nil {
		return nil, fmt.Errorf("%w: %s called during batch %s", ErrBatchOpen, method, b.ID())
	}
	req, err := c.newRequest(method, params)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, req, c.send)
}

// ExecuteAsync sends one call without blocking; the future settles with
// the same outcome Execute would return. While a batch is open the call is
// queued into it instead and settles when the batch is sent.
func (c *Client) ExecuteAsync(ctx context.Context, method string, params ...interface{}) *Future {
	if b := c.batch.Load(); b != nil {
		return b.Add(method, params...)
	}
	req, err := c.newRequest(method, params)
	if err != nil {
		return failedFuture(err)
	}

	f := newFuture()
	go func() {
		f.resolve(c.execute(ctx, req, c.sendAsync))
	}()
	return f
}

// Call executes method and unmarshals the result into result
func (c *Client) Call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	raw, err := c.Execute(ctx, method, params...)
	if err != nil {
		return err
	}
	return decodeInto(raw, result)
}

func (c *Client) execute(ctx context.Context, req *jsonrpc.Request, terminal middleware.Handler) (json.RawMessage, error) {
	reply, err := c.onion.Wrap(terminal)(ctx, jsonrpc.NewSinglePayload(req))
	if err != nil {
		return nil, err
	}
	return decodeSingle(req, reply)
}

// send is the blocking terminal handler
func (c *Client) send(ctx context.Context, payload *jsonrpc.Payload) (*jsonrpc.Reply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, rpcerr.Configurationf("failed to encode payload: %v", err)
	}
	raw, err := c.provider.MakeRequest(ctx, data)
	if err != nil {
		return nil, err
	}
	return decodeReply(raw)
}

// sendAsync is the non-blocking terminal handler
func (c *Client) sendAsync(ctx context.Context, payload *jsonrpc.Payload) (*jsonrpc.Reply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, rpcerr.Configurationf("failed to encode payload: %v", err)
	}
	select {
	case res := <-c.provider.MakeRequestAsync(ctx, data):
		if res.Err != nil {
			return nil, res.Err
		}
		return decodeReply(res.Data)
	case <-ctx.Done():
		return nil, rpcerr.Classify(ctx.Err())
	}
}

func decodeReply(raw []byte) (*jsonrpc.Reply, error) {
	reply, err := jsonrpc.ParseReply(raw)
	if err != nil {
		return nil, rpcerr.Decoding(err)
	}
	for _, resp := range reply.Responses {
		if resp == nil {
			return nil, rpcerr.Decodingf("null element in reply")
		}
	}
	return reply, nil
}

// decodeSingle extracts the outcome of req from a non-batch reply
func decodeSingle(req *jsonrpc.Request, reply *jsonrpc.Reply) (json.RawMessage, error) {
	if reply == nil {
		return nil, rpcerr.Decodingf("no reply for %s", req.Method)
	}
	if reply.Batch {
		return nil, rpcerr.Decodingf("array reply to single request %s", req.Method)
	}
	resp := reply.Single()
	if resp == nil {
		return nil, rpcerr.Decodingf("no response for %s", req.Method)
	}
	if resp.HasError() {
		if !resp.ID.IsNull() && resp.ID.Key() != req.ID.Key() {
			return nil, rpcerr.Decodingf("response id %s does not match request id %s", resp.ID, req.ID)
		}
		return nil, resp.Error
	}
	if resp.JSONRPC != jsonrpc.Version {
		return nil, rpcerr.Decodingf("invalid jsonrpc version %q", resp.JSONRPC)
	}
	if !resp.HasResult() {
		return nil, rpcerr.Decodingf("response to %s has neither result nor error", req.Method)
	}
	if resp.ID.Key() != req.ID.Key() {
		return nil, rpcerr.Decodingf("response id %s does not match request id %s", resp.ID, req.ID)
	}
	return resp.Result, nil
}
