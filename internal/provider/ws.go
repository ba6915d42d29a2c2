package provider

import (
	"context"

	"rpcpipe/internal/rpcerr"
	"rpcpipe/internal/session"
)

// WSProvider sends payloads over a persistent WebSocket session. Concurrent
// requests share the connection and are matched back by id.
type WSProvider struct {
	*Base
}

// NewWSProvider creates a WebSocket provider. The connection is dialed
// lazily on first use.
func NewWSProvider(opts Options) (*WSProvider, error) {
	ep := endpointFromOptions(&opts, DefaultWSEndpoint)
	p := &WSProvider{}
	factory := session.WSFactory(session.WSOptions{
		MessageTimeout: opts.MessageTimeout,
		PingInterval:   opts.PingInterval,
		Logger:         opts.Logger,
	})
	base, err := newBase(p, ep, factory, opts)
	if err != nil {
		return nil, err
	}
	p.Base = base
	return p, nil
}

// MakeRequest writes the payload and waits for its reply frame
func (p *WSProvider) MakeRequest(ctx context.Context, payload []byte) ([]byte, error) {
	s, err := p.pool.GetOrCreate(ctx, p.endpoint)
	if err != nil {
		return nil, rpcerr.Classify(err)
	}
	ws, ok := s.(*session.WSSession)
	if !ok {
		return nil, rpcerr.Configurationf("session %T is not a WebSocket session", s)
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	data, err := ws.Send(ctx, payload)
	if err != nil {
		return nil, rpcerr.Classify(err)
	}
	return data, nil
}

// MakeRequestAsync runs MakeRequest without blocking the caller
func (p *WSProvider) MakeRequestAsync(ctx context.Context, payload []byte) <-chan Result {
	return goRequest(ctx, p.MakeRequest, payload)
}

// IsConnected probes the node with web3_clientVersion
func (p *WSProvider) IsConnected(ctx context.Context, showErrors bool) (bool, error) {
	return p.isConnected(ctx, p.MakeRequest, showErrors)
}

// New builds the provider matching the endpoint scheme
func New(opts Options) (Provider, error) {
	if session.NewEndpoint(opts.EndpointURI, 0, nil).IsWebSocket() {
		return NewWSProvider(opts)
	}
	return NewHTTPProvider(opts)
}
