package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"rpcpipe/internal/rpcerr"
	"rpcpipe/internal/session"
)

// HTTPProvider posts each payload to the endpoint over a pooled HTTP session
type HTTPProvider struct {
	*Base
}

// NewHTTPProvider creates an HTTP provider
func NewHTTPProvider(opts Options) (*HTTPProvider, error) {
	ep := endpointFromOptions(&opts, DefaultHTTPEndpoint)
	p := &HTTPProvider{}
	base, err := newBase(p, ep, session.HTTPFactory, opts)
	if err != nil {
		return nil, err
	}
	p.Base = base
	return p, nil
}

// CacheSession registers a caller-owned HTTP client as the session for the
// scope carried by ctx. The provider never closes it.
func (p *HTTPProvider) CacheSession(ctx context.Context, client *http.Client) (*session.HTTPSession, error) {
	s := session.WrapHTTPClient(p.endpoint, client)
	if _, err := p.pool.CacheExternal(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// MakeRequest posts the payload and returns the raw reply
func (p *HTTPProvider) MakeRequest(ctx context.Context, payload []byte) ([]byte, error) {
	s, err := p.pool.GetOrCreate(ctx, p.endpoint)
	if err != nil {
		return nil, rpcerr.Classify(err)
	}
	hs, ok := s.(*session.HTTPSession)
	if !ok {
		return nil, rpcerr.Configurationf("session %T is not an HTTP session", s)
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint.URI, bytes.NewReader(payload))
	if err != nil {
		return nil, rpcerr.Connectivity(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	httpReq.Header = p.RequestHeaders()

	start := time.Now()
	resp, err := hs.Client().Do(httpReq)
	if err != nil {
		return nil, rpcerr.Classify(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rpcerr.Classify(fmt.Errorf("failed to read response: %w", err))
	}

	p.logger.Debug().
		Int("status", resp.StatusCode).
		Int("requestBytes", len(payload)).
		Int("responseBytes", len(body)).
		Dur("duration", time.Since(start)).
		Msg("HTTP exchange")

	if resp.StatusCode != http.StatusOK && !looksLikeJSONRPC(body) {
		return nil, rpcerr.Connectivity(fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body)))
	}

	return body, nil
}

// MakeRequestAsync runs MakeRequest without blocking the caller
func (p *HTTPProvider) MakeRequestAsync(ctx context.Context, payload []byte) <-chan Result {
	return goRequest(ctx, p.MakeRequest, payload)
}

// IsConnected probes the node with web3_clientVersion
func (p *HTTPProvider) IsConnected(ctx context.Context, showErrors bool) (bool, error) {
	return p.isConnected(ctx, p.MakeRequest, showErrors)
}

// looksLikeJSONRPC reports whether a non-200 body still carries a JSON-RPC
// reply, which many nodes send along with 4xx/5xx statuses.
func looksLikeJSONRPC(body []byte) bool {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || (body[0] != '{' && body[0] != '[') {
		return false
	}
	return json.Valid(body)
}
