package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rpcpipe/internal/jsonrpc"
	"rpcpipe/internal/rpcerr"
)

// ErrSessionClosed is returned for calls on a closed or broken session
var ErrSessionClosed = errors.New("session closed")

// ErrIDInFlight rejects a payload reusing the id of an unanswered request
var ErrIDInFlight = fmt.Errorf("%w: request id already in flight", rpcerr.ErrConfiguration)

// WSOptions configures WebSocket sessions
type WSOptions struct {
	HandshakeTimeout time.Duration
	// MessageTimeout bounds the silence between frames; only enforced when
	// PingInterval is set, since pongs are what keep an idle link readable.
	MessageTimeout time.Duration
	PingInterval   time.Duration
	Logger         zerolog.Logger
}

type wsResult struct {
	data []byte
	err  error
}

type pendingCall struct {
	keys []string
	ch   chan wsResult
}

// WSSession owns one WebSocket connection and multiplexes concurrent
// requests over it by JSON-RPC id. A read failure marks the session dead;
// the pool replaces it on the next lookup.
type WSSession struct {
	endpoint Endpoint
	opts     WSOptions
	logger   zerolog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCall
	queue     []*pendingCall

	alive  atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WSFactory returns a pool Factory dialing WebSocket sessions
func WSFactory(opts WSOptions) Factory {
	return func(ctx context.Context, ep Endpoint) (Session, error) {
		return DialWS(ctx, ep, opts)
	}
}

// DialWS connects to the endpoint and starts the reader
func DialWS(ctx context.Context, ep Endpoint, opts WSOptions) (*WSSession, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = 60 * time.Second
	}
	logger := opts.Logger.With().Str("component", "ws-session").Str("endpoint", ep.Key()).Logger()

	dialCtx := ctx
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	header := http.Header{}
	for k, v := range ep.Headers {
		header[k] = append([]string(nil), v...)
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(dialCtx, ep.URI, header)
	if err != nil {
		return nil, rpcerr.Classify(fmt.Errorf("failed to connect WebSocket: %w", err))
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &WSSession{
		endpoint: ep,
		opts:     opts,
		logger:   logger,
		conn:     conn,
		pending:  make(map[string]*pendingCall),
		ctx:      sctx,
		cancel:   cancel,
	}
	s.alive.Store(true)

	if opts.PingInterval > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.MessageTimeout))
		})
		s.wg.Add(1)
		go s.pingLoop()
	}
	s.wg.Add(1)
	go s.readLoop()

	logger.Debug().Msg("WebSocket connected")
	return s, nil
}

// Endpoint returns the session endpoint
func (s *WSSession) Endpoint() Endpoint {
	return s.endpoint
}

// Alive reports whether the connection is still readable
func (s *WSSession) Alive() bool {
	return s.alive.Load()
}

// Close closes the connection and fails in-flight calls
func (s *WSSession) Close() error {
	s.alive.Store(false)
	s.cancel()
	err := s.conn.Close()
	s.failPending(ErrSessionClosed)
	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Send writes an encoded payload and waits for the frame answering it.
// Cancelling ctx abandons the wait but keeps the session usable.
func (s *WSSession) Send(ctx context.Context, payload []byte) ([]byte, error) {
	if !s.Alive() {
		return nil, rpcerr.Connectivity(ErrSessionClosed)
	}

	keys, _, err := jsonrpc.PayloadIDs(payload)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{keys: keys, ch: make(chan wsResult, 1)}
	s.pendingMu.Lock()
	for _, k := range keys {
		if _, busy := s.pending[k]; busy {
			s.pendingMu.Unlock()
			return nil, fmt.Errorf("%w: id %s", ErrIDInFlight, k)
		}
	}
	for _, k := range keys {
		s.pending[k] = call
	}
	s.queue = append(s.queue, call)
	s.pendingMu.Unlock()

	s.writeMu.Lock()
	writeErr := s.conn.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
	if writeErr != nil {
		s.forget(call)
		return nil, rpcerr.Classify(fmt.Errorf("failed to send request: %w", writeErr))
	}

	select {
	case res := <-call.ch:
		return res.data, res.err
	case <-ctx.Done():
		s.forget(call)
		return nil, rpcerr.Classify(ctx.Err())
	}
}

func (s *WSSession) readLoop() {
	defer s.wg.Done()

	for {
		if s.opts.PingInterval > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.MessageTimeout))
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.alive.Store(false)
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("WebSocket connection lost")
			s.failPending(rpcerr.Connectivity(fmt.Errorf("WebSocket connection lost: %w", err)))
			return
		}
		s.dispatch(data)
	}
}

func (s *WSSession) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Msg("ping write failed")
				return
			}
		}
	}
}

// dispatch routes one frame to the call waiting for it. Frames answering a
// batch are routed by any id they contain; a reply with a null id (a batch
// rejected outright) goes to the oldest call without ids, else the oldest.
func (s *WSSession) dispatch(data []byte) {
	responses, _, err := jsonrpc.ParseBatchResponse(data)
	if err != nil {
		s.logger.Warn().Err(err).Int("len", len(data)).Msg("ws message parse error")
		return
	}

	s.pendingMu.Lock()
	var call *pendingCall
	for _, r := range responses {
		if r.ID.IsNull() {
			continue
		}
		if c, ok := s.pending[r.ID.Key()]; ok {
			call = c
			break
		}
	}
	if call == nil && allNullIDs(responses) {
		for _, c := range s.queue {
			if len(c.keys) == 0 {
				call = c
				break
			}
		}
		if call == nil && len(s.queue) > 0 {
			call = s.queue[0]
		}
	}
	if call != nil {
		s.removeLocked(call)
	}
	s.pendingMu.Unlock()

	if call == nil {
		s.logger.Debug().Int("len", len(data)).Msg("unsolicited ws message dropped")
		return
	}
	call.ch <- wsResult{data: data}
}

func allNullIDs(responses []*jsonrpc.Response) bool {
	for _, r := range responses {
		if !r.ID.IsNull() {
			return false
		}
	}
	return true
}

func (s *WSSession) forget(call *pendingCall) {
	s.pendingMu.Lock()
	s.removeLocked(call)
	s.pendingMu.Unlock()
}

func (s *WSSession) removeLocked(call *pendingCall) {
	for _, k := range call.keys {
		if s.pending[k] == call {
			delete(s.pending, k)
		}
	}
	for i, c := range s.queue {
		if c == call {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

func (s *WSSession) failPending(err error) {
	s.pendingMu.Lock()
	queue := s.queue
	s.queue = nil
	s.pending = make(map[string]*pendingCall)
	s.pendingMu.Unlock()

	for _, c := range queue {
		select {
		case c.ch <- wsResult{err: err}:
		default:
		}
	}
}

// Pending returns the number of in-flight calls
func (s *WSSession) Pending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.queue)
}
