package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rpcpipe/internal/jsonrpc"
	"rpcpipe/internal/middleware"
	"rpcpipe/internal/provider"
	"rpcpipe/internal/rpcerr"
)

var (
	// ErrBatchInProgress is returned when a batch is opened while another
	// one is open on the same provider
	ErrBatchInProgress = provider.ErrBatchInProgress

	// ErrBatchClosed is returned when a sent or closed batch is used again
	ErrBatchClosed = fmt.Errorf("%w: batch is closed", rpcerr.ErrConfiguration)

	// ErrMissingResponse settles a batch call the node did not answer
	ErrMissingResponse = fmt.Errorf("%w: missing response in batch", rpcerr.ErrProtocolDecoding)

	// ErrBatchOpen rejects a blocking call made while a batch is open
	ErrBatchOpen = fmt.Errorf("%w: blocking call while a batch is open", rpcerr.ErrConfiguration)

	// ErrUnexpectedResponse reports replies matching no request in the batch
	ErrUnexpectedResponse = fmt.Errorf("%w: unexpected response in batch", rpcerr.ErrProtocolDecoding)
)

// BatchState is a step of the batch lifecycle
type BatchState int

const (
	BatchIdle BatchState = iota
	BatchOpen
	BatchSending
	BatchClosed
)

func (s BatchState) String() string {
	switch s {
	case BatchIdle:
		return "idle"
	case BatchOpen:
		return "open"
	case BatchSending:
		return "sending"
	case BatchClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Batch queues calls and sends them as one JSON-RPC array. Each call gets a
// Future that settles when the batch reply is demultiplexed.
type Batch struct {
	client *Client
	id     string
	logger zerolog.Logger

	mu       sync.Mutex
	state    BatchState
	requests []*jsonrpc.Request
	futures  []*Future
}

// NewBatch creates an idle batch bound to c
func NewBatch(c *Client) *Batch {
	id := uuid.NewString()
	return &Batch{
		client: c,
		id:     id,
		logger: c.logger.With().Str("batch", id).Logger(),
	}
}

// Batch opens a new batch on the client's provider
func (c *Client) Batch() (*Batch, error) {
	b := NewBatch(c)
	if err := b.Open(); err != nil {
		return nil, err
	}
	return b, nil
}

// WithBatch opens a batch, runs fn and closes the batch on every exit path,
// including a panic in fn.
func (c *Client) WithBatch(ctx context.Context, fn func(b *Batch) error) (err error) {
	b, err := c.Batch()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if closeErr := b.Close(ctx); closeErr != nil {
				b.logger.Warn().Err(closeErr).Msg("batch close failed during panic")
			}
			panic(r)
		}
	}()

	fnErr := fn(b)
	return errors.Join(fnErr, b.Close(ctx))
}

// Open moves an idle batch to open and claims the provider
func (b *Batch) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BatchIdle:
	case BatchOpen:
		return rpcerr.Configurationf("batch %s is already open", b.id)
	default:
		return fmt.Errorf("%w: %s", ErrBatchClosed, b.id)
	}

	if err := b.client.provider.BeginBatch(); err != nil {
		return err
	}
	b.client.batch.Store(b)
	b.state = BatchOpen
	b.logger.Debug().Msg("batch opened")
	return nil
}

// ID returns the batch identifier used in logs
func (b *Batch) ID() string {
	return b.id
}

// State returns the lifecycle state
func (b *Batch) State() BatchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Len returns the number of queued calls
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// Add queues a call. Its id is assigned under the batch lock, so array
// order equals the order of Add calls. On a batch that is not open the
// returned future has already failed with ErrBatchClosed.
func (b *Batch) Add(method string, params ...interface{}) *Future {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BatchOpen {
		return failedFuture(fmt.Errorf("%w: %s is %s", ErrBatchClosed, b.id, b.state))
	}

	req, err := b.client.newRequest(method, params)
	if err != nil {
		return failedFuture(err)
	}

	f := newFuture()
	b.requests = append(b.requests, req)
	b.futures = append(b.futures, f)
	return f
}

// Execute sends the queue now, even when empty, and closes the batch. The
// results follow Add order.
func (b *Batch) Execute(ctx context.Context) ([]Result, error) {
	return b.flush(ctx, true, b.client.send)
}

// Close ends the batch. A non-empty queue is sent in one exchange; an empty
// one is not sent at all. Closing a closed batch is a no-op.
func (b *Batch) Close(ctx context.Context) error {
	_, err := b.flush(ctx, false, b.client.send)
	return err
}

// CloseAsync closes the batch through the provider's non-blocking mode
func (b *Batch) CloseAsync(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() {
		_, err := b.flush(ctx, false, b.client.sendAsync)
		ch <- err
	}()
	return ch
}

func (b *Batch) flush(ctx context.Context, explicit bool, terminal middleware.Handler) ([]Result, error) {
	b.mu.Lock()
	if b.state != BatchOpen {
		state := b.state
		b.mu.Unlock()
		if explicit {
			return nil, fmt.Errorf("%w: %s is %s", ErrBatchClosed, b.id, state)
		}
		return nil, nil
	}
	b.state = BatchSending
	b.client.batch.CompareAndSwap(b, nil)
	requests, futures := b.requests, b.futures
	b.requests, b.futures = nil, nil
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.state = BatchClosed
		b.mu.Unlock()
		b.client.provider.EndBatch()
	}()

	if len(requests) == 0 && !explicit {
		b.logger.Debug().Msg("empty batch closed without sending")
		return nil, nil
	}

	b.logger.Debug().Int("requests", len(requests)).Msg("sending batch")

	err := b.dispatch(ctx, requests, futures, terminal)

	results := make([]Result, len(futures))
	for i, f := range futures {
		results[i], _ = f.Settled()
	}
	return results, err
}

func (b *Batch) dispatch(ctx context.Context, requests []*jsonrpc.Request, futures []*Future, terminal middleware.Handler) error {
	reply, err := b.client.onion.Wrap(terminal)(ctx, jsonrpc.NewBatchPayload(requests))
	if err != nil {
		broadcast(futures, err)
		return err
	}
	return demux(requests, futures, reply)
}

func broadcast(futures []*Future, err error) {
	for _, f := range futures {
		f.resolve(nil, err)
	}
}

// demux settles every future from the batch reply. A non-array reply is a
// rejection of the whole batch: its error goes to every call.
func demux(requests []*jsonrpc.Request, futures []*Future, reply *jsonrpc.Reply) error {
	if reply == nil {
		err := rpcerr.Decodingf("no reply for batch")
		broadcast(futures, err)
		return err
	}

	if !reply.Batch {
		var err error
		if resp := reply.Single(); resp != nil && resp.HasError() {
			err = resp.Error
		} else {
			err = rpcerr.Decodingf("non-array reply to batch")
		}
		broadcast(futures, err)
		return err
	}

	index := make(map[string]int, len(requests))
	for i, req := range requests {
		index[req.ID.Key()] = i
	}

	matched := make([]*jsonrpc.Response, len(requests))
	var (
		unexpected []string
		topLevel   *jsonrpc.Error
	)
	for _, resp := range reply.Responses {
		if resp == nil {
			unexpected = append(unexpected, "null")
			continue
		}
		if resp.ID.IsNull() && resp.HasError() {
			topLevel = resp.Error
			continue
		}
		i, ok := index[resp.ID.Key()]
		if !ok || matched[i] != nil {
			unexpected = append(unexpected, resp.ID.String())
			continue
		}
		matched[i] = resp
	}

	topLevelUsed := false
	for i, f := range futures {
		resp := matched[i]
		switch {
		case resp == nil && topLevel != nil:
			topLevelUsed = true
			f.resolve(nil, topLevel)
		case resp == nil:
			f.resolve(nil, fmt.Errorf("%w: id %s", ErrMissingResponse, requests[i].ID))
		case resp.HasError():
			f.resolve(nil, resp.Error)
		case !resp.HasResult():
			f.resolve(nil, rpcerr.Decodingf("response %s has neither result nor error", resp.ID))
		default:
			f.resolve(resp.Result, nil)
		}
	}

	if len(unexpected) > 0 {
		return fmt.Errorf("%w: ids %s", ErrUnexpectedResponse, strings.Join(unexpected, ", "))
	}
	if topLevelUsed || (topLevel != nil && len(requests) == 0) {
		return topLevel
	}
	return nil
}
