package client

import (
	"context"
	"encoding/json"
	"sync"

	"rpcpipe/internal/rpcerr"
)

// Result is a settled call outcome: either a raw result or an error
type Result struct {
	Value json.RawMessage
	Err   error
}

// Future is the handle of a call whose reply arrives later. It settles
// exactly once.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.resolve(nil, err)
	return f
}

func (f *Future) resolve(value json.RawMessage, err error) {
	f.once.Do(func() {
		f.result = Result{Value: value, Err: err}
		close(f.done)
	})
}

// Done is closed once the future has settled
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future settles or ctx is done
func (f *Future) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result.Value, f.result.Err
	case <-ctx.Done():
		return nil, rpcerr.Classify(ctx.Err())
	}
}

// Decode awaits the result and unmarshals it into v
func (f *Future) Decode(ctx context.Context, v interface{}) error {
	raw, err := f.Await(ctx)
	if err != nil {
		return err
	}
	return decodeInto(raw, v)
}

// Settled returns the outcome if the future has settled
func (f *Future) Settled() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

func decodeInto(raw json.RawMessage, v interface{}) error {
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return rpcerr.Decoding(err)
	}
	return nil
}
