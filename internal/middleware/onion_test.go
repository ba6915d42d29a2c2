package middleware

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcpipe/internal/jsonrpc"
	"rpcpipe/internal/rpcerr"
)

// tracer records the order in which middleware see the payload and reply
type tracer struct {
	mu    sync.Mutex
	trace []string
}

func (tr *tracer) record(s string) {
	tr.mu.Lock()
	tr.trace = append(tr.trace, s)
	tr.mu.Unlock()
}

func (tr *tracer) mw(name string) Middleware {
	return Func(func(next Handler) Handler {
		return func(ctx context.Context, p *jsonrpc.Payload) (*jsonrpc.Reply, error) {
			tr.record("in:" + name)
			reply, err := next(ctx, p)
			tr.record("out:" + name)
			return reply, err
		}
	})
}

func terminal(ctx context.Context, p *jsonrpc.Payload) (*jsonrpc.Reply, error) {
	resps := make([]*jsonrpc.Response, len(p.Requests))
	for i, req := range p.Requests {
		resp, err := jsonrpc.NewResponse(req.ID, req.Method)
		if err != nil {
			return nil, err
		}
		resps[i] = resp
	}
	return &jsonrpc.Reply{Responses: resps, Batch: p.Batch}, nil
}

func errorResponse(id jsonrpc.ID, err *jsonrpc.Error) *jsonrpc.Response {
	return &jsonrpc.Response{JSONRPC: jsonrpc.Version, Error: err, ID: id}
}

func single(t *testing.T, method string) *jsonrpc.Payload {
	t.Helper()
	req, err := jsonrpc.NewRequest(method, nil, jsonrpc.NewIDInt(1))
	require.NoError(t, err)
	return jsonrpc.NewSinglePayload(req)
}

func newEmpty(t *testing.T) *Onion {
	t.Helper()
	o, err := NewOnion()
	require.NoError(t, err)
	return o
}

func TestOnion_PositionSequences(t *testing.T) {
	tr := &tracer{}
	steps := []struct {
		name string
		op   func(o *Onion) error
		want []string
	}{
		{"add a innermost", func(o *Onion) error { return o.Add("a", tr.mw("a"), Innermost()) }, []string{"a"}},
		{"add b outermost", func(o *Onion) error { return o.Add("b", tr.mw("b"), Outermost()) }, []string{"b", "a"}},
		{"add c innermost", func(o *Onion) error { return o.Add("c", tr.mw("c"), Innermost()) }, []string{"b", "a", "c"}},
		{"add d before a", func(o *Onion) error { return o.Add("d", tr.mw("d"), Before("a")) }, []string{"b", "d", "a", "c"}},
		{"add e after a", func(o *Onion) error { return o.Add("e", tr.mw("e"), After("a")) }, []string{"b", "d", "a", "e", "c"}},
		{"add f after c", func(o *Onion) error { return o.Add("f", tr.mw("f"), After("c")) }, []string{"b", "d", "a", "e", "c", "f"}},
		{"add g before b", func(o *Onion) error { return o.Add("g", tr.mw("g"), Before("b")) }, []string{"g", "b", "d", "a", "e", "c", "f"}},
		{"remove a", func(o *Onion) error { return o.Remove("a") }, []string{"g", "b", "d", "e", "c", "f"}},
		{"replace c", func(o *Onion) error { return o.Replace("c", tr.mw("c2")) }, []string{"g", "b", "d", "e", "c", "f"}},
		{"remove g", func(o *Onion) error { return o.Remove("g") }, []string{"b", "d", "e", "c", "f"}},
		{"add a before f", func(o *Onion) error { return o.Add("a", tr.mw("a"), Before("f")) }, []string{"b", "d", "e", "c", "a", "f"}},
	}

	o := newEmpty(t)
	for _, step := range steps {
		require.NoError(t, step.op(o), step.name)
		assert.Equal(t, step.want, o.Names(), step.name)
		assert.Equal(t, len(step.want), o.Len())
	}
}

func TestOnion_WrapOrder(t *testing.T) {
	tr := &tracer{}
	o := newEmpty(t)
	require.NoError(t, o.Add("inner", tr.mw("inner"), Innermost()))
	require.NoError(t, o.Add("outer", tr.mw("outer"), Outermost()))
	require.NoError(t, o.Add("middle", tr.mw("middle"), After("outer")))

	_, err := o.Wrap(terminal)(context.Background(), single(t, "eth_chainId"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"in:outer", "in:middle", "in:inner",
		"out:inner", "out:middle", "out:outer",
	}, tr.trace)
}

func TestOnion_WrapReflectsMutations(t *testing.T) {
	tr := &tracer{}
	o := newEmpty(t)
	require.NoError(t, o.Add("a", tr.mw("a"), Innermost()))

	_, err := o.Wrap(terminal)(context.Background(), single(t, "m"))
	require.NoError(t, err)
	assert.Equal(t, []string{"in:a", "out:a"}, tr.trace)

	require.NoError(t, o.Replace("a", tr.mw("a2")))
	tr.trace = nil
	_, err = o.Wrap(terminal)(context.Background(), single(t, "m"))
	require.NoError(t, err)
	assert.Equal(t, []string{"in:a2", "out:a2"}, tr.trace)

	o.Clear()
	tr.trace = nil
	_, err = o.Wrap(terminal)(context.Background(), single(t, "m"))
	require.NoError(t, err)
	assert.Empty(t, tr.trace)
}

func TestOnion_Errors(t *testing.T) {
	o := newEmpty(t)
	noop := NewStage("noop", nil, nil)
	require.NoError(t, o.Add("a", noop, Innermost()))

	err := o.Add("a", noop, Outermost())
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.ErrorIs(t, err, rpcerr.ErrConfiguration)

	assert.ErrorIs(t, o.Add("b", noop, Before("missing")), ErrNotFound)
	assert.ErrorIs(t, o.Add("b", noop, After("missing")), ErrNotFound)
	assert.ErrorIs(t, o.Remove("missing"), ErrNotFound)
	assert.ErrorIs(t, o.Replace("missing", noop), ErrNotFound)
	_, err = o.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, o.Add("", noop, Innermost()), rpcerr.ErrConfiguration)
	assert.ErrorIs(t, o.Add("c", nil, Innermost()), rpcerr.ErrConfiguration)

	got, err := o.Get("a")
	require.NoError(t, err)
	assert.Same(t, noop, got)
	assert.Equal(t, []string{"a"}, o.Names())
}

func TestOnion_ConcurrentMutationAndWrap(t *testing.T) {
	o := NewDefaultOnion()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := o.Wrap(terminal)(context.Background(), jsonrpc.NewBatchPayload(nil))
				assert.NoError(t, err)
			}
		}()
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i))
			for j := 0; j < 100; j++ {
				if err := o.Add(name, NewStage(name, nil, nil), After(Validation)); err != nil {
					assert.ErrorIs(t, err, ErrDuplicate)
					continue
				}
				assert.NoError(t, o.Remove(name))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, []string{GasPriceStrategy, ENSNameToAddress, AttrDict, Validation, GasEstimate}, o.Names())
}

func TestDefaultStack_PassesThrough(t *testing.T) {
	o := NewDefaultOnion()
	assert.Equal(t, []string{GasPriceStrategy, ENSNameToAddress, AttrDict, Validation, GasEstimate}, o.Names())

	var seen *jsonrpc.Payload
	in := single(t, "eth_getBalance")
	reply, err := o.Wrap(func(ctx context.Context, p *jsonrpc.Payload) (*jsonrpc.Reply, error) {
		seen = p
		return terminal(ctx, p)
	})(context.Background(), in)
	require.NoError(t, err)
	assert.Same(t, in, seen)
	assert.Equal(t, `"eth_getBalance"`, string(reply.Single().Result))
}

func TestStage_Hooks(t *testing.T) {
	rename := NewStage("rename",
		func(ctx context.Context, p *jsonrpc.Payload) (*jsonrpc.Payload, error) {
			clone := *p.Single()
			clone.Method = "eth_blockNumber"
			return jsonrpc.NewSinglePayload(&clone), nil
		},
		func(ctx context.Context, p *jsonrpc.Payload, r *jsonrpc.Reply) (*jsonrpc.Reply, error) {
			r.Single().Result = []byte(`"0x10"`)
			return r, nil
		},
	)
	assert.Equal(t, "rename", rename.Name())

	reply, err := rename.Wrap(terminal)(context.Background(), single(t, "eth_chainId"))
	require.NoError(t, err)
	assert.Equal(t, `"0x10"`, string(reply.Single().Result))

	reject := NewStage("reject", func(ctx context.Context, p *jsonrpc.Payload) (*jsonrpc.Payload, error) {
		return nil, rpcerr.Configurationf("rejected")
	}, nil)
	called := false
	_, err = reject.Wrap(func(ctx context.Context, p *jsonrpc.Payload) (*jsonrpc.Reply, error) {
		called = true
		return nil, nil
	})(context.Background(), single(t, "eth_chainId"))
	assert.ErrorIs(t, err, rpcerr.ErrConfiguration)
	assert.False(t, called)
}
