package middleware

import (
	"context"

	"rpcpipe/internal/jsonrpc"
)

// Stage names. The first five form the default stack.
const (
	GasPriceStrategy = "gas_price_strategy"
	ENSNameToAddress = "ens_name_to_address"
	AttrDict         = "attrdict"
	Validation       = "validation"
	GasEstimate      = "gas_estimate"
	CacheName        = "cache"
	ExceptionRetry   = "exception_retry"
	CircuitBreaker   = "circuit_breaker"
	LoggingName      = "logging"
)

// RequestHook may rewrite or reject a payload before it goes inward
type RequestHook func(ctx context.Context, payload *jsonrpc.Payload) (*jsonrpc.Payload, error)

// ResponseHook may rewrite or reject a reply on its way outward
type ResponseHook func(ctx context.Context, payload *jsonrpc.Payload, reply *jsonrpc.Reply) (*jsonrpc.Reply, error)

// Stage is a named middleware built from optional hooks. A stage without
// hooks passes payloads and replies through untouched.
type Stage struct {
	name       string
	onRequest  RequestHook
	onResponse ResponseHook
}

// NewStage creates a stage; either hook may be nil
func NewStage(name string, onRequest RequestHook, onResponse ResponseHook) *Stage {
	return &Stage{name: name, onRequest: onRequest, onResponse: onResponse}
}

// Name returns the stage name
func (s *Stage) Name() string {
	return s.name
}

// Wrap implements Middleware
func (s *Stage) Wrap(next Handler) Handler {
	return func(ctx context.Context, payload *jsonrpc.Payload) (*jsonrpc.Reply, error) {
		if s.onRequest != nil {
			var err error
			payload, err = s.onRequest(ctx, payload)
			if err != nil {
				return nil, err
			}
		}

		reply, err := next(ctx, payload)
		if err != nil || s.onResponse == nil {
			return reply, err
		}
		return s.onResponse(ctx, payload, reply)
	}
}

// DefaultStack returns fresh default stages, outermost first. The method
// namespaces attach their hooks by replacing a stage under the same name.
func DefaultStack() []Named {
	names := []string{GasPriceStrategy, ENSNameToAddress, AttrDict, Validation, GasEstimate}
	stack := make([]Named, len(names))
	for i, name := range names {
		stack[i] = Named{Name: name, Middleware: NewStage(name, nil, nil)}
	}
	return stack
}

// NewDefaultOnion creates an onion holding DefaultStack
func NewDefaultOnion() *Onion {
	o, err := NewOnion(DefaultStack()...)
	if err != nil {
		// default names are unique
		panic(err)
	}
	return o
}
