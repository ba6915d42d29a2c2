package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rpcpipe/internal/jsonrpc"
	"rpcpipe/internal/rpcerr"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It is a
// connectivity error.
var ErrCircuitOpen = errors.New("circuit open")

// Breaker defaults
const (
	DefaultBreakerTimeout               = 30 * time.Second
	DefaultBreakerMaxConcurrentRequests = 100
	DefaultBreakerFailureThreshold      = 5
	DefaultBreakerErrorPercentThreshold = 50
	DefaultBreakerRecoveryTimeout       = 30 * time.Second
)

// BreakerOptions configures the circuit_breaker stage
type BreakerOptions struct {
	// Name of the hystrix command; a unique one is generated when empty
	Name string
	// Timeout bounds one call through the breaker
	Timeout               time.Duration
	MaxConcurrentRequests int
	// FailureThreshold is the request volume in the rolling window before
	// the error rate can open the circuit
	FailureThreshold      int
	ErrorPercentThreshold int
	// RecoveryTimeout is how long the circuit stays open before a single
	// trial call is let through
	RecoveryTimeout time.Duration
	Logger          zerolog.Logger
}

// Breaker fails calls fast while the node keeps failing at the transport
// level. Only connectivity and timeout errors count as failures; RPC error
// replies and decoding errors mean the node answered.
type Breaker struct {
	name   string
	logger zerolog.Logger
}

// NewBreaker configures a hystrix command and returns a stage running calls
// through it
func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerTimeout
	}
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = DefaultBreakerMaxConcurrentRequests
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if opts.ErrorPercentThreshold <= 0 {
		opts.ErrorPercentThreshold = DefaultBreakerErrorPercentThreshold
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = DefaultBreakerRecoveryTimeout
	}
	name := opts.Name
	if name == "" {
		name = CircuitBreaker + "_" + uuid.NewString()
	}

	hystrix.ConfigureCommand(name, hystrix.CommandConfig{
		Timeout:                int(opts.Timeout / time.Millisecond),
		MaxConcurrentRequests:  opts.MaxConcurrentRequests,
		RequestVolumeThreshold: opts.FailureThreshold,
		SleepWindow:            int(opts.RecoveryTimeout / time.Millisecond),
		ErrorPercentThreshold:  opts.ErrorPercentThreshold,
	})

	return &Breaker{
		name:   name,
		logger: opts.Logger.With().Str("component", "breaker").Str("circuit", name).Logger(),
	}
}

// Name returns the hystrix command name
func (b *Breaker) Name() string {
	return b.name
}

// Wrap implements Middleware
func (b *Breaker) Wrap(next Handler) Handler {
	return func(ctx context.Context, payload *jsonrpc.Payload) (*jsonrpc.Reply, error) {
		var (
			reply   *jsonrpc.Reply
			callErr error
		)
		err := hystrix.DoC(ctx, b.name, func(ctx context.Context) error {
			r, e := next(ctx, payload)
			if e != nil && rpcerr.IsTransient(e) && ctx.Err() == nil {
				return e
			}
			reply, callErr = r, e
			return nil
		}, nil)

		switch {
		case err == nil:
			return reply, callErr
		case errors.Is(err, hystrix.ErrCircuitOpen):
			b.logger.Debug().Strs("methods", payload.Methods()).Msg("rejected by open circuit")
			return nil, rpcerr.Connectivity(ErrCircuitOpen)
		case errors.Is(err, hystrix.ErrMaxConcurrency):
			return nil, rpcerr.Connectivity(err)
		case errors.Is(err, hystrix.ErrTimeout):
			return nil, rpcerr.Timeout(err)
		default:
			return nil, rpcerr.Classify(err)
		}
	}
}

// State returns "open" or "closed"
func (b *Breaker) State() string {
	cb, _, err := hystrix.GetCircuit(b.name)
	if err != nil {
		return "unknown"
	}
	if cb.IsOpen() {
		return "open"
	}
	return "closed"
}
