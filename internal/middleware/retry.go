package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"rpcpipe/internal/jsonrpc"
	"rpcpipe/internal/rpcerr"
)

// Retry defaults
const (
	DefaultRetryAttempts = 5
	DefaultRetryBackoff  = 100 * time.Millisecond
)

// DefaultRetryMethods are read-only calls that are safe to repeat
var DefaultRetryMethods = []string{
	"web3_clientVersion",
	"net_version",
	"net_listening",
	"net_peerCount",
	"eth_chainId",
	"eth_syncing",
	"eth_blockNumber",
	"eth_gasPrice",
	"eth_maxPriorityFeePerGas",
	"eth_feeHistory",
	"eth_getBalance",
	"eth_getCode",
	"eth_getStorageAt",
	"eth_getTransactionCount",
	"eth_getBlockByNumber",
	"eth_getBlockByHash",
	"eth_getTransactionByHash",
	"eth_getTransactionReceipt",
	"eth_getLogs",
	"eth_call",
	"eth_estimateGas",
}

// RetryOptions configures the exception_retry stage
type RetryOptions struct {
	MaxAttempts int
	Backoff     time.Duration
	Methods     []string
	Logger      zerolog.Logger
}

// Retry repeats allow-listed single requests that fail with a transient
// transport error or a retryable RPC error. When attempts run out the last
// RPC error reply is returned as is.
type Retry struct {
	maxAttempts int
	backoff     time.Duration
	methods     map[string]bool
	logger      zerolog.Logger
}

// NewRetry creates a retry stage
func NewRetry(opts RetryOptions) *Retry {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultRetryAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultRetryBackoff
	}
	if opts.Methods == nil {
		opts.Methods = DefaultRetryMethods
	}

	methods := make(map[string]bool, len(opts.Methods))
	for _, m := range opts.Methods {
		methods[m] = true
	}

	return &Retry{
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		methods:     methods,
		logger:      opts.Logger.With().Str("component", "retry").Logger(),
	}
}

func (r *Retry) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.backoff
	b.MaxInterval = r.backoff * 10
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxAttempts-1)), ctx)
}

// Wrap implements Middleware
func (r *Retry) Wrap(next Handler) Handler {
	return func(ctx context.Context, payload *jsonrpc.Payload) (*jsonrpc.Reply, error) {
		req := payload.Single()
		if req == nil || !r.methods[req.Method] {
			return next(ctx, payload)
		}

		var (
			reply   *jsonrpc.Reply
			attempt int
		)
		op := func() error {
			attempt++
			var err error
			reply, err = next(ctx, payload)
			if err != nil {
				if !rpcerr.IsTransient(err) {
					return backoff.Permanent(err)
				}
				reply = nil
				return err
			}
			if resp := reply.Single(); resp != nil && resp.HasError() && resp.IsRetryableError() {
				return resp.Error
			}
			return nil
		}
		notify := func(err error, wait time.Duration) {
			r.logger.Warn().
				Int("attempt", attempt).
				Int("maxAttempts", r.maxAttempts).
				Dur("backoff", wait).
				Err(err).
				Str("method", req.Method).
				Msg("request failed, retrying")
		}

		err := backoff.RetryNotify(op, r.newBackOff(ctx), notify)
		if err == nil {
			return reply, nil
		}

		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) && reply != nil {
			return reply, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, rpcerr.Classify(err)
		}
		return nil, err
	}
}
