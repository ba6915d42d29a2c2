package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"rpcpipe/internal/jsonrpc"
)

// NewLogging returns a stage that writes one debug line per payload
func NewLogging(logger zerolog.Logger) Middleware {
	logger = logger.With().Str("component", "pipeline").Logger()
	return Func(func(next Handler) Handler {
		return func(ctx context.Context, payload *jsonrpc.Payload) (*jsonrpc.Reply, error) {
			start := time.Now()
			reply, err := next(ctx, payload)

			ev := logger.Debug()
			if err != nil {
				ev = logger.Warn().Err(err)
			}
			ev = ev.Bool("batch", payload.Batch).
				Strs("methods", payload.Methods()).
				Dur("duration", time.Since(start))
			if reply != nil {
				ev = ev.Int("responses", len(reply.Responses))
			}
			ev.Msg("rpc exchange")
			return reply, err
		}
	})
}
