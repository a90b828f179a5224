package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"agent-rpc/service"
)

// Logging records every dispatched call with its duration. Failures are
// logged at Warn, successes at Debug.
func Logging(logger *zap.Logger) service.Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next service.Handler) service.Handler {
		return func(ctx context.Context, call *service.Call) (any, error) {
			start := time.Now()
			result, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("service", call.Service),
				zap.String("method", call.Method),
				zap.Stringer("peer", call.Peer),
				zap.Bool("oneway", call.Oneway),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("call handled", fields...)
			}
			return result, err
		}
	}
}
