package middleware

import (
	"context"

	"go.uber.org/zap"

	"agent-rpc/message"
	"agent-rpc/service"
)

// Recovery turns a handler panic into a PanicException.
func Recovery(logger *zap.Logger) service.Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next service.Handler) service.Handler {
		return func(ctx context.Context, call *service.Call) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked",
						zap.String("service", call.Service),
						zap.String("method", call.Method),
						zap.Any("panic", r),
						zap.Stack("stack"))
					result, err = nil, message.Errorf(message.PanicException, "%s.%s: %v", call.Service, call.Method, r)
				}
			}()
			return next(ctx, call)
		}
	}
}
