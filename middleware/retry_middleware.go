package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"agent-rpc/message"
	"agent-rpc/stub"
)

// Retryable reports whether a failed two-way call may be sent again: the
// peer refused it before running the handler.
func Retryable(err error) bool {
	return message.IsClass(err, message.ServerBusyException) ||
		message.IsClass(err, message.RateLimitedException)
}

type retryInvoker struct {
	stub.Invoker
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

// Retry wraps inv so that two-way calls rejected as busy or rate limited
// are retried up to maxRetries times with exponential backoff. Oneway
// calls pass through unchanged.
func Retry(inv stub.Invoker, maxRetries int, baseDelay time.Duration, logger *zap.Logger) stub.Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryInvoker{Invoker: inv, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

func (r *retryInvoker) Call(ctx context.Context, service, method string, args, reply any) error {
	err := r.Invoker.Call(ctx, service, method, args, reply)
	for i := 0; i < r.maxRetries && err != nil && Retryable(err); i++ {
		delay := r.baseDelay * time.Duration(1<<i)
		r.logger.Debug("retrying call",
			zap.String("service", service),
			zap.String("method", method),
			zap.Int("attempt", i+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		err = r.Invoker.Call(ctx, service, method, args, reply)
	}
	return err
}
