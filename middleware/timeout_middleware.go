package middleware

import (
	"context"
	"time"

	"agent-rpc/message"
	"agent-rpc/service"
)

type outcome struct {
	result any
	err    error
}

// Timeout answers a call with a TimeoutException when its handler runs
// longer than timeout. The handler keeps running with a cancelled context.
func Timeout(timeout time.Duration) service.Middleware {
	return func(next service.Handler) service.Handler {
		return func(ctx context.Context, call *service.Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, call)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, message.Errorf(message.TimeoutException,
					"%s.%s did not finish within %s", call.Service, call.Method, timeout)
			}
		}
	}
}
