package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"agent-rpc/message"
	"agent-rpc/service"
)

// RateLimit admits at most r calls per second with bursts of burst, using
// a token bucket shared by every call the wrapped handlers receive.
func RateLimit(r float64, burst int) service.Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next service.Handler) service.Handler {
		return func(ctx context.Context, call *service.Call) (any, error) {
			if !limiter.Allow() {
				return nil, message.Errorf(message.RateLimitedException,
					"%s.%s: rate limit exceeded", call.Service, call.Method)
			}
			return next(ctx, call)
		}
	}
}
