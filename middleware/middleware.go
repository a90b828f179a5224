// Package middleware provides handler wrappers applied on the dispatch path
// of a service.Registry, and a retrying decorator for outbound calls.
package middleware

import "agent-rpc/service"

// Chain combines middlewares into one. The first one is the outermost.
func Chain(middlewares ...service.Middleware) service.Middleware {
	return func(next service.Handler) service.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
