// Package middleware wraps packet handlers with cross-cutting behavior.
//
// Chain(A, B, C)(h) produces A(B(C(h))): A runs first on the way in and
// last on the way out.
package middleware

import (
	"context"

	"packet-rpc/message"
)

// HandlerFunc processes one request packet and returns the reply data.
// A non-nil error becomes an ERROR_ reply when the request wants one.
type HandlerFunc func(ctx context.Context, req *message.Packet) ([]message.Value, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
