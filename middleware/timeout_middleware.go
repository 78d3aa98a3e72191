package middleware

import (
	"context"
	"errors"
	"time"

	"packet-rpc/message"
)

var ErrHandlerTimeout = errors.New("request timed out")

type handlerResult struct {
	data []message.Value
	err  error
}

// TimeOutMiddleware fails a request whose handler runs longer than timeout.
// The handler goroutine keeps running until it observes ctx.Done.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) ([]message.Value, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan handlerResult, 1)
			go func() {
				data, err := next(ctx, req)
				done <- handlerResult{data: data, err: err}
			}()

			select {
			case r := <-done:
				return r.data, r.err
			case <-ctx.Done():
				return nil, ErrHandlerTimeout
			}
		}
	}
}
