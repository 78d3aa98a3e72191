package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"packet-rpc/message"
)

// HandlerPanicError reports a panic raised inside a handler.
type HandlerPanicError struct {
	Operation string
	Value     any
	Stack     []byte
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler %s panicked: %v", e.Operation, e.Value)
}

// RecoverMiddleware turns a handler panic into a HandlerPanicError so one
// bad request cannot take down a worker.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (data []message.Value, err error) {
			defer func() {
				if v := recover(); v != nil {
					data = nil
					err = &HandlerPanicError{Operation: req.Operation, Value: v, Stack: debug.Stack()}
				}
			}()
			return next(ctx, req)
		}
	}
}
