package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"packet-rpc/message"
)

// LoggingMiddleware logs every handled packet at debug level and failures at warn.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) ([]message.Value, error) {
			start := time.Now()
			data, err := next(ctx, req)
			duration := time.Since(start)

			if err != nil {
				logger.Warn().
					Err(err).
					Str("operation", req.Operation).
					Stringer("id", req.ID()).
					Dur("duration", duration).
					Msg("handler failed")
				return data, err
			}
			logger.Debug().
				Str("operation", req.Operation).
				Stringer("id", req.ID()).
				Int("results", len(data)).
				Dur("duration", duration).
				Msg("handled packet")
			return data, nil
		}
	}
}
