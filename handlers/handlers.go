// Package handlers provides the built-in operations served by packet-server.
package handlers

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"packet-rpc/message"
	"packet-rpc/middleware"
)

const (
	OpSum       = "CALCULATE_SUM"
	OpAverage   = "CALCULATE_AVERAGE"
	OpUppercase = "UPPERCASE"
	OpLog       = "LOG"
	OpEcho      = "ECHO"
)

// Registrar is satisfied by *server.Server.
type Registrar interface {
	Register(operation string, h middleware.HandlerFunc) error
}

// RegisterDefaults registers every built-in operation. logger receives the
// LOG operation's entries.
func RegisterDefaults(r Registrar, logger zerolog.Logger) error {
	ops := []struct {
		name string
		h    middleware.HandlerFunc
	}{
		{OpSum, Sum},
		{OpAverage, Average},
		{OpUppercase, Uppercase},
		{OpLog, Log(logger)},
		{OpEcho, Echo},
	}
	for _, op := range ops {
		if err := r.Register(op.name, op.h); err != nil {
			return err
		}
	}
	return nil
}

// Sum adds every numeric value. Other kinds are ignored.
func Sum(_ context.Context, req *message.Packet) ([]message.Value, error) {
	total, _ := sumNumbers(req.Data)
	return []message.Value{message.Number(total)}, nil
}

// Average returns the mean of the numeric values, or 0 when there are none.
func Average(_ context.Context, req *message.Packet) ([]message.Value, error) {
	total, n := sumNumbers(req.Data)
	if n == 0 {
		return []message.Value{message.Number(0)}, nil
	}
	return []message.Value{message.Number(total / float64(n))}, nil
}

// Uppercase upper-cases every string value and drops the rest.
func Uppercase(_ context.Context, req *message.Packet) ([]message.Value, error) {
	out := make([]message.Value, 0, len(req.Data))
	for _, v := range req.Data {
		if s, ok := v.AsString(); ok {
			out = append(out, message.String(strings.ToUpper(s)))
		}
	}
	return out, nil
}

// Log writes the packet data to logger. It is meant to be sent one-way;
// when a reply is requested it is empty.
func Log(logger zerolog.Logger) middleware.HandlerFunc {
	return func(_ context.Context, req *message.Packet) ([]message.Value, error) {
		logger.Info().Stringer("id", req.ID()).Stringer("data", message.List(req.Data...)).Msg("client log")
		return nil, nil
	}
}

// Echo returns the request data unchanged.
func Echo(_ context.Context, req *message.Packet) ([]message.Value, error) {
	return req.Data, nil
}

func sumNumbers(data []message.Value) (float64, int) {
	var total float64
	n := 0
	for _, v := range data {
		if f, ok := v.AsNumber(); ok {
			total += f
			n++
		}
	}
	return total, n
}
