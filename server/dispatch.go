package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"packet-rpc/codec"
	"packet-rpc/message"
	"packet-rpc/metrics"
	"packet-rpc/middleware"
)

// ReplyWriter writes one serialized reply on the connection a request
// arrived on. Implementations must be safe for concurrent use.
type ReplyWriter interface {
	WriteFrame(payload []byte) error
}

// UnknownOperationReply is the data sent back for an unregistered operation.
func UnknownOperationReply(operation string) []message.Value {
	return []message.Value{message.String("Unknown operation: " + operation)}
}

// Dispatcher decodes request payloads and runs them on a worker pool.
//
//	read loop → OnPacketDecoded → Codec.Decode → pool.Submit
//	  worker → handler chain → NewReply / NewErrorReply → Codec.Encode → ReplyWriter
type Dispatcher struct {
	ctx      context.Context
	codec    codec.Codec
	handlers map[string]middleware.HandlerFunc
	pool     *WorkerPool
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher routes by operation name. handlers must not be modified
// afterwards; the map is read concurrently by the workers.
func NewDispatcher(ctx context.Context, c codec.Codec, handlers map[string]middleware.HandlerFunc,
	pool *WorkerPool, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		ctx:      ctx,
		codec:    c,
		handlers: handlers,
		pool:     pool,
		log:      logger,
		metrics:  m,
	}
}

// OnPacketDecoded handles one framed payload. A payload that does not decode
// is logged and dropped; the connection is not affected.
func (d *Dispatcher) OnPacketDecoded(raw []byte, w ReplyWriter) {
	req, err := d.codec.Decode(raw)
	if err != nil {
		d.metrics.MalformedFrame()
		d.log.Error().Err(err).Int("bytes", len(raw)).Msg("dropping malformed frame")
		return
	}

	if err := d.pool.Submit(func() { d.process(req, w) }); err != nil {
		d.log.Warn().Err(err).Stringer("id", req.ID()).Str("operation", req.Operation).Msg("request not dispatched")
	}
}

func (d *Dispatcher) process(req *message.Packet, w ReplyWriter) {
	start := time.Now()
	data, status, err := d.invoke(req)
	d.metrics.ObserveRequest(req.Operation, status, time.Since(start))

	if !req.RequiresResponse {
		if err != nil {
			d.log.Warn().Err(err).Stringer("id", req.ID()).Str("operation", req.Operation).Msg("one-way handler failed")
		}
		return
	}

	reply := message.NewReply(req, data)
	if err != nil {
		reply = message.NewErrorReply(req, err)
	}
	d.writeReply(req, reply, w)
}

// invoke runs the handler for req. Panics are converted to errors here as
// well as in RecoverMiddleware, so a chain without it cannot kill a worker.
func (d *Dispatcher) invoke(req *message.Packet) (data []message.Value, status string, err error) {
	h, ok := d.handlers[req.Operation]
	if !ok {
		d.log.Warn().Stringer("id", req.ID()).Str("operation", req.Operation).Msg("unknown operation")
		return UnknownOperationReply(req.Operation), metrics.StatusUnknown, nil
	}

	defer func() {
		if v := recover(); v != nil {
			data = nil
			err = &middleware.HandlerPanicError{Operation: req.Operation, Value: v, Stack: debug.Stack()}
			status = metrics.StatusError
		}
	}()

	data, err = h(d.ctx, req)
	if err != nil {
		return nil, metrics.StatusError, err
	}
	return data, metrics.StatusOK, nil
}

func (d *Dispatcher) writeReply(req, reply *message.Packet, w ReplyWriter) {
	body, err := d.codec.Encode(reply)
	if err != nil && !reply.IsErrorReply() {
		// the handler returned data with no wire form; report that instead
		body, err = d.codec.Encode(message.NewErrorReply(req, fmt.Errorf("encode reply: %w", err)))
	}
	if err != nil {
		d.metrics.DroppedReply()
		d.log.Error().Err(err).Stringer("id", req.ID()).Str("operation", req.Operation).Msg("failed to encode reply")
		return
	}

	if err := w.WriteFrame(body); err != nil {
		d.metrics.DroppedReply()
		lvl := zerolog.WarnLevel
		if errors.Is(err, errConnClosed) {
			lvl = zerolog.DebugLevel
		}
		d.log.WithLevel(lvl).Err(err).Stringer("id", req.ID()).Str("operation", req.Operation).Msg("failed to write reply")
		return
	}
	d.log.Debug().Stringer("id", req.ID()).Str("operation", reply.Operation).Msg("sent reply")
}
