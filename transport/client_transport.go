// Package transport implements the client side of one connection: serialized
// writes, a single read loop, and request/reply correlation by packet id.
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=c)──┘
//
//	recvLoop:  ←── reply(id=b) → pending[b] chan ← reply → goroutine-2 wakes up
//
// Replies may arrive in any order; callers correlate by id, never by
// submission order.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"packet-rpc/codec"
	"packet-rpc/message"
	"packet-rpc/metrics"
	"packet-rpc/protocol"
)

// DefaultMaxFrameSize bounds the payload a peer may announce before the
// connection is judged unrecoverable.
const DefaultMaxFrameSize = 16 << 20

const readBufferSize = 32 << 10

// ErrFrameTooLarge closes the connection when a peer announces an oversized frame.
var ErrFrameTooLarge = errors.New("transport: frame exceeds size limit")

type Option func(*ClientTransport)

func WithLogger(logger zerolog.Logger) Option {
	return func(t *ClientTransport) { t.log = logger }
}

func WithCodec(c codec.Codec) Option {
	return func(t *ClientTransport) { t.codec = c }
}

// WithCorrelator replaces the default PendingTable.
func WithCorrelator(c Correlator) Option {
	return func(t *ClientTransport) { t.pending = c }
}

// WithMaxFrameSize sets the largest accepted payload. Zero disables the check.
func WithMaxFrameSize(n uint32) Option {
	return func(t *ClientTransport) { t.maxFrameSize = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *ClientTransport) { t.metrics = m }
}

// WithOnClose registers the connection-lost notification. fn runs once, on
// the goroutine that detected the failure, after pending requests have been
// failed.
func WithOnClose(fn func(cause error)) Option {
	return func(t *ClientTransport) { t.onClose = fn }
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn         net.Conn
	codec        codec.Codec
	pending      Correlator
	sending      sync.Mutex // whole frames only; concurrent writers would interleave bytes
	maxFrameSize uint32
	log          zerolog.Logger
	metrics      *metrics.Metrics
	onClose      func(error)

	closeOnce sync.Once
	done      chan struct{}
	err       error // set before done is closed
}

// NewClientTransport wraps conn and starts the read loop.
func NewClientTransport(conn net.Conn, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:         conn,
		codec:        codec.GetCodec(codec.CodecTypeJSON),
		maxFrameSize: DefaultMaxFrameSize,
		log:          log.Logger,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With().Str("component", "transport").Str("remote", conn.RemoteAddr().String()).Logger()
	if t.pending == nil {
		t.pending = NewPendingTable(t.log, t.metrics)
	}
	go t.recvLoop()
	return t
}

// Send writes p to the connection. For a packet that requires a response
// the entry is registered before writing and the returned channel receives
// the outcome; for a one-way packet the channel is nil.
func (t *ClientTransport) Send(p *message.Packet) (<-chan Result, error) {
	select {
	case <-t.done:
		return nil, ErrNotConnected
	default:
	}

	body, err := t.codec.Encode(p)
	if err != nil {
		return nil, err
	}

	var ch <-chan Result
	if p.RequiresResponse {
		// register BEFORE writing, the reply may beat the return of Write
		ch, err = t.pending.Register(p.ID())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}

	t.sending.Lock()
	err = protocol.Encode(t.conn, body)
	t.sending.Unlock()
	if err != nil {
		if p.RequiresResponse {
			t.pending.Cancel(p.ID())
		}
		t.shutdown(err)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	t.log.Debug().Stringer("id", p.ID()).Str("operation", p.Operation).
		Bool("requires_response", p.RequiresResponse).Msg("sent packet")
	return ch, nil
}

// Cancel abandons the pending entry for id without completing it. Callers
// that stop waiting (for example on their own timeout) must cancel, or the
// entry stays until the connection drops.
func (t *ClientTransport) Cancel(id uuid.UUID) bool {
	return t.pending.Cancel(id)
}

// Pending returns the number of requests waiting for a reply.
func (t *ClientTransport) Pending() int {
	return t.pending.Len()
}

// Close closes the connection. Pending requests fail with ErrConnectionLost
// and the close notification fires with net.ErrClosed as its cause.
func (t *ClientTransport) Close() error {
	t.shutdown(net.ErrClosed)
	return nil
}

// Done is closed once the connection is down.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns the cause of the shutdown, or nil while the connection is up.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// recvLoop is the only reader of the connection. Bytes are fed to a frame
// decoder in arrival order and every complete payload is handled before the
// next read.
func (t *ClientTransport) recvLoop() {
	var dec protocol.Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if ferr := t.drainFrames(&dec); ferr != nil {
				t.shutdown(ferr)
				return
			}
		}
		if err != nil {
			t.shutdown(err)
			return
		}
	}
}

func (t *ClientTransport) drainFrames(dec *protocol.Decoder) error {
	for {
		if size, ok := dec.NextLength(); ok && t.maxFrameSize > 0 && size > t.maxFrameSize {
			return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, t.maxFrameSize)
		}
		payload, err := dec.Next()
		if errors.Is(err, protocol.ErrIncompleteFrame) {
			return nil
		}
		if err != nil {
			return err
		}

		reply, err := t.codec.Decode(payload)
		if err != nil {
			// scoped to this frame, the connection stays up
			t.log.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping undecodable reply")
			continue
		}
		t.pending.Resolve(reply)
	}
}

func (t *ClientTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.err = cause
		t.conn.Close()
		close(t.done)

		failed := t.pending.FailAll(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
		if errors.Is(cause, net.ErrClosed) {
			t.log.Debug().Int("failed_pending", failed).Msg("connection closed")
		} else {
			t.log.Info().Err(cause).Int("failed_pending", failed).Msg("connection lost")
		}
		if t.onClose != nil {
			t.onClose(cause)
		}
	})
}
