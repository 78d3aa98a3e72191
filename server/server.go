// Package server implements the packet server: operation registration,
// middleware chain, parallel dispatch on a worker pool, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → Dispatcher.OnPacketDecoded (decode on the read loop)
//	    → WorkerPool (parallel processing)
//	      → Middleware Chain → handler → reply → write under the per-connection lock
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"packet-rpc/codec"
	"packet-rpc/metrics"
	"packet-rpc/middleware"
	"packet-rpc/protocol"
	"packet-rpc/registry"
)

var (
	ErrServerStarted      = errors.New("server: already started")
	ErrServerClosed       = errors.New("server: closed")
	ErrDuplicateOperation = errors.New("server: operation already registered")
	ErrEmptyOperation     = errors.New("server: empty operation name")

	errConnClosed = errors.New("server: connection closed")
)

const (
	DefaultQueueSize    = 1024
	DefaultMaxFrameSize = 16 << 20
	DefaultRegistryTTL  = 10 // seconds, renewed by KeepAlive

	readBufferSize = 32 << 10
)

// HandlerFunc answers one request packet.
type HandlerFunc = middleware.HandlerFunc

type Option func(*Server)

// WithWorkers sets the worker pool size. The default is runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(s *Server) { s.workers = n }
}

// WithQueueSize sets how many decoded requests may wait for a worker.
func WithQueueSize(n int) Option {
	return func(s *Server) { s.queueSize = n }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.log = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithMaxFrameSize sets the largest accepted request payload. A connection
// announcing a bigger frame is closed. Zero disables the check.
func WithMaxFrameSize(n uint32) Option {
	return func(s *Server) { s.maxFrameSize = n }
}

// WithRegistry advertises the server under service once Serve starts.
// advertiseAddr is the routable address clients dial; when empty the
// listener address is used.
func WithRegistry(reg registry.Registry, service, advertiseAddr string) Option {
	return func(s *Server) {
		s.registry = reg
		s.serviceName = service
		s.advertiseAddr = advertiseAddr
	}
}

// WithRegistryWeight sets the weight advertised with WithRegistry. Clients
// using weighted balancing dial heavier instances more often.
func WithRegistryWeight(weight int) Option {
	return func(s *Server) { s.registryWeight = weight }
}

// Server owns the listener, the accepted connections and the worker pool.
type Server struct {
	workers      int
	queueSize    int
	maxFrameSize uint32
	codec        codec.Codec
	log          zerolog.Logger
	metrics      *metrics.Metrics

	handlers    map[string]HandlerFunc
	middlewares []middleware.Middleware

	registry      registry.Registry
	serviceName    string
	registryWeight int
	advertiseAddr  string // differs from the listen address (":8080") because clients need a routable IP

	started  atomic.Bool
	shutdown atomic.Bool // suppresses the Accept error caused by Shutdown

	ctx    context.Context // handed to handlers, cancelled when Shutdown gives up waiting
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[*serverConn]struct{}
	pool     *WorkerPool
	dispatch *Dispatcher
}

// NewServer creates a server with no registered operations.
func NewServer(opts ...Option) *Server {
	s := &Server{
		workers:      runtime.NumCPU(),
		queueSize:    DefaultQueueSize,
		maxFrameSize: DefaultMaxFrameSize,
		codec:        codec.GetCodec(codec.CodecTypeJSON),
		log:          log.Logger,
		handlers:     make(map[string]HandlerFunc),
		conns:        make(map[*serverConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "server").Logger()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Register binds operation to h. Operations must be registered before Serve.
func (s *Server) Register(operation string, h HandlerFunc) error {
	if operation == "" {
		return ErrEmptyOperation
	}
	if s.started.Load() {
		return ErrServerStarted
	}
	if _, ok := s.handlers[operation]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, operation)
	}
	s.handlers[operation] = h
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown. It returns nil after a
// Shutdown and the Accept error otherwise.
func (s *Server) Serve(l net.Listener) error {
	if s.shutdown.Load() {
		l.Close()
		return ErrServerClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		l.Close()
		return ErrServerStarted
	}

	// Build the chain once per operation at startup, not per request
	chain := middleware.Chain(s.middlewares...)
	routes := make(map[string]HandlerFunc, len(s.handlers))
	for op, h := range s.handlers {
		routes[op] = chain(h)
	}

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	if s.registry != nil && s.advertiseAddr == "" {
		s.advertiseAddr = l.Addr().String()
	}
	advertiseAddr := s.advertiseAddr
	s.pool = NewWorkerPool(s.workers, s.queueSize)
	s.dispatch = NewDispatcher(s.ctx, s.codec, routes, s.pool, s.log, s.metrics)
	s.mu.Unlock()

	s.log.Info().Str("addr", l.Addr().String()).Int("workers", s.workers).
		Int("operations", len(routes)).Msg("server listening")

	if s.registry != nil {
		err := s.registry.Register(s.ctx, s.serviceName, registry.ServiceInstance{Addr: advertiseAddr, Weight: s.registryWeight}, DefaultRegistryTTL)
		if err != nil {
			s.log.Error().Err(err).Str("service", s.serviceName).Msg("registry advertise failed")
		}
	}

	// Accept loop: one goroutine per connection
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		sc := &serverConn{conn: conn}
		if !s.trackConn(sc) {
			conn.Close()
			continue
		}
		go s.handleConn(sc)
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) trackConn(sc *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[sc] = struct{}{}
	return true
}

// handleConn reads frames in a single goroutine (reads must be sequential to
// find frame boundaries) and hands each payload to the dispatcher.
func (s *Server) handleConn(sc *serverConn) {
	remote := sc.conn.RemoteAddr().String()
	s.log.Debug().Str("remote", remote).Msg("connection accepted")

	err := s.readFrames(sc)

	// during Shutdown the connection stays open until queued replies are
	// written; Shutdown closes it
	s.mu.Lock()
	closing := s.shutdown.Load()
	if !closing {
		delete(s.conns, sc)
	}
	s.mu.Unlock()
	if !closing {
		sc.Close()
	}
	s.log.Debug().Err(err).Str("remote", remote).Msg("connection closed")
}

func (s *Server) readFrames(sc *serverConn) error {
	var dec protocol.Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := sc.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				if size, ok := dec.NextLength(); ok && s.maxFrameSize > 0 && size > s.maxFrameSize {
					s.metrics.MalformedFrame()
					s.log.Error().Uint32("size", size).Str("remote", sc.conn.RemoteAddr().String()).
						Msg("frame exceeds size limit, closing connection")
					return fmt.Errorf("frame of %d bytes exceeds limit", size)
				}
				payload, ferr := dec.Next()
				if ferr != nil {
					break // ErrIncompleteFrame: wait for more bytes
				}
				s.dispatch.OnPacketDecoded(payload, sc)
			}
		}
		if err != nil {
			return err
		}
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop routing to this server)
//  2. Set the shutdown flag and close the listener
//  3. Stop reading from open connections
//  4. Wait for queued and running requests to finish (with timeout)
//  5. Close the connections
func (s *Server) Shutdown(timeout time.Duration) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return ErrServerClosed
	}

	s.mu.Lock()
	advertiseAddr := s.advertiseAddr
	s.mu.Unlock()
	if s.registry != nil && advertiseAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.serviceName, advertiseAddr); err != nil {
			s.log.Warn().Err(err).Str("service", s.serviceName).Msg("registry deregister failed")
		}
		cancel()
	}

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
		// unblock the read loop without dropping replies still owed
		sc.conn.SetReadDeadline(time.Now())
	}
	pool := s.pool
	s.mu.Unlock()

	var err error
	if pool != nil {
		done := make(chan struct{})
		go func() {
			pool.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("timeout waiting for ongoing requests to finish")
		}
	}
	s.cancel()

	for _, sc := range conns {
		sc.Close()
	}
	s.log.Info().Err(err).Msg("server stopped")
	return err
}

// serverConn serializes reply writes. Workers finish in any order, so
// several may write to the same connection at once.
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	closed  bool
}

func (c *serverConn) WriteFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return protocol.Encode(c.conn, payload)
}

func (c *serverConn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
