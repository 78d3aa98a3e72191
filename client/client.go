// Package client is the packet client: one multiplexed connection, request
// correlation, and automatic reconnection after a connection loss.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"packet-rpc/codec"
	"packet-rpc/loadbalance"
	"packet-rpc/message"
	"packet-rpc/metrics"
	"packet-rpc/registry"
	"packet-rpc/transport"
)

const DefaultDialTimeout = 5 * time.Second

var (
	ErrNotConnected   = transport.ErrNotConnected
	ErrConnectionLost = transport.ErrConnectionLost

	errAttemptAborted = errors.New("client: reconnect attempt superseded")
)

// RemoteError is returned by Call when the server answered with an
// error-marked reply.
type RemoteError struct {
	Operation string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s: %s", e.Operation, e.Message)
}

func remoteError(reply *message.Packet) *RemoteError {
	e := &RemoteError{Operation: strings.TrimPrefix(reply.Operation, message.ErrorPrefix)}
	if len(reply.Data) > 0 {
		if s, ok := reply.Data[0].AsString(); ok {
			e.Message = s
		} else {
			e.Message = reply.Data[0].String()
		}
	}
	return e
}

// DialFunc opens the raw connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Option func(*Client)

func WithDialer(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.log = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithCodec(cd codec.Codec) Option {
	return func(c *Client) { c.codec = cd }
}

func WithMaxFrameSize(n uint32) Option {
	return func(c *Client) { c.maxFrameSize = n }
}

func WithReconnectInterval(d time.Duration) Option {
	return func(c *Client) { c.reconnectCfg.Interval = d }
}

func WithMaxReconnectAttempts(n int) Option {
	return func(c *Client) { c.reconnectCfg.MaxAttempts = n }
}

// WithScheduler replaces the reconnect timer, mainly for tests.
func WithScheduler(s Scheduler) Option {
	return func(c *Client) { c.reconnectCfg.Scheduler = s }
}

func WithAutoReconnect(on bool) Option {
	return func(c *Client) { c.autoReconnect = on }
}

// WithDiscovery resolves the server address from reg on every connect and
// reconnect attempt instead of using the fixed address.
func WithDiscovery(reg registry.Registry, service string, bal loadbalance.Balancer) Option {
	return func(c *Client) {
		c.registry = reg
		c.service = service
		c.balancer = bal
	}
}

// Client sends packets over one connection at a time. It is safe for
// concurrent use.
type Client struct {
	addr          string
	dial          DialFunc
	dialTimeout   time.Duration
	codec         codec.Codec
	maxFrameSize  uint32
	autoReconnect bool
	reconnectCfg  ReconnectConfig
	log           zerolog.Logger
	metrics       *metrics.Metrics

	registry registry.Registry // find a server instance, nil for a fixed address
	service  string
	balancer loadbalance.Balancer

	reconnector *Reconnector

	connMu sync.Mutex // serializes connect, reconnect attempts, loss handling and disconnect

	mu        sync.RWMutex
	transport *transport.ClientTransport
	lastErr   error
}

// New creates a disconnected client for addr (host:port). Call Connect to
// open the connection.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:          addr,
		dialTimeout:   DefaultDialTimeout,
		codec:         codec.GetCodec(codec.CodecTypeJSON),
		maxFrameSize:  transport.DefaultMaxFrameSize,
		autoReconnect: true,
		log:           log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = (&net.Dialer{}).DialContext
	}
	if c.registry != nil && c.balancer == nil {
		c.balancer = &loadbalance.RoundRobinBalancer{}
	}
	c.log = c.log.With().Str("component", "client").Logger()

	cfg := c.reconnectCfg
	cfg.Logger = &c.log
	cfg.Metrics = c.metrics
	cfg.OnGiveUp = func() { c.setLastError(ErrReconnectExhausted) }
	c.reconnector = NewReconnector(c.reconnectAttempt, cfg)
	c.reconnector.SetEnabled(c.autoReconnect)
	return c
}

// Connect opens the connection. It is a no-op while connected and is the
// way to recover from PhaseGaveUp.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.current() != nil {
		return nil
	}
	c.reconnector.Reset()

	t, err := c.open(ctx)
	if err != nil {
		c.setLastError(err)
		return err
	}
	c.install(t)
	c.reconnector.Connected()
	return nil
}

// Disconnect closes the connection and stops any reconnect loop. Pending
// requests fail with ErrConnectionLost.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	c.reconnector.Reset()
	t := c.detach()
	c.connMu.Unlock()

	if t != nil {
		return t.Close()
	}
	return nil
}

// SetAutoReconnect enables or disables reconnection on the next connection
// loss.
func (c *Client) SetAutoReconnect(on bool) {
	c.reconnector.SetEnabled(on)
}

func (c *Client) AutoReconnect() bool {
	return c.reconnector.Enabled()
}

func (c *Client) IsConnected() bool {
	return c.current() != nil
}

func (c *Client) Phase() Phase {
	return c.reconnector.Phase()
}

// ReconnectAttempts returns the attempts made by the running reconnect loop.
func (c *Client) ReconnectAttempts() int {
	return c.reconnector.Attempts()
}

// LastError returns the most recent connection-level error, such as the
// cause of the last loss or ErrReconnectExhausted.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Call is a request waiting for its reply.
type Call struct {
	Request *message.Packet
	done    <-chan transport.Result
	t       *transport.ClientTransport
}

func (call *Call) ID() uuid.UUID { return call.Request.ID() }

// Done receives exactly one Result: the reply or the connection error.
func (call *Call) Done() <-chan transport.Result { return call.done }

// Wait blocks until the reply arrives or ctx is done. An error-marked reply
// is returned as a *RemoteError. When ctx ends first the pending entry is
// cancelled and ctx.Err() is returned.
func (call *Call) Wait(ctx context.Context) (*message.Packet, error) {
	select {
	case res := <-call.done:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Reply.IsErrorReply() {
			return res.Reply, remoteError(res.Reply)
		}
		return res.Reply, nil
	case <-ctx.Done():
		call.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel abandons the request. A reply arriving later is dropped.
func (call *Call) Cancel() bool {
	return call.t.Cancel(call.ID())
}

// SendRequest sends a packet that requires a response and returns without
// waiting. It fails with ErrNotConnected when there is no connection.
func (c *Client) SendRequest(operation string, data ...message.Value) (*Call, error) {
	t := c.current()
	if t == nil {
		return nil, ErrNotConnected
	}
	p := message.NewPacket(operation, data, true)
	ch, err := t.Send(p)
	if err != nil {
		return nil, err
	}
	return &Call{Request: p, done: ch, t: t}, nil
}

// Call sends a request and waits for its reply.
func (c *Client) Call(ctx context.Context, operation string, data ...message.Value) (*message.Packet, error) {
	call, err := c.SendRequest(operation, data...)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// SendOneWay sends a packet that never gets a reply.
func (c *Client) SendOneWay(operation string, data ...message.Value) error {
	t := c.current()
	if t == nil {
		return ErrNotConnected
	}
	_, err := t.Send(message.NewPacket(operation, data, false))
	return err
}

// Cancel abandons the pending request id on the current connection.
func (c *Client) Cancel(id uuid.UUID) bool {
	t := c.current()
	if t == nil {
		return false
	}
	return t.Cancel(id)
}

// Pending returns the number of requests waiting for a reply.
func (c *Client) Pending() int {
	t := c.current()
	if t == nil {
		return 0
	}
	return t.Pending()
}

func (c *Client) current() *transport.ClientTransport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.transport == nil || c.transport.Err() != nil {
		return nil
	}
	return c.transport
}

func (c *Client) install(t *transport.ClientTransport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

func (c *Client) detach() *transport.ClientTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.transport
	c.transport = nil
	return t
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// open resolves the address, dials and wraps the connection. Callers hold connMu.
func (c *Client) open(ctx context.Context) (*transport.ClientTransport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	addr, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	var t *transport.ClientTransport
	ready := make(chan struct{})
	onClose := func(cause error) {
		// the notification may fire on a goroutine that holds connMu, or
		// before NewClientTransport has returned
		go func() {
			<-ready
			c.handleConnectionLoss(t, cause)
		}()
	}
	t = transport.NewClientTransport(conn,
		transport.WithLogger(c.log),
		transport.WithCodec(c.codec),
		transport.WithMaxFrameSize(c.maxFrameSize),
		transport.WithMetrics(c.metrics),
		transport.WithOnClose(onClose),
	)
	close(ready)
	c.log.Info().Str("addr", addr).Msg("connected")
	return t, nil
}

func (c *Client) resolve(ctx context.Context) (string, error) {
	if c.registry == nil {
		return c.addr, nil
	}
	instances, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", c.service, err)
	}
	inst, err := c.balancer.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", c.service, err)
	}
	return inst.Addr, nil
}

// handleConnectionLoss reacts to the close notification of t. Pending
// requests on t were already failed by the transport.
func (c *Client) handleConnectionLoss(t *transport.ClientTransport, cause error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if c.transport != t {
		// replaced or detached by Disconnect
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.lastErr = cause
	c.mu.Unlock()

	c.reconnector.ConnectionLost()
}

// reconnectAttempt is called by the Reconnector on every timer tick.
func (c *Client) reconnectAttempt(n int) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	// a manual Connect or Disconnect took over while this tick waited
	if c.reconnector.Phase() != PhaseReconnecting {
		return errAttemptAborted
	}

	t, err := c.open(context.Background())
	if err != nil {
		c.setLastError(err)
		return err
	}
	c.install(t)
	c.reconnector.Connected()
	return nil
}
