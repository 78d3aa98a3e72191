package transport

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"packet-rpc/message"
	"packet-rpc/metrics"
)

var (
	// ErrNotConnected is returned synchronously to a caller sending on a
	// connection that is down.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectionLost completes every pending request when the connection drops.
	ErrConnectionLost = errors.New("transport: connection lost")
	// ErrDuplicateRequest completes an entry that was overwritten by a second
	// Register with the same id. Ids are random, so this indicates a bug.
	ErrDuplicateRequest = errors.New("transport: duplicate request id")
)

// Result is the outcome of one request: the reply, or the error that ended it.
type Result struct {
	Reply *message.Packet
	Err   error
}

// Correlator maps outstanding request ids to their pending results.
// Implementations must be safe for concurrent use without external locking.
type Correlator interface {
	// Register creates an entry for id. The returned channel receives exactly
	// one Result, unless the entry is cancelled.
	Register(id uuid.UUID) (<-chan Result, error)
	// Resolve completes the entry matching reply's id. It reports false when
	// no entry matched.
	Resolve(reply *message.Packet) bool
	// FailAll completes every entry with err and rejects later registrations.
	FailAll(err error) int
	// Cancel removes the entry for id without completing it.
	Cancel(id uuid.UUID) bool
	Len() int
}

// PendingTable is the default Correlator. Each connection owns one table;
// once FailAll has run the table is closed and Register fails with the same
// error, so a registration racing a connection loss can never be orphaned.
type PendingTable struct {
	mu      sync.Mutex
	calls   map[uuid.UUID]chan Result
	closed  error
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewPendingTable(logger zerolog.Logger, m *metrics.Metrics) *PendingTable {
	return &PendingTable{
		calls:   make(map[uuid.UUID]chan Result),
		log:     logger,
		metrics: m,
	}
}

func (t *PendingTable) Register(id uuid.UUID) (<-chan Result, error) {
	ch := make(chan Result, 1) // buffered so completion never blocks the read loop

	t.mu.Lock()
	if t.closed != nil {
		err := t.closed
		t.mu.Unlock()
		return nil, err
	}
	prev, dup := t.calls[id]
	t.calls[id] = ch
	n := len(t.calls)
	t.mu.Unlock()

	if dup {
		t.log.Error().Stringer("id", id).Msg("request id registered twice, failing the earlier entry")
		prev <- Result{Err: ErrDuplicateRequest}
	}
	t.metrics.SetPending(n)
	return ch, nil
}

func (t *PendingTable) Resolve(reply *message.Packet) bool {
	t.mu.Lock()
	ch, ok := t.calls[reply.ID()]
	delete(t.calls, reply.ID())
	n := len(t.calls)
	t.mu.Unlock()

	if !ok {
		// late reply after Cancel, or a replay
		t.log.Warn().Stringer("id", reply.ID()).Str("operation", reply.Operation).
			Msg("reply for unknown request id, dropping")
		t.metrics.UnmatchedReply()
		return false
	}
	t.metrics.SetPending(n)
	ch <- Result{Reply: reply}
	return true
}

func (t *PendingTable) FailAll(err error) int {
	t.mu.Lock()
	if t.closed == nil {
		t.closed = err
	}
	calls := t.calls
	t.calls = make(map[uuid.UUID]chan Result)
	t.mu.Unlock()

	for _, ch := range calls {
		ch <- Result{Err: err}
	}
	t.metrics.SetPending(0)
	if len(calls) > 0 {
		t.log.Info().Int("pending", len(calls)).Err(err).Msg("failed pending requests")
	}
	return len(calls)
}

func (t *PendingTable) Cancel(id uuid.UUID) bool {
	t.mu.Lock()
	_, ok := t.calls[id]
	delete(t.calls, id)
	n := len(t.calls)
	t.mu.Unlock()

	if ok {
		t.metrics.SetPending(n)
	}
	return ok
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
