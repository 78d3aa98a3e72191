package client

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"packet-rpc/metrics"
)

const (
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 12
)

// ErrReconnectExhausted is recorded when the reconnect loop gives up. Callers
// waiting on replies were already failed when the connection dropped.
var ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")

// Phase is the connection lifecycle state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnected
	PhaseReconnecting
	PhaseGaveUp
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// Scheduler drives the reconnect timer.
type Scheduler interface {
	// Every calls fire once without delay and then every interval until
	// stop is called. fire must run on another goroutine, never inside
	// Every, and calls must not overlap. stop must not wait for a running
	// fire to return.
	Every(interval time.Duration, fire func()) (stop func())
}

// TickerScheduler is the real-time Scheduler.
type TickerScheduler struct{}

func (TickerScheduler) Every(interval time.Duration, fire func()) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			default:
			}
			fire()
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// ReconnectConfig configures a Reconnector. Zero fields take the defaults.
type ReconnectConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Scheduler   Scheduler
	Logger      *zerolog.Logger
	Metrics     *metrics.Metrics
	// OnGiveUp runs once per exhausted loop, after the phase is GaveUp.
	OnGiveUp func()
}

// Reconnector is the connection lifecycle state machine:
//
//	Idle ──Connected──→ Connected ──ConnectionLost──→ Reconnecting
//	                        ↑                          │  Fire: attempt
//	                        └──────attempt succeeds────┘
//	Reconnecting ──attempts > max──→ GaveUp ──Reset──→ Idle
//
// It performs no I/O itself; attempt is called from Fire to dial.
type Reconnector struct {
	interval    time.Duration
	maxAttempts int
	sched       Scheduler
	attempt     func(n int) error
	log         zerolog.Logger
	metrics     *metrics.Metrics
	onGiveUp    func()

	enabled      atomic.Bool
	reconnecting atomic.Bool // test-and-set guard: one loop per loss event

	mu       sync.Mutex
	phase    Phase
	attempts int
	loop     uint64 // bumped by every loop start; ticks carry the value they were started with
	stop     func()
}

// NewReconnector starts in PhaseIdle with auto-reconnect enabled. attempt
// receives the 1-based attempt number and reports whether a fresh
// connection was established.
func NewReconnector(attempt func(n int) error, cfg ReconnectConfig) *Reconnector {
	r := &Reconnector{
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		sched:       cfg.Scheduler,
		attempt:     attempt,
		log:         log.Logger,
		metrics:     cfg.Metrics,
		onGiveUp:    cfg.OnGiveUp,
	}
	if r.interval <= 0 {
		r.interval = DefaultReconnectInterval
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxReconnectAttempts
	}
	if r.sched == nil {
		r.sched = TickerScheduler{}
	}
	if cfg.Logger != nil {
		r.log = *cfg.Logger
	}
	r.log = r.log.With().Str("component", "reconnector").Logger()
	r.enabled.Store(true)
	r.metrics.SetPhase(int(PhaseIdle))
	return r
}

// SetEnabled toggles automatic reconnection. It applies to the next loss
// event; a loop already running continues.
func (r *Reconnector) SetEnabled(on bool) {
	r.enabled.Store(on)
}

func (r *Reconnector) Enabled() bool {
	return r.enabled.Load()
}

func (r *Reconnector) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Attempts returns the number of attempts made by the current loop.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Connected records a successful connect: the phase becomes Connected, the
// attempt counter is reset and any running loop is stopped.
func (r *Reconnector) Connected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedLocked()
}

func (r *Reconnector) connectedLocked() {
	r.stopLocked()
	r.attempts = 0
	r.setPhaseLocked(PhaseConnected)
	r.reconnecting.Store(false)
}

// ConnectionLost handles a connection-closed notification. It starts the
// reconnect loop and reports true only for the first notification of a loss
// event; duplicates and notifications while disabled return false.
func (r *Reconnector) ConnectionLost() bool {
	if !r.enabled.Load() {
		r.mu.Lock()
		if r.phase == PhaseConnected {
			r.setPhaseLocked(PhaseIdle)
		}
		r.mu.Unlock()
		r.log.Info().Msg("connection lost, auto-reconnect disabled")
		return false
	}
	if !r.reconnecting.CompareAndSwap(false, true) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.loop++
	loop := r.loop
	r.setPhaseLocked(PhaseReconnecting)
	r.stop = r.sched.Every(r.interval, func() { r.fire(loop) })
	r.log.Info().Dur("interval", r.interval).Int("max_attempts", r.maxAttempts).Msg("connection lost, reconnecting")
	return true
}

// Fire is one timer tick of the running reconnect loop.
func (r *Reconnector) Fire() {
	r.mu.Lock()
	loop := r.loop
	r.mu.Unlock()
	r.fire(loop)
}

func (r *Reconnector) fire(loop uint64) {
	r.mu.Lock()
	if r.phase != PhaseReconnecting || r.loop != loop {
		// stale tick after the loop was stopped or replaced
		r.mu.Unlock()
		return
	}
	r.attempts++
	n := r.attempts
	if n > r.maxAttempts {
		r.stopLocked()
		r.setPhaseLocked(PhaseGaveUp)
		r.reconnecting.Store(false)
		r.mu.Unlock()

		r.log.Warn().Int("attempts", r.maxAttempts).Msg("giving up reconnecting")
		if r.onGiveUp != nil {
			r.onGiveUp()
		}
		return
	}
	r.mu.Unlock()

	r.metrics.ReconnectAttempt()
	if err := r.attempt(n); err != nil {
		r.log.Info().Err(err).Int("attempt", n).Int("max_attempts", r.maxAttempts).Msg("reconnect attempt failed")
		return
	}

	r.mu.Lock()
	// attempt may have reported Connected itself, and the fresh connection
	// may already be lost again, which started a new loop
	if r.phase == PhaseReconnecting && r.loop == loop {
		r.connectedLocked()
	}
	r.mu.Unlock()
	r.log.Info().Int("attempt", n).Msg("reconnected")
}

// Reset stops any loop and returns to Idle. It is used for a user-initiated
// disconnect and before a manual connect, which is the only way out of GaveUp.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.attempts = 0
	r.setPhaseLocked(PhaseIdle)
	r.reconnecting.Store(false)
}

func (r *Reconnector) stopLocked() {
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
}

func (r *Reconnector) setPhaseLocked(p Phase) {
	r.phase = p
	r.metrics.SetPhase(int(p))
}
