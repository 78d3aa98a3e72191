package client

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// manualScheduler fires only when the test calls tick.
type manualScheduler struct {
	mu       sync.Mutex
	fire     func()
	active   bool
	starts   int
	interval time.Duration
}

func (s *manualScheduler) Every(interval time.Duration, fire func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire = fire
	s.active = true
	s.starts++
	s.interval = interval
	return func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}
}

// tick runs one timer firing and reports whether the timer was still active.
func (s *manualScheduler) tick() bool {
	s.mu.Lock()
	fire, active := s.fire, s.active
	s.mu.Unlock()
	if !active {
		return false
	}
	fire()
	return true
}

func (s *manualScheduler) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *manualScheduler) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

var errUnreachable = errors.New("unreachable")

func newTestReconnector(attempt func(n int) error, onGiveUp func()) (*Reconnector, *manualScheduler) {
	sched := &manualScheduler{}
	nop := zerolog.Nop()
	r := NewReconnector(attempt, ReconnectConfig{
		Scheduler: sched,
		Logger:    &nop,
		OnGiveUp:  onGiveUp,
	})
	return r, sched
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	var dials int
	var gaveUp int
	r, sched := newTestReconnector(func(int) error {
		dials++
		return errUnreachable
	}, func() { gaveUp++ })

	r.Connected()
	if !r.ConnectionLost() {
		t.Fatal("expect the first loss notification to start a loop")
	}
	if r.Phase() != PhaseReconnecting {
		t.Fatalf("phase = %v", r.Phase())
	}
	if sched.interval != DefaultReconnectInterval {
		t.Fatalf("interval = %v", sched.interval)
	}

	ticks := 0
	for sched.tick() {
		ticks++
		if ticks > 100 {
			t.Fatal("reconnect loop never stopped")
		}
	}

	if dials != DefaultMaxReconnectAttempts {
		t.Fatalf("expect %d dials, got %d", DefaultMaxReconnectAttempts, dials)
	}
	if ticks != DefaultMaxReconnectAttempts+1 {
		t.Fatalf("expect give up on tick %d, got %d ticks", DefaultMaxReconnectAttempts+1, ticks)
	}
	if r.Phase() != PhaseGaveUp {
		t.Fatalf("phase = %v, want gave_up", r.Phase())
	}
	if gaveUp != 1 {
		t.Fatalf("onGiveUp called %d times", gaveUp)
	}

	// a stale tick after giving up does nothing
	r.Fire()
	if dials != DefaultMaxReconnectAttempts {
		t.Fatal("Fire dialed after giving up")
	}
}

func TestReconnectSucceedsBeforeLimit(t *testing.T) {
	r, sched := newTestReconnector(func(n int) error {
		if n < 5 {
			return errUnreachable
		}
		return nil
	}, nil)

	r.Connected()
	r.ConnectionLost()
	for i := 0; i < 4; i++ {
		sched.tick()
		if r.Attempts() != i+1 {
			t.Fatalf("attempts = %d, want %d", r.Attempts(), i+1)
		}
	}
	sched.tick()

	if r.Phase() != PhaseConnected {
		t.Fatalf("phase = %v, want connected", r.Phase())
	}
	if r.Attempts() != 0 {
		t.Fatalf("attempt counter not reset: %d", r.Attempts())
	}
	if sched.isActive() {
		t.Fatal("timer still active after reconnect")
	}

	// the next loss starts a fresh loop
	if !r.ConnectionLost() {
		t.Fatal("expect a new loop after reconnecting")
	}
	if sched.startCount() != 2 {
		t.Fatalf("loops started = %d", sched.startCount())
	}
}

func TestReconnectSingleLoopPerLoss(t *testing.T) {
	r, sched := newTestReconnector(func(int) error { return errUnreachable }, nil)
	r.Connected()

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.ConnectionLost() {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	if started.Load() != 1 || sched.startCount() != 1 {
		t.Fatalf("expect exactly one loop, got %d (scheduler %d)", started.Load(), sched.startCount())
	}
}

func TestReconnectDisabled(t *testing.T) {
	r, sched := newTestReconnector(func(int) error { return nil }, nil)
	r.SetEnabled(false)
	r.Connected()

	if r.ConnectionLost() {
		t.Fatal("loop started while disabled")
	}
	if r.Phase() != PhaseIdle {
		t.Fatalf("phase = %v, want idle", r.Phase())
	}
	if sched.startCount() != 0 {
		t.Fatal("scheduler used while disabled")
	}

	// disabling does not stop a loop that is already running
	r.SetEnabled(true)
	r.Connected()
	r.ConnectionLost()
	r.SetEnabled(false)
	if !sched.tick() || r.Phase() != PhaseConnected {
		t.Fatalf("running loop should continue, phase = %v", r.Phase())
	}
}

func TestReconnectLossRightAfterSuccessfulAttempt(t *testing.T) {
	var r *Reconnector
	dials := 0
	r, sched := newTestReconnector(func(int) error {
		dials++
		if dials == 1 {
			// the client reports the fresh connection, which drops at once
			r.Connected()
			r.ConnectionLost()
			return nil
		}
		return errUnreachable
	}, nil)

	r.Connected()
	r.ConnectionLost()
	firstLoop := sched.fire
	sched.tick()

	if r.Phase() != PhaseReconnecting {
		t.Fatalf("phase = %v, want reconnecting", r.Phase())
	}
	if !sched.isActive() || sched.startCount() != 2 {
		t.Fatalf("second loop not running: active %v, started %d", sched.isActive(), sched.startCount())
	}
	if r.Attempts() != 0 {
		t.Fatalf("attempts = %d, want a fresh counter", r.Attempts())
	}

	// a late tick of the replaced loop is ignored
	firstLoop()
	if dials != 1 || r.Attempts() != 0 {
		t.Fatalf("stale tick dialed: dials %d, attempts %d", dials, r.Attempts())
	}

	sched.tick()
	if dials != 2 || r.Attempts() != 1 {
		t.Fatalf("second loop tick: dials %d, attempts %d", dials, r.Attempts())
	}
}

func TestReconnectResetRecoversFromGaveUp(t *testing.T) {
	r, sched := newTestReconnector(func(int) error { return errUnreachable }, nil)
	r.Connected()
	r.ConnectionLost()
	for sched.tick() {
	}
	if r.Phase() != PhaseGaveUp {
		t.Fatalf("phase = %v", r.Phase())
	}

	r.Reset()
	if r.Phase() != PhaseIdle || r.Attempts() != 0 {
		t.Fatalf("after Reset: phase %v, attempts %d", r.Phase(), r.Attempts())
	}
	r.Connected()
	if !r.ConnectionLost() {
		t.Fatal("expect a loop after manual recovery")
	}
}

func TestTickerSchedulerFiresImmediately(t *testing.T) {
	fired := make(chan struct{}, 1)
	stop := TickerScheduler{}.Every(time.Hour, func() { fired <- struct{}{} })
	defer stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("first fire was not immediate")
	}
}

func TestTickerSchedulerStops(t *testing.T) {
	fired := make(chan struct{}, 64)
	stop := TickerScheduler{}.Every(5*time.Millisecond, func() { fired <- struct{}{} })

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("fire %d missing", i)
		}
	}

	stop()
	stop()
	time.Sleep(20 * time.Millisecond)
	for len(fired) > 0 {
		<-fired
	}
	time.Sleep(30 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatal("fired after stop")
	}
}

func TestPhaseString(t *testing.T) {
	for p, want := range map[Phase]string{
		PhaseIdle:         "idle",
		PhaseConnected:    "connected",
		PhaseReconnecting: "reconnecting",
		PhaseGaveUp:       "gave_up",
		Phase(42):         "unknown",
	} {
		if p.String() != want {
			t.Fatalf("%d.String() = %q, want %q", p, p.String(), want)
		}
	}
}
