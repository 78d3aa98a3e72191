package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"packet-rpc/message"
)

func newTable() *PendingTable {
	return NewPendingTable(zerolog.Nop(), nil)
}

func TestPendingResolveOnce(t *testing.T) {
	table := newTable()
	req := message.NewPacket("PING", nil, true)

	ch, err := table.Register(req.ID())
	if err != nil {
		t.Fatal(err)
	}

	reply := message.NewReply(req, []message.Value{message.String("pong")})
	if !table.Resolve(reply) {
		t.Fatal("first reply should match")
	}
	res := <-ch
	if res.Err != nil || res.Reply != reply {
		t.Fatalf("result = %+v", res)
	}

	// replay finds nothing
	if table.Resolve(reply) {
		t.Fatal("replayed reply must not match")
	}
	if table.Len() != 0 {
		t.Fatalf("Len = %d, want 0", table.Len())
	}
}

func TestPendingFailAll(t *testing.T) {
	table := newTable()
	var chans []<-chan Result
	for i := 0; i < 5; i++ {
		ch, err := table.Register(message.NewPacket("X", nil, true).ID())
		if err != nil {
			t.Fatal(err)
		}
		chans = append(chans, ch)
	}

	if n := table.FailAll(ErrConnectionLost); n != 5 {
		t.Fatalf("FailAll drained %d, want 5", n)
	}
	for i, ch := range chans {
		select {
		case res := <-ch:
			if !errors.Is(res.Err, ErrConnectionLost) {
				t.Errorf("entry %d err = %v", i, res.Err)
			}
		case <-time.After(time.Second):
			t.Fatalf("entry %d never completed", i)
		}
	}
	if table.Len() != 0 {
		t.Fatalf("table not empty after FailAll")
	}

	if _, err := table.Register(message.NewPacket("X", nil, true).ID()); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Register after FailAll err = %v", err)
	}
}

func TestPendingCancel(t *testing.T) {
	table := newTable()
	req := message.NewPacket("SLOW", nil, true)
	ch, _ := table.Register(req.ID())

	if !table.Cancel(req.ID()) {
		t.Fatal("Cancel should find the entry")
	}
	if table.Cancel(req.ID()) {
		t.Fatal("second Cancel should find nothing")
	}
	if table.Resolve(message.NewReply(req, nil)) {
		t.Fatal("late reply after Cancel must not match")
	}
	table.FailAll(ErrConnectionLost)

	select {
	case res := <-ch:
		t.Fatalf("cancelled entry was completed: %+v", res)
	default:
	}
}

func TestPendingDuplicateRegister(t *testing.T) {
	table := newTable()
	req := message.NewPacket("X", nil, true)
	first, _ := table.Register(req.ID())
	second, _ := table.Register(req.ID())

	if res := <-first; !errors.Is(res.Err, ErrDuplicateRequest) {
		t.Fatalf("overwritten entry err = %v", res.Err)
	}
	table.Resolve(message.NewReply(req, nil))
	if res := <-second; res.Err != nil {
		t.Fatalf("second entry err = %v", res.Err)
	}
}

// Registrations racing FailAll are either rejected or completed, never orphaned.
func TestPendingRegisterRacesFailAll(t *testing.T) {
	for round := 0; round < 20; round++ {
		table := newTable()
		var wg sync.WaitGroup
		results := make(chan (<-chan Result), 64)

		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ch, err := table.Register(message.NewPacket("X", nil, true).ID())
				if err == nil {
					results <- ch
				}
			}()
		}
		table.FailAll(ErrConnectionLost)
		wg.Wait()
		close(results)

		for ch := range results {
			select {
			case res := <-ch:
				if !errors.Is(res.Err, ErrConnectionLost) {
					t.Fatalf("err = %v", res.Err)
				}
			case <-time.After(time.Second):
				t.Fatalf("round %d: orphaned entry", round)
			}
		}
	}
}
