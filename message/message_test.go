package message

import (
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestNewPacketAssignsUniqueID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		p := NewPacket("PING", nil, true)
		id := p.ID().String()
		if seen[id] {
			t.Fatalf("duplicate id %s after %d packets", id, i)
		}
		seen[id] = true
	}
}

func TestReplyKeepsRequestID(t *testing.T) {
	req := NewPacket("CALCULATE_SUM", []Value{Int(1), Int(2)}, true)

	reply := NewReply(req, []Value{Number(3)})
	if reply.ID() != req.ID() {
		t.Fatalf("reply id %s, want %s", reply.ID(), req.ID())
	}
	if reply.Operation != "RESPONSE_CALCULATE_SUM" {
		t.Errorf("reply operation = %q", reply.Operation)
	}
	if reply.RequiresResponse {
		t.Errorf("reply must not require a response")
	}
	if !reply.IsReply() || reply.IsErrorReply() {
		t.Errorf("IsReply/IsErrorReply = %t/%t", reply.IsReply(), reply.IsErrorReply())
	}

	errReply := NewErrorReply(req, errors.New("boom"))
	if errReply.ID() != req.ID() {
		t.Fatalf("error reply id %s, want %s", errReply.ID(), req.ID())
	}
	if errReply.Operation != "ERROR_CALCULATE_SUM" || !errReply.IsErrorReply() {
		t.Errorf("error reply operation = %q", errReply.Operation)
	}
	if s, _ := errReply.Data[0].AsString(); s != "boom" {
		t.Errorf("error reply data = %v", errReply.Data)
	}
}

func TestPacketJSONFieldNames(t *testing.T) {
	p := NewPacket("UPPERCASE", []Value{String("hello")}, true)
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, name := range []string{"id", "operation", "data", "requiresResponse"} {
		if _, ok := fields[name]; !ok {
			t.Errorf("field %q missing from %s", name, b)
		}
	}
	if fields["id"] != p.ID().String() {
		t.Errorf("id = %v, want %s", fields["id"], p.ID())
	}
}

func TestPacketUnmarshalMissingFields(t *testing.T) {
	cases := map[string]string{
		"no id":               `{"operation":"X","data":[],"requiresResponse":true}`,
		"nil id":              `{"id":"00000000-0000-0000-0000-000000000000","operation":"X","requiresResponse":true}`,
		"no operation":        `{"id":"7d444840-9dc0-11d1-b245-5ffdce74fad2","data":[],"requiresResponse":true}`,
		"no requiresResponse": `{"id":"7d444840-9dc0-11d1-b245-5ffdce74fad2","operation":"X","data":[]}`,
	}
	for name, raw := range cases {
		var p Packet
		err := json.Unmarshal([]byte(raw), &p)
		if !errors.Is(err, ErrMissingField) {
			t.Errorf("%s: err = %v, want ErrMissingField", name, err)
		}
	}

	var p Packet
	if err := json.Unmarshal([]byte(`{"id":"not-a-uuid","operation":"X","requiresResponse":false}`), &p); err == nil {
		t.Errorf("expected error for malformed id")
	}
}

func TestPacketUnmarshalDefaultsData(t *testing.T) {
	var p Packet
	raw := `{"id":"7d444840-9dc0-11d1-b245-5ffdce74fad2","operation":"LOG","requiresResponse":false}`
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Data == nil || len(p.Data) != 0 {
		t.Fatalf("data = %#v, want empty sequence", p.Data)
	}
	if !strings.HasPrefix(p.String(), "Packet{id=7d444840") {
		t.Errorf("String() = %s", p.String())
	}
}
