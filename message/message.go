// Package message defines the Packet exchanged between client and server.
//
// A Packet is the only entity on the wire. It is serialized by the codec layer
// and wrapped in a length-prefixed frame by the protocol layer.
//
//   - Request:  RequiresResponse is true, the server answers with exactly one reply carrying the same ID.
//   - One-way:  RequiresResponse is false, no reply is ever produced.
//   - Reply:    Operation is ReplyPrefix+op (or ErrorPrefix+op when the handler failed), ID echoes the request.
package message

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	ReplyPrefix = "RESPONSE_"
	ErrorPrefix = "ERROR_"
)

// ErrMissingField is returned when a decoded packet lacks a required field.
var ErrMissingField = errors.New("message: missing required field")

// Packet carries one request, reply or one-way message.
//
// The identifier is assigned at construction and cannot be changed afterwards;
// it is only used to correlate a reply with its request.
type Packet struct {
	id               uuid.UUID
	Operation        string
	Data             []Value
	RequiresResponse bool
}

// NewPacket creates a packet with a fresh random identifier.
func NewPacket(operation string, data []Value, requiresResponse bool) *Packet {
	return &Packet{
		id:               uuid.New(),
		Operation:        operation,
		Data:             data,
		RequiresResponse: requiresResponse,
	}
}

// NewReply answers req with data. The reply reuses the request identifier.
func NewReply(req *Packet, data []Value) *Packet {
	return &Packet{
		id:        req.id,
		Operation: ReplyPrefix + req.Operation,
		Data:      data,
	}
}

// NewErrorReply answers req with an error-marked reply whose only data
// element is the error text.
func NewErrorReply(req *Packet, err error) *Packet {
	return &Packet{
		id:        req.id,
		Operation: ErrorPrefix + req.Operation,
		Data:      []Value{String(err.Error())},
	}
}

func (p *Packet) ID() uuid.UUID { return p.id }

func (p *Packet) IsReply() bool {
	return strings.HasPrefix(p.Operation, ReplyPrefix) || p.IsErrorReply()
}

func (p *Packet) IsErrorReply() bool {
	return strings.HasPrefix(p.Operation, ErrorPrefix)
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{id=%s, operation=%q, data=%v, requiresResponse=%t}",
		p.id, p.Operation, List(p.Data...), p.RequiresResponse)
}

// wirePacket fixes the field names of the JSON form. Pointers let decoding
// tell an absent field from a zero one.
type wirePacket struct {
	ID               string  `json:"id"`
	Operation        *string `json:"operation"`
	Data             []Value `json:"data"`
	RequiresResponse *bool   `json:"requiresResponse"`
}

func (p *Packet) MarshalJSON() ([]byte, error) {
	for i, v := range p.Data {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("data[%d]: %w", i, err)
		}
	}
	data := p.Data
	if data == nil {
		data = []Value{}
	}
	op := p.Operation
	rr := p.RequiresResponse
	return json.Marshal(wirePacket{
		ID:               p.id.String(),
		Operation:        &op,
		Data:             data,
		RequiresResponse: &rr,
	})
}

// UnmarshalJSON requires id, operation and requiresResponse. A missing or
// null data field decodes as an empty sequence.
func (p *Packet) UnmarshalJSON(b []byte) error {
	var w wirePacket
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return fmt.Errorf("%w: id", ErrMissingField)
	}
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", w.ID, err)
	}
	if id == uuid.Nil {
		return fmt.Errorf("%w: id is the nil UUID", ErrMissingField)
	}
	if w.Operation == nil {
		return fmt.Errorf("%w: operation", ErrMissingField)
	}
	if w.RequiresResponse == nil {
		return fmt.Errorf("%w: requiresResponse", ErrMissingField)
	}
	if w.Data == nil {
		w.Data = []Value{}
	}
	*p = Packet{
		id:               id,
		Operation:        *w.Operation,
		Data:             w.Data,
		RequiresResponse: *w.RequiresResponse,
	}
	return nil
}
