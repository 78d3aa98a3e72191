package codec

import (
	"fmt"

	"github.com/goccy/go-json"

	"packet-rpc/message"
)

// JSONCodec encodes packets as JSON objects with the fields
// id, operation, data and requiresResponse.
// Field names are stable and map keys are emitted in sorted order, so the
// same packet always produces the same bytes.
type JSONCodec struct{}

func (c *JSONCodec) Encode(p *message.Packet) ([]byte, error) {
	for i, v := range p.Data {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("codec: data[%d]: %w", i, err)
		}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", p.Operation, err)
	}
	return b, nil
}

func (c *JSONCodec) Decode(data []byte) (*message.Packet, error) {
	p := new(message.Packet)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return p, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
