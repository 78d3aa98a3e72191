// Package codec converts packets to and from frame payloads.
package codec

import (
	"errors"

	"packet-rpc/message"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

var (
	// ErrMalformedPacket is returned by Decode when the payload is not valid
	// structured text or lacks a required field.
	ErrMalformedPacket = errors.New("codec: malformed packet")
	// ErrUnsupportedValue is returned by Encode when packet data holds a value
	// with no wire representation.
	ErrUnsupportedValue = message.ErrUnsupportedValue
)

// Codec serializes packets. Implementations are pure and safe for concurrent use.
type Codec interface {
	Encode(p *message.Packet) ([]byte, error)
	Decode(data []byte) (*message.Packet, error)
	Type() CodecType
}

// GetCodec returns the codec for codecType. JSON is the only wire encoding,
// so every type currently resolves to it.
func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}
