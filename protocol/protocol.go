// Package protocol implements the length-prefixed frame format.
//
// TCP is a byte stream, so every serialized packet is preceded by its length.
// The receiver reads the 4-byte prefix first, then exactly that many bytes.
//
// Frame format:
//
//	0         4
//	┌─────────┬──────────────────┐
//	│ length  │   payload ...    │
//	│ uint32  │   length bytes   │
//	└─────────┴──────────────────┘
//
// The length is big-endian (network byte order). There is no magic number,
// version or checksum: any byte stream that satisfies the framing yields
// payloads, whether or not they decode at the codec layer. No maximum payload
// size is enforced here; that is left to the transport.
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// LengthSize is the width of the length prefix in bytes.
const LengthSize = 4

// ErrIncompleteFrame means the buffered bytes do not yet hold a complete
// frame. It is a retry signal, not a failure: nothing has been consumed.
var ErrIncompleteFrame = errors.New("protocol: incomplete frame")

// AppendFrame appends the framed form of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Encode writes one frame to w with a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different packets could interleave.
func Encode(w io.Writer, payload []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, LengthSize+len(payload)), payload))
	return err
}

// Decode reads exactly one frame from r and returns its payload.
// Uses io.ReadFull so that short reads never split a frame.
func Decode(r io.Reader) ([]byte, error) {
	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Split looks for one complete frame at the start of data. It returns the
// payload and the number of bytes the frame occupies. When data holds less
// than a full frame it returns ErrIncompleteFrame and n == 0, so the caller's
// cursor stays where it was and the prefix is read again on the next attempt.
func Split(data []byte) (payload []byte, n int, err error) {
	if len(data) < LengthSize {
		return nil, 0, ErrIncompleteFrame
	}
	length := binary.BigEndian.Uint32(data[:LengthSize])
	end := uint64(LengthSize) + uint64(length)
	if uint64(len(data)) < end {
		return nil, 0, ErrIncompleteFrame
	}
	return data[LengthSize:end], int(end), nil
}

// ScanFrames is a bufio.SplitFunc yielding one payload per token.
// The scanner's buffer limit bounds the largest frame it can return.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	payload, n, err := Split(data)
	if err == nil {
		return n, payload, nil
	}
	if atEOF && len(data) > 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return 0, nil, nil
}
