package protocol

import "encoding/binary"

// Decoder turns an arbitrarily fragmented byte stream into payloads.
// Bytes are appended with Feed and complete frames are taken out with Next,
// in arrival order. A Decoder is not safe for concurrent use; the read loop
// of a connection owns it.
type Decoder struct {
	buf []byte
	off int
}

// Feed appends p to the internal buffer. p is copied.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	if d.off > 0 && len(d.buf)+len(p) > cap(d.buf) {
		// compact before growing
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete payload. It returns ErrIncompleteFrame,
// consuming nothing, until enough bytes have been fed. The returned slice is
// a copy and stays valid after further calls.
func (d *Decoder) Next() ([]byte, error) {
	payload, n, err := Split(d.buf[d.off:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	d.off += n
	return out, nil
}

// NextLength reports the declared payload length of the next frame, if its
// prefix has arrived. Transports use it to reject oversized frames before
// buffering them.
func (d *Decoder) NextLength() (uint32, bool) {
	rest := d.buf[d.off:]
	if len(rest) < LengthSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(rest[:LengthSize]), true
}

// Buffered returns the number of bytes fed but not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}
