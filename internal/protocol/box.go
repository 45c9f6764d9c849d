// Package protocol implements the Box wire frame shared by every socket in
// the system: client TCP, worker IPC, admin IPC, and master IPC.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes identify a dispatchd Box frame.
var Magic = [2]byte{0x42, 0x58} // "BX"

// Version is the current protocol version.
const Version uint8 = 0x01

// HeaderSize is the fixed size of a Box header in bytes:
// magic(2) + version(1) + flags(1) + cmd(4) + ret(4) + body length(4).
const HeaderSize = 16

// ErrNeedMore indicates the buffer does not yet hold a complete frame.
var ErrNeedMore = errors.New("protocol: need more data")

// ErrInvalidFrame indicates the buffer holds bytes that cannot be a Box
// frame (bad magic, bad version, or an implausible body length). The
// entire buffer must be discarded when this is returned; there is no
// partial recovery.
var ErrInvalidFrame = errors.New("protocol: invalid frame")

// MaxBodySize bounds a single frame's body to guard against a corrupt
// length field forcing an enormous allocation.
const MaxBodySize = 64 << 20 // 64MiB

// Flags modify frame behavior.
const (
	FlagNone uint8 = 0
)

// Box is a single length-prefixed binary message: an opaque command id, a
// status/return code, and an opaque body. It is immutable once parsed.
type Box struct {
	Cmd   uint32
	Ret   int32
	Flags uint8
	Body  []byte
}

// Pack encodes the box to its deterministic wire representation.
func (b *Box) Pack() []byte {
	buf := make([]byte, HeaderSize+len(b.Body))
	buf[0], buf[1] = Magic[0], Magic[1]
	buf[2] = Version
	buf[3] = b.Flags
	binary.BigEndian.PutUint32(buf[4:8], b.Cmd)
	binary.BigEndian.PutUint32(buf[8:12], uint32(b.Ret))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(b.Body)))
	copy(buf[HeaderSize:], b.Body)
	return buf
}

// Map returns a copy of the box with the given overrides applied, leaving
// every other field untouched. A nil entry in overrides leaves that field
// alone.
func (b *Box) Map(ret *int32, body []byte) *Box {
	out := &Box{Cmd: b.Cmd, Ret: b.Ret, Flags: b.Flags, Body: b.Body}
	if ret != nil {
		out.Ret = *ret
	}
	if body != nil {
		out.Body = body
	}
	return out
}

// Unpack attempts to parse exactly one Box from the front of buf.
//
// It returns (box, consumed, nil) when a full frame was parsed — the
// caller must drop the first `consumed` bytes from its read buffer.
// It returns (nil, 0, ErrNeedMore) when buf might be a frame prefix but
// is not yet complete. It returns (nil, 0, ErrInvalidFrame) when buf can
// never be completed into a valid frame (bad magic/version, or a body
// length beyond MaxBodySize) — the caller must discard the entire buffer.
func Unpack(buf []byte) (*Box, int, error) {
	if len(buf) < 3 {
		return nil, 0, ErrNeedMore
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] {
		return nil, 0, ErrInvalidFrame
	}
	if buf[2] != Version {
		return nil, 0, ErrInvalidFrame
	}
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMore
	}

	flags := buf[3]
	cmd := binary.BigEndian.Uint32(buf[4:8])
	ret := int32(binary.BigEndian.Uint32(buf[8:12]))
	bodyLen := binary.BigEndian.Uint32(buf[12:16])
	if bodyLen > MaxBodySize {
		return nil, 0, ErrInvalidFrame
	}

	total := HeaderSize + int(bodyLen)
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}

	body := make([]byte, bodyLen)
	copy(body, buf[HeaderSize:total])

	return &Box{Cmd: cmd, Ret: ret, Flags: flags, Body: body}, total, nil
}

// WriteBox packs and writes a box to w in a single call.
func WriteBox(w io.Writer, b *Box) error {
	if _, err := w.Write(b.Pack()); err != nil {
		return fmt.Errorf("writing box: %w", err)
	}
	return nil
}

// ReadBox reads exactly one box from r, blocking until the header and
// body have arrived. It is a convenience for IPC sockets that are known
// to carry one frame per read; proxy-facing connections instead buffer
// raw bytes and call Unpack repeatedly (see the proxy's serveClient).
func ReadBox(r io.Reader) (*Box, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading box header: %w", err)
	}
	if header[0] != Magic[0] || header[1] != Magic[1] {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidFrame)
	}
	if header[2] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFrame, header[2])
	}
	bodyLen := binary.BigEndian.Uint32(header[12:16])
	if bodyLen > MaxBodySize {
		return nil, fmt.Errorf("%w: body too large", ErrInvalidFrame)
	}
	b := &Box{
		Flags: header[3],
		Cmd:   binary.BigEndian.Uint32(header[4:8]),
		Ret:   int32(binary.BigEndian.Uint32(header[8:12])),
	}
	if bodyLen > 0 {
		b.Body = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, b.Body); err != nil {
			return nil, fmt.Errorf("reading box body (%d bytes): %w", bodyLen, err)
		}
	}
	return b, nil
}
