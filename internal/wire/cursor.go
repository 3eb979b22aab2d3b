package wire

import (
	"bytes"
	"encoding/binary"
)

// NullLength is the wire sentinel for a SQL NULL field: a u32 length of
// 0xFFFFFFFF (-1 as i32), carrying no value bytes.
const NullLength = 0xFFFFFFFF

// Cursor reads fields sequentially from a byte slice holding exactly one
// already-framed message body. It never reads past the slice it was given,
// which is how the "frame must be fully consumed" invariant is checked:
// callers inspect Remaining() after dispatch.
type Cursor struct {
	data []byte
	pos  int
}

// NewCursor wraps data for sequential field reads. data is not retained
// beyond the reads below: every Read* method copies out what it returns.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.data) - c.pos
}

// Rest returns and consumes every remaining byte, copied out of the
// underlying slice.
func (c *Cursor) Rest() []byte {
	b := make([]byte, c.Remaining())
	copy(b, c.data[c.pos:])
	c.pos = len(c.data)
	return b
}

// Peek returns the unread bytes without consuming them.
func (c *Cursor) Peek() []byte {
	return c.data[c.pos:]
}

func (c *Cursor) ReadU8(what string) (byte, error) {
	if c.Remaining() < 1 {
		return 0, NewError(KindUnexpectedEOF, "%s: need 1 byte, have %d", what, c.Remaining())
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

func (c *Cursor) ReadU16(what string) (uint16, error) {
	if c.Remaining() < 2 {
		return 0, NewError(KindUnexpectedEOF, "%s: need 2 bytes, have %d", what, c.Remaining())
	}
	v := binary.BigEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *Cursor) ReadI16(what string) (int16, error) {
	v, err := c.ReadU16(what)
	return int16(v), err
}

func (c *Cursor) ReadU32(what string) (uint32, error) {
	if c.Remaining() < 4 {
		return 0, NewError(KindUnexpectedEOF, "%s: need 4 bytes, have %d", what, c.Remaining())
	}
	v := binary.BigEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *Cursor) ReadI32(what string) (int32, error) {
	v, err := c.ReadU32(what)
	return int32(v), err
}

// ReadCStr scans for a 0x00 byte, returning the bytes preceding it (copied)
// and advancing past the null.
func (c *Cursor) ReadCStr(what string) ([]byte, error) {
	idx := bytes.IndexByte(c.data[c.pos:], 0)
	if idx < 0 {
		return nil, NewError(KindInvalidData, "%s: missing cstr terminator", what)
	}
	s := make([]byte, idx)
	copy(s, c.data[c.pos:c.pos+idx])
	c.pos += idx + 1
	return s, nil
}

// ReadBytesWithLengthPrefix reads a u32-length-prefixed byte string,
// honoring the NULL sentinel. isNull reports whether the sentinel was seen,
// in which case data is nil.
func (c *Cursor) ReadBytesWithLengthPrefix(what string) (data []byte, isNull bool, err error) {
	length, err := c.ReadU32(what)
	if err != nil {
		return nil, false, err
	}
	if length == NullLength {
		return nil, true, nil
	}
	if uint32(c.Remaining()) < length {
		return nil, false, NewError(KindUnexpectedEOF, "%s: need %d bytes, have %d", what, length, c.Remaining())
	}
	s := make([]byte, length)
	copy(s, c.data[c.pos:c.pos+int(length)])
	c.pos += int(length)
	return s, false, nil
}

// PutU8 appends a single byte.
func PutU8(dst []byte, v byte) []byte { return append(dst, v) }

// PutU16 appends a big-endian u16.
func PutU16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

// PutI16 appends a big-endian i16.
func PutI16(dst []byte, v int16) []byte { return PutU16(dst, uint16(v)) }

// PutU32 appends a big-endian u32.
func PutU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// PutI32 appends a big-endian i32.
func PutI32(dst []byte, v int32) []byte { return PutU32(dst, uint32(v)) }

// PutCStr appends data followed by a single 0x00 terminator. The caller
// guarantees data contains no embedded null bytes.
func PutCStr(dst []byte, data []byte) []byte {
	dst = append(dst, data...)
	return append(dst, 0)
}

// PutBytesWithLengthPrefix appends len(data) as a big-endian u32 followed by
// data. NULL sentinel handling belongs to the message-encoder layer, which
// should call PutNullField instead when the field is NULL.
func PutBytesWithLengthPrefix(dst []byte, data []byte) []byte {
	dst = PutU32(dst, uint32(len(data)))
	return append(dst, data...)
}

// PutNullField appends the NULL sentinel length with no following bytes.
func PutNullField(dst []byte) []byte {
	return PutU32(dst, NullLength)
}
