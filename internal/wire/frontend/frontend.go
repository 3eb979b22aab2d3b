// Package frontend implements the client->server half of the PostgreSQL v3
// wire protocol: a startup sub-phase followed by the regular one-byte-id
// framing, decoded incrementally from a buffer-append-and-poll contract.
package frontend

import (
	"bytes"

	"github.com/pgshroud/pgshroud/internal/wire"
)

const (
	protocolVersion3 int32 = 196608
	sslRequestCode   int32 = 80877103
)

// Message id bytes for the regular (post-startup) phase.
const (
	idExecute   = 'E'
	idFlush     = 'H'
	idQuery     = 'Q'
	idSync      = 'S'
	idTerminate = 'X'
	idSASL      = 'p'
)

// Message is implemented by every client->server message variant.
type Message interface {
	isFrontendMessage()
}

// Parameter is one (name, value) pair from a StartupMessage.
type Parameter struct {
	Name  []byte
	Value []byte
}

// StartupMessage is the very first frame on a new connection.
type StartupMessage struct {
	FrameLength int
	Parameters  []Parameter
}

// SSLRequest asks the server whether it supports SSL. It does not advance
// the codec out of the Startup state: the client is expected to retry with
// a fresh startup attempt after receiving the reply.
type SSLRequest struct{}

// Query carries a simple-query SQL string.
type Query struct {
	SQL []byte
}

// Execute names a portal and a row-count cap for the extended query flow.
type Execute struct {
	Portal  []byte
	MaxRows uint32
}

// Flush asks the backend to deliver any pending output without a Sync.
type Flush struct{}

// Sync ends a batch of extended-query messages.
type Sync struct{}

// Terminate asks to close the connection gracefully.
type Terminate struct{}

// SASLInitialResponse starts a SASL authentication exchange.
type SASLInitialResponse struct {
	Mechanism []byte
	Response  []byte
}

// SASLResponse continues a SASL authentication exchange.
type SASLResponse struct {
	Response []byte
}

// Unrecognized carries any frontend frame this codec does not model,
// verbatim, including its id and length header, for exact passthrough.
type Unrecognized struct {
	Raw []byte
}

func (*StartupMessage) isFrontendMessage()      {}
func (*SSLRequest) isFrontendMessage()          {}
func (*Query) isFrontendMessage()               {}
func (*Execute) isFrontendMessage()             {}
func (*Flush) isFrontendMessage()               {}
func (*Sync) isFrontendMessage()                {}
func (*Terminate) isFrontendMessage()           {}
func (*SASLInitialResponse) isFrontendMessage() {}
func (*SASLResponse) isFrontendMessage()        {}
func (*Unrecognized) isFrontendMessage()        {}

// TypeName returns the wire-level name of msg, for logs and metric labels.
func TypeName(msg Message) string {
	switch msg.(type) {
	case *StartupMessage:
		return "StartupMessage"
	case *SSLRequest:
		return "SSLRequest"
	case *Query:
		return "Query"
	case *Execute:
		return "Execute"
	case *Flush:
		return "Flush"
	case *Sync:
		return "Sync"
	case *Terminate:
		return "Terminate"
	case *SASLInitialResponse:
		return "SASLInitialResponse"
	case *SASLResponse:
		return "SASLResponse"
	default:
		return "Unrecognized"
	}
}

type state int

const (
	stateStartup state = iota
	stateHead
	stateBody
)

// Codec is a stateful incremental frontend decoder/encoder. The zero value
// starts in the Startup sub-state, the same as NewCodec.
type Codec struct {
	state   state
	buf     bytes.Buffer
	bodyLen int
}

// NewCodec returns a codec positioned at the Startup sub-state.
func NewCodec() *Codec {
	return &Codec{state: stateStartup}
}

// Feed appends newly-read bytes to the decode buffer.
func (c *Codec) Feed(p []byte) {
	c.buf.Write(p)
}

// Buffered returns the number of bytes fed but not yet consumed by Decode.
// A non-zero value at stream EOF means the peer closed mid-frame.
func (c *Codec) Buffered() int {
	return c.buf.Len()
}

// Decode attempts to produce the next message from previously Fed bytes.
// A (nil, nil) return means the buffer is incomplete: the caller should read
// more bytes, Feed them, and call Decode again.
func (c *Codec) Decode() (Message, error) {
	switch c.state {
	case stateStartup:
		return c.decodeStartup()
	case stateHead:
		return c.decodeHead()
	default:
		return c.decodeBody()
	}
}

func (c *Codec) decodeStartup() (Message, error) {
	b := c.buf.Bytes()
	if len(b) < 8 {
		return nil, nil
	}
	frameLength := beUint32(b[0:4])
	if uint32(len(b)) < frameLength {
		return nil, nil
	}
	if frameLength < 8 {
		c.buf.Next(int(frameLength))
		return nil, wire.NewError(wire.KindInvalidInput, "invalid startup message length")
	}
	version := int32(beUint32(b[4:8]))

	switch version {
	case protocolVersion3:
		frame := c.buf.Next(int(frameLength))
		params, err := parseStartupParams(frame[8:])
		if err != nil {
			return nil, err
		}
		c.state = stateHead
		return &StartupMessage{FrameLength: int(frameLength), Parameters: params}, nil
	case sslRequestCode:
		c.buf.Next(int(frameLength))
		return &SSLRequest{}, nil
	default:
		c.buf.Next(int(frameLength))
		return nil, wire.NewError(wire.KindInvalidInput, "invalid protocol version")
	}
}

func parseStartupParams(data []byte) ([]Parameter, error) {
	var params []Parameter
	userSeen := false
	pos := 0
	for {
		if pos >= len(data) {
			return nil, wire.NewError(wire.KindInvalidInput, "missing parameter fields")
		}
		if data[pos] == 0 {
			pos++
			if pos != len(data) {
				return nil, wire.NewError(wire.KindInvalidInput, "invalid message length")
			}
			if !userSeen {
				return nil, wire.NewError(wire.KindInvalidInput, "missing parameter fields")
			}
			return params, nil
		}
		name, n, err := readCStrSlice(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		value, n2, err := readCStrSlice(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n2
		if string(name) == "user" {
			userSeen = true
		}
		params = append(params, Parameter{Name: name, Value: value})
	}
}

func readCStrSlice(data []byte) (value []byte, consumed int, err error) {
	idx := bytes.IndexByte(data, 0)
	if idx < 0 {
		return nil, 0, wire.NewError(wire.KindInvalidInput, "missing parameter fields")
	}
	out := make([]byte, idx)
	copy(out, data[:idx])
	return out, idx + 1, nil
}

func (c *Codec) decodeHead() (Message, error) {
	b := c.buf.Bytes()
	if len(b) < 5 {
		return nil, nil
	}
	length := beUint32(b[1:5])
	frameLength := int(length) + 1
	if frameLength < 5 {
		return nil, wire.NewError(wire.KindInvalidInput, "invalid message length")
	}
	c.bodyLen = frameLength
	c.state = stateBody
	return c.decodeBody()
}

func (c *Codec) decodeBody() (Message, error) {
	b := c.buf.Bytes()
	if len(b) < c.bodyLen {
		return nil, nil
	}
	frame := c.buf.Next(c.bodyLen)
	msgID := frame[0]
	body := frame[5:]

	if msgID == idSASL {
		msg, err := decodeSASL(body)
		if err != nil {
			return nil, err
		}
		c.state = stateHead
		return msg, nil
	}

	cur := wire.NewCursor(body)
	var msg Message
	var err error

	switch msgID {
	case idExecute:
		var portal []byte
		var maxRows uint32
		if portal, err = cur.ReadCStr("portal"); err == nil {
			maxRows, err = cur.ReadU32("max_rows")
		}
		if err == nil {
			msg = &Execute{Portal: portal, MaxRows: maxRows}
		}
	case idFlush:
		msg = &Flush{}
	case idQuery:
		var sql []byte
		sql, err = cur.ReadCStr("sql")
		if err == nil {
			msg = &Query{SQL: sql}
		}
	case idSync:
		msg = &Sync{}
	case idTerminate:
		msg = &Terminate{}
	default:
		raw := make([]byte, len(frame))
		copy(raw, frame)
		c.state = stateHead
		return &Unrecognized{Raw: raw}, nil
	}
	if err != nil {
		return nil, err
	}
	if cur.Remaining() != 0 {
		return nil, wire.NewError(wire.KindInvalidInput, "invalid message length")
	}
	c.state = stateHead
	return msg, nil
}

// decodeSASL disambiguates the overloaded 'p' message id. It tries a
// cstr-mechanism + u32-length parse against the payload; if that parse is
// fully consistent with the frame, it is a SASLInitialResponse. Otherwise
// the entire payload is a SASLResponse.
func decodeSASL(body []byte) (Message, error) {
	if idx := bytes.IndexByte(body, 0); idx >= 0 {
		mechanism := body[:idx]
		rest := body[idx+1:]
		if len(rest) >= 4 {
			length := beUint32(rest[0:4])
			respBytes := rest[4:]
			if length == wire.NullLength && len(respBytes) == 0 {
				m := make([]byte, len(mechanism))
				copy(m, mechanism)
				return &SASLInitialResponse{Mechanism: m, Response: nil}, nil
			}
			if int(length) == len(respBytes) {
				m := make([]byte, len(mechanism))
				copy(m, mechanism)
				r := make([]byte, len(respBytes))
				copy(r, respBytes)
				return &SASLInitialResponse{Mechanism: m, Response: r}, nil
			}
		}
	}
	if len(body) == 0 {
		return nil, wire.NewError(wire.KindInvalidInput, "empty SASLResponse payload")
	}
	r := make([]byte, len(body))
	copy(r, body)
	return &SASLResponse{Response: r}, nil
}

// Encode serializes msg to its wire representation.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *StartupMessage:
		return encodeStartup(m), nil
	case *SSLRequest:
		var buf []byte
		buf = wire.PutU32(buf, 8)
		buf = wire.PutI32(buf, sslRequestCode)
		return buf, nil
	case *Query:
		return encodeFrame(idQuery, func(buf []byte) []byte {
			return wire.PutCStr(buf, m.SQL)
		}), nil
	case *Execute:
		return encodeFrame(idExecute, func(buf []byte) []byte {
			buf = wire.PutCStr(buf, m.Portal)
			return wire.PutU32(buf, m.MaxRows)
		}), nil
	case *Flush:
		return encodeFrame(idFlush, nil), nil
	case *Sync:
		return encodeFrame(idSync, nil), nil
	case *Terminate:
		return encodeFrame(idTerminate, nil), nil
	case *SASLInitialResponse:
		return encodeFrame(idSASL, func(buf []byte) []byte {
			buf = wire.PutCStr(buf, m.Mechanism)
			return wire.PutBytesWithLengthPrefix(buf, m.Response)
		}), nil
	case *SASLResponse:
		return encodeFrame(idSASL, func(buf []byte) []byte {
			return append(buf, m.Response...)
		}), nil
	case *Unrecognized:
		return m.Raw, nil
	default:
		return nil, wire.NewError(wire.KindInvalidInput, "unknown frontend message type %T", msg)
	}
}

func encodeStartup(m *StartupMessage) []byte {
	var payload []byte
	payload = wire.PutI32(payload, protocolVersion3)
	for _, p := range m.Parameters {
		payload = wire.PutCStr(payload, p.Name)
		payload = wire.PutCStr(payload, p.Value)
	}
	payload = append(payload, 0)

	var buf []byte
	buf = wire.PutU32(buf, uint32(len(payload)+4))
	buf = append(buf, payload...)
	return buf
}

func encodeFrame(id byte, writePayload func([]byte) []byte) []byte {
	var payload []byte
	if writePayload != nil {
		payload = writePayload(payload)
	}
	var buf []byte
	buf = wire.PutU8(buf, id)
	buf = wire.PutU32(buf, uint32(len(payload)+4))
	buf = append(buf, payload...)
	return buf
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
