// Package backend implements the server->client half of the PostgreSQL v3
// wire protocol.
package backend

import (
	"bytes"

	"github.com/pgshroud/pgshroud/internal/wire"
)

const (
	idAuthentication  = 'R'
	idBackendKeyData  = 'K'
	idCommandComplete = 'C'
	idDataRow         = 'D'
	idErrorResponse   = 'E'
	idEmptyQueryResp  = 'I'
	idParameterStatus = 'S'
	idReadyForQuery   = 'Z'
	idRowDescription  = 'T'
)

const (
	authOk           = 0
	authSASL         = 10
	authSASLContinue = 11
	authSASLFinal    = 12
)

// Message is implemented by every server->client message variant.
type Message interface {
	isBackendMessage()
}

type AuthenticationOk struct{}

type AuthenticationSASL struct {
	Mechanism []byte
}

type AuthenticationSASLContinue struct {
	Response []byte
}

type AuthenticationSASLFinal struct {
	Response []byte
}

type BackendKeyData struct {
	Process   uint32
	SecretKey uint32
}

type CommandComplete struct {
	Tag []byte
}

// Field is one DataRow value: Null reports a SQL NULL, in which case Value
// is nil.
type Field struct {
	Value []byte
	Null  bool
}

type DataRow struct {
	Fields []Field
}

type EmptyQueryResponse struct{}

// ErrorResponse retains its payload verbatim; this codec does not parse the
// individual severity/code/message fields.
type ErrorResponse struct {
	Raw []byte
}

type ParameterStatus struct {
	Parameter []byte
	Value     []byte
}

type ReadyForQuery struct {
	Status byte
}

type ColumnDesc struct {
	Name         []byte
	TableOID     uint32
	ColumnAttr   uint16
	DataTypeOID  uint32
	DataTypeSize int16
	TypeModifier int32
	Format       uint16
}

type RowDescription struct {
	Columns []ColumnDesc
}

// Unrecognized carries any backend frame this codec does not model,
// verbatim, including its id and length header.
type Unrecognized struct {
	Raw []byte
}

func (*AuthenticationOk) isBackendMessage()           {}
func (*AuthenticationSASL) isBackendMessage()         {}
func (*AuthenticationSASLContinue) isBackendMessage() {}
func (*AuthenticationSASLFinal) isBackendMessage()    {}
func (*BackendKeyData) isBackendMessage()             {}
func (*CommandComplete) isBackendMessage()            {}
func (*DataRow) isBackendMessage()                    {}
func (*EmptyQueryResponse) isBackendMessage()         {}
func (*ErrorResponse) isBackendMessage()              {}
func (*ParameterStatus) isBackendMessage()            {}
func (*ReadyForQuery) isBackendMessage()              {}
func (*RowDescription) isBackendMessage()             {}
func (*Unrecognized) isBackendMessage()               {}

// TypeName returns the wire-level name of msg, for logs and metric labels.
func TypeName(msg Message) string {
	switch msg.(type) {
	case *AuthenticationOk:
		return "AuthenticationOk"
	case *AuthenticationSASL:
		return "AuthenticationSASL"
	case *AuthenticationSASLContinue:
		return "AuthenticationSASLContinue"
	case *AuthenticationSASLFinal:
		return "AuthenticationSASLFinal"
	case *BackendKeyData:
		return "BackendKeyData"
	case *CommandComplete:
		return "CommandComplete"
	case *DataRow:
		return "DataRow"
	case *EmptyQueryResponse:
		return "EmptyQueryResponse"
	case *ErrorResponse:
		return "ErrorResponse"
	case *ParameterStatus:
		return "ParameterStatus"
	case *ReadyForQuery:
		return "ReadyForQuery"
	case *RowDescription:
		return "RowDescription"
	default:
		return "Unrecognized"
	}
}

type state int

const (
	stateHead state = iota
	stateBody
)

// Codec is a stateful incremental backend decoder/encoder.
type Codec struct {
	state   state
	buf     bytes.Buffer
	bodyLen int
}

// NewCodec returns a codec positioned at the Head state.
func NewCodec() *Codec {
	return &Codec{state: stateHead}
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

// Decode attempts to produce the next message from previously Fed bytes. A
// (nil, nil) return means the buffer is incomplete.
func (c *Codec) Decode() (Message, error) {
	if c.state == stateHead {
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
	}

	b := c.buf.Bytes()
	if len(b) < c.bodyLen {
		return nil, nil
	}
	frame := c.buf.Next(c.bodyLen)
	msgID := frame[0]
	body := frame[5:]
	cur := wire.NewCursor(body)

	var msg Message
	var err error

	switch msgID {
	case idAuthentication:
		msg, err = decodeAuthentication(cur)
	case idBackendKeyData:
		var process, secret uint32
		if process, err = cur.ReadU32("process"); err == nil {
			secret, err = cur.ReadU32("secret_key")
		}
		if err == nil {
			msg = &BackendKeyData{Process: process, SecretKey: secret}
		}
	case idCommandComplete:
		var tag []byte
		tag, err = cur.ReadCStr("tag")
		if err == nil {
			msg = &CommandComplete{Tag: tag}
		}
	case idDataRow:
		msg, err = decodeDataRow(cur)
	case idErrorResponse:
		msg = &ErrorResponse{Raw: cur.Rest()}
	case idEmptyQueryResp:
		msg = &EmptyQueryResponse{}
	case idParameterStatus:
		var param, value []byte
		if param, err = cur.ReadCStr("parameter"); err == nil {
			value, err = cur.ReadCStr("value")
		}
		if err == nil {
			msg = &ParameterStatus{Parameter: param, Value: value}
		}
	case idReadyForQuery:
		var status byte
		status, err = cur.ReadU8("status")
		if err == nil {
			if status != 'I' && status != 'T' && status != 'E' {
				err = wire.NewError(wire.KindInvalidInput, "invalid ReadyForQuery status %q", status)
			} else {
				msg = &ReadyForQuery{Status: status}
			}
		}
	case idRowDescription:
		msg, err = decodeRowDescription(cur)
	default:
		raw := make([]byte, len(frame))
		copy(raw, frame)
		c.state = stateHead
		return &Unrecognized{Raw: raw}, nil
	}

	if err != nil {
		return nil, err
	}
	// ErrorResponse consumes the remainder of the frame by construction.
	if msgID != idErrorResponse && cur.Remaining() != 0 {
		return nil, wire.NewError(wire.KindInvalidInput, "invalid message length")
	}
	c.state = stateHead
	return msg, nil
}

func decodeAuthentication(cur *wire.Cursor) (Message, error) {
	subCode, err := cur.ReadU32("auth sub-code")
	if err != nil {
		return nil, err
	}
	switch subCode {
	case authOk:
		return &AuthenticationOk{}, nil
	case authSASL:
		mechanism, err := cur.ReadCStr("mechanism")
		if err != nil {
			return nil, err
		}
		// The mechanism list ends with its own zero byte after the last
		// cstr entry.
		term, err := cur.ReadU8("mechanism list terminator")
		if err != nil {
			return nil, err
		}
		if term != 0 {
			return nil, wire.NewError(wire.KindInvalidInput, "missing SASL mechanism list terminator")
		}
		return &AuthenticationSASL{Mechanism: mechanism}, nil
	case authSASLContinue:
		rest := cur.Rest()
		if len(rest) == 0 {
			return nil, wire.NewError(wire.KindInvalidInput, "empty AuthenticationSASLContinue response")
		}
		return &AuthenticationSASLContinue{Response: rest}, nil
	case authSASLFinal:
		rest := cur.Rest()
		if len(rest) == 0 {
			return nil, wire.NewError(wire.KindInvalidInput, "empty AuthenticationSASLFinal response")
		}
		return &AuthenticationSASLFinal{Response: rest}, nil
	default:
		return nil, wire.NewError(wire.KindInvalidInput, "unsupported authentication sub-code %d", subCode)
	}
}

func decodeDataRow(cur *wire.Cursor) (Message, error) {
	count, err := cur.ReadU16("field count")
	if err != nil {
		return nil, err
	}
	fields := make([]Field, count)
	for i := range fields {
		data, isNull, err := cur.ReadBytesWithLengthPrefix("field")
		if err != nil {
			return nil, err
		}
		fields[i] = Field{Value: data, Null: isNull}
	}
	return &DataRow{Fields: fields}, nil
}

func decodeRowDescription(cur *wire.Cursor) (Message, error) {
	count, err := cur.ReadU16("column count")
	if err != nil {
		return nil, err
	}
	columns := make([]ColumnDesc, count)
	for i := range columns {
		name, err := cur.ReadCStr("column name")
		if err != nil {
			return nil, err
		}
		tableOID, err := cur.ReadU32("table_oid")
		if err != nil {
			return nil, err
		}
		columnAttr, err := cur.ReadU16("column_attr")
		if err != nil {
			return nil, err
		}
		dataTypeOID, err := cur.ReadU32("data_type_oid")
		if err != nil {
			return nil, err
		}
		dataTypeSize, err := cur.ReadI16("data_type_size")
		if err != nil {
			return nil, err
		}
		typeModifier, err := cur.ReadI32("type_modifier")
		if err != nil {
			return nil, err
		}
		format, err := cur.ReadU16("format")
		if err != nil {
			return nil, err
		}
		columns[i] = ColumnDesc{
			Name:         name,
			TableOID:     tableOID,
			ColumnAttr:   columnAttr,
			DataTypeOID:  dataTypeOID,
			DataTypeSize: dataTypeSize,
			TypeModifier: typeModifier,
			Format:       format,
		}
	}
	return &RowDescription{Columns: columns}, nil
}

// Encode serializes msg to its wire representation.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *AuthenticationOk:
		return encodeFrame(idAuthentication, func(buf []byte) []byte {
			return wire.PutU32(buf, authOk)
		}), nil
	case *AuthenticationSASL:
		return encodeFrame(idAuthentication, func(buf []byte) []byte {
			buf = wire.PutU32(buf, authSASL)
			buf = wire.PutCStr(buf, m.Mechanism)
			return append(buf, 0)
		}), nil
	case *AuthenticationSASLContinue:
		return encodeFrame(idAuthentication, func(buf []byte) []byte {
			buf = wire.PutU32(buf, authSASLContinue)
			return append(buf, m.Response...)
		}), nil
	case *AuthenticationSASLFinal:
		return encodeFrame(idAuthentication, func(buf []byte) []byte {
			buf = wire.PutU32(buf, authSASLFinal)
			return append(buf, m.Response...)
		}), nil
	case *BackendKeyData:
		return encodeFrame(idBackendKeyData, func(buf []byte) []byte {
			buf = wire.PutU32(buf, m.Process)
			return wire.PutU32(buf, m.SecretKey)
		}), nil
	case *CommandComplete:
		return encodeFrame(idCommandComplete, func(buf []byte) []byte {
			return wire.PutCStr(buf, m.Tag)
		}), nil
	case *DataRow:
		return encodeFrame(idDataRow, func(buf []byte) []byte {
			buf = wire.PutU16(buf, uint16(len(m.Fields)))
			for _, f := range m.Fields {
				if f.Null {
					buf = wire.PutNullField(buf)
				} else {
					buf = wire.PutBytesWithLengthPrefix(buf, f.Value)
				}
			}
			return buf
		}), nil
	case *EmptyQueryResponse:
		return encodeFrame(idEmptyQueryResp, nil), nil
	case *ErrorResponse:
		return encodeFrame(idErrorResponse, func(buf []byte) []byte {
			return append(buf, m.Raw...)
		}), nil
	case *ParameterStatus:
		return encodeFrame(idParameterStatus, func(buf []byte) []byte {
			buf = wire.PutCStr(buf, m.Parameter)
			return wire.PutCStr(buf, m.Value)
		}), nil
	case *ReadyForQuery:
		return encodeFrame(idReadyForQuery, func(buf []byte) []byte {
			return wire.PutU8(buf, m.Status)
		}), nil
	case *RowDescription:
		return encodeFrame(idRowDescription, func(buf []byte) []byte {
			buf = wire.PutU16(buf, uint16(len(m.Columns)))
			for _, col := range m.Columns {
				buf = wire.PutCStr(buf, col.Name)
				buf = wire.PutU32(buf, col.TableOID)
				buf = wire.PutU16(buf, col.ColumnAttr)
				buf = wire.PutU32(buf, col.DataTypeOID)
				buf = wire.PutI16(buf, col.DataTypeSize)
				buf = wire.PutI32(buf, col.TypeModifier)
				buf = wire.PutU16(buf, col.Format)
			}
			return buf
		}), nil
	case *Unrecognized:
		return m.Raw, nil
	default:
		return nil, wire.NewError(wire.KindInvalidInput, "unknown backend message type %T", msg)
	}
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
