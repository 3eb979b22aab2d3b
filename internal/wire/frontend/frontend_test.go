package frontend

import (
	"bytes"
	"testing"
)

func buildStartupFrame(params []Parameter) []byte {
	c := NewCodec()
	buf, err := c.Encode(&StartupMessage{Parameters: params})
	if err != nil {
		panic(err)
	}
	return buf
}

func TestStartupHappyPath(t *testing.T) {
	params := []Parameter{
		{Name: []byte("user"), Value: []byte("root")},
		{Name: []byte("database"), Value: []byte("testdb")},
		{Name: []byte("application_name"), Value: []byte("psql")},
		{Name: []byte("client_encoding"), Value: []byte("UTF8")},
	}
	frame := buildStartupFrame(params)
	if len(frame) != 78 {
		t.Fatalf("expected 78-byte startup frame, got %d", len(frame))
	}

	c := NewCodec()
	c.Feed(frame)
	msg, err := c.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	sm, ok := msg.(*StartupMessage)
	if !ok {
		t.Fatalf("expected *StartupMessage, got %T", msg)
	}
	if len(sm.Parameters) != len(params) {
		t.Fatalf("expected %d parameters, got %d", len(params), len(sm.Parameters))
	}
	for i, p := range params {
		if string(sm.Parameters[i].Name) != string(p.Name) || string(sm.Parameters[i].Value) != string(p.Value) {
			t.Errorf("parameter %d: expected %s=%s, got %s=%s", i, p.Name, p.Value, sm.Parameters[i].Name, sm.Parameters[i].Value)
		}
	}

	if msg2, err := c.Decode(); err != nil || msg2 != nil {
		t.Fatalf("expected empty buffer after decode, got %v, %v", msg2, err)
	}
}

func TestStartupMissingUser(t *testing.T) {
	params := []Parameter{
		{Name: []byte("database"), Value: []byte("testdb")},
	}
	frame := buildStartupFrame(params)

	c := NewCodec()
	c.Feed(frame)
	if _, err := c.Decode(); err == nil {
		t.Fatal("expected InvalidInput error for missing user parameter")
	}
}

func TestSSLRequest(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xD2, 0x16, 0x2F}

	c := NewCodec()
	c.Feed(frame)
	msg, err := c.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, ok := msg.(*SSLRequest); !ok {
		t.Fatalf("expected *SSLRequest, got %T", msg)
	}

	// Decoder stays in Startup: a subsequent startup frame still decodes.
	c.Feed(buildStartupFrame([]Parameter{{Name: []byte("user"), Value: []byte("root")}}))
	msg2, err := c.Decode()
	if err != nil {
		t.Fatalf("Decode after SSLRequest failed: %v", err)
	}
	if _, ok := msg2.(*StartupMessage); !ok {
		t.Fatalf("expected *StartupMessage after SSLRequest, got %T", msg2)
	}
}

func TestRegularMessageRoundTrip(t *testing.T) {
	tests := []Message{
		&Query{SQL: []byte("SELECT 1")},
		&Execute{Portal: []byte("p1"), MaxRows: 100},
		&Flush{},
		&Sync{},
		&Terminate{},
	}
	for _, want := range tests {
		c := NewCodec()
		c.state = stateHead
		buf, err := c.Encode(want)
		if err != nil {
			t.Fatalf("Encode(%T) failed: %v", want, err)
		}
		c.Feed(buf)
		got, err := c.Decode()
		if err != nil {
			t.Fatalf("Decode(%T) failed: %v", want, err)
		}
		buf2, err := c.Encode(got)
		if err != nil {
			t.Fatalf("re-Encode(%T) failed: %v", want, err)
		}
		if !bytes.Equal(buf, buf2) {
			t.Errorf("round-trip mismatch for %T: %x != %x", want, buf, buf2)
		}
	}
}

func TestSASLInitialResponseVsSASLResponse(t *testing.T) {
	c := NewCodec()
	c.state = stateHead
	initial := &SASLInitialResponse{Mechanism: []byte("SCRAM-SHA-256"), Response: []byte("n,,n=user,r=abc")}
	buf, err := c.Encode(initial)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	c.Feed(buf)
	msg, err := c.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got, ok := msg.(*SASLInitialResponse)
	if !ok {
		t.Fatalf("expected *SASLInitialResponse, got %T", msg)
	}
	if string(got.Mechanism) != "SCRAM-SHA-256" || string(got.Response) != "n,,n=user,r=abc" {
		t.Errorf("unexpected SASLInitialResponse contents: %+v", got)
	}

	c2 := NewCodec()
	c2.state = stateHead
	resp := &SASLResponse{Response: []byte("c=biws,r=abc,p=xyz")}
	buf2, err := c2.Encode(resp)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	c2.Feed(buf2)
	msg2, err := c2.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got2, ok := msg2.(*SASLResponse)
	if !ok {
		t.Fatalf("expected *SASLResponse, got %T", msg2)
	}
	if string(got2.Response) != "c=biws,r=abc,p=xyz" {
		t.Errorf("unexpected SASLResponse contents: %+v", got2)
	}
}

func TestUnrecognizedPassthrough(t *testing.T) {
	c := NewCodec()
	c.state = stateHead
	raw := []byte{'Z', 0x00, 0x00, 0x00, 0x05, 'I'}
	c.Feed(raw)
	msg, err := c.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	un, ok := msg.(*Unrecognized)
	if !ok {
		t.Fatalf("expected *Unrecognized, got %T", msg)
	}
	if !bytes.Equal(un.Raw, raw) {
		t.Errorf("expected raw bytes preserved, got %x want %x", un.Raw, raw)
	}
	out, err := c.Encode(un)
	if err != nil || !bytes.Equal(out, raw) {
		t.Errorf("Encode(Unrecognized) = %x, %v; want %x", out, err, raw)
	}
}

func TestIncrementalByteAtATime(t *testing.T) {
	c := NewCodec()
	frame := buildStartupFrame([]Parameter{{Name: []byte("user"), Value: []byte("root")}})
	var got Message
	for i := 0; i < len(frame); i++ {
		c.Feed(frame[i : i+1])
		msg, err := c.Decode()
		if err != nil {
			t.Fatalf("Decode failed at byte %d: %v", i, err)
		}
		if msg != nil {
			got = msg
		}
	}
	if _, ok := got.(*StartupMessage); !ok {
		t.Fatalf("expected *StartupMessage after feeding byte-at-a-time, got %T", got)
	}
}

func TestFrameLengthShorterThanHeaderRejected(t *testing.T) {
	c := NewCodec()
	c.state = stateHead
	// id + length field declaring a total shorter than the 5-byte header.
	c.Feed([]byte{'Q', 0x00, 0x00, 0x00, 0x00})
	if _, err := c.Decode(); err == nil {
		t.Fatal("expected error for frame_length shorter than header size")
	}
}
