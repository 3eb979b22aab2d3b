package pipe

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pgshroud/pgshroud/internal/mask"
	"github.com/pgshroud/pgshroud/internal/wire/backend"
	"github.com/pgshroud/pgshroud/internal/wire/frontend"
)

func TestFrontendPipePassthrough(t *testing.T) {
	clientConn, clientSide := net.Pipe()
	serverConn, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	cctx := NewConnectionContext(mask.Config{Strategy: mask.StrategyCaviar, CaviarLength: 6})
	scFwd, _ := newShortCircuitPair[frontend.Message, backend.Message]()
	p := NewFrontendPipe(clientConn, serverConn, []FrontendHandler{PassthroughHandler}, cctx, nil, scFwd)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()

	enc := frontend.NewCodec()
	startup, err := enc.Encode(&frontend.StartupMessage{Parameters: []frontend.Parameter{
		{Name: []byte("user"), Value: []byte("root")},
	}})
	if err != nil {
		t.Fatalf("encode startup: %v", err)
	}
	query, err := enc.Encode(&frontend.Query{SQL: []byte("select 1")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// The codec starts in the startup phase, so the query follows a
	// startup message.
	frame := append(append([]byte{}, startup...), query...)

	done := make(chan struct{})
	go func() {
		clientSide.Write(frame)
		close(done)
	}()
	<-done

	got := make([]byte, len(frame))
	if _, err := io.ReadFull(serverSide, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(frame) {
		t.Errorf("got %q, want %q", got, frame)
	}

	// Closing the client at a frame boundary is a clean shutdown.
	clientSide.Close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected clean close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipe did not terminate after client close")
	}
}

func TestFrontendPipeMidFrameEOF(t *testing.T) {
	clientConn, clientSide := net.Pipe()
	serverConn, serverSide := net.Pipe()
	defer serverSide.Close()

	cctx := NewConnectionContext(mask.Config{})
	scFwd, _ := newShortCircuitPair[frontend.Message, backend.Message]()
	p := NewFrontendPipe(clientConn, serverConn, []FrontendHandler{PassthroughHandler}, cctx, nil, scFwd)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()

	// Half a startup frame, then close.
	clientSide.Write([]byte{0x00, 0x00, 0x00, 0x10, 0x00})
	clientSide.Close()

	select {
	case err := <-errCh:
		if err != io.ErrUnexpectedEOF {
			t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipe did not terminate after mid-frame close")
	}
}

func TestFrontendPipeRefusesSSLRequestLocally(t *testing.T) {
	clientConn, clientSide := net.Pipe()
	serverConn, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	cctx := NewConnectionContext(mask.Config{})
	scFwd, _ := newShortCircuitPair[frontend.Message, backend.Message]()
	p := NewFrontendPipe(clientConn, serverConn, []FrontendHandler{PassthroughHandler}, cctx, nil, scFwd)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()

	go clientSide.Write([]byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xD2, 0x16, 0x2F})

	reply := make([]byte, 1)
	if _, err := io.ReadFull(clientSide, reply); err != nil {
		t.Fatalf("reading SSL reply: %v", err)
	}
	if reply[0] != 'N' {
		t.Fatalf("expected 'N' reply, got %q", reply[0])
	}

	// The backend must see nothing; the next client frame is a plaintext
	// startup that does get forwarded.
	enc := frontend.NewCodec()
	startup, err := enc.Encode(&frontend.StartupMessage{Parameters: []frontend.Parameter{
		{Name: []byte("user"), Value: []byte("root")},
	}})
	if err != nil {
		t.Fatalf("encode startup: %v", err)
	}
	go clientSide.Write(startup)

	got := make([]byte, len(startup))
	if _, err := io.ReadFull(serverSide, got); err != nil {
		t.Fatalf("reading forwarded startup: %v", err)
	}
	if string(got) != string(startup) {
		t.Errorf("backend got %x, want %x", got, startup)
	}

	clientSide.Close()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("pipe did not terminate after client close")
	}
}

func TestBackendPipeAppliesMasking(t *testing.T) {
	clientConn, clientSide := net.Pipe()
	serverConn, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	cfg := mask.Config{Strategy: mask.StrategyCaviar, CaviarLength: 6, ExcludeColumns: []string{"id"}}
	cctx := NewConnectionContext(cfg)
	_, scBwd := newShortCircuitPair[frontend.Message, backend.Message]()
	p := NewBackendPipe(clientConn, serverConn, []BackendHandler{NewMaskingHandler(cfg, nil)}, cctx, nil, scBwd)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()

	enc := backend.NewCodec()
	rowDesc, _ := enc.Encode(&backend.RowDescription{Columns: []backend.ColumnDesc{{Name: []byte("id")}, {Name: []byte("name")}}})
	dataRow, _ := enc.Encode(&backend.DataRow{Fields: []backend.Field{
		{Value: []byte("1")},
		{Value: []byte("alice")},
	}})

	go func() {
		serverSide.Write(rowDesc)
		serverSide.Write(dataRow)
	}()

	dec := backend.NewCodec()
	buf := make([]byte, 4096)

	var msgs []backend.Message
	for len(msgs) < 2 {
		n, err := clientSide.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		dec.Feed(buf[:n])
		for {
			msg, err := dec.Decode()
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg == nil {
				break
			}
			msgs = append(msgs, msg)
		}
	}

	row, ok := msgs[1].(*backend.DataRow)
	if !ok {
		t.Fatalf("expected DataRow, got %T", msgs[1])
	}
	if string(row.Fields[0].Value) != "1" {
		t.Errorf("expected excluded id column untouched, got %q", row.Fields[0].Value)
	}
	if string(row.Fields[1].Value) != "******" {
		t.Errorf("expected masked name column, got %q", row.Fields[1].Value)
	}

	clientSide.Close()
	serverSide.Close()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("pipe did not terminate after connections closed")
	}
}

func TestMaskingHandlerPicksUpConfigReload(t *testing.T) {
	cctx := NewConnectionContext(mask.Config{Strategy: mask.StrategyCaviar, CaviarLength: 6})
	h := NewMaskingHandler(mask.Config{Strategy: mask.StrategyCaviar, CaviarLength: 6}, nil)

	if _, err := h.Process(cctx, &backend.RowDescription{Columns: []backend.ColumnDesc{{Name: []byte("name")}}}); err != nil {
		t.Fatalf("RowDescription: %v", err)
	}
	out, err := h.Process(cctx, &backend.DataRow{Fields: []backend.Field{{Value: []byte("alice")}}})
	if err != nil {
		t.Fatalf("DataRow: %v", err)
	}
	if string(out.(*backend.DataRow).Fields[0].Value) != "******" {
		t.Fatalf("expected masked value before reload")
	}

	cctx.SetMaskingConfig(mask.Config{Strategy: mask.StrategyCaviar, CaviarLength: 6, ExcludeColumns: []string{"*"}})
	if _, err := h.Process(cctx, &backend.RowDescription{Columns: []backend.ColumnDesc{{Name: []byte("name")}}}); err != nil {
		t.Fatalf("RowDescription after reload: %v", err)
	}
	out, err = h.Process(cctx, &backend.DataRow{Fields: []backend.Field{{Value: []byte("alice")}}})
	if err != nil {
		t.Fatalf("DataRow after reload: %v", err)
	}
	if string(out.(*backend.DataRow).Fields[0].Value) != "alice" {
		t.Errorf("expected unmasked value after config reload excludes everything, got %q", out.(*backend.DataRow).Fields[0].Value)
	}
}
