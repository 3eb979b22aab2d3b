package pipe

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pgshroud/pgshroud/internal/mask"
	"github.com/pgshroud/pgshroud/internal/metrics"
	"github.com/pgshroud/pgshroud/internal/wire"
	"github.com/pgshroud/pgshroud/internal/wire/backend"
	"github.com/pgshroud/pgshroud/internal/wire/frontend"
)

const readBufferSize = 32 * 1024

// sslRefused is the single-byte reply sent to a client whose SSLRequest the
// proxy declines. The client is expected to retry with a plaintext startup.
const sslRefused = 'N'

// FrontendHandler transforms a decoded client->server message before it is
// re-encoded and forwarded to the backend. Returning a nil message drops the
// frame.
type FrontendHandler interface {
	Process(cctx *ConnectionContext, msg frontend.Message) (frontend.Message, error)
}

// BackendHandler transforms a decoded server->client message before it is
// re-encoded and forwarded to the client. Returning a nil message drops the
// frame.
type BackendHandler interface {
	Process(cctx *ConnectionContext, msg backend.Message) (backend.Message, error)
}

type passthroughFrontendHandler struct{}

func (passthroughFrontendHandler) Process(_ *ConnectionContext, msg frontend.Message) (frontend.Message, error) {
	return msg, nil
}

// PassthroughHandler forwards every frontend message unchanged. The forward
// pipe carries no masking concern: only backend rows get masked.
var PassthroughHandler FrontendHandler = passthroughFrontendHandler{}

// MaskingHandler adapts a *mask.Handler into a BackendHandler, refreshing
// its configuration from the connection's current snapshot before every
// message. This is the one place a hot-reloaded masking configuration
// reaches the per-message masking state machine; mask.Handler itself has no
// knowledge of ConnectionContext.
type MaskingHandler struct {
	h *mask.Handler
	m *metrics.Collector
}

// NewMaskingHandler returns a MaskingHandler seeded with cfg. Its effective
// configuration is replaced from the ConnectionContext at the start of every
// Process call, so cfg is only in effect until the first Process call. m may
// be nil to disable instrumentation.
func NewMaskingHandler(cfg mask.Config, m *metrics.Collector) *MaskingHandler {
	return &MaskingHandler{h: mask.NewHandler(cfg), m: m}
}

func (mh *MaskingHandler) Process(cctx *ConnectionContext, msg backend.Message) (backend.Message, error) {
	mh.h.SetConfig(cctx.MaskingConfig())
	if _, isRow := msg.(*backend.DataRow); !isRow || mh.m == nil {
		return mh.h.Process(msg)
	}

	start := time.Now()
	out, err := mh.h.Process(msg)
	if err != nil {
		return nil, err
	}
	mh.m.MaskDuration(time.Since(start))
	mh.m.RowMasked(mh.h.Strategy(), mh.h.LastMasked())
	return out, nil
}

// FrontendPipe decodes client->server frames, runs them through its handler
// chain in order, and re-encodes them onto the backend connection. It also
// answers SSLRequest locally with 'N' instead of forwarding it, since the
// proxy does not terminate TLS.
type FrontendPipe struct {
	client   net.Conn
	server   net.Conn
	codec    *frontend.Codec
	handlers []FrontendHandler
	cctx     *ConnectionContext
	metrics  *metrics.Collector
	sc       ShortCircuit[frontend.Message, backend.Message]
}

// NewFrontendPipe returns a pipe reading from client and writing to server.
func NewFrontendPipe(client, server net.Conn, handlers []FrontendHandler, cctx *ConnectionContext, m *metrics.Collector, sc ShortCircuit[frontend.Message, backend.Message]) *FrontendPipe {
	return &FrontendPipe{
		client:   client,
		server:   server,
		codec:    frontend.NewCodec(),
		handlers: handlers,
		cctx:     cctx,
		metrics:  m,
		sc:       sc,
	}
}

// Run decodes, transforms, and re-encodes messages until the client
// connection is closed, the context is done, or a protocol error occurs. A
// clean close at a frame boundary returns nil; mid-frame EOF returns
// io.ErrUnexpectedEOF.
func (p *FrontendPipe) Run(ctx context.Context) error {
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for {
			msg, err := p.codec.Decode()
			if err != nil {
				countDecodeError(p.metrics, "frontend", err)
				return err
			}
			if msg == nil {
				break
			}
			if p.metrics != nil {
				p.metrics.FrameDecoded("frontend", frontend.TypeName(msg))
			}
			out := msg
			for _, h := range p.handlers {
				out, err = h.Process(p.cctx, out)
				if err != nil {
					return err
				}
				if out == nil {
					break
				}
			}
			if out == nil {
				continue
			}
			if _, isSSL := out.(*frontend.SSLRequest); isSSL {
				if _, err := p.client.Write([]byte{sslRefused}); err != nil {
					return err
				}
				continue
			}
			encoded, err := p.codec.Encode(out)
			if err != nil {
				return err
			}
			if _, err := p.server.Write(encoded); err != nil {
				return err
			}
		}
		// Read may return data together with io.EOF; feed first and loop
		// so those final frames still decode, then surface the EOF on the
		// next zero-byte read.
		n, err := p.client.Read(buf)
		if n > 0 {
			p.codec.Feed(buf[:n])
			continue
		}
		if err != nil {
			if err == io.EOF {
				if p.codec.Buffered() > 0 {
					return io.ErrUnexpectedEOF
				}
				return nil
			}
			return err
		}
	}
}

// BackendPipe decodes server->client frames, runs them through its handler
// chain in order (the masking handler lives here), and re-encodes them onto
// the client connection.
type BackendPipe struct {
	client   net.Conn
	server   net.Conn
	codec    *backend.Codec
	handlers []BackendHandler
	cctx     *ConnectionContext
	metrics  *metrics.Collector
	sc       ShortCircuit[backend.Message, frontend.Message]
}

// NewBackendPipe returns a pipe reading from server and writing to client.
func NewBackendPipe(client, server net.Conn, handlers []BackendHandler, cctx *ConnectionContext, m *metrics.Collector, sc ShortCircuit[backend.Message, frontend.Message]) *BackendPipe {
	return &BackendPipe{
		client:   client,
		server:   server,
		codec:    backend.NewCodec(),
		handlers: handlers,
		cctx:     cctx,
		metrics:  m,
		sc:       sc,
	}
}

// Run mirrors FrontendPipe.Run for the server->client direction. A mid-frame
// EOF from the backend surfaces as io.ErrUnexpectedEOF so the supervisor can
// report the server closing prematurely.
func (p *BackendPipe) Run(ctx context.Context) error {
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for {
			msg, err := p.codec.Decode()
			if err != nil {
				countDecodeError(p.metrics, "backend", err)
				return err
			}
			if msg == nil {
				break
			}
			if p.metrics != nil {
				p.metrics.FrameDecoded("backend", backend.TypeName(msg))
			}
			out := msg
			for _, h := range p.handlers {
				out, err = h.Process(p.cctx, out)
				if err != nil {
					return err
				}
				if out == nil {
					break
				}
			}
			if out == nil {
				continue
			}
			encoded, err := p.codec.Encode(out)
			if err != nil {
				return err
			}
			if _, err := p.client.Write(encoded); err != nil {
				return err
			}
		}
		// Same data-with-EOF handling as the frontend pipe.
		n, err := p.server.Read(buf)
		if n > 0 {
			p.codec.Feed(buf[:n])
			continue
		}
		if err != nil {
			if err == io.EOF {
				if p.codec.Buffered() > 0 {
					return io.ErrUnexpectedEOF
				}
				return nil
			}
			return err
		}
	}
}

// countDecodeError records a failed frame decode, keyed by the error kind
// when the failure is a *wire.ProtocolError.
func countDecodeError(m *metrics.Collector, direction string, err error) {
	if m == nil {
		return
	}
	if pe, ok := err.(*wire.ProtocolError); ok {
		m.DecodeError(direction, pe.Kind.String())
	}
}
