package pipe

import (
	"context"
	"net"

	"github.com/pgshroud/pgshroud/internal/mask"
	"github.com/pgshroud/pgshroud/internal/metrics"
	"github.com/pgshroud/pgshroud/internal/wire/backend"
	"github.com/pgshroud/pgshroud/internal/wire/frontend"
)

// Connection pairs one client connection with one backend connection and
// runs both directions concurrently, sharing a single ConnectionContext.
// Either pipe terminating (client or backend closing, or a protocol error)
// terminates the whole connection.
type Connection struct {
	client net.Conn
	server net.Conn
	cctx   *ConnectionContext
	fwd    *FrontendPipe
	bwd    *BackendPipe
}

// NewConnection builds the forward and backward pipes for a client/server
// connection pair, wired with a shared ConnectionContext seeded from cfg and
// a reserved (inert) short-circuit channel pair between the two pipes. m may
// be nil to disable instrumentation.
func NewConnection(client, server net.Conn, cfg mask.Config, m *metrics.Collector) *Connection {
	cctx := NewConnectionContext(cfg)
	scFwd, scBwd := newShortCircuitPair[frontend.Message, backend.Message]()

	fwdChain := []FrontendHandler{PassthroughHandler}
	bwdChain := []BackendHandler{NewMaskingHandler(cfg, m)}

	return &Connection{
		client: client,
		server: server,
		cctx:   cctx,
		fwd:    NewFrontendPipe(client, server, fwdChain, cctx, m, scFwd),
		bwd:    NewBackendPipe(client, server, bwdChain, cctx, m, scBwd),
	}
}

// Context returns the connection's shared ConnectionContext, so a server
// supervisor can register it for masking-config hot-reload fan-out.
func (c *Connection) Context() *ConnectionContext {
	return c.cctx
}

// Run starts both pipes and blocks until either one returns, at which point
// it closes both connections (unblocking whichever pipe is still reading)
// and returns the first error observed.
func (c *Connection) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- c.fwd.Run(ctx) }()
	go func() { errCh <- c.bwd.Run(ctx) }()

	var first error
	select {
	case <-ctx.Done():
		first = ctx.Err()
	case err := <-errCh:
		first = err
	}

	c.client.Close()
	c.server.Close()

	// Drain the second goroutine so it doesn't leak past Run returning.
	<-errCh

	return first
}
