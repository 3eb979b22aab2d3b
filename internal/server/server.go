// Package server drives the TCP accept loop: backoff retry on transient
// accept errors, a counting semaphore capping concurrent connections,
// context-based shutdown with a draining sync.WaitGroup, and fan-out of
// hot-reloaded masking configuration to every live connection.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pgshroud/pgshroud/internal/mask"
	"github.com/pgshroud/pgshroud/internal/metrics"
	"github.com/pgshroud/pgshroud/internal/pipe"
)

// backoffSchedule is the accept-loop retry schedule: exponential 1s->64s,
// after which the listener gives up.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
	64 * time.Second,
}

// Dialer opens the single backend connection for one accepted client. A
// plain net.Dialer in production; tests substitute an in-memory pipe.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Server owns the listener, the accept loop, and the set of live
// connections that need to hear about masking-config hot reloads.
type Server struct {
	Address     string
	BackendAddr string
	MaxConns    int
	Metrics     *metrics.Collector
	Dialer      Dialer

	mu       sync.Mutex
	cfg      mask.Config
	live     map[*pipe.ConnectionContext]struct{}
	listener net.Listener
	sem      chan struct{}
	wg       sync.WaitGroup
	ready    chan struct{}
}

// New builds a Server with the given initial masking configuration. MaxConns
// <= 0 means unbounded (no semaphore).
func New(address, backendAddr string, maxConns int, m *metrics.Collector, cfg mask.Config) *Server {
	s := &Server{
		Address:     address,
		BackendAddr: backendAddr,
		MaxConns:    maxConns,
		Metrics:     m,
		Dialer:      &net.Dialer{},
		cfg:         cfg,
		live:        make(map[*pipe.ConnectionContext]struct{}),
		ready:       make(chan struct{}),
	}
	if maxConns > 0 {
		s.sem = make(chan struct{}, maxConns)
	}
	return s
}

// Ready returns a channel that closes once the listener is bound, so a
// caller (or test) can wait for startup without probing the socket with a
// throwaway TCP connection that would itself be accepted and dispatched.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ListenAndServe opens the listener and runs the accept loop until ctx is
// cancelled or the backoff schedule is exhausted. It blocks until the
// accept loop exits and every dispatched connection has drained.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	log.Printf("[server] listening on %s, proxying to %s", s.Address, s.BackendAddr)
	close(s.ready)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	acceptErr := s.acceptLoop(ctx)
	s.wg.Wait()
	log.Printf("[server] all connections drained")
	return acceptErr
}

func (s *Server) acceptLoop(ctx context.Context) error {
	failures := 0
	for {
		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.sem != nil {
				<-s.sem
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			if failures >= len(backoffSchedule) {
				log.Printf("[server] accept failed %d times, giving up: %v", failures+1, err)
				return err
			}
			delay := backoffSchedule[failures]
			failures++
			log.Printf("[server] accept error (attempt %d, retrying in %s): %v", failures, delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		failures = 0

		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, client net.Conn) {
	defer s.wg.Done()
	defer func() {
		if s.sem != nil {
			<-s.sem
		}
	}()
	defer client.Close()

	if s.Metrics != nil {
		s.Metrics.ConnectionOpened()
		defer s.Metrics.ConnectionClosed()
	}

	server, err := s.Dialer.DialContext(ctx, "tcp", s.BackendAddr)
	if err != nil {
		log.Printf("[server] dial backend %s: %v", s.BackendAddr, err)
		return
	}
	defer server.Close()

	conn := pipe.NewConnection(client, server, s.currentConfig(), s.Metrics)
	s.register(conn.Context())
	defer s.unregister(conn.Context())

	if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[server] connection from %s closed: %v", client.RemoteAddr(), err)
	}
}

func (s *Server) currentConfig() mask.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Server) register(cctx *pipe.ConnectionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[cctx] = struct{}{}
}

func (s *Server) unregister(cctx *pipe.ConnectionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, cctx)
}

// SetMaskingConfig updates the default configuration for future connections
// and pushes the new snapshot into every currently live connection, so an
// in-flight session picks up a hot reload without being torn down.
func (s *Server) SetMaskingConfig(cfg mask.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	for cctx := range s.live {
		cctx.SetMaskingConfig(cfg)
	}
}
