package pipe

import (
	"sync"
	"sync/atomic"

	"github.com/pgshroud/pgshroud/internal/mask"
)

// contextSnapshot is an immutable point-in-time view of a connection's
// shared state. Stored in atomic.Value for lock-free reads on the hot path.
type contextSnapshot struct {
	maskConfig mask.Config
	kv         map[string]string
}

// ConnectionContext is the per-connection shared record: an immutable
// configuration snapshot plus a free-form key-value store. Neither pipe
// writes it: the masking configuration is replaced through SetMaskingConfig
// (the server's hot-reload fan-out), and the store changes only through Set.
// Reads are lock-free via
// atomic.Value; writes serialize on a private mutex and swap in a cloned
// snapshot, so readers never block behind a writer.
type ConnectionContext struct {
	snap atomic.Value // holds *contextSnapshot
	wmu  sync.Mutex
}

// NewConnectionContext creates a context with the given initial masking
// configuration and an empty key-value store.
func NewConnectionContext(cfg mask.Config) *ConnectionContext {
	c := &ConnectionContext{}
	c.snap.Store(&contextSnapshot{maskConfig: cfg, kv: map[string]string{}})
	return c
}

func (c *ConnectionContext) load() *contextSnapshot {
	return c.snap.Load().(*contextSnapshot)
}

// MaskingConfig returns the current masking configuration. Lock-free.
func (c *ConnectionContext) MaskingConfig() mask.Config {
	return c.load().maskConfig
}

// SetMaskingConfig publishes a new masking configuration, e.g. after a
// config file hot reload.
func (c *ConnectionContext) SetMaskingConfig(cfg mask.Config) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	cur := c.load()
	next := &contextSnapshot{maskConfig: cfg, kv: cur.kv}
	c.snap.Store(next)
}

// Get returns a value from the shared key-value store. Lock-free.
func (c *ConnectionContext) Get(key string) (string, bool) {
	v, ok := c.load().kv[key]
	return v, ok
}

// Set stores a value in the shared key-value store, copy-on-write.
func (c *ConnectionContext) Set(key, value string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	cur := c.load()
	next := make(map[string]string, len(cur.kv)+1)
	for k, v := range cur.kv {
		next[k] = v
	}
	next[key] = value
	c.snap.Store(&contextSnapshot{maskConfig: cur.maskConfig, kv: next})
}
