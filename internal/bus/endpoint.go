package bus

import (
	"sync"

	"github.com/kernelgate/kbus/internal/domain/policy"
	"github.com/kernelgate/kbus/internal/shared/errs"
)

// Endpoint is an attach point to a bus. The default endpoint is created
// with the bus; custom endpoints carry their own policy database and an
// anonymous per-endpoint connection account.
type Endpoint struct {
	bus    *Bus
	name   string
	seq    uint64
	custom bool
	policy *policy.DB

	mode uint32
	uid  uint32
	gid  uint32

	mu           sync.Mutex
	conns        map[uint64]*Connection
	anonConns    int
	disconnected bool
}

func newEndpoint(b *Bus, name string, seq uint64, custom bool) *Endpoint {
	ep := &Endpoint{
		bus:    b,
		name:   name,
		seq:    seq,
		custom: custom,
		conns:  make(map[uint64]*Connection),
	}
	if custom {
		ep.policy = policy.NewDB()
	}
	return ep
}

// Name returns the endpoint name.
func (ep *Endpoint) Name() string { return ep.name }

// Bus returns the owning bus.
func (ep *Endpoint) Bus() *Bus { return ep.bus }

// Custom reports whether the endpoint carries its own policy database.
func (ep *Endpoint) Custom() bool { return ep.custom }

// Policy returns the endpoint policy database, nil on the default
// endpoint.
func (ep *Endpoint) Policy() *policy.DB { return ep.policy }

// hasPolicy reports whether the endpoint carries installed rules.
func (ep *Endpoint) hasPolicy() bool {
	return ep.custom && ep.policy.HasPolicy()
}

// attach anchors a connection to the endpoint. Custom endpoints account
// every connection against a single anonymous user.
func (ep *Endpoint) attach(c *Connection) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.disconnected {
		return errs.ErrShutdown
	}
	ep.conns[c.id] = c
	if ep.custom {
		ep.anonConns++
	}
	return nil
}

// detach drops a connection from the endpoint.
func (ep *Endpoint) detach(c *Connection) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if _, ok := ep.conns[c.id]; ok {
		delete(ep.conns, c.id)
		if ep.custom && ep.anonConns > 0 {
			ep.anonConns--
		}
	}
}

// disconnect cascades to every anchored connection.
func (ep *Endpoint) disconnect() {
	ep.mu.Lock()
	if ep.disconnected {
		ep.mu.Unlock()
		return
	}
	ep.disconnected = true
	conns := make([]*Connection, 0, len(ep.conns))
	for _, c := range ep.conns {
		conns = append(conns, c)
	}
	ep.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
}
