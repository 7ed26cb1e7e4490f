package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kernelgate/kbus/internal/domain/meta"
	"github.com/kernelgate/kbus/internal/domain/names"
	"github.com/kernelgate/kbus/internal/domain/policy"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// DefaultEndpointName is the endpoint created together with the bus.
const DefaultEndpointName = "bus"

// Bus is one message bus: a name registry, a policy database, the live
// connection table and the pending notification list.
type Bus struct {
	domain *Domain
	name   string
	seq    uint64
	id     uuid.UUID
	bloom  types.BloomParameter

	creatorUID  uint32
	creatorSrc  *meta.Source
	creatorMeta *meta.Snapshot

	policy *policy.DB
	names  *names.Registry

	mu           sync.RWMutex
	conns        map[uint64]*Connection
	monitors     []*Connection
	endpoints    map[string]*Endpoint
	connSeq      uint64
	epSeq        uint64
	disconnected bool

	notifyMu   sync.Mutex
	notifyList []notification
}

func newBus(d *Domain, name string, seq uint64, src *meta.Source, bloom types.BloomParameter) *Bus {
	b := &Bus{
		domain:      d,
		name:        name,
		seq:         seq,
		id:          uuid.New(),
		bloom:       bloom,
		creatorUID:  src.Creds.UID,
		creatorSrc:  src,
		creatorMeta: meta.NewSnapshot(src, time.Now(), types.AttachAll),
		policy:      policy.NewDB(),
		names:       names.NewRegistry(),
		conns:       make(map[uint64]*Connection),
		endpoints:   make(map[string]*Endpoint),
	}
	b.endpoints[DefaultEndpointName] = newEndpoint(b, DefaultEndpointName, 1, false)
	b.epSeq = 1
	return b
}

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

// ID returns the bus's random 128-bit id.
func (b *Bus) ID() uuid.UUID { return b.id }

// BloomParameter returns the bus bloom geometry.
func (b *Bus) BloomParameter() types.BloomParameter { return b.bloom }

// Names returns the bus name registry.
func (b *Bus) Names() *names.Registry { return b.names }

// ConnCount returns the number of live connections.
func (b *Bus) ConnCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// DefaultEndpoint returns the endpoint owned by the bus itself.
func (b *Bus) DefaultEndpoint() *Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoints[DefaultEndpointName]
}

// EndpointCreate attaches a custom endpoint carrying its own policy
// database. The name must differ from every endpoint on the bus.
func (b *Bus) EndpointCreate(name string, mode uint32, uid, gid uint32) (*Endpoint, error) {
	if name == "" || name == DefaultEndpointName {
		return nil, fmt.Errorf("endpoint name %q: %w", name, errs.ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disconnected {
		return nil, errs.ErrShutdown
	}
	if _, ok := b.endpoints[name]; ok {
		return nil, fmt.Errorf("endpoint %q: %w", name, errs.ErrAlreadyExists)
	}
	b.epSeq++
	ep := newEndpoint(b, name, b.epSeq, true)
	ep.mode, ep.uid, ep.gid = mode, uid, gid
	b.endpoints[name] = ep
	return ep, nil
}

// EndpointLookup resolves an endpoint by name.
func (b *Bus) EndpointLookup(name string) (*Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ep, ok := b.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("endpoint %q: %w", name, errs.ErrNotFound)
	}
	return ep, nil
}

// connLookup resolves a live connection by id under the read lock.
func (b *Bus) connLookup(id uint64) (*Connection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.conns[id]
	if !ok {
		return nil, fmt.Errorf("connection %d: %w", id, errs.ErrNotFound)
	}
	return c, nil
}

// connSnapshot returns the live connections. Fan-out paths iterate the
// snapshot so per-receiver work runs outside the bus lock.
func (b *Bus) connSnapshot() []*Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

// monitorSnapshot returns the live monitor connections.
func (b *Bus) monitorSnapshot() []*Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Connection, len(b.monitors))
	copy(out, b.monitors)
	return out
}

// register installs a connection into the bus table and hands out its
// id. Monitors additionally join the monitor list.
func (b *Bus) register(c *Connection) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disconnected {
		return 0, errs.ErrShutdown
	}
	b.connSeq++
	c.id = b.connSeq
	b.conns[c.id] = c
	if c.flags.Has(types.HelloMonitor) {
		b.monitors = append(b.monitors, c)
	}
	return c.id, nil
}

// unregister removes a connection from the bus table and monitor list.
func (b *Bus) unregister(c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.conns, c.id)
	for i, m := range b.monitors {
		if m == c {
			b.monitors = append(b.monitors[:i], b.monitors[i+1:]...)
			break
		}
	}
}

// Disconnect detaches every endpoint, which cascades to every
// connection, and marks the bus dead. A second call is a no-op.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		return
	}
	b.disconnected = true
	eps := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		eps = append(eps, ep)
	}
	b.mu.Unlock()

	for _, ep := range eps {
		ep.disconnect()
	}
	b.flushNotifications()
	b.domain.removeBus(b)
	b.domain.log.Info("bus disconnected", zap.String("bus", b.name))
}

// isDisconnected reports whether the bus has been torn down.
func (b *Bus) isDisconnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.disconnected
}

// privileged reports whether creds may bypass quotas and policy on this
// bus: root, or the bus creator's own uid.
func (b *Bus) privileged(creds *types.Credentials) bool {
	return creds.UID == 0 || creds.UID == b.creatorUID
}
