package bus

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kernelgate/kbus/internal/domain/meta"
	"github.com/kernelgate/kbus/internal/infrastructure/config"
	"github.com/kernelgate/kbus/internal/infrastructure/logging"
	"github.com/kernelgate/kbus/internal/infrastructure/monitoring"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// userAccount tracks one user's bus and connection counts on the domain.
type userAccount struct {
	uid   uint32
	buses int
	conns int
}

// Domain is the top-level container. It owns the buses, the per-user
// quota accounts and the domain-global message sequence.
type Domain struct {
	cfg     config.EngineConfig
	log     *logging.Logger
	metrics *monitoring.Metrics

	msgSeq atomic.Uint64

	mu           sync.RWMutex
	buses        map[string]*Bus
	busSeq       uint64
	users        map[uint32]*userAccount
	disconnected bool

	// Domain-wide gauges kept incrementally for monitoring.
	queueDepth atomic.Int64
	poolBytes  atomic.Int64
	connCount  atomic.Int64
	nameCount  atomic.Int64
}

// NewDomain creates an empty domain. The metrics collector may be nil.
func NewDomain(cfg config.EngineConfig, log *logging.Logger, metrics *monitoring.Metrics) *Domain {
	if log == nil {
		log = logging.NewNop()
	}
	return &Domain{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		buses:   make(map[string]*Bus),
		users:   make(map[uint32]*userAccount),
	}
}

// NextSeq returns the next domain-global message sequence number.
func (d *Domain) NextSeq() uint64 {
	return d.msgSeq.Add(1)
}

// validBusName reports whether name begins with "<uid>-" for the given
// creator uid and carries a non-empty remainder.
func validBusName(name string, uid uint32) bool {
	prefix := strconv.FormatUint(uint64(uid), 10) + "-"
	return strings.HasPrefix(name, prefix) && len(name) > len(prefix)
}

// BusCreate creates a bus named name for the given creator. The name
// must begin with the creator's uid in decimal followed by a dash. A
// zero-valued bloom parameter selects the configured default geometry.
func (d *Domain) BusCreate(name string, src *meta.Source, bloom types.BloomParameter) (*Bus, error) {
	if src == nil {
		return nil, fmt.Errorf("bus creator metadata missing: %w", errs.ErrInvalidArgument)
	}
	uid := src.Creds.UID
	if !validBusName(name, uid) {
		return nil, fmt.Errorf("bus name %q must start with %d-: %w",
			name, uid, errs.ErrInvalidArgument)
	}
	if bloom == (types.BloomParameter{}) {
		bloom = types.BloomParameter{Size: d.cfg.BloomSize, Hashes: d.cfg.BloomHashes}
	}
	if !bloom.Valid() {
		return nil, fmt.Errorf("bloom parameter size=%d n_hash=%d: %w",
			bloom.Size, bloom.Hashes, errs.ErrInvalidArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disconnected {
		return nil, errs.ErrShutdown
	}
	if _, ok := d.buses[name]; ok {
		return nil, fmt.Errorf("bus %q: %w", name, errs.ErrAlreadyExists)
	}

	acct := d.accountLocked(uid)
	if acct.buses >= d.cfg.MaxBusesPerUser {
		return nil, fmt.Errorf("user %d bus quota: %w", uid, errs.ErrFull)
	}

	d.busSeq++
	b := newBus(d, name, d.busSeq, src, bloom)
	d.buses[name] = b
	acct.buses++

	d.log.Info("bus created",
		zap.String("bus", name),
		zap.Uint32("uid", uid),
		zap.Uint64("bloom_size", bloom.Size))
	return b, nil
}

// BusLookup resolves a bus by name.
func (d *Domain) BusLookup(name string) (*Bus, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.buses[name]
	if !ok {
		return nil, fmt.Errorf("bus %q: %w", name, errs.ErrNotFound)
	}
	return b, nil
}

// Buses returns the live buses.
func (d *Domain) Buses() []*Bus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Bus, 0, len(d.buses))
	for _, b := range d.buses {
		out = append(out, b)
	}
	return out
}

// Shutdown disconnects every bus and marks the domain dead. A second
// call is a no-op.
func (d *Domain) Shutdown() {
	d.mu.Lock()
	if d.disconnected {
		d.mu.Unlock()
		return
	}
	d.disconnected = true
	buses := make([]*Bus, 0, len(d.buses))
	for _, b := range d.buses {
		buses = append(buses, b)
	}
	d.mu.Unlock()

	for _, b := range buses {
		b.Disconnect()
	}
	d.log.Info("domain shut down", zap.Int("buses", len(buses)))
}

// removeBus detaches a disconnected bus from the domain.
func (d *Domain) removeBus(b *Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cur, ok := d.buses[b.name]; ok && cur == b {
		delete(d.buses, b.name)
		if acct, ok := d.users[b.creatorUID]; ok {
			acct.buses--
		}
	}
}

// chargeConn accounts one connection against uid, enforcing the
// per-user connection quota.
func (d *Domain) chargeConn(uid uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acct := d.accountLocked(uid)
	if acct.conns >= d.cfg.MaxConnectionsPerUser {
		return fmt.Errorf("user %d connection quota: %w", uid, errs.ErrFull)
	}
	acct.conns++
	return nil
}

// releaseConn undoes chargeConn.
func (d *Domain) releaseConn(uid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if acct, ok := d.users[uid]; ok && acct.conns > 0 {
		acct.conns--
	}
}

// accountLocked returns the account for uid, creating it on first use.
// Caller holds d.mu.
func (d *Domain) accountLocked(uid uint32) *userAccount {
	acct, ok := d.users[uid]
	if !ok {
		acct = &userAccount{uid: uid}
		d.users[uid] = acct
	}
	return acct
}

// Gauge maintenance. The domain keeps incremental totals so the
// collector never walks the object tree.

func (d *Domain) addQueueDepth(n int64) {
	v := d.queueDepth.Add(n)
	if d.metrics != nil {
		d.metrics.SetQueueDepth(int(v))
	}
}

func (d *Domain) addPoolBytes(n int64) {
	v := d.poolBytes.Add(n)
	if d.metrics != nil {
		d.metrics.SetPoolBytesInUse(uint64(v))
	}
}

func (d *Domain) addConns(n int64) {
	v := d.connCount.Add(n)
	if d.metrics != nil {
		d.metrics.SetConnectionsActive(int(v))
	}
}

func (d *Domain) addNames(n int64) {
	v := d.nameCount.Add(n)
	if d.metrics != nil {
		d.metrics.SetNamesOwned(int(v))
	}
}

func (d *Domain) recordSend(kind string) {
	if d.metrics != nil {
		d.metrics.RecordSend(kind)
	}
}

func (d *Domain) recordDrop(reason string) {
	if d.metrics != nil {
		d.metrics.RecordDrop(reason)
	}
}

func (d *Domain) recordEavesdrop() {
	if d.metrics != nil {
		d.metrics.RecordEavesdrop()
	}
}

func (d *Domain) recordPolicyDenial(access string) {
	if d.metrics != nil {
		d.metrics.RecordPolicyDenial(access)
	}
}

func (d *Domain) recordReplyTimeout() {
	if d.metrics != nil {
		d.metrics.RecordReplyTimeout()
	}
}

func (d *Domain) recordNotification() {
	if d.metrics != nil {
		d.metrics.RecordNotification()
	}
}
