package bus

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kernelgate/kbus/internal/domain/match"
	"github.com/kernelgate/kbus/internal/domain/meta"
	"github.com/kernelgate/kbus/internal/domain/pool"
	"github.com/kernelgate/kbus/internal/domain/queue"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// activeBias is added to the active counter on disconnect. Acquirers
// observe a negative counter and fail; the barrier closes when the
// counter drains back down to exactly the bias.
const activeBias = int64(math.MinInt64 / 2)

// queueEntry is one pending inbound message.
type queueEntry struct {
	seq    uint64
	src    uint64
	cookie uint64
	slice  *pool.Slice
	nameID uint64
	userID uint32
	fds    []uint64

	// reply is the non-owning back-pointer to the tracker that
	// authorized this message, nil otherwise.
	reply *Reply
}

// Connection is one attached participant: a role, a pool, a queue, a
// match database, a credential snapshot and the reply bookkeeping.
type Connection struct {
	bus *Bus
	ep  *Endpoint
	id  uint64

	flags     types.HelloFlags
	acceptFDs bool

	creds        types.Credentials
	metaSrc      *meta.Source
	impersonated bool
	privileged   bool

	pool    *pool.Pool
	queue   *queue.Queue[*queueEntry]
	matches *match.DB

	active  atomic.Int64
	barrier chan struct{}
	closing chan struct{}

	// replyCount is the number of outstanding requests this connection
	// created as a sender.
	replyCount atomic.Int32

	mu          sync.Mutex
	attach      types.AttachFlags
	description string

	// replies holds the trackers this connection is expected to answer.
	replies []*Reply
	timer   *time.Timer

	// users is the lazy per-sender-uid quota table, allocated only once
	// the queue grows past the per-user limit.
	users map[uint32]int

	wake chan struct{}
}

// ID returns the connection id, unique for the bus's lifetime.
func (c *Connection) ID() uint64 { return c.id }

// Bus returns the bus this connection is attached to.
func (c *Connection) Bus() *Bus { return c.bus }

// Flags returns the role flags chosen at Hello time.
func (c *Connection) Flags() types.HelloFlags { return c.flags }

// Description returns the connection description, empty if unset.
func (c *Connection) Description() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.description
}

// AttachFlags returns the metadata classes this receiver requests.
func (c *Connection) AttachFlags() types.AttachFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attach
}

func (c *Connection) isOrdinary() bool {
	return c.flags&(types.HelloActivator|types.HelloPolicyHolder|types.HelloMonitor) == 0
}

func (c *Connection) isMonitor() bool      { return c.flags.Has(types.HelloMonitor) }
func (c *Connection) isActivator() bool    { return c.flags.Has(types.HelloActivator) }
func (c *Connection) isPolicyHolder() bool { return c.flags.Has(types.HelloPolicyHolder) }

// acquireActive takes an in-flight reference. It fails once disconnect
// has begun.
func (c *Connection) acquireActive() bool {
	for {
		v := c.active.Load()
		if v < 0 {
			return false
		}
		if c.active.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// releaseActive drops an in-flight reference, closing the barrier when
// the last holder leaves a disconnecting connection.
func (c *Connection) releaseActive() {
	if c.active.Add(-1) == activeBias {
		close(c.barrier)
	}
}

// beginDisconnect flips the connection into the disconnecting state.
// It reports false when disconnect already began.
func (c *Connection) beginDisconnect() bool {
	for {
		v := c.active.Load()
		if v < 0 {
			return false
		}
		if c.active.CompareAndSwap(v, v+activeBias) {
			if v == 0 {
				close(c.barrier)
			}
			return true
		}
	}
}

// isActive reports whether the connection accepts new operations.
func (c *Connection) isActive() bool {
	return c.active.Load() >= 0
}

// notifyWake nudges a blocked receiver.
func (c *Connection) notifyWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// liveMeta collects the state exported fresh on every metadata query:
// owned names with their flags, and the connection description.
func (c *Connection) liveMeta() *meta.Live {
	var items []types.Item
	for _, name := range c.bus.names.NamesOf(c.id) {
		owner, err := c.bus.names.Lookup(name)
		if err != nil || owner.ConnID != c.id {
			continue
		}
		items = append(items, types.Item{
			Type: types.ItemName,
			Str:  name,
			Val:  uint64(owner.Flags),
		})
	}
	return &meta.Live{Names: items, ConnDescription: c.Description()}
}

// enqueue serializes the message with its per-receiver metadata items
// into this connection's pool and links the entry into the queue.
func (c *Connection) enqueue(msg *types.Message, metaItems []types.Item, senderUID uint32, senderPrivileged bool, nameID uint64, r *Reply) error {
	if !c.acquireActive() {
		return fmt.Errorf("connection %d: %w", c.id, errs.ErrConnectionReset)
	}
	defer c.releaseActive()

	fds := collectFDs(msg.Items)
	if len(fds) > 0 && !c.acceptFDs {
		return fmt.Errorf("connection %d: %w", c.id, errs.ErrCommunication)
	}

	data, err := encodeMessage(msg, metaItems)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkQuotaLocked(senderUID, senderPrivileged); err != nil {
		return err
	}

	slice, err := c.pool.Alloc(uint64(len(data)))
	if err != nil {
		c.bus.domain.recordDrop("pool")
		return err
	}
	if err := slice.Write(0, data); err != nil {
		_ = c.pool.Free(slice)
		return err
	}

	qe := &queueEntry{
		seq:    msg.Seq,
		src:    msg.SrcID,
		cookie: msg.Cookie,
		slice:  slice,
		nameID: nameID,
		userID: senderUID,
		fds:    fds,
		reply:  r,
	}
	c.queue.Add(qe, msg.Priority)
	if c.users != nil {
		c.users[senderUID]++
	}
	if r != nil {
		c.replies = append(c.replies, r)
		c.armTimerLocked()
	}

	c.bus.domain.addQueueDepth(1)
	c.bus.domain.addPoolBytes(int64(slice.Size()))
	c.notifyWake()
	return nil
}

// checkQuotaLocked enforces the total and per-sender-uid queue limits.
// The per-user table is allocated lazily: only once the queue first
// grows past the per-user limit, seeding the triggering user with its
// current share. Caller holds c.mu.
func (c *Connection) checkQuotaLocked(senderUID uint32, senderPrivileged bool) error {
	if senderPrivileged {
		return nil
	}
	cfg := c.bus.domain.cfg
	qlen := c.queue.Len()
	if qlen >= cfg.MaxMsgs {
		c.bus.domain.recordDrop("quota")
		return fmt.Errorf("connection %d queue full: %w", c.id, errs.ErrFull)
	}

	if c.users == nil {
		if qlen < cfg.MaxMsgsPerUser {
			return nil
		}
		c.users = make(map[uint32]int)
		for _, e := range c.queue.Snapshot() {
			if e.Value.userID == senderUID {
				c.users[senderUID]++
			}
		}
	}
	if c.users[senderUID] >= cfg.MaxMsgsPerUser {
		c.bus.domain.recordDrop("quota")
		return fmt.Errorf("connection %d per-user quota for uid %d: %w",
			c.id, senderUID, errs.ErrFull)
	}
	return nil
}

// releaseEntryLocked undoes the accounting of a removed entry and frees
// its slice when requested. Caller holds c.mu.
func (c *Connection) releaseEntryLocked(qe *queueEntry, freeSlice bool) {
	if c.users != nil && c.users[qe.userID] > 0 {
		c.users[qe.userID]--
	}
	c.bus.domain.addQueueDepth(-1)
	if freeSlice {
		c.bus.domain.addPoolBytes(-int64(qe.slice.Size()))
		_ = c.pool.Free(qe.slice)
	}
}

// Disconnect runs the teardown sequence: leave the bus tables, release
// owned names, drain the queue and the reply list, then announce the
// departure. A repeated call reports AlreadyDone.
func (c *Connection) Disconnect() error {
	if !c.beginDisconnect() {
		return errs.ErrAlreadyDone
	}
	close(c.closing)
	<-c.barrier

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	b := c.bus
	b.unregister(c)
	c.ep.detach(c)
	b.domain.releaseConn(c.creds.UID)
	b.domain.addConns(-1)

	// Owned names move to waiters or activators; queued messages follow
	// an activator handoff.
	changes, transfers := b.names.RemoveByConn(c.id)
	for _, ch := range changes {
		b.queueNameNotification(ch)
		if ch.Kind == types.ItemNameRemove {
			b.domain.addNames(-1)
		}
	}
	for i := range transfers {
		if dst, err := b.connLookup(transfers[i].To); err == nil {
			b.moveMessages(c, dst, transfers[i].NameID)
		}
	}
	if len(changes) > 0 {
		b.purgePolicyCaches()
	}
	b.policy.RemoveOwner(c.id)
	b.policy.PurgeCacheFor(c.id)
	if c.ep.custom {
		c.ep.policy.RemoveOwner(c.id)
		c.ep.policy.PurgeCacheFor(c.id)
	}

	// Drain the queue. Entries that carried a reply back-pointer tell
	// their waiting sender the request will never be answered.
	for _, e := range c.queue.Drain() {
		qe := e.Value
		if qe.reply != nil {
			c.resolveReplyDead(qe.reply)
		}
		c.mu.Lock()
		c.releaseEntryLocked(qe, true)
		c.mu.Unlock()
		b.domain.recordDrop("dead")
	}

	// Drain the trackers this connection was expected to answer.
	c.mu.Lock()
	replies := c.replies
	c.replies = nil
	c.mu.Unlock()
	for _, r := range replies {
		c.resolveReplyDead(r)
	}

	// Requests this connection sent and never saw answered: the peers
	// expected to reply learn the requester died.
	for _, other := range b.connSnapshot() {
		other.orphanWaiterReplies(c)
	}

	if !c.isMonitor() {
		b.queueIDNotification(types.ItemIDRemove, c.id, uint64(c.flags))
	}
	b.flushNotifications()

	b.domain.log.Info("connection disconnected",
		zap.String("bus", b.name),
		zap.Uint64("id", c.id))
	return nil
}

// resolveReplyDead completes one tracker on this connection's list for
// a dead request: sync waiters wake with BrokenPipe, async waiters get
// a REPLY_DEAD notification.
func (c *Connection) resolveReplyDead(r *Reply) {
	c.mu.Lock()
	unlinked := c.unlinkReplyLocked(r)
	if unlinked {
		if r.sync {
			r.completeLocked(fmt.Errorf("peer %d died: %w", c.id, errs.ErrBrokenPipe), 0)
		} else {
			r.completeLocked(errs.ErrBrokenPipe, 0)
		}
	}
	c.mu.Unlock()

	if unlinked && !r.sync {
		c.bus.queueReplyNotification(types.ItemReplyDead, r.waiter.id, c.id, r.cookie)
	}
}

// orphanWaiterReplies marks every tracker whose waiter is the dead
// connection: the deadline drops to zero so the timeout sweep skips it,
// and this connection is told the requester died.
func (c *Connection) orphanWaiterReplies(dead *Connection) {
	c.mu.Lock()
	var orphaned []*Reply
	for _, r := range c.replies {
		if r.waiter == dead && !r.completed && !r.deadline.IsZero() {
			r.deadline = time.Time{}
			orphaned = append(orphaned, r)
		}
	}
	if len(orphaned) > 0 {
		c.armTimerLocked()
	}
	c.mu.Unlock()

	for _, r := range orphaned {
		c.bus.queueReplyNotification(types.ItemReplyDead, c.id, dead.id, r.cookie)
	}
}

// collectFDs gathers the opaque handle tokens carried by FDS items.
func collectFDs(items []types.Item) []uint64 {
	var fds []uint64
	for i := range items {
		if items[i].Type == types.ItemFDs {
			fds = append(fds, items[i].FDs...)
		}
	}
	return fds
}
