package bus

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kernelgate/kbus/internal/domain/match"
	"github.com/kernelgate/kbus/internal/domain/meta"
	"github.com/kernelgate/kbus/internal/domain/names"
	"github.com/kernelgate/kbus/internal/domain/pool"
	"github.com/kernelgate/kbus/internal/domain/queue"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// specialRoles are the flags only a privileged caller may request.
const specialRoles = types.HelloActivator | types.HelloPolicyHolder | types.HelloMonitor

// Hello attaches a new connection to the endpoint. The items may carry
// one NAME (required for activators and policy holders), one
// CONN_DESCRIPTION, POLICY_ACCESS rules for the named service, and a
// faked CREDS or SECLABEL identity installed by a privileged caller.
func (ep *Endpoint) Hello(src *meta.Source, flags types.HelloFlags, attach types.AttachFlags, items []types.Item) (*Connection, error) {
	if src == nil {
		return nil, fmt.Errorf("connection source metadata missing: %w", errs.ErrInvalidArgument)
	}
	b := ep.bus

	if flags.Has(types.HelloMonitor) && flags&(types.HelloActivator|types.HelloPolicyHolder) != 0 {
		return nil, fmt.Errorf("monitor combined with another role: %w", errs.ErrInvalidArgument)
	}
	if flags.Has(types.HelloActivator) && flags.Has(types.HelloPolicyHolder) {
		return nil, fmt.Errorf("activator combined with policy holder: %w", errs.ErrInvalidArgument)
	}
	if flags&specialRoles != 0 && !b.privileged(&src.Creds) {
		return nil, fmt.Errorf("role flags %#x: %w", uint64(flags&specialRoles), errs.ErrPermissionDenied)
	}

	var (
		name        string
		description string
		accesses    []types.PolicyAccess
		fakedCreds  *types.Credentials
		seclabel    string
		faked       bool
	)
	for i := range items {
		it := &items[i]
		switch it.Type {
		case types.ItemName:
			if name != "" {
				return nil, fmt.Errorf("repeated NAME item: %w", errs.ErrInvalidArgument)
			}
			name = it.Str
		case types.ItemConnDescription:
			if description != "" {
				return nil, fmt.Errorf("repeated CONN_DESCRIPTION item: %w", errs.ErrInvalidArgument)
			}
			description = it.Str
		case types.ItemPolicyAccess:
			if it.Policy == nil {
				return nil, fmt.Errorf("empty POLICY_ACCESS item: %w", errs.ErrInvalidArgument)
			}
			accesses = append(accesses, *it.Policy)
		case types.ItemCreds:
			if it.Creds == nil {
				return nil, fmt.Errorf("empty CREDS item: %w", errs.ErrInvalidArgument)
			}
			fakedCreds = it.Creds
			faked = true
		case types.ItemSeclabel:
			seclabel = it.Str
			faked = true
		default:
			return nil, fmt.Errorf("item %s in hello: %w", it.Type, errs.ErrInvalidArgument)
		}
	}

	wantsName := flags.Has(types.HelloActivator) || flags.Has(types.HelloPolicyHolder)
	if wantsName && name == "" {
		return nil, fmt.Errorf("role requires a NAME item: %w", errs.ErrInvalidArgument)
	}
	if !wantsName && name != "" {
		return nil, fmt.Errorf("NAME item without a naming role: %w", errs.ErrInvalidArgument)
	}
	if len(accesses) > 0 && !wantsName {
		return nil, fmt.Errorf("POLICY_ACCESS without a naming role: %w", errs.ErrInvalidArgument)
	}
	if name != "" && !names.Valid(name) {
		return nil, fmt.Errorf("name %q: %w", name, errs.ErrInvalidArgument)
	}
	if faked && !b.privileged(&src.Creds) {
		return nil, fmt.Errorf("faked identity: %w", errs.ErrPermissionDenied)
	}

	metaSrc := src
	if faked {
		creds := src.Creds
		if fakedCreds != nil {
			creds = *fakedCreds
		}
		metaSrc = &meta.Source{Creds: creds, Seclabel: seclabel, Faked: true}
	}

	if err := b.domain.chargeConn(src.Creds.UID); err != nil {
		return nil, err
	}

	p, err := pool.New(b.domain.cfg.PoolSize)
	if err != nil {
		b.domain.releaseConn(src.Creds.UID)
		return nil, err
	}

	c := &Connection{
		bus:          b,
		ep:           ep,
		flags:        flags,
		acceptFDs:    flags.Has(types.HelloAcceptFDs),
		creds:        src.Creds,
		metaSrc:      metaSrc,
		impersonated: faked,
		privileged:   b.privileged(&src.Creds),
		pool:         p,
		queue:        queue.New[*queueEntry](),
		matches:      match.NewDB(),
		attach:       attach,
		description:  description,
		barrier:      make(chan struct{}),
		closing:      make(chan struct{}),
		wake:         make(chan struct{}, 1),
	}

	if _, err := b.register(c); err != nil {
		b.domain.releaseConn(src.Creds.UID)
		return nil, err
	}
	if err := ep.attach(c); err != nil {
		b.unregister(c)
		b.domain.releaseConn(src.Creds.UID)
		return nil, err
	}

	if name != "" {
		if err := c.installName(name, accesses); err != nil {
			ep.detach(c)
			b.unregister(c)
			b.domain.releaseConn(src.Creds.UID)
			return nil, err
		}
	}

	b.domain.addConns(1)
	if !c.isMonitor() {
		b.queueIDNotification(types.ItemIDAdd, c.id, uint64(c.flags))
	}
	b.flushNotifications()

	b.domain.log.Info("connection attached",
		zap.String("bus", b.name),
		zap.String("endpoint", ep.name),
		zap.Uint64("id", c.id),
		zap.Uint32("uid", c.creds.UID),
		zap.Uint64("flags", uint64(flags)))
	return c, nil
}

// installName claims the role name at hello time: an activator takes the
// placeholder ownership, a policy holder uploads its rules.
func (c *Connection) installName(name string, accesses []types.PolicyAccess) error {
	b := c.bus
	if c.isActivator() {
		_, changes, transfer, err := b.names.Acquire(c.id, name, types.NameActivator)
		if err != nil {
			return err
		}
		for _, ch := range changes {
			b.queueNameNotification(ch)
			if ch.Kind == types.ItemNameAdd {
				b.domain.addNames(1)
			}
		}
		if transfer != nil {
			if dst, err := b.connLookup(transfer.To); err == nil {
				b.moveMessages(c, dst, transfer.NameID)
			}
		}
		if len(changes) > 0 {
			b.purgePolicyCaches()
		}
	}

	if len(accesses) > 0 {
		db := b.policy
		if c.ep.custom {
			db = c.ep.policy
		}
		if err := db.Set(c.id, name, accesses); err != nil {
			return err
		}
	}
	return nil
}

// ByeBye disconnects only if the queue is already empty, so a graceful
// client never discards messages it was meant to read.
func (c *Connection) ByeBye() error {
	if !c.acquireActive() {
		return errs.ErrAlreadyDone
	}
	if c.queue.Len() > 0 {
		c.releaseActive()
		return fmt.Errorf("connection %d queue not drained: %w", c.id, errs.ErrBusy)
	}
	c.releaseActive()
	return c.Disconnect()
}

// requestFlags are the acquisition bits a client may request.
const requestFlags = types.NameReplaceExisting | types.NameAllowReplacement | types.NameQueue

// NameAcquire requests ownership of a well-known name. The returned
// flags carry NameInQueue when the request was queued behind the
// current owner.
func (c *Connection) NameAcquire(name string, flags types.NameFlags) (types.NameFlags, error) {
	if !c.isOrdinary() {
		return 0, fmt.Errorf("connection role cannot own names: %w", errs.ErrUnsupported)
	}
	if !c.acquireActive() {
		return 0, errs.ErrShutdown
	}
	defer c.releaseActive()

	if flags&^requestFlags != 0 {
		return 0, fmt.Errorf("name flags %#x: %w", uint64(flags), errs.ErrInvalidArgument)
	}

	b := c.bus
	if err := b.checkOwn(c.ep, c, name); err != nil {
		return 0, err
	}

	granted, changes, transfer, err := b.names.Acquire(c.id, name, flags)
	if err != nil {
		return 0, err
	}
	c.applyNameResult(changes, transfer)
	return granted, nil
}

// NameRelease gives up this connection's stake in a name: ownership, a
// queue slot or an activator registration.
func (c *Connection) NameRelease(name string) error {
	if !c.acquireActive() {
		return errs.ErrShutdown
	}
	defer c.releaseActive()

	changes, transfer, err := c.bus.names.Release(c.id, name)
	if err != nil {
		return err
	}
	c.applyNameResult(changes, transfer)
	return nil
}

// applyNameResult broadcasts the ownership transitions and follows an
// activator handoff with the queued messages.
func (c *Connection) applyNameResult(changes []names.Change, transfer *names.Transfer) {
	b := c.bus
	for _, ch := range changes {
		b.queueNameNotification(ch)
		switch ch.Kind {
		case types.ItemNameAdd:
			b.domain.addNames(1)
		case types.ItemNameRemove:
			b.domain.addNames(-1)
		}
	}
	if transfer != nil {
		from, ferr := b.connLookup(transfer.From)
		to, terr := b.connLookup(transfer.To)
		if ferr == nil && terr == nil {
			b.moveMessages(from, to, transfer.NameID)
		}
	}
	if len(changes) > 0 {
		b.purgePolicyCaches()
	}
	b.flushNotifications()
}

// NameList returns the registered names this connection is allowed to
// see.
func (c *Connection) NameList() []names.Listing {
	all := c.bus.names.List()
	out := all[:0]
	for _, l := range all {
		if c.canSee(l.Name) {
			out = append(out, l)
		}
	}
	return out
}

// canSee runs the composite SEE decision: the custom endpoint's rules
// first and fatally, then the bus database.
func (c *Connection) canSee(name string) bool {
	if c.ep.hasPolicy() && !c.privileged &&
		!c.ep.policy.CheckAccessCached(c.id, &c.creds, name, types.AccessSee) {
		return false
	}
	if c.privileged || !c.bus.policy.HasPolicy() {
		return true
	}
	return c.bus.policy.CheckAccessCached(c.id, &c.creds, name, types.AccessSee)
}

// checkOwn runs the composite OWN decision for a name acquisition.
func (b *Bus) checkOwn(ep *Endpoint, c *Connection, name string) error {
	if ep.hasPolicy() {
		if !ep.policy.CheckAccessCached(c.id, &c.creds, name, types.AccessOwn) {
			b.domain.recordPolicyDenial("own")
			return fmt.Errorf("endpoint %q: %w", ep.name, errs.ErrPermissionDenied)
		}
	}
	if c.privileged || !b.policy.HasPolicy() {
		return nil
	}
	if b.policy.CheckAccessCached(c.id, &c.creds, name, types.AccessOwn) {
		return nil
	}
	b.domain.recordPolicyDenial("own")
	return fmt.Errorf("own name %q: %w", name, errs.ErrPermissionDenied)
}

// MatchAdd installs a subscription entry.
func (c *Connection) MatchAdd(e match.Entry) error {
	if !c.isOrdinary() {
		return fmt.Errorf("connection role cannot subscribe: %w", errs.ErrUnsupported)
	}
	if !c.acquireActive() {
		return errs.ErrShutdown
	}
	defer c.releaseActive()

	c.matches.Add(e)
	return nil
}

// MatchRemove deletes every subscription installed under cookie.
func (c *Connection) MatchRemove(cookie uint64) error {
	if !c.isOrdinary() {
		return fmt.Errorf("connection role cannot subscribe: %w", errs.ErrUnsupported)
	}
	if !c.acquireActive() {
		return errs.ErrShutdown
	}
	defer c.releaseActive()

	return c.matches.Remove(cookie)
}

// Cancel interrupts this connection's blocked synchronous sends carrying
// the given cookie. The waiters wake with Cancelled.
func (c *Connection) Cancel(cookie uint64) error {
	if !c.acquireActive() {
		return errs.ErrShutdown
	}
	defer c.releaseActive()

	found := false
	for _, other := range c.bus.connSnapshot() {
		other.mu.Lock()
		var hits []*Reply
		for _, r := range other.replies {
			if r.waiter == c && r.cookie == cookie && r.sync && !r.completed {
				hits = append(hits, r)
			}
		}
		for _, r := range hits {
			other.unlinkReplyLocked(r)
			r.completeLocked(errs.ErrCancelled, 0)
		}
		if len(hits) > 0 {
			other.armTimerLocked()
			found = true
		}
		other.mu.Unlock()
	}
	if !found {
		return fmt.Errorf("sync send cookie %d: %w", cookie, errs.ErrNotFound)
	}
	return nil
}

// Update changes the connection's runtime settings. Ordinary connections
// and monitors may update their attach flags, and only ordinary
// connections their description; a policy holder replaces the rules for
// its names.
func (c *Connection) Update(items []types.Item) error {
	if !c.acquireActive() {
		return errs.ErrShutdown
	}
	defer c.releaseActive()

	var (
		policyName string
		accesses   []types.PolicyAccess
		havePolicy bool
	)
	flush := func() error {
		if !havePolicy {
			return nil
		}
		db := c.bus.policy
		if c.ep.custom {
			db = c.ep.policy
		}
		err := db.Set(c.id, policyName, accesses)
		policyName, accesses, havePolicy = "", nil, false
		return err
	}

	for i := range items {
		it := &items[i]
		switch it.Type {
		case types.ItemAttachFlags:
			if c.isActivator() || c.isPolicyHolder() {
				return fmt.Errorf("role cannot update attach flags: %w", errs.ErrUnsupported)
			}
			c.mu.Lock()
			c.attach = types.AttachFlags(it.Val)
			c.mu.Unlock()

		case types.ItemConnDescription:
			if !c.isOrdinary() {
				return fmt.Errorf("role cannot update description: %w", errs.ErrUnsupported)
			}
			c.mu.Lock()
			c.description = it.Str
			c.mu.Unlock()

		case types.ItemName:
			if !c.isPolicyHolder() {
				return fmt.Errorf("policy update requires a policy holder: %w", errs.ErrUnsupported)
			}
			if err := flush(); err != nil {
				return err
			}
			if !names.Valid(it.Str) && !isWildcardName(it.Str) {
				return fmt.Errorf("name %q: %w", it.Str, errs.ErrInvalidArgument)
			}
			policyName = it.Str
			havePolicy = true

		case types.ItemPolicyAccess:
			if !havePolicy {
				return fmt.Errorf("POLICY_ACCESS without a NAME item: %w", errs.ErrInvalidArgument)
			}
			if it.Policy == nil {
				return fmt.Errorf("empty POLICY_ACCESS item: %w", errs.ErrInvalidArgument)
			}
			accesses = append(accesses, *it.Policy)

		default:
			return fmt.Errorf("item %s in update: %w", it.Type, errs.ErrInvalidArgument)
		}
	}
	return flush()
}

// isWildcardName accepts a policy name with a trailing ".*" segment.
func isWildcardName(name string) bool {
	const suffix = ".*"
	return len(name) > len(suffix) &&
		name[len(name)-len(suffix):] == suffix &&
		names.Valid(name[:len(name)-len(suffix)])
}
