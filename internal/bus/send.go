package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/kernelgate/kbus/internal/domain/match"
	"github.com/kernelgate/kbus/internal/domain/meta"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// Send runs the send pipeline for one message. For a synchronous
// request the call blocks until the reply arrives and returns the
// published reply slice offset in the sender's pool.
func (c *Connection) Send(ctx context.Context, msg *types.Message) (uint64, error) {
	if !c.isOrdinary() {
		return 0, fmt.Errorf("connection role cannot send: %w", errs.ErrUnsupported)
	}
	if !c.acquireActive() {
		return 0, errs.ErrShutdown
	}
	defer c.releaseActive()

	if err := validateSend(msg); err != nil {
		return 0, err
	}

	b := c.bus
	msg.Seq = b.domain.NextSeq()
	msg.SrcID = c.id

	snap := meta.NewSnapshot(c.metaSrc, time.Now(), 0)
	live := c.liveMeta()

	if msg.IsBroadcast() {
		b.broadcast(c, msg, snap, live)
		b.domain.recordSend("broadcast")
		b.flushNotifications()
		return 0, nil
	}

	dst, nameID, err := b.resolveDestination(msg)
	if err != nil {
		return 0, err
	}

	// A reply consumes the tracker the request installed; that consumed
	// tracker stands in for the TALK check.
	var consumed *Reply
	if msg.IsReply() {
		c.mu.Lock()
		consumed = c.findReplyLocked(dst.id, msg.CookieReply)
		if consumed != nil {
			c.unlinkReplyLocked(consumed)
			if !consumed.sync {
				consumed.completeLocked(nil, 0)
			}
			c.armTimerLocked()
		}
		c.mu.Unlock()
		if consumed == nil {
			if err := b.checkTalk(c.ep, c, dst); err != nil {
				return 0, err
			}
		}
	}

	var tracker *Reply
	if msg.Flags.Has(types.MsgExpectReply) {
		// A restarted sync send resumes its interrupted tracker instead
		// of enqueueing the request a second time.
		if msg.Flags.Has(types.MsgSyncReply) {
			dst.mu.Lock()
			if r := dst.findInterruptedLocked(c.id, msg.Cookie); r != nil {
				r.interrupted = false
				dst.armTimerLocked()
				dst.mu.Unlock()
				return c.waitSyncReply(ctx, r)
			}
			dst.mu.Unlock()
		}

		if err := b.checkTalk(c.ep, c, dst); err != nil {
			return 0, err
		}
		if int(c.replyCount.Load()) >= b.domain.cfg.MaxRequestsPending {
			return 0, fmt.Errorf("connection %d pending requests: %w", c.id, errs.ErrFull)
		}
		deadline := time.Now().Add(time.Duration(msg.TimeoutNS))
		tracker = newReply(c, dst, msg.Cookie, nameID, deadline, msg.Flags.Has(types.MsgSyncReply))
		c.replyCount.Add(1)
	} else if !msg.IsReply() {
		if err := b.checkTalk(c.ep, c, dst); err != nil {
			return 0, err
		}
	}

	metaItems := exportMeta(snap, dst, live)

	// A reply to a blocked sync sender lands directly in its tracker,
	// never in the queue.
	if consumed != nil && consumed.sync {
		offset, derr := deliverSyncReply(dst, msg, metaItems)
		consumed.replier.mu.Lock()
		consumed.completeLocked(derr, offset)
		consumed.replier.mu.Unlock()
		b.eavesdrop(c, msg, snap, live)
		b.domain.recordSend("unicast")
		b.flushNotifications()
		return 0, derr
	}

	if err := dst.enqueue(msg, metaItems, c.creds.UID, c.privileged, nameID, tracker); err != nil {
		if tracker != nil {
			c.replyCount.Add(-1)
		}
		return 0, err
	}

	b.eavesdrop(c, msg, snap, live)
	b.domain.recordSend("unicast")
	b.flushNotifications()

	if tracker != nil && tracker.sync {
		return c.waitSyncReply(ctx, tracker)
	}
	return 0, nil
}

// validateSend rejects malformed flag and field combinations before any
// state changes.
func validateSend(msg *types.Message) error {
	if msg.Cookie == 0 {
		return fmt.Errorf("zero cookie: %w", errs.ErrInvalidArgument)
	}
	if msg.Flags.Has(types.MsgSyncReply) && !msg.Flags.Has(types.MsgExpectReply) {
		return fmt.Errorf("sync without expect-reply: %w", errs.ErrInvalidArgument)
	}
	if msg.Flags.Has(types.MsgExpectReply) {
		if msg.IsBroadcast() {
			return fmt.Errorf("broadcast cannot expect a reply: %w", errs.ErrInvalidArgument)
		}
		if msg.TimeoutNS == 0 {
			return fmt.Errorf("expect-reply without timeout: %w", errs.ErrInvalidArgument)
		}
		if msg.IsReply() {
			return fmt.Errorf("expect-reply on a reply: %w", errs.ErrInvalidArgument)
		}
	}
	if msg.IsReply() && msg.IsBroadcast() {
		return fmt.Errorf("broadcast reply: %w", errs.ErrInvalidArgument)
	}
	return nil
}

// resolveDestination turns the message addressing into a live
// connection. Name addressing resolves through the registry; an id is
// validated against the name's current owner when both are given.
func (b *Bus) resolveDestination(msg *types.Message) (*Connection, uint64, error) {
	var (
		dstID  = msg.DstID
		nameID uint64
	)

	if msg.DstName != "" {
		owner, err := b.names.Lookup(msg.DstName)
		if err != nil {
			return nil, 0, err
		}
		if msg.DstID != types.DstName && msg.DstID != owner.ConnID {
			return nil, 0, fmt.Errorf("name %q: %w", msg.DstName, errs.ErrIDMismatch)
		}
		if owner.Flags.Has(types.NameActivator) && msg.Flags.Has(types.MsgNoAutoStart) {
			return nil, 0, fmt.Errorf("name %q held by activator: %w",
				msg.DstName, errs.ErrStartRefused)
		}
		dstID = owner.ConnID
		nameID = owner.NameID
	} else if msg.DstID == types.DstName {
		return nil, 0, fmt.Errorf("no destination: %w", errs.ErrInvalidArgument)
	}

	dst, err := b.connLookup(dstID)
	if err != nil {
		return nil, 0, err
	}

	// Addressed by id, only ordinary connections are reachable; an
	// activator is reachable through its name alone.
	if !dst.isOrdinary() && !(nameID != 0 && dst.isActivator()) {
		return nil, 0, fmt.Errorf("connection %d: %w", dstID, errs.ErrNotFound)
	}
	return dst, nameID, nil
}

// checkTalk runs the composite TALK decision: a custom endpoint's
// database rules first and fatally, then the implicit grants, then the
// bus database. An empty bus database means no policy is installed and
// the engine defaults apply.
func (b *Bus) checkTalk(ep *Endpoint, src, dst *Connection) error {
	dstNames := b.names.NamesOf(dst.id)

	if ep.hasPolicy() {
		if !anyAccess(ep.policy, src, dstNames, types.AccessTalk) {
			b.domain.recordPolicyDenial("talk")
			return fmt.Errorf("endpoint %q: %w", ep.name, errs.ErrPermissionDenied)
		}
	}

	if src.privileged || src.creds.UID == dst.creds.UID {
		return nil
	}
	if !b.policy.HasPolicy() {
		return nil
	}
	if anyAccess(b.policy, src, dstNames, types.AccessTalk) {
		return nil
	}
	b.domain.recordPolicyDenial("talk")
	return fmt.Errorf("talk to connection %d: %w", dst.id, errs.ErrPermissionDenied)
}

// anyAccess reports whether the database grants src the wanted access
// on at least one of the given names.
func anyAccess(db interface {
	CheckAccessCached(uint64, *types.Credentials, string, types.AccessType) bool
}, src *Connection, names []string, want types.AccessType) bool {
	for _, n := range names {
		if db.CheckAccessCached(src.id, &src.creds, n, want) {
			return true
		}
	}
	return false
}

// broadcast fans the message out to every matching receiver. Failures
// on one receiver never stop the fan-out; metadata grows monotonically
// as receivers request classes, so late receivers may observe classes
// an earlier receiver asked for.
func (b *Bus) broadcast(src *Connection, msg *types.Message, snap *meta.Snapshot, live *meta.Live) {
	srcNames := b.names.NamesOf(src.id)
	mctx := match.MsgContext{
		SrcID:    src.id,
		SrcNames: srcNames,
		Filter:   match.Filter(msg.BloomFilter),
	}

	for _, dst := range b.connSnapshot() {
		if dst == src || !dst.isOrdinary() {
			continue
		}
		if !dst.matches.MatchMessage(mctx) {
			b.domain.recordDrop("match")
			continue
		}
		if dst.ep.hasPolicy() && len(srcNames) > 0 && !dst.privileged &&
			!anyAccess(dst.ep.policy, dst, srcNames, types.AccessSee) {
			continue
		}
		if !b.checkBroadcastTalk(src, dst, srcNames) {
			b.domain.recordPolicyDenial("talk")
			continue
		}
		if !b.receiverSeesSender(dst, srcNames) {
			b.domain.recordPolicyDenial("see")
			continue
		}
		metaItems := exportMeta(snap, dst, live)
		if err := dst.enqueue(msg, metaItems, src.creds.UID, src.privileged, 0, nil); err != nil {
			continue
		}
	}

	b.eavesdrop(src, msg, snap, live)
}

// checkBroadcastTalk is TALK with the publisher asymmetry: a sender
// that owns names may signal nameless receivers without a rule.
func (b *Bus) checkBroadcastTalk(src, dst *Connection, srcNames []string) bool {
	if src.privileged || src.creds.UID == dst.creds.UID {
		return true
	}
	if !b.policy.HasPolicy() {
		return true
	}
	dstNames := b.names.NamesOf(dst.id)
	if anyAccess(b.policy, src, dstNames, types.AccessTalk) {
		return true
	}
	return len(dstNames) == 0 && len(srcNames) > 0
}

// receiverSeesSender requires the receiver to hold SEE on at least one
// of the sender's names when the bus carries policy.
func (b *Bus) receiverSeesSender(dst *Connection, srcNames []string) bool {
	if len(srcNames) == 0 || dst.privileged || !b.policy.HasPolicy() {
		return true
	}
	return anyAccess(b.policy, dst, srcNames, types.AccessSee)
}

// eavesdrop mirrors the message to every monitor, bypassing policy and
// match evaluation. Per-monitor failures are swallowed and counted.
func (b *Bus) eavesdrop(src *Connection, msg *types.Message, snap *meta.Snapshot, live *meta.Live) {
	for _, m := range b.monitorSnapshot() {
		if m == src {
			continue
		}
		metaItems := exportMeta(snap, m, live)
		if err := m.enqueue(msg, metaItems, src.creds.UID, true, 0, nil); err != nil {
			b.domain.recordDrop("dead")
			continue
		}
		b.domain.recordEavesdrop()
	}
}

// exportMeta widens the shared snapshot with the receiver's requested
// classes and renders the item stream for that receiver.
func exportMeta(snap *meta.Snapshot, dst *Connection, live *meta.Live) []types.Item {
	attach := dst.AttachFlags()
	if attach == 0 {
		return nil
	}
	snap.Collect(attach)
	return snap.Export(&dst.creds, attach, live)
}

// deliverSyncReply serializes the reply directly into the waiting
// sender's pool and publishes it, bypassing the queue.
func deliverSyncReply(waiter *Connection, msg *types.Message, metaItems []types.Item) (uint64, error) {
	if !waiter.acquireActive() {
		return 0, fmt.Errorf("connection %d: %w", waiter.id, errs.ErrConnectionReset)
	}
	defer waiter.releaseActive()

	data, err := encodeMessage(msg, metaItems)
	if err != nil {
		return 0, err
	}
	slice, err := waiter.pool.Alloc(uint64(len(data)))
	if err != nil {
		waiter.bus.domain.recordDrop("pool")
		return 0, err
	}
	if err := slice.Write(0, data); err != nil {
		_ = waiter.pool.Free(slice)
		return 0, err
	}
	waiter.pool.Publish(slice)
	waiter.bus.domain.addPoolBytes(int64(slice.Size()))
	return slice.Offset(), nil
}

// moveMessages transfers the queue entries and reply trackers tagged
// with nameID between an activator and an implementor. If the
// destination died mid-handoff, everything is dropped and waiting
// senders are told the connection reset.
func (b *Bus) moveMessages(from, to *Connection, nameID uint64) {
	if nameID == 0 {
		return
	}
	alive := to.acquireActive()
	if alive {
		defer to.releaseActive()
	}

	type pending struct {
		qe   *queueEntry
		prio int64
	}

	from.mu.Lock()
	var moved []pending
	for _, e := range from.queue.Snapshot() {
		if e.Value.nameID != nameID {
			continue
		}
		if from.queue.Remove(e) == nil {
			from.releaseEntryLocked(e.Value, false)
			moved = append(moved, pending{qe: e.Value, prio: e.Priority})
		}
	}
	var trackers []*Reply
	kept := from.replies[:0]
	for _, r := range from.replies {
		if !r.completed && r.nameID == nameID {
			trackers = append(trackers, r)
			continue
		}
		kept = append(kept, r)
	}
	from.replies = kept
	from.armTimerLocked()
	from.mu.Unlock()

	for _, p := range moved {
		qe := p.qe
		if !alive {
			b.dropMovedEntry(from, qe, errs.ErrConnectionReset)
			continue
		}
		ns, err := from.pool.Move(qe.slice, to.pool)
		if err != nil {
			b.dropMovedEntry(from, qe, err)
			continue
		}
		qe.slice = ns

		to.mu.Lock()
		to.queue.Add(qe, p.prio)
		if to.users != nil {
			to.users[qe.userID]++
		}
		to.mu.Unlock()
		b.domain.addQueueDepth(1)
	}

	if len(trackers) > 0 {
		if alive {
			to.mu.Lock()
			for _, r := range trackers {
				r.replier = to
				to.replies = append(to.replies, r)
			}
			to.armTimerLocked()
			to.mu.Unlock()
		} else {
			for _, r := range trackers {
				from.mu.Lock()
				r.completeLocked(errs.ErrConnectionReset, 0)
				from.mu.Unlock()
			}
		}
	}

	if alive {
		to.notifyWake()
	}
}

// dropMovedEntry discards one entry that could not follow a handoff,
// resolving its reply back-pointer the way a dead receiver would.
func (b *Bus) dropMovedEntry(from *Connection, qe *queueEntry, cause error) {
	if qe.reply != nil {
		from.mu.Lock()
		linked := from.unlinkReplyLocked(qe.reply)
		if linked {
			qe.reply.completeLocked(cause, 0)
		}
		from.mu.Unlock()
		if linked && !qe.reply.sync {
			b.queueReplyNotification(types.ItemReplyDead, qe.reply.waiter.id, from.id, qe.reply.cookie)
		}
	}
	b.domain.addPoolBytes(-int64(qe.slice.Size()))
	_ = from.pool.Free(qe.slice)
	b.domain.recordDrop("dead")
}

// purgePolicyCaches drops every memoized policy decision on the bus and
// its custom endpoints. Called whenever a name changes hands.
func (b *Bus) purgePolicyCaches() {
	b.policy.PurgeCache()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ep := range b.endpoints {
		if ep.custom {
			ep.policy.PurgeCache()
		}
	}
}
