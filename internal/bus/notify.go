package bus

import (
	"go.uber.org/zap"

	"github.com/kernelgate/kbus/internal/domain/names"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// notification is one pending kernel-origin event. A zero dstID means
// the event fans out to every subscriber whose match rules accept it;
// otherwise it is delivered to one connection regardless of matches.
type notification struct {
	dstID uint64
	item  types.Item
}

// queueNameNotification stages a NAME_ADD, NAME_REMOVE or NAME_CHANGE
// event.
func (b *Bus) queueNameNotification(ch names.Change) {
	nc := ch.NameChange
	b.queueNotification(notification{item: types.Item{Type: ch.Kind, NameChange: &nc}})
}

// queueIDNotification stages an ID_ADD or ID_REMOVE event.
func (b *Bus) queueIDNotification(kind types.ItemType, id uint64, flags uint64) {
	b.queueNotification(notification{item: types.Item{
		Type:     kind,
		IDChange: &types.IDChange{ID: id, Flags: flags},
	}})
}

// queueReplyNotification stages a REPLY_TIMEOUT or REPLY_DEAD event for
// one connection. peerID is the other side of the dead exchange.
func (b *Bus) queueReplyNotification(kind types.ItemType, dstID, peerID, cookie uint64) {
	b.queueNotification(notification{
		dstID: dstID,
		item: types.Item{
			Type:     kind,
			IDChange: &types.IDChange{ID: peerID, Cookie: cookie},
		},
	})
}

func (b *Bus) queueNotification(n notification) {
	b.notifyMu.Lock()
	b.notifyList = append(b.notifyList, n)
	b.notifyMu.Unlock()
	b.domain.recordNotification()
}

// flushNotifications delivers every staged event. It is called after
// send, after receive and after disconnect, never while holding a
// connection lock. Enqueue failures are logged and counted, never
// propagated.
func (b *Bus) flushNotifications() {
	b.notifyMu.Lock()
	pending := b.notifyList
	b.notifyList = nil
	b.notifyMu.Unlock()

	if len(pending) == 0 {
		return
	}

	conns := b.connSnapshot()
	for i := range pending {
		n := &pending[i]
		msg := &types.Message{
			Seq:   b.domain.NextSeq(),
			SrcID: types.SrcKernel,
			DstID: types.DstBroadcast,
			Items: []types.Item{n.item},
		}

		if n.dstID != 0 {
			msg.DstID = n.dstID
			dst, err := b.connLookup(n.dstID)
			if err != nil {
				continue
			}
			b.deliverNotification(dst, msg)
			continue
		}

		for _, c := range conns {
			if c.isMonitor() {
				continue
			}
			if !c.matches.MatchNotification(&n.item) {
				continue
			}
			if !b.notificationVisible(c, &n.item) {
				continue
			}
			b.deliverNotification(c, msg)
		}
		for _, m := range b.monitorSnapshot() {
			b.deliverNotification(m, msg)
		}
	}
}

// deliverNotification enqueues one kernel message. Kernel messages are
// privileged: quotas never apply.
func (b *Bus) deliverNotification(dst *Connection, msg *types.Message) {
	if err := dst.enqueue(msg, nil, 0, true, 0, nil); err != nil {
		b.domain.recordDrop("dead")
		b.domain.log.Warn("notification dropped",
			zap.String("bus", b.name),
			zap.Uint64("dst", dst.id),
			zap.String("kind", msg.Items[0].Type.String()),
			zap.Error(err))
	}
}

// notificationVisible applies the custom endpoint's SEE policy to name
// events so a shielded connection cannot learn of names it may not see.
func (b *Bus) notificationVisible(c *Connection, item *types.Item) bool {
	if item.NameChange == nil || !c.ep.hasPolicy() {
		return true
	}
	if c.privileged {
		return true
	}
	return c.ep.policy.CheckAccessCached(c.id, &c.creds, item.NameChange.Name, types.AccessSee)
}
