package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/kernelgate/kbus/internal/domain/queue"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// Recv takes the front of the queue and returns the pool offset of the
// published message bytes. With USE_PRIORITY only entries at or above
// the given priority are eligible. PEEK publishes the front entry but
// leaves it queued; DROP discards it without reading, waking any sender
// still waiting on it.
func (c *Connection) Recv(priority int64, flags types.RecvFlags) (uint64, error) {
	if c.isPolicyHolder() || c.isActivator() {
		return 0, fmt.Errorf("connection %d role cannot receive: %w", c.id, errs.ErrUnsupported)
	}
	if !c.acquireActive() {
		return 0, errs.ErrShutdown
	}
	defer c.releaseActive()

	if flags.Has(types.RecvPeek) && flags.Has(types.RecvDrop) {
		return 0, fmt.Errorf("peek and drop are exclusive: %w", errs.ErrInvalidArgument)
	}

	c.mu.Lock()
	var (
		e   *queue.Entry[*queueEntry]
		err error
	)
	if flags.Has(types.RecvUsePriority) {
		e, err = c.queue.PeekAbove(priority)
	} else {
		e, err = c.queue.Peek()
	}
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	qe := e.Value

	if flags.Has(types.RecvDrop) {
		_ = c.queue.Remove(e)
		c.releaseEntryLocked(qe, true)
		c.mu.Unlock()
		if qe.reply != nil {
			c.dropUnanswered(qe.reply)
		}
		c.bus.domain.recordDrop("recv")
		c.bus.flushNotifications()
		return 0, nil
	}

	c.pool.Publish(qe.slice)
	if flags.Has(types.RecvPeek) {
		c.mu.Unlock()
		return qe.slice.Offset(), nil
	}

	_ = c.queue.Remove(e)
	c.releaseEntryLocked(qe, false)
	c.mu.Unlock()
	return qe.slice.Offset(), nil
}

// WaitRecv blocks until a message can be received, the context ends or
// the connection shuts down. Transports use it to drive delivery.
func (c *Connection) WaitRecv(ctx context.Context, priority int64, flags types.RecvFlags) (uint64, error) {
	for {
		off, err := c.Recv(priority, flags)
		if !errors.Is(err, errs.ErrEmpty) {
			return off, err
		}
		select {
		case <-c.wake:
		case <-c.closing:
			return 0, errs.ErrShutdown
		case <-ctx.Done():
			return 0, fmt.Errorf("receive wait: %w", errs.ErrInterrupted)
		}
	}
}

// Read decodes the published message at the given pool offset.
func (c *Connection) Read(offset uint64) (*types.Message, error) {
	s, err := c.pool.SliceAt(offset)
	if err != nil {
		return nil, err
	}
	return decodeMessage(s.Bytes())
}

// PoolRead returns the raw published bytes at the given pool offset.
// Info queries serialize their answers into the pool the same way
// messages are.
func (c *Connection) PoolRead(offset uint64) ([]byte, error) {
	s, err := c.pool.SliceAt(offset)
	if err != nil {
		return nil, err
	}
	return s.Bytes(), nil
}

// Release frees the published slice at the given offset once the
// receiver is done with it.
func (c *Connection) Release(offset uint64) error {
	s, err := c.pool.SliceAt(offset)
	if err != nil {
		return err
	}
	size := int64(s.Size())
	if err := c.pool.Free(s); err != nil {
		return err
	}
	c.bus.domain.addPoolBytes(-size)
	return nil
}

// dropUnanswered resolves the tracker of a request the receiver
// discarded without answering. The tracker may already be gone if a
// timeout or a disconnect raced the drop.
func (c *Connection) dropUnanswered(r *Reply) {
	c.mu.Lock()
	unlinked := c.unlinkReplyLocked(r)
	if unlinked {
		r.completeLocked(fmt.Errorf("request dropped by peer %d: %w", c.id, errs.ErrBrokenPipe), 0)
		c.armTimerLocked()
	}
	c.mu.Unlock()

	if unlinked && !r.sync {
		c.bus.queueReplyNotification(types.ItemReplyDead, r.waiter.id, c.id, r.cookie)
	}
}
