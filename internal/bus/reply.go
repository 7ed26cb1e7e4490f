package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// Reply tracks one expected reply. It is created by the sender but
// lives on the replier's list and is mutated under the replier's lock.
// A zero deadline means the waiter's death was already announced.
type Reply struct {
	waiter  *Connection
	replier *Connection
	cookie  uint64
	nameID  uint64

	deadline    time.Time
	sync        bool
	interrupted bool

	completed bool
	err       error
	offset    uint64
	done      chan struct{}
}

func newReply(waiter, replier *Connection, cookie, nameID uint64, deadline time.Time, sync bool) *Reply {
	return &Reply{
		waiter:   waiter,
		replier:  replier,
		cookie:   cookie,
		nameID:   nameID,
		deadline: deadline,
		sync:     sync,
		done:     make(chan struct{}),
	}
}

// completeLocked finishes the tracker exactly once and wakes the
// waiter. Caller holds the replier's lock.
func (r *Reply) completeLocked(err error, offset uint64) {
	if r.completed {
		return
	}
	r.completed = true
	r.err = err
	r.offset = offset
	r.waiter.replyCount.Add(-1)
	close(r.done)
}

// unlinkReplyLocked removes r from this connection's reply list and
// reports whether it was still linked. Caller holds c.mu.
func (c *Connection) unlinkReplyLocked(r *Reply) bool {
	for i, cur := range c.replies {
		if cur == r {
			c.replies = append(c.replies[:i], c.replies[i+1:]...)
			return true
		}
	}
	return false
}

// findReplyLocked resolves the pending tracker a reply from this
// connection to waiterID with the given cookie would answer. Caller
// holds c.mu.
func (c *Connection) findReplyLocked(waiterID, cookie uint64) *Reply {
	for _, r := range c.replies {
		if !r.completed && r.waiter.id == waiterID && r.cookie == cookie {
			return r
		}
	}
	return nil
}

// findInterruptedLocked resolves an interrupted sync tracker for a
// restarted send. Caller holds c.mu.
func (c *Connection) findInterruptedLocked(waiterID, cookie uint64) *Reply {
	for _, r := range c.replies {
		if !r.completed && r.sync && r.interrupted &&
			r.waiter.id == waiterID && r.cookie == cookie {
			return r
		}
	}
	return nil
}

// armTimerLocked re-arms the deadline timer to the nearest deadline the
// sweep is responsible for: async trackers and interrupted sync
// trackers. Non-interrupted sync trackers wake through their waiter's
// own timed wait. Caller holds c.mu.
func (c *Connection) armTimerLocked() {
	var next time.Time
	for _, r := range c.replies {
		if r.completed || r.deadline.IsZero() {
			continue
		}
		if r.sync && !r.interrupted {
			continue
		}
		if next.IsZero() || r.deadline.Before(next) {
			next = r.deadline
		}
	}

	if next.IsZero() {
		if c.timer != nil {
			c.timer.Stop()
		}
		return
	}

	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(d, c.sweepReplies)
	} else {
		c.timer.Reset(d)
	}
}

// sweepReplies reaps every expired tracker this connection was expected
// to answer, emitting REPLY_TIMEOUT to the waiting sender.
func (c *Connection) sweepReplies() {
	now := time.Now()

	c.mu.Lock()
	var expired []*Reply
	kept := c.replies[:0]
	for _, r := range c.replies {
		reap := !r.completed && !r.deadline.IsZero() &&
			(!r.sync || r.interrupted) && !r.deadline.After(now)
		if reap {
			expired = append(expired, r)
			continue
		}
		kept = append(kept, r)
	}
	c.replies = kept
	for _, r := range expired {
		r.completeLocked(errs.ErrTimedOut, 0)
	}
	c.armTimerLocked()
	c.mu.Unlock()

	for _, r := range expired {
		c.bus.domain.recordReplyTimeout()
		c.bus.queueReplyNotification(types.ItemReplyTimeout, r.waiter.id, c.id, r.cookie)
	}
	if len(expired) > 0 {
		c.bus.flushNotifications()
	}
}

// waitSyncReply blocks the sender on its tracker until the reply
// arrives, the deadline passes, the context is interrupted or the
// connection shuts down. c is the waiting sender; r lives on the
// replier's list.
func (c *Connection) waitSyncReply(ctx context.Context, r *Reply) (uint64, error) {
	var timeout <-chan time.Time
	if !r.deadline.IsZero() {
		t := time.NewTimer(time.Until(r.deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-r.done:
		return r.offset, r.err

	case <-timeout:
		r.replier.mu.Lock()
		if r.completed {
			r.replier.mu.Unlock()
			return r.offset, r.err
		}
		r.replier.unlinkReplyLocked(r)
		r.completeLocked(errs.ErrTimedOut, 0)
		r.replier.mu.Unlock()
		c.bus.domain.recordReplyTimeout()
		return 0, fmt.Errorf("reply cookie %d: %w", r.cookie, errs.ErrTimedOut)

	case <-ctx.Done():
		// The tracker stays linked so a restarted send can resume it;
		// the timeout sweep reaps it otherwise.
		r.replier.mu.Lock()
		if r.completed {
			r.replier.mu.Unlock()
			return r.offset, r.err
		}
		r.interrupted = true
		r.replier.armTimerLocked()
		r.replier.mu.Unlock()
		return 0, fmt.Errorf("reply cookie %d: %w", r.cookie, errs.ErrInterrupted)

	case <-c.closing:
		r.replier.mu.Lock()
		if r.completed {
			r.replier.mu.Unlock()
			return r.offset, r.err
		}
		r.replier.unlinkReplyLocked(r)
		r.completeLocked(errs.ErrCancelled, 0)
		r.replier.mu.Unlock()
		return 0, fmt.Errorf("reply cookie %d: %w", r.cookie, errs.ErrCancelled)
	}
}
