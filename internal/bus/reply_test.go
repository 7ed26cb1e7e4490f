package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kernelgate/kbus/internal/infrastructure/config"
	"github.com/kernelgate/kbus/internal/infrastructure/logging"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

func requestMsg(dst, cookie uint64, sync bool, timeout time.Duration) *types.Message {
	flags := types.MsgExpectReply
	if sync {
		flags |= types.MsgSyncReply
	}
	return &types.Message{
		DstID:     dst,
		Cookie:    cookie,
		Flags:     flags,
		TimeoutNS: uint64(timeout),
		Items:     []types.Item{{Type: types.ItemPayloadVec, Data: []byte("request")}},
	}
}

func replyMsg(dst, cookie, cookieReply uint64) *types.Message {
	return &types.Message{
		DstID:       dst,
		Cookie:      cookie,
		CookieReply: cookieReply,
		Items:       []types.Item{{Type: types.ItemPayloadVec, Data: []byte("answer")}},
	}
}

func TestSyncRequestReply(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1002)

	type result struct {
		offset uint64
		err    error
	}
	done := make(chan result, 1)
	go func() {
		off, err := a.Send(context.Background(), requestMsg(c.ID(), 7, true, 2*time.Second))
		done <- result{off, err}
	}()

	req := recvMsg(t, c)
	if req.Cookie != 7 || !req.Flags.Has(types.MsgExpectReply) {
		t.Fatalf("request = %+v", req)
	}
	if _, err := c.Send(context.Background(), replyMsg(a.ID(), 70, 7)); err != nil {
		t.Fatalf("reply send failed: %v", err)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("sync send failed: %v", r.err)
	}
	if r.offset == 0 {
		t.Fatal("sync send returned zero offset")
	}
	reply, err := a.Read(r.offset)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.CookieReply != 7 || reply.SrcID != c.ID() {
		t.Errorf("reply = %+v", reply)
	}
	// The reply was delivered into the waiter's pool, never its queue.
	if _, err := a.Recv(0, 0); !errors.Is(err, errs.ErrEmpty) {
		t.Errorf("waiter queue: err = %v, want ErrEmpty", err)
	}
}

func TestAsyncRequestReply(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1002)
	ctx := context.Background()

	if _, err := a.Send(ctx, requestMsg(c.ID(), 5, false, time.Second)); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	req := recvMsg(t, c)
	if _, err := c.Send(ctx, replyMsg(a.ID(), 50, req.Cookie)); err != nil {
		t.Fatalf("reply failed: %v", err)
	}

	reply := recvMsg(t, a)
	if reply.CookieReply != 5 {
		t.Errorf("reply cookie_reply = %d, want 5", reply.CookieReply)
	}
}

func TestSyncReplyTimeout(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1002)

	_, err := a.Send(context.Background(), requestMsg(c.ID(), 3, true, 50*time.Millisecond))
	if !errors.Is(err, errs.ErrTimedOut) {
		t.Errorf("unanswered sync send: err = %v, want ErrTimedOut", err)
	}
}

func TestAsyncReplyTimeoutNotification(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1002)

	if _, err := a.Send(context.Background(), requestMsg(c.ID(), 9, false, 30*time.Millisecond)); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	note := recvMsg(t, a)
	if note.SrcID != types.SrcKernel {
		t.Errorf("notification src = %d, want kernel", note.SrcID)
	}
	item := types.FirstItem(note.Items, types.ItemReplyTimeout)
	if item == nil || item.IDChange == nil {
		t.Fatalf("notification items = %+v", note.Items)
	}
	if item.IDChange.ID != c.ID() || item.IDChange.Cookie != 9 {
		t.Errorf("REPLY_TIMEOUT payload = %+v", item.IDChange)
	}
}

func TestRecvDropAnnouncesDeadReply(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1002)
	ctx := context.Background()

	if _, err := a.Send(ctx, requestMsg(c.ID(), 4, false, time.Second)); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.WaitRecv(cctx, 0, types.RecvDrop); err != nil {
		t.Fatalf("drop failed: %v", err)
	}

	note := recvMsg(t, a)
	item := types.FirstItem(note.Items, types.ItemReplyDead)
	if item == nil || item.IDChange == nil || item.IDChange.Cookie != 4 {
		t.Fatalf("expected REPLY_DEAD for cookie 4, got %+v", note.Items)
	}
}

func TestReplierDisconnectWakesSyncWaiter(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1002)

	done := make(chan error, 1)
	go func() {
		_, err := a.Send(context.Background(), requestMsg(c.ID(), 6, true, 5*time.Second))
		done <- err
	}()

	recvMsg(t, c)
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if err := <-done; !errors.Is(err, errs.ErrBrokenPipe) {
		t.Errorf("sync send after peer death: err = %v, want ErrBrokenPipe", err)
	}
}

func TestCancelSyncSend(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1002)

	done := make(chan error, 1)
	go func() {
		_, err := a.Send(context.Background(), requestMsg(c.ID(), 8, true, 5*time.Second))
		done <- err
	}()

	// Receiving the request guarantees the tracker is installed.
	recvMsg(t, c)

	if err := a.Cancel(8); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := <-done; !errors.Is(err, errs.ErrCancelled) {
		t.Errorf("cancelled sync send: err = %v, want ErrCancelled", err)
	}
	if err := a.Cancel(8); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("repeated cancel: err = %v, want ErrNotFound", err)
	}
}

func TestInterruptedSyncSendRestarts(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1002)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Send(ctx, requestMsg(c.ID(), 12, true, 5*time.Second)); !errors.Is(err, errs.ErrInterrupted) {
		t.Fatalf("interrupted send: err = %v, want ErrInterrupted", err)
	}

	done := make(chan error, 1)
	go func() {
		// The restart resumes the interrupted tracker instead of
		// enqueueing the request a second time.
		_, err := a.Send(context.Background(), requestMsg(c.ID(), 12, true, 5*time.Second))
		done <- err
	}()

	// Wait until the restart has resumed the tracker before replying.
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		resumed := false
		for _, r := range c.replies {
			if r.sync && !r.interrupted && !r.completed {
				resumed = true
			}
		}
		c.mu.Unlock()
		if resumed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("restart never resumed the tracker")
		}
		time.Sleep(time.Millisecond)
	}

	req := recvMsg(t, c)
	if req.Cookie != 12 {
		t.Fatalf("request cookie = %d", req.Cookie)
	}
	if _, err := c.Send(context.Background(), replyMsg(a.ID(), 120, 12)); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("restarted send: err = %v", err)
	}

	// The receiver saw the request exactly once.
	if _, err := c.Recv(0, 0); !errors.Is(err, errs.ErrEmpty) {
		t.Errorf("receiver queue: err = %v, want ErrEmpty", err)
	}

	if int(a.replyCount.Load()) != 0 {
		t.Errorf("pending request count = %d, want 0", a.replyCount.Load())
	}
}

func TestPendingRequestQuota(t *testing.T) {
	cfg := config.Default().Engine
	cfg.MaxRequestsPending = 4
	cfg.MaxMsgsPerUser = 64
	d := NewDomain(cfg, logging.NewNop(), nil)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1002)
	ctx := context.Background()

	limit := d.cfg.MaxRequestsPending
	for i := 0; i < limit; i++ {
		if _, err := a.Send(ctx, requestMsg(c.ID(), uint64(i+1), false, time.Minute)); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
	if _, err := a.Send(ctx, requestMsg(c.ID(), uint64(limit+1), false, time.Minute)); !errors.Is(err, errs.ErrFull) {
		t.Errorf("over pending quota: err = %v, want ErrFull", err)
	}
}
