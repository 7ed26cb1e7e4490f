package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/kernelgate/kbus/internal/domain/match"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

const svcName = "org.test.svc"

func TestNameAcquireRelease(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)

	flags, err := a.NameAcquire(svcName, 0)
	if err != nil {
		t.Fatalf("NameAcquire failed: %v", err)
	}
	if flags.Has(types.NameInQueue) {
		t.Error("uncontended acquire reported as queued")
	}

	owner, err := b.Names().Lookup(svcName)
	if err != nil || owner.ConnID != a.ID() {
		t.Fatalf("Lookup = %+v, %v", owner, err)
	}

	if err := a.NameRelease(svcName); err != nil {
		t.Fatalf("NameRelease failed: %v", err)
	}
	if _, err := b.Names().Lookup(svcName); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("released name still registered: err = %v", err)
	}
	if err := a.NameRelease(svcName); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("repeated release: err = %v, want ErrNotFound", err)
	}
}

func TestNameAcquireFlagWhitelist(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)

	if _, err := a.NameAcquire(svcName, types.NameInQueue); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("result-only flag: err = %v, want ErrInvalidArgument", err)
	}
}

func TestNameQueueSuccession(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1002)

	if _, err := a.NameAcquire(svcName, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := c.NameAcquire(svcName, 0); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("contended acquire without queueing: err = %v, want ErrAlreadyExists", err)
	}

	flags, err := c.NameAcquire(svcName, types.NameQueue)
	if err != nil {
		t.Fatalf("queued acquire failed: %v", err)
	}
	if !flags.Has(types.NameInQueue) {
		t.Error("queued acquire not reported as queued")
	}

	if err := a.NameRelease(svcName); err != nil {
		t.Fatalf("owner release failed: %v", err)
	}
	owner, err := b.Names().Lookup(svcName)
	if err != nil || owner.ConnID != c.ID() {
		t.Errorf("successor = %+v, %v", owner, err)
	}
}

func TestNameReplacement(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1002)

	if _, err := a.NameAcquire(svcName, types.NameAllowReplacement); err != nil {
		t.Fatal(err)
	}
	if _, err := c.NameAcquire(svcName, types.NameReplaceExisting); err != nil {
		t.Fatalf("replacement failed: %v", err)
	}
	owner, err := b.Names().Lookup(svcName)
	if err != nil || owner.ConnID != c.ID() {
		t.Errorf("owner after replacement = %+v, %v", owner, err)
	}
}

func TestNameChangeNotifications(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	watcher := helloT(t, b, 1002)

	if err := watcher.MatchAdd(match.Entry{Cookie: 1, Kind: types.ItemNameAdd}); err != nil {
		t.Fatal(err)
	}
	if err := watcher.MatchAdd(match.Entry{Cookie: 1, Kind: types.ItemNameRemove}); err != nil {
		t.Fatal(err)
	}

	if _, err := a.NameAcquire(svcName, 0); err != nil {
		t.Fatal(err)
	}
	note := recvMsg(t, watcher)
	add := types.FirstItem(note.Items, types.ItemNameAdd)
	if add == nil || add.NameChange == nil {
		t.Fatalf("expected NAME_ADD, got %+v", note.Items)
	}
	if add.NameChange.Name != svcName || add.NameChange.NewID != a.ID() {
		t.Errorf("NAME_ADD payload = %+v", add.NameChange)
	}

	if err := a.NameRelease(svcName); err != nil {
		t.Fatal(err)
	}
	note = recvMsg(t, watcher)
	rm := types.FirstItem(note.Items, types.ItemNameRemove)
	if rm == nil || rm.NameChange == nil || rm.NameChange.OldID != a.ID() {
		t.Fatalf("expected NAME_REMOVE for %d, got %+v", a.ID(), note.Items)
	}
}

func TestConnectionLifecycleNotifications(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	watcher := helloT(t, b, 1002)

	if err := watcher.MatchAdd(match.Entry{Cookie: 1, Kind: types.ItemIDAdd}); err != nil {
		t.Fatal(err)
	}
	if err := watcher.MatchAdd(match.Entry{Cookie: 1, Kind: types.ItemIDRemove}); err != nil {
		t.Fatal(err)
	}

	a := helloT(t, b, 1001)
	note := recvMsg(t, watcher)
	add := types.FirstItem(note.Items, types.ItemIDAdd)
	if add == nil || add.IDChange == nil || add.IDChange.ID != a.ID() {
		t.Fatalf("expected ID_ADD for %d, got %+v", a.ID(), note.Items)
	}

	if err := a.Disconnect(); err != nil {
		t.Fatal(err)
	}
	note = recvMsg(t, watcher)
	rm := types.FirstItem(note.Items, types.ItemIDRemove)
	if rm == nil || rm.IDChange == nil || rm.IDChange.ID != a.ID() {
		t.Fatalf("expected ID_REMOVE for %d, got %+v", a.ID(), note.Items)
	}
}

func TestActivatorHandoff(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	sender := helloT(t, b, 1001)
	ctx := context.Background()

	activator, err := b.DefaultEndpoint().Hello(testSource(creatorUID), types.HelloActivator, 0, []types.Item{
		{Type: types.ItemName, Str: svcName},
	})
	if err != nil {
		t.Fatalf("activator hello failed: %v", err)
	}

	// NoAutoStart refuses delivery while only the activator holds the
	// name.
	refused := &types.Message{DstName: svcName, Cookie: 1, Flags: types.MsgNoAutoStart}
	if _, err := sender.Send(ctx, refused); !errors.Is(err, errs.ErrStartRefused) {
		t.Errorf("no-auto-start to activator: err = %v, want ErrStartRefused", err)
	}

	// A plain send parks the message with the activator.
	if _, err := sender.Send(ctx, &types.Message{DstName: svcName, Cookie: 2}); err != nil {
		t.Fatalf("send to activator failed: %v", err)
	}

	// Activators cannot drain their queue themselves.
	if _, err := activator.Recv(0, 0); !errors.Is(err, errs.ErrUnsupported) {
		t.Errorf("activator recv: err = %v, want ErrUnsupported", err)
	}

	// The implementor takes the name and the parked messages follow.
	impl := helloT(t, b, 1002)
	if _, err := impl.NameAcquire(svcName, 0); err != nil {
		t.Fatalf("implementor acquire failed: %v", err)
	}
	got := recvMsg(t, impl)
	if got.Cookie != 2 {
		t.Errorf("handed-off cookie = %d, want 2", got.Cookie)
	}

	// The name returns to the activator when the implementor leaves.
	if err := impl.Disconnect(); err != nil {
		t.Fatal(err)
	}
	owner, err := b.Names().Lookup(svcName)
	if err != nil || owner.ConnID != activator.ID() {
		t.Errorf("owner after implementor death = %+v, %v", owner, err)
	}
}
