package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/kernelgate/kbus/internal/infrastructure/config"
	"github.com/kernelgate/kbus/internal/infrastructure/logging"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

func TestHelloOrdinary(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)

	c, err := b.DefaultEndpoint().Hello(testSource(1001), 0, types.AttachCreds, []types.Item{
		{Type: types.ItemConnDescription, Str: "worker-1"},
	})
	if err != nil {
		t.Fatalf("Hello failed: %v", err)
	}
	if c.ID() == 0 {
		t.Error("connection id not assigned")
	}
	if c.Description() != "worker-1" {
		t.Errorf("description = %q", c.Description())
	}
	if c.AttachFlags() != types.AttachCreds {
		t.Errorf("attach flags = %#x", uint64(c.AttachFlags()))
	}
	if b.ConnCount() != 1 {
		t.Errorf("conn count = %d, want 1", b.ConnCount())
	}
}

func TestHelloRoleValidation(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	ep := b.DefaultEndpoint()
	nameItem := []types.Item{{Type: types.ItemName, Str: "org.test.svc"}}

	if _, err := ep.Hello(testSource(creatorUID), types.HelloMonitor|types.HelloActivator, 0, nameItem); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("monitor+activator: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := ep.Hello(testSource(creatorUID), types.HelloActivator|types.HelloPolicyHolder, 0, nameItem); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("activator+policy holder: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := ep.Hello(testSource(1001), types.HelloMonitor, 0, nil); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Errorf("unprivileged monitor: err = %v, want ErrPermissionDenied", err)
	}
	if _, err := ep.Hello(testSource(creatorUID), types.HelloActivator, 0, nil); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("activator without NAME: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := ep.Hello(testSource(1001), 0, 0, nameItem); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("NAME without naming role: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := ep.Hello(testSource(creatorUID), types.HelloActivator, 0, []types.Item{
		{Type: types.ItemName, Str: "nodots"},
	}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("invalid service name: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := ep.Hello(testSource(1001), 0, 0, []types.Item{
		{Type: types.ItemBloomFilter, Data: []byte{1}},
	}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("stray item: err = %v, want ErrInvalidArgument", err)
	}
}

func TestHelloFakedIdentity(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	ep := b.DefaultEndpoint()
	faked := []types.Item{{
		Type:  types.ItemCreds,
		Creds: &types.Credentials{UID: 42, GID: 42, PID: 7, TID: 7},
	}}

	if _, err := ep.Hello(testSource(1001), 0, 0, faked); !errors.Is(err, errs.ErrPermissionDenied) {
		t.Errorf("unprivileged fake: err = %v, want ErrPermissionDenied", err)
	}

	c, err := ep.Hello(testSource(creatorUID), 0, 0, faked)
	if err != nil {
		t.Fatalf("privileged fake failed: %v", err)
	}
	// The faked identity only affects reported metadata; quotas and
	// policy keep running against the real credentials.
	if c.creds.UID != creatorUID {
		t.Errorf("real creds uid = %d, want %d", c.creds.UID, creatorUID)
	}
	if !c.impersonated || c.metaSrc.Creds.UID != 42 {
		t.Errorf("reported identity uid = %d, impersonated = %v", c.metaSrc.Creds.UID, c.impersonated)
	}
}

func TestHelloConnectionQuota(t *testing.T) {
	cfg := config.Default().Engine
	cfg.MaxConnectionsPerUser = 1
	d := NewDomain(cfg, logging.NewNop(), nil)
	b := newBusT(t, d)

	helloT(t, b, 1001)
	if _, err := b.DefaultEndpoint().Hello(testSource(1001), 0, 0, nil); !errors.Is(err, errs.ErrFull) {
		t.Errorf("second connection: err = %v, want ErrFull", err)
	}
}

func TestByeBye(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	a := helloT(t, b, 1001)
	c := helloT(t, b, 1001)

	if _, err := a.Send(context.Background(), plainMsg(c.ID(), 1)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := c.ByeBye(); !errors.Is(err, errs.ErrBusy) {
		t.Errorf("byebye with queued message: err = %v, want ErrBusy", err)
	}

	recvMsg(t, c)
	if err := c.ByeBye(); err != nil {
		t.Errorf("byebye with drained queue: err = %v", err)
	}
	if err := c.ByeBye(); !errors.Is(err, errs.ErrAlreadyDone) {
		t.Errorf("repeated byebye: err = %v, want ErrAlreadyDone", err)
	}
}

func TestDisconnectRejectsOperations(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	c := helloT(t, b, 1001)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := c.Disconnect(); !errors.Is(err, errs.ErrAlreadyDone) {
		t.Errorf("second disconnect: err = %v, want ErrAlreadyDone", err)
	}
	if _, err := c.Send(context.Background(), plainMsg(1, 1)); !errors.Is(err, errs.ErrShutdown) {
		t.Errorf("send after disconnect: err = %v, want ErrShutdown", err)
	}
	if _, err := c.Recv(0, 0); !errors.Is(err, errs.ErrShutdown) {
		t.Errorf("recv after disconnect: err = %v, want ErrShutdown", err)
	}
	if b.ConnCount() != 0 {
		t.Errorf("conn count = %d, want 0", b.ConnCount())
	}
}
