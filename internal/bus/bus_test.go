package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kernelgate/kbus/internal/domain/meta"
	"github.com/kernelgate/kbus/internal/infrastructure/config"
	"github.com/kernelgate/kbus/internal/infrastructure/logging"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

const (
	creatorUID = uint32(1000)
	testBus    = "1000-test"
)

func newTestDomain(t *testing.T) *Domain {
	t.Helper()
	return NewDomain(config.Default().Engine, logging.NewNop(), nil)
}

func testSource(uid uint32) *meta.Source {
	return &meta.Source{
		Creds: types.Credentials{
			UID: uid,
			GID: uid,
			PID: 100 + uid,
			TID: 100 + uid,
		},
		PIDComm: "client",
		Exe:     "/usr/bin/client",
		Cmdline: "client --run",
	}
}

func newBusT(t *testing.T, d *Domain) *Bus {
	t.Helper()
	b, err := d.BusCreate(testBus, testSource(creatorUID), types.BloomParameter{})
	if err != nil {
		t.Fatalf("BusCreate failed: %v", err)
	}
	return b
}

func helloT(t *testing.T, b *Bus, uid uint32) *Connection {
	t.Helper()
	c, err := b.DefaultEndpoint().Hello(testSource(uid), 0, 0, nil)
	if err != nil {
		t.Fatalf("Hello(uid=%d) failed: %v", uid, err)
	}
	return c
}

func plainMsg(dst, cookie uint64) *types.Message {
	return &types.Message{
		DstID:  dst,
		Cookie: cookie,
		Items:  []types.Item{{Type: types.ItemPayloadVec, Data: []byte("payload")}},
	}
}

// recvMsg blocks until one message arrives and decodes it.
func recvMsg(t *testing.T, c *Connection) *types.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	off, err := c.WaitRecv(ctx, 0, 0)
	if err != nil {
		t.Fatalf("WaitRecv failed: %v", err)
	}
	msg, err := c.Read(off)
	if err != nil {
		t.Fatalf("Read(%d) failed: %v", off, err)
	}
	if err := c.Release(off); err != nil {
		t.Fatalf("Release(%d) failed: %v", off, err)
	}
	return msg
}

func TestBusCreateNamePrefix(t *testing.T) {
	d := newTestDomain(t)

	if _, err := d.BusCreate("system", testSource(creatorUID), types.BloomParameter{}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("unprefixed name: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := d.BusCreate("1001-test", testSource(creatorUID), types.BloomParameter{}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("foreign uid prefix: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := d.BusCreate(testBus, testSource(creatorUID), types.BloomParameter{}); err != nil {
		t.Errorf("valid name: err = %v", err)
	}
}

func TestBusCreateDuplicate(t *testing.T) {
	d := newTestDomain(t)
	newBusT(t, d)

	if _, err := d.BusCreate(testBus, testSource(creatorUID), types.BloomParameter{}); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("duplicate bus: err = %v, want ErrAlreadyExists", err)
	}
}

func TestBusCreateBloomGeometry(t *testing.T) {
	d := newTestDomain(t)

	bad := []types.BloomParameter{
		{Size: 4, Hashes: 1},
		{Size: 2048, Hashes: 1},
		{Size: 12, Hashes: 1},
		{Size: 64, Hashes: 0},
	}
	for _, p := range bad {
		if _, err := d.BusCreate(testBus, testSource(creatorUID), p); !errors.Is(err, errs.ErrInvalidArgument) {
			t.Errorf("bloom %+v: err = %v, want ErrInvalidArgument", p, err)
		}
	}

	b, err := d.BusCreate(testBus, testSource(creatorUID), types.BloomParameter{})
	if err != nil {
		t.Fatalf("default bloom: %v", err)
	}
	got := b.BloomParameter()
	if got.Size != types.DefaultBloomSize || got.Hashes != types.DefaultBloomHashes {
		t.Errorf("default bloom = %+v", got)
	}
}

func TestBusQuotaPerUser(t *testing.T) {
	cfg := config.Default().Engine
	cfg.MaxBusesPerUser = 1
	d := NewDomain(cfg, logging.NewNop(), nil)

	if _, err := d.BusCreate(testBus, testSource(creatorUID), types.BloomParameter{}); err != nil {
		t.Fatalf("first bus: %v", err)
	}
	if _, err := d.BusCreate("1000-second", testSource(creatorUID), types.BloomParameter{}); !errors.Is(err, errs.ErrFull) {
		t.Errorf("second bus: err = %v, want ErrFull", err)
	}
}

func TestBusLookup(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)

	got, err := d.BusLookup(testBus)
	if err != nil || got != b {
		t.Errorf("BusLookup = %v, %v", got, err)
	}
	if _, err := d.BusLookup("1000-missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("missing bus: err = %v, want ErrNotFound", err)
	}
}

func TestDomainShutdown(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	c := helloT(t, b, 1001)

	d.Shutdown()

	if _, err := d.BusCreate("1000-late", testSource(creatorUID), types.BloomParameter{}); !errors.Is(err, errs.ErrShutdown) {
		t.Errorf("create after shutdown: err = %v, want ErrShutdown", err)
	}
	if _, err := c.Send(context.Background(), plainMsg(c.ID(), 1)); !errors.Is(err, errs.ErrShutdown) {
		t.Errorf("send after shutdown: err = %v, want ErrShutdown", err)
	}
	if len(d.Buses()) != 0 {
		t.Errorf("buses after shutdown = %d, want 0", len(d.Buses()))
	}
}

func TestBusDisconnectIdempotent(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)
	c := helloT(t, b, 1001)

	b.Disconnect()
	b.Disconnect()

	if err := c.Disconnect(); !errors.Is(err, errs.ErrAlreadyDone) {
		t.Errorf("connection already torn down: err = %v, want ErrAlreadyDone", err)
	}
	if _, err := d.BusLookup(testBus); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("bus still registered: err = %v, want ErrNotFound", err)
	}
}

func TestEndpointCreate(t *testing.T) {
	d := newTestDomain(t)
	b := newBusT(t, d)

	ep, err := b.EndpointCreate("restricted", 0o660, 0, 0)
	if err != nil {
		t.Fatalf("EndpointCreate failed: %v", err)
	}
	got, err := b.EndpointLookup("restricted")
	if err != nil || got != ep {
		t.Errorf("EndpointLookup = %v, %v", got, err)
	}

	if _, err := b.EndpointCreate("restricted", 0o660, 0, 0); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("duplicate endpoint: err = %v, want ErrAlreadyExists", err)
	}
	if _, err := b.EndpointCreate(DefaultEndpointName, 0o660, 0, 0); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("reserved endpoint name: err = %v, want ErrInvalidArgument", err)
	}
}
