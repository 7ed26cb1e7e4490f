package bus

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/kernelgate/kbus/internal/domain/meta"
	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// ConnInfo is the answer to a connection info query.
type ConnInfo struct {
	ID    uint64           `json:"id"`
	Flags types.HelloFlags `json:"flags"`
	Items []types.Item     `json:"items,omitempty"`
}

// CreatorInfo is the answer to a bus creator info query.
type CreatorInfo struct {
	BusName string               `json:"bus_name"`
	BusID   string               `json:"bus_id"`
	Bloom   types.BloomParameter `json:"bloom"`
	Items   []types.Item         `json:"items,omitempty"`
}

// QueryConnInfo resolves a peer by well-known name or by id and
// serializes its description into this connection's pool, returning the
// published offset. The caller's SEE access gates what it may learn.
func (c *Connection) QueryConnInfo(name string, id uint64, attach types.AttachFlags) (uint64, error) {
	if !c.acquireActive() {
		return 0, errs.ErrShutdown
	}
	defer c.releaseActive()

	b := c.bus
	var target *Connection
	if name != "" {
		owner, err := b.names.Lookup(name)
		if err != nil {
			return 0, err
		}
		if !c.canSee(name) {
			return 0, c.seeDenied(name)
		}
		target, err = b.connLookup(owner.ConnID)
		if err != nil {
			return 0, err
		}
	} else {
		var err error
		target, err = b.connLookup(id)
		if err != nil {
			return 0, err
		}
		if held := b.names.NamesOf(target.id); len(held) > 0 {
			visible := false
			for _, n := range held {
				if c.canSee(n) {
					visible = true
					break
				}
			}
			if !visible {
				return 0, c.seeDenied(held[0])
			}
		}
	}

	snap := meta.NewSnapshot(target.metaSrc, time.Now(), attach)
	items := snap.Export(&c.creds, attach, target.liveMeta())
	return c.publishInfo(&ConnInfo{ID: target.id, Flags: target.flags, Items: items})
}

// QueryBusCreatorInfo serializes the bus creator's description into this
// connection's pool. The creator's identity never crosses a namespace
// boundary.
func (c *Connection) QueryBusCreatorInfo(attach types.AttachFlags) (uint64, error) {
	if !c.acquireActive() {
		return 0, errs.ErrShutdown
	}
	defer c.releaseActive()

	b := c.bus
	if !c.privileged && !b.creatorSrc.Creds.NsEq(&c.creds) {
		return 0, fmt.Errorf("bus %q creator: %w", b.name, errs.ErrPermissionDenied)
	}
	items := b.creatorMeta.Export(&c.creds, attach, nil)
	return c.publishInfo(&CreatorInfo{
		BusName: b.name,
		BusID:   b.id.String(),
		Bloom:   b.bloom,
		Items:   items,
	})
}

// publishInfo serializes v into the pool and publishes the slice.
func (c *Connection) publishInfo(v interface{}) (uint64, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal info: %w", err)
	}
	s, err := c.pool.Alloc(uint64(len(data)))
	if err != nil {
		c.bus.domain.recordDrop("pool")
		return 0, err
	}
	if err := s.Write(0, data); err != nil {
		_ = c.pool.Free(s)
		return 0, err
	}
	c.pool.Publish(s)
	c.bus.domain.addPoolBytes(int64(s.Size()))
	return s.Offset(), nil
}

// seeDenied renders a SEE refusal. On a custom endpoint the name is
// reported missing so the caller cannot probe for its existence.
func (c *Connection) seeDenied(name string) error {
	c.bus.domain.recordPolicyDenial("see")
	if c.ep.custom {
		return fmt.Errorf("name %q: %w", name, errs.ErrNotFound)
	}
	return fmt.Errorf("name %q: %w", name, errs.ErrPermissionDenied)
}
