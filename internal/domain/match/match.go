package match

import (
	"fmt"
	"sync"

	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// AnyID is the wildcard for id conditions.
const AnyID = ^uint64(0)

// Entry is one subscription. Zero-valued conditions are wildcards; the
// set conditions are ANDed.
type Entry struct {
	// Cookie identifies the entry for removal. Several entries may share
	// a cookie and are removed together.
	Cookie uint64

	// SrcID restricts to one sending connection. AnyID is the wildcard.
	SrcID uint64

	// SrcName restricts to senders owning this well-known name.
	SrcName string

	// BloomMask restricts to broadcasts whose filter contains every
	// mask bit. Nil is the wildcard.
	BloomMask []byte

	// Kind restricts to one kernel notification kind. ItemNone matches
	// ordinary messages instead.
	Kind types.ItemType

	// Name restricts name notifications to one well-known name.
	Name string

	// ID restricts id and name notifications to one connection id.
	// AnyID is the wildcard.
	ID uint64
}

// MsgContext is the sender state a broadcast is evaluated against.
type MsgContext struct {
	SrcID    uint64
	SrcNames []string
	Filter   Filter
}

// DB is a per-connection match database. Evaluation takes the read lock;
// Add and Remove take the write lock.
type DB struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewDB creates an empty match database.
func NewDB() *DB {
	return &DB{}
}

// Add installs an entry. SrcID and ID default to the wildcard when zero
// so a zero-valued Entry matches everything.
func (db *DB) Add(e Entry) {
	if e.SrcID == 0 {
		e.SrcID = AnyID
	}
	if e.ID == 0 {
		e.ID = AnyID
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.entries = append(db.entries, &e)
}

// Remove deletes every entry installed under cookie.
func (db *DB) Remove(cookie uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	kept := db.entries[:0]
	removed := false
	for _, e := range db.entries {
		if e.Cookie == cookie {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	db.entries = kept
	if !removed {
		return fmt.Errorf("match cookie %d: %w", cookie, errs.ErrNotFound)
	}
	return nil
}

// Len returns the number of installed entries.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.entries)
}

// MatchMessage reports whether any entry accepts an ordinary broadcast
// from the given sender.
func (db *DB) MatchMessage(ctx MsgContext) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, e := range db.entries {
		if e.Kind != types.ItemNone {
			continue
		}
		if e.SrcID != AnyID && e.SrcID != ctx.SrcID {
			continue
		}
		if e.SrcName != "" && !contains(ctx.SrcNames, e.SrcName) {
			continue
		}
		if len(e.BloomMask) > 0 && !ctx.Filter.ContainsMask(e.BloomMask) {
			continue
		}
		return true
	}
	return false
}

// MatchNotification reports whether any entry accepts the kernel
// notification carried by item.
func (db *DB) MatchNotification(item *types.Item) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, e := range db.entries {
		if e.Kind != item.Type {
			continue
		}
		if matchNotificationPayload(e, item) {
			return true
		}
	}
	return false
}

func matchNotificationPayload(e *Entry, item *types.Item) bool {
	switch item.Type {
	case types.ItemNameAdd, types.ItemNameRemove, types.ItemNameChange:
		nc := item.NameChange
		if nc == nil {
			return false
		}
		if e.Name != "" && e.Name != nc.Name {
			return false
		}
		if e.ID != AnyID && e.ID != nc.OldID && e.ID != nc.NewID {
			return false
		}
		return true
	case types.ItemIDAdd, types.ItemIDRemove:
		ic := item.IDChange
		if ic == nil {
			return false
		}
		return e.ID == AnyID || e.ID == ic.ID
	default:
		return false
	}
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
