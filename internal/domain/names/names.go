package names

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// MaxNameLen bounds a well-known name's byte length.
const MaxNameLen = 255

// ownedFlags are the acquisition bits recorded on an owner.
const ownedFlags = types.NameAllowReplacement | types.NameQueue

// Change is one ownership transition for the engine to broadcast.
type Change struct {
	Kind types.ItemType // ItemNameAdd, ItemNameRemove or ItemNameChange
	types.NameChange
}

// Transfer directs queued messages tagged with NameID from one
// connection to another during activator handoff.
type Transfer struct {
	Name   string
	NameID uint64
	From   uint64
	To     uint64
}

// Owner is a lookup result.
type Owner struct {
	ConnID      uint64
	Flags       types.NameFlags
	NameID      uint64
	ActivatorID uint64
}

// Listing is one row of the registry listing.
type Listing struct {
	Name    string          `json:"name"`
	NameID  uint64          `json:"name_id"`
	OwnerID uint64          `json:"owner_id"`
	Flags   types.NameFlags `json:"flags"`
	Queued  int             `json:"queued"`
}

type waiter struct {
	connID uint64
	flags  types.NameFlags
}

type entry struct {
	name        string
	nameID      uint64
	ownerID     uint64
	ownerFlags  types.NameFlags
	activatorID uint64
	queue       []waiter
}

// Registry is the per-bus name table. All methods are safe for
// concurrent use.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	byConn     map[uint64]map[string]struct{}
	nextNameID uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		byConn:  make(map[uint64]map[string]struct{}),
	}
}

// Valid reports whether name is a well-formed dotted name: at least two
// non-empty elements of [A-Za-z0-9_-] not starting with a digit.
func Valid(name string) bool {
	if len(name) == 0 || len(name) > MaxNameLen {
		return false
	}
	dots := 0
	start := true
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' {
			if start {
				return false
			}
			dots++
			start = true
			continue
		}
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == '-':
		case c >= '0' && c <= '9':
			if start {
				return false
			}
		default:
			return false
		}
		start = false
	}
	return dots >= 1 && !start
}

// Acquire requests ownership of name for connID. The returned flags
// carry NameInQueue when the request was queued instead of granted.
func (r *Registry) Acquire(connID uint64, name string, flags types.NameFlags) (types.NameFlags, []Change, *Transfer, error) {
	if !Valid(name) {
		return 0, nil, nil, fmt.Errorf("name %q: %w", name, errs.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		r.nextNameID++
		e = &entry{
			name:       name,
			nameID:     r.nextNameID,
			ownerID:    connID,
			ownerFlags: flags & (ownedFlags | types.NameActivator),
		}
		if flags.Has(types.NameActivator) {
			e.activatorID = connID
		}
		r.entries[name] = e
		r.track(connID, name)
		return e.ownerFlags, []Change{{
			Kind: types.ItemNameAdd,
			NameChange: types.NameChange{
				Name:     name,
				NewID:    connID,
				NewFlags: e.ownerFlags,
			},
		}}, nil, nil
	}

	// Re-acquisition by the current owner refreshes the flag bits.
	if e.ownerID == connID {
		e.ownerFlags = (e.ownerFlags &^ ownedFlags) | (flags & ownedFlags)
		return e.ownerFlags, nil, nil, nil
	}

	// A queued waiter likewise only refreshes its flags.
	for i := range e.queue {
		if e.queue[i].connID == connID {
			e.queue[i].flags = flags & ownedFlags
			return e.queue[i].flags | types.NameInQueue, nil, nil, nil
		}
	}

	if flags.Has(types.NameActivator) {
		if e.activatorID != 0 {
			return 0, nil, nil, fmt.Errorf("name %q already has an activator: %w",
				name, errs.ErrAlreadyExists)
		}
		e.activatorID = connID
		r.track(connID, name)
		return types.NameActivator | types.NameInQueue, nil, nil, nil
	}

	// An activator placeholder always yields to a real implementor, and
	// its queued messages follow the name.
	if e.ownerFlags.Has(types.NameActivator) {
		old, oldFlags := e.ownerID, e.ownerFlags
		e.ownerID = connID
		e.ownerFlags = flags & ownedFlags
		r.track(connID, name)
		return e.ownerFlags, []Change{{
				Kind: types.ItemNameChange,
				NameChange: types.NameChange{
					Name:     name,
					OldID:    old,
					NewID:    connID,
					OldFlags: oldFlags,
					NewFlags: e.ownerFlags,
				},
			}}, &Transfer{
				Name:   name,
				NameID: e.nameID,
				From:   old,
				To:     connID,
			}, nil
	}

	if e.ownerFlags.Has(types.NameAllowReplacement) && flags.Has(types.NameReplaceExisting) {
		old, oldFlags := e.ownerID, e.ownerFlags
		e.ownerID = connID
		e.ownerFlags = flags & ownedFlags
		r.track(connID, name)
		if oldFlags.Has(types.NameQueue) {
			// The displaced owner joins at the tail like any other
			// queued acquisition.
			e.queue = append(e.queue, waiter{connID: old, flags: oldFlags & ownedFlags})
		} else {
			r.untrack(old, name, e)
		}
		return e.ownerFlags, []Change{{
			Kind: types.ItemNameChange,
			NameChange: types.NameChange{
				Name:     name,
				OldID:    old,
				NewID:    connID,
				OldFlags: oldFlags,
				NewFlags: e.ownerFlags,
			},
		}}, nil, nil
	}

	if flags.Has(types.NameQueue) {
		e.queue = append(e.queue, waiter{connID: connID, flags: flags & ownedFlags})
		r.track(connID, name)
		return (flags & ownedFlags) | types.NameInQueue, nil, nil, nil
	}

	return 0, nil, nil, fmt.Errorf("name %q: %w", name, errs.ErrAlreadyExists)
}

// Release gives up connID's stake in name: ownership, a queue slot or an
// activator registration.
func (r *Registry) Release(connID uint64, name string) ([]Change, *Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, nil, fmt.Errorf("name %q: %w", name, errs.ErrNotFound)
	}

	if e.ownerID == connID {
		changes, transfer := r.removeOwner(e)
		return changes, transfer, nil
	}

	for i := range e.queue {
		if e.queue[i].connID == connID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			r.untrack(connID, name, e)
			return nil, nil, nil
		}
	}

	if e.activatorID == connID {
		e.activatorID = 0
		r.untrack(connID, name, e)
		return nil, nil, nil
	}

	return nil, nil, fmt.Errorf("name %q: %w", name, errs.ErrIDMismatch)
}

// RemoveByConn drops every stake connID holds. Names are processed in
// sorted order so notification order is stable.
func (r *Registry) RemoveByConn(connID uint64) ([]Change, []Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := make([]string, 0, len(r.byConn[connID]))
	for name := range r.byConn[connID] {
		held = append(held, name)
	}
	sort.Strings(held)

	var (
		changes   []Change
		transfers []Transfer
	)
	for _, name := range held {
		e, ok := r.entries[name]
		if !ok {
			continue
		}
		if e.activatorID == connID && e.ownerID != connID {
			e.activatorID = 0
		}
		for i := range e.queue {
			if e.queue[i].connID == connID {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				break
			}
		}
		if e.ownerID == connID {
			cs, tr := r.removeOwner(e)
			changes = append(changes, cs...)
			if tr != nil {
				transfers = append(transfers, *tr)
			}
		} else {
			r.untrack(connID, name, e)
		}
	}
	delete(r.byConn, connID)
	return changes, transfers
}

// removeOwner hands the name to the first waiter, falls back to the
// activator, or removes the entry. Caller holds r.mu.
func (r *Registry) removeOwner(e *entry) ([]Change, *Transfer) {
	old, oldFlags := e.ownerID, e.ownerFlags
	r.untrack(old, e.name, nil)

	if len(e.queue) > 0 {
		w := e.queue[0]
		e.queue = e.queue[1:]
		e.ownerID = w.connID
		e.ownerFlags = w.flags
		return []Change{{
			Kind: types.ItemNameChange,
			NameChange: types.NameChange{
				Name:     e.name,
				OldID:    old,
				NewID:    w.connID,
				OldFlags: oldFlags,
				NewFlags: w.flags,
			},
		}}, nil
	}

	if e.activatorID != 0 && e.activatorID != old {
		e.ownerID = e.activatorID
		e.ownerFlags = types.NameActivator
		return []Change{{
				Kind: types.ItemNameChange,
				NameChange: types.NameChange{
					Name:     e.name,
					OldID:    old,
					NewID:    e.activatorID,
					OldFlags: oldFlags,
					NewFlags: types.NameActivator,
				},
			}}, &Transfer{
				Name:   e.name,
				NameID: e.nameID,
				From:   old,
				To:     e.activatorID,
			}
	}

	delete(r.entries, e.name)
	return []Change{{
		Kind: types.ItemNameRemove,
		NameChange: types.NameChange{
			Name:     e.name,
			OldID:    old,
			OldFlags: oldFlags,
		},
	}}, nil
}

// Lookup resolves name to its current owner.
func (r *Registry) Lookup(name string) (Owner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return Owner{}, fmt.Errorf("name %q: %w", name, errs.ErrNotFound)
	}
	return Owner{
		ConnID:      e.ownerID,
		Flags:       e.ownerFlags,
		NameID:      e.nameID,
		ActivatorID: e.activatorID,
	}, nil
}

// NamesOf returns the names connID currently owns, sorted.
func (r *Registry) NamesOf(connID uint64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for name := range r.byConn[connID] {
		if e, ok := r.entries[name]; ok && e.ownerID == connID {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// List returns every registered name, sorted.
func (r *Registry) List() []Listing {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Listing, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Listing{
			Name:    e.name,
			NameID:  e.nameID,
			OwnerID: e.ownerID,
			Flags:   e.ownerFlags,
			Queued:  len(e.queue),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// track records that connID holds a stake in name. Caller holds r.mu.
func (r *Registry) track(connID uint64, name string) {
	set, ok := r.byConn[connID]
	if !ok {
		set = make(map[string]struct{})
		r.byConn[connID] = set
	}
	set[name] = struct{}{}
}

// untrack drops connID's stake in name unless another role in e still
// references it. Caller holds r.mu.
func (r *Registry) untrack(connID uint64, name string, e *entry) {
	if e != nil {
		if e.ownerID == connID || e.activatorID == connID {
			return
		}
		for i := range e.queue {
			if e.queue[i].connID == connID {
				return
			}
		}
	}
	if set, ok := r.byConn[connID]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
}
