package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// NoOwner marks rules installed at bus or endpoint creation rather than
// by a policy-holder connection.
const NoOwner = uint64(0)

// entry is the rule set for one name pattern.
type entry struct {
	name     string // prefix without the ".*" suffix for wildcards
	wildcard bool
	owner    uint64
	accesses []types.PolicyAccess
}

type cacheKey struct {
	connID uint64
	name   string
	want   types.AccessType
}

// DB is one access database. Buses carry one, custom endpoints carry
// their own. All methods are safe for concurrent use.
type DB struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cache   map[cacheKey]bool
}

// NewDB creates an empty database.
func NewDB() *DB {
	return &DB{
		entries: make(map[string]*entry),
		cache:   make(map[cacheKey]bool),
	}
}

// HasPolicy reports whether any rule is installed.
func (db *DB) HasPolicy() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.entries) > 0
}

// Set installs the rule set for one name. A trailing ".*" makes the
// entry a wildcard over deeper segments. A name already held by a
// different owner reports ErrAlreadyExists.
func (db *DB) Set(owner uint64, name string, accesses []types.PolicyAccess) error {
	wildcard := strings.HasSuffix(name, ".*")
	key := name
	if wildcard {
		key = strings.TrimSuffix(name, ".*")
		if key == "" {
			return fmt.Errorf("bare wildcard policy name: %w", errs.ErrInvalidArgument)
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if e, ok := db.entries[key]; ok && e.owner != owner {
		return fmt.Errorf("policy for %q held by another connection: %w",
			name, errs.ErrAlreadyExists)
	}
	db.entries[key] = &entry{
		name:     key,
		wildcard: wildcard,
		owner:    owner,
		accesses: accesses,
	}
	db.cache = make(map[cacheKey]bool)
	return nil
}

// RemoveOwner drops every rule installed by the given connection.
func (db *DB) RemoveOwner(owner uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for key, e := range db.entries {
		if e.owner == owner {
			delete(db.entries, key)
		}
	}
	db.cache = make(map[cacheKey]bool)
}

// CheckAccess reports whether creds hold the wanted access on name.
// OWN implies TALK implies SEE.
func (db *DB) CheckAccess(creds *types.Credentials, name string, want types.AccessType) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.checkLocked(creds, name, want)
}

// CheckAccessCached is CheckAccess memoized under the asking connection's
// id. The engine uses it on the send path where the same (sender, name)
// pair is checked for every message.
func (db *DB) CheckAccessCached(connID uint64, creds *types.Credentials, name string, want types.AccessType) bool {
	key := cacheKey{connID: connID, name: name, want: want}

	db.mu.RLock()
	if v, ok := db.cache[key]; ok {
		db.mu.RUnlock()
		return v
	}
	db.mu.RUnlock()

	db.mu.Lock()
	defer db.mu.Unlock()
	if v, ok := db.cache[key]; ok {
		return v
	}
	v := db.checkLocked(creds, name, want)
	db.cache[key] = v
	return v
}

// PurgeCacheFor drops the memoized decisions of one connection.
func (db *DB) PurgeCacheFor(connID uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for key := range db.cache {
		if key.connID == connID {
			delete(db.cache, key)
		}
	}
}

// PurgeCache drops every memoized decision. The engine calls it when a
// name changes hands.
func (db *DB) PurgeCache() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.cache = make(map[cacheKey]bool)
}

func (db *DB) checkLocked(creds *types.Credentials, name string, want types.AccessType) bool {
	e := db.resolveLocked(name)
	if e == nil {
		return false
	}

	granted, ok := mostSpecificAccess(e.accesses, creds)
	if !ok {
		return false
	}
	return granted >= want
}

// resolveLocked picks the entry for name: exact match first, then the
// longest wildcard prefix.
func (db *DB) resolveLocked(name string) *entry {
	if e, ok := db.entries[name]; ok && !e.wildcard {
		return e
	}

	var best *entry
	for _, e := range db.entries {
		if !e.wildcard {
			continue
		}
		if !strings.HasPrefix(name, e.name+".") {
			continue
		}
		if best == nil || len(e.name) > len(best.name) {
			best = e
		}
	}
	return best
}

// mostSpecificAccess picks the access of the most specific applicable
// principal: user beats group beats world.
func mostSpecificAccess(accesses []types.PolicyAccess, creds *types.Credentials) (types.AccessType, bool) {
	var (
		found types.AccessType
		ok    bool
		rank  = -1
	)
	for _, a := range accesses {
		var r int
		switch a.Principal {
		case types.PrincipalWorld:
			r = 0
		case types.PrincipalGroup:
			if !creds.InGroup(a.ID) {
				continue
			}
			r = 1
		case types.PrincipalUser:
			if creds.UID != a.ID {
				continue
			}
			r = 2
		default:
			continue
		}
		if r > rank {
			rank = r
			found = a.Access
			ok = true
		}
	}
	return found, ok
}
