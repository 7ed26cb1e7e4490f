package meta

import (
	"sync"
	"time"

	"github.com/kernelgate/kbus/internal/shared/types"
)

// identityFlags are the classes withheld from observers in a different
// namespace pair.
const identityFlags = types.AttachCreds | types.AttachPIDs | types.AttachAuxGroups |
	types.AttachPIDComm | types.AttachTIDComm | types.AttachExe |
	types.AttachCmdline | types.AttachCaps | types.AttachAudit

// liveFlags are the classes collected fresh at export time rather than
// frozen in the snapshot.
const liveFlags = types.AttachNames | types.AttachConnDescription

// Source holds the facts known about a connection's creator.
type Source struct {
	Creds    types.Credentials
	PIDComm  string
	TIDComm  string
	Exe      string
	Cmdline  string
	Cgroup   string
	Caps     []byte
	Seclabel string
	Audit    types.AuditInfo

	// Faked marks an identity installed by a privileged owner. A faked
	// source carries only its credentials and security label.
	Faked bool
}

// Available returns the classes this source can provide.
func (s *Source) Available() types.AttachFlags {
	if s.Faked {
		return types.AttachCreds | types.AttachSeclabel | types.AttachTimestamp | liveFlags
	}
	return types.AttachAll
}

// Live is the state collected fresh at export time.
type Live struct {
	Names           []types.Item // NAME items with ownership flags in Val
	ConnDescription string
}

// Snapshot is the frozen metadata of one message. It grows monotonically
// via Collect and is safe for concurrent use.
type Snapshot struct {
	mu        sync.Mutex
	src       *Source
	ts        time.Time
	collected types.AttachFlags
}

// NewSnapshot freezes the source at the given timestamp with the
// requested classes collected.
func NewSnapshot(src *Source, ts time.Time, which types.AttachFlags) *Snapshot {
	s := &Snapshot{src: src, ts: ts}
	s.Collect(which)
	return s
}

// Collect widens the snapshot to cover additional classes. Classes the
// source cannot provide are ignored; already collected classes stay.
func (s *Snapshot) Collect(which types.AttachFlags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collected |= which & s.src.Available()
}

// Collected returns the classes currently frozen.
func (s *Snapshot) Collected() types.AttachFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collected
}

// Export renders the item stream for one observer. Identity-bearing
// classes are withheld unless the observer shares the source's
// namespaces; names and the connection description come from live.
func (s *Snapshot) Export(observer *types.Credentials, which types.AttachFlags, live *Live) []types.Item {
	s.mu.Lock()
	mask := s.collected & which
	src := s.src
	ts := s.ts
	s.mu.Unlock()

	if observer != nil && !src.Creds.NsEq(observer) {
		mask &^= identityFlags
	}

	var items []types.Item
	add := func(f types.AttachFlags, item types.Item) {
		if mask.Has(f) {
			items = append(items, item)
		}
	}

	add(types.AttachTimestamp, types.Item{Type: types.ItemTimestamp, Val: uint64(ts.UnixNano())})
	if mask.Has(types.AttachCreds) {
		creds := src.Creds
		items = append(items, types.Item{Type: types.ItemCreds, Creds: &creds})
	}
	add(types.AttachPIDComm, types.Item{Type: types.ItemPIDComm, Str: src.PIDComm})
	add(types.AttachTIDComm, types.Item{Type: types.ItemTIDComm, Str: src.TIDComm})
	add(types.AttachExe, types.Item{Type: types.ItemExe, Str: src.Exe})
	add(types.AttachCmdline, types.Item{Type: types.ItemCmdline, Str: src.Cmdline})
	add(types.AttachCgroup, types.Item{Type: types.ItemCgroup, Str: src.Cgroup})
	add(types.AttachCaps, types.Item{Type: types.ItemCaps, Data: src.Caps})
	add(types.AttachSeclabel, types.Item{Type: types.ItemSeclabel, Str: src.Seclabel})
	if mask.Has(types.AttachAudit) {
		audit := src.Audit
		items = append(items, types.Item{Type: types.ItemAudit, Audit: &audit})
	}

	if live != nil {
		if mask.Has(types.AttachNames) {
			items = append(items, live.Names...)
		}
		if mask.Has(types.AttachConnDescription) && live.ConnDescription != "" {
			items = append(items, types.Item{
				Type: types.ItemConnDescription,
				Str:  live.ConnDescription,
			})
		}
	}
	return items
}
