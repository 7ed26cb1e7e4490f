package meta

import (
	"testing"
	"time"

	"github.com/kernelgate/kbus/internal/shared/types"
)

func testSource() *Source {
	return &Source{
		Creds: types.Credentials{
			UID: 1000, GID: 100, PID: 4242, TID: 4243,
			PIDNamespace: 1, UserNamespace: 1,
		},
		PIDComm:  "busd",
		TIDComm:  "busd-worker",
		Exe:      "/usr/bin/busd",
		Cmdline:  "busd --config /etc/busd.yaml",
		Cgroup:   "/system.slice/busd.service",
		Caps:     []byte{0x01, 0x02},
		Seclabel: "system_u:system_r:busd_t",
		Audit:    types.AuditInfo{LoginUID: 1000, SessionID: 7},
	}
}

func sameNS() *types.Credentials {
	return &types.Credentials{UID: 0, PIDNamespace: 1, UserNamespace: 1}
}

func otherNS() *types.Credentials {
	return &types.Credentials{UID: 0, PIDNamespace: 2, UserNamespace: 2}
}

func itemOf(items []types.Item, t types.ItemType) *types.Item {
	return types.FirstItem(items, t)
}

func TestExportRequestedClasses(t *testing.T) {
	s := NewSnapshot(testSource(), time.Unix(100, 0), types.AttachAll)

	items := s.Export(sameNS(), types.AttachCreds|types.AttachExe, nil)

	if itemOf(items, types.ItemCreds) == nil {
		t.Error("CREDS should be exported")
	}
	exe := itemOf(items, types.ItemExe)
	if exe == nil || exe.Str != "/usr/bin/busd" {
		t.Errorf("EXE item = %+v, want /usr/bin/busd", exe)
	}
	if itemOf(items, types.ItemCmdline) != nil {
		t.Error("unrequested CMDLINE should be absent")
	}
}

func TestSnapshotOnlyCoversCollected(t *testing.T) {
	s := NewSnapshot(testSource(), time.Now(), types.AttachCreds)

	items := s.Export(sameNS(), types.AttachCreds|types.AttachExe, nil)
	if itemOf(items, types.ItemExe) != nil {
		t.Error("EXE was never collected and should be absent")
	}
}

func TestMonotoneGrowth(t *testing.T) {
	s := NewSnapshot(testSource(), time.Now(), types.AttachCreds)

	s.Collect(types.AttachExe)
	if !s.Collected().Has(types.AttachCreds | types.AttachExe) {
		t.Error("Collect should widen, never shrink")
	}

	s.Collect(0)
	if !s.Collected().Has(types.AttachCreds) {
		t.Error("empty Collect must not drop classes")
	}
}

func TestNamespaceGate(t *testing.T) {
	s := NewSnapshot(testSource(), time.Unix(100, 0), types.AttachAll)

	items := s.Export(otherNS(), types.AttachAll, nil)

	for _, kind := range []types.ItemType{
		types.ItemCreds, types.ItemPIDComm, types.ItemTIDComm,
		types.ItemExe, types.ItemCmdline, types.ItemCaps, types.ItemAudit,
	} {
		if itemOf(items, kind) != nil {
			t.Errorf("%s should be withheld across namespaces", kind)
		}
	}

	// Non-identity classes still flow.
	if itemOf(items, types.ItemTimestamp) == nil {
		t.Error("TIMESTAMP should survive the namespace gate")
	}
	if itemOf(items, types.ItemCgroup) == nil {
		t.Error("CGROUP should survive the namespace gate")
	}
	if itemOf(items, types.ItemSeclabel) == nil {
		t.Error("SECLABEL should survive the namespace gate")
	}
}

func TestLiveItems(t *testing.T) {
	s := NewSnapshot(testSource(), time.Now(), types.AttachAll)

	live := &Live{
		Names: []types.Item{
			{Type: types.ItemName, Str: "org.example.svc", Val: uint64(types.NameAllowReplacement)},
		},
		ConnDescription: "test-session",
	}
	items := s.Export(sameNS(), types.AttachNames|types.AttachConnDescription, live)

	name := itemOf(items, types.ItemName)
	if name == nil || name.Str != "org.example.svc" {
		t.Errorf("NAME item = %+v, want org.example.svc", name)
	}
	desc := itemOf(items, types.ItemConnDescription)
	if desc == nil || desc.Str != "test-session" {
		t.Errorf("CONN_DESCRIPTION item = %+v, want test-session", desc)
	}
}

func TestFakedSource(t *testing.T) {
	src := &Source{
		Creds:    types.Credentials{UID: 0, PIDNamespace: 1, UserNamespace: 1},
		Seclabel: "system_u:system_r:init_t",
		Exe:      "/sbin/init", // must never leak from a faked source
		Faked:    true,
	}
	s := NewSnapshot(src, time.Unix(100, 0), types.AttachAll)

	live := &Live{ConnDescription: "impersonated"}
	items := s.Export(sameNS(), types.AttachAll, live)

	if itemOf(items, types.ItemCreds) == nil {
		t.Error("faked source should export its supplied CREDS")
	}
	if itemOf(items, types.ItemSeclabel) == nil {
		t.Error("faked source should export its supplied SECLABEL")
	}
	if itemOf(items, types.ItemExe) != nil {
		t.Error("faked source must not export process facts")
	}
	if itemOf(items, types.ItemConnDescription) == nil {
		t.Error("faked source should still append live CONN_DESCRIPTION")
	}
}

func TestTimestamp(t *testing.T) {
	ts := time.Unix(42, 99)
	s := NewSnapshot(testSource(), ts, types.AttachTimestamp)

	items := s.Export(sameNS(), types.AttachTimestamp, nil)
	item := itemOf(items, types.ItemTimestamp)
	if item == nil || item.Val != uint64(ts.UnixNano()) {
		t.Errorf("TIMESTAMP item = %+v, want %d", item, ts.UnixNano())
	}
}

func TestCredsAreCopied(t *testing.T) {
	src := testSource()
	s := NewSnapshot(src, time.Now(), types.AttachCreds)

	items := s.Export(sameNS(), types.AttachCreds, nil)
	creds := itemOf(items, types.ItemCreds).Creds
	creds.UID = 9999

	again := s.Export(sameNS(), types.AttachCreds, nil)
	if again[0].Creds.UID != 1000 {
		t.Error("exported credentials should be a copy, not a shared pointer")
	}
}

func TestNilObserverSkipsGate(t *testing.T) {
	s := NewSnapshot(testSource(), time.Now(), types.AttachAll)
	items := s.Export(nil, types.AttachCreds, nil)
	if itemOf(items, types.ItemCreds) == nil {
		t.Error("nil observer should see identity classes")
	}
}
