package types

// MsgFlags modify send behavior.
type MsgFlags uint64

const (
	// MsgExpectReply installs a reply tracker with a deadline.
	MsgExpectReply MsgFlags = 1 << iota

	// MsgSyncReply blocks the sender until the reply, a timeout or the
	// peer's death. Requires MsgExpectReply.
	MsgSyncReply

	// MsgNoAutoStart refuses delivery to an activator placeholder.
	MsgNoAutoStart
)

// Has reports whether all bits in mask are set.
func (f MsgFlags) Has(mask MsgFlags) bool { return f&mask == mask }

// AttachFlags select the metadata classes a receiver wants appended to
// incoming messages, or that a connection allows being collected about it.
type AttachFlags uint64

const (
	AttachTimestamp AttachFlags = 1 << iota
	AttachCreds
	AttachPIDs
	AttachAuxGroups
	AttachNames
	AttachTIDComm
	AttachPIDComm
	AttachExe
	AttachCmdline
	AttachCgroup
	AttachCaps
	AttachSeclabel
	AttachAudit
	AttachConnDescription
)

// AttachAll is every metadata class.
const AttachAll = AttachFlags(1<<14) - 1

// Has reports whether all bits in mask are set.
func (f AttachFlags) Has(mask AttachFlags) bool { return f&mask == mask }

// HelloFlags select the connection's role at creation.
type HelloFlags uint64

const (
	// HelloAcceptFDs permits file handles attached to received messages.
	HelloAcceptFDs HelloFlags = 1 << iota

	// HelloActivator makes a placeholder that holds one name and queues
	// messages for a future implementor.
	HelloActivator

	// HelloPolicyHolder uploads policy for one name without ever sending
	// or receiving.
	HelloPolicyHolder

	// HelloMonitor makes an eavesdropper that sees all unicast traffic.
	HelloMonitor
)

// Has reports whether all bits in mask are set.
func (f HelloFlags) Has(mask HelloFlags) bool { return f&mask == mask }

// NameFlags control name acquisition and report name state.
type NameFlags uint64

const (
	// NameReplaceExisting takes over a name whose current owner set
	// NameAllowReplacement.
	NameReplaceExisting NameFlags = 1 << iota

	// NameAllowReplacement permits a later NameReplaceExisting takeover.
	NameAllowReplacement

	// NameQueue waits in line when the name is taken.
	NameQueue

	// NameInQueue reports that the acquisition was queued, not granted.
	NameInQueue

	// NameActivator marks an activator's placeholder ownership.
	NameActivator
)

// Has reports whether all bits in mask are set.
func (f NameFlags) Has(mask NameFlags) bool { return f&mask == mask }

// RecvFlags modify receive behavior.
type RecvFlags uint64

const (
	// RecvPeek returns the front entry without dequeuing it.
	RecvPeek RecvFlags = 1 << iota

	// RecvDrop discards the front entry unread.
	RecvDrop

	// RecvUsePriority restricts the receive to entries at or above a
	// given priority.
	RecvUsePriority
)

// Has reports whether all bits in mask are set.
func (f RecvFlags) Has(mask RecvFlags) bool { return f&mask == mask }
