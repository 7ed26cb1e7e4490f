package types

// Credentials is the identity snapshot of a connection's creating process,
// captured at Hello time or supplied by a privileged owner.
type Credentials struct {
	UID uint32 `json:"uid"`
	GID uint32 `json:"gid"`
	PID uint32 `json:"pid"`
	TID uint32 `json:"tid"`

	// AuxGroups are supplementary group ids.
	AuxGroups []uint32 `json:"aux_groups,omitempty"`

	// Caps is an opaque capability snapshot.
	Caps []byte `json:"caps,omitempty"`

	// PIDNamespace and UserNamespace identify the creator's namespaces.
	// Identity-bearing metadata is withheld from observers in a
	// different namespace pair.
	PIDNamespace  uint64 `json:"pid_ns,omitempty"`
	UserNamespace uint64 `json:"user_ns,omitempty"`
}

// NsEq reports whether both observers live in the same namespace pair.
func (c *Credentials) NsEq(o *Credentials) bool {
	return c.PIDNamespace == o.PIDNamespace && c.UserNamespace == o.UserNamespace
}

// InGroup reports whether gid is the primary or an auxiliary group.
func (c *Credentials) InGroup(gid uint32) bool {
	if c.GID == gid {
		return true
	}
	for _, g := range c.AuxGroups {
		if g == gid {
			return true
		}
	}
	return false
}
