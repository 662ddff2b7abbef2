// Package authorize derives per-session capabilities by probing the
// tenant's own RLS policies inside short-lived transactions, and carries
// the resulting capability records through the session's lifetime.
package authorize

// Tri is a three-valued capability: unknown until probed, then a boolean
// that never changes again for the session's lifetime. The zero value is
// Unknown, so a fresh Policies record starts fully unprobed.
type Tri uint8

const (
	Unknown Tri = iota
	Allowed
	Denied
)

// Latch resolves an Unknown capability to v. A capability that already
// holds a boolean keeps it: booleans are terminal, only unknown -> bool
// transitions are representable.
func (t Tri) Latch(v bool) Tri {
	if t != Unknown {
		return t
	}
	if v {
		return Allowed
	}
	return Denied
}

// Known reports whether the capability has been probed.
func (t Tri) Known() bool { return t != Unknown }

// Granted reports whether the capability is a probed true.
func (t Tri) Granted() bool { return t == Allowed }

func (t Tri) String() string {
	switch t {
	case Allowed:
		return "true"
	case Denied:
		return "false"
	default:
		return "unknown"
	}
}

// BroadcastPolicies are the probed broadcast capabilities.
type BroadcastPolicies struct {
	Read  Tri
	Write Tri
}

// PresencePolicies are the probed presence capabilities.
type PresencePolicies struct {
	Read  Tri
	Write Tri
}

// Policies is the per-session capability record. One probe per direction
// fills the corresponding fields; the other direction stays untouched until
// (and unless) its own probe runs.
type Policies struct {
	Broadcast BroadcastPolicies
	Presence  PresencePolicies
}

// MergeRead latches the read capabilities from a read-direction probe.
// Write fields are left exactly as they were.
func (p Policies) MergeRead(probe Policies) Policies {
	p.Broadcast.Read = p.Broadcast.Read.Latch(probe.Broadcast.Read.Granted())
	p.Presence.Read = p.Presence.Read.Latch(probe.Presence.Read.Granted())
	return p
}

// MergeWrite latches the write capabilities from a write-direction probe.
// Read fields are left exactly as they were.
func (p Policies) MergeWrite(probe Policies) Policies {
	p.Broadcast.Write = p.Broadcast.Write.Latch(probe.Broadcast.Write.Granted())
	p.Presence.Write = p.Presence.Write.Latch(probe.Presence.Write.Granted())
	return p
}
