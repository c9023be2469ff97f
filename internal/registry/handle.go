package registry

import "fmt"

// Handle is an opaque reference to a pinned region. The low 32 bits hold
// the arena slot index plus one; the high 32 bits hold the slot's
// generation at the time the handle was issued. Zero is never issued.
type Handle uint64

// Null is the zero handle
const Null Handle = 0

func makeHandle(index int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index+1))
}

func (h Handle) index() (int, bool) {
	low := uint32(h)
	if low == 0 {
		return 0, false
	}
	return int(low - 1), true
}

func (h Handle) generation() uint32 {
	return uint32(h >> 32)
}

func (h Handle) String() string {
	return fmt.Sprintf("%#x", uint64(h))
}

// State is the lifecycle state of a pinned region.
type State uint32

const (
	StateInvalid State = iota
	StatePinning
	StatePinned
	StateReleasing
	StateReleasePending
	StateRevokedWhilePinning
	StateRevokedWhileReleasing
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StatePinning:
		return "pinning"
	case StatePinned:
		return "pinned"
	case StateReleasing:
		return "releasing"
	case StateReleasePending:
		return "release-pending"
	case StateRevokedWhilePinning:
		return "revoked-while-pinning"
	case StateRevokedWhileReleasing:
		return "revoked-while-releasing"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Reason says which path destroyed a handle.
type Reason int

const (
	ReasonUnpin Reason = iota
	ReasonRevoke
	ReasonPinFailed
	ReasonRevokedWhilePinning
)

func (r Reason) String() string {
	switch r {
	case ReasonUnpin:
		return "unpin"
	case ReasonRevoke:
		return "revoke"
	case ReasonPinFailed:
		return "pin-failed"
	case ReasonRevokedWhilePinning:
		return "revoked-while-pinning"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}
