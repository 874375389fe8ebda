package node

import (
	"time"

	"github.com/gridworks/distributor/internal/capabilities"
)

// State is a slot's place in the FREE → RESERVED → ACTIVE → FREE cycle.
type State int

const (
	// Free means the slot holds no session and may be claimed.
	Free State = iota
	// Reserved means a placement is in flight: the factory has been
	// invoked but has not yet returned a session.
	Reserved
	// Active means a session is running on the slot.
	Active
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Reserved:
		return "RESERVED"
	case Active:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Factory creates sessions for slots whose stereotype it matches. Variants:
// a deterministic test factory, a process-backed factory, and a
// container-backed factory contract (see internal/factory).
type Factory interface {
	// Matches reports whether this factory can service the stereotype.
	Matches(stereotype capabilities.Capabilities) bool
	// Create provisions a session honoring the negotiated capabilities.
	// A non-nil error is always treated as FACTORY_FAILED by the caller.
	Create(negotiated capabilities.Capabilities) (Session, error)
}

// Session is the handle a factory hands back for a running session.
type Session struct {
	SessionID  string
	SessionURI string
}

// Slot is one unit of concurrency on a node, bound to one stereotype and
// the factory able to service it.
type Slot struct {
	ID          string
	Stereotype  capabilities.Capabilities
	factory     Factory
	state       State
	sessionID   string
	lastStarted time.Time // zero if never used
}

func newSlot(id string, stereotype capabilities.Capabilities, factory Factory) *Slot {
	return &Slot{
		ID:         id,
		Stereotype: stereotype,
		factory:    factory,
		state:      Free,
	}
}

// Snapshot is an immutable view of a slot's public state, safe to read
// without the owning node's lock.
type Snapshot struct {
	ID          string
	Stereotype  capabilities.Capabilities
	State       State
	SessionID   string
	LastStarted time.Time
}

func (s *Slot) snapshot() Snapshot {
	return Snapshot{
		ID:          s.ID,
		Stereotype:  s.Stereotype,
		State:       s.state,
		SessionID:   s.sessionID,
		LastStarted: s.lastStarted,
	}
}
