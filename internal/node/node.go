// Package node implements a single grid node: a fixed set of typed slots
// that start and stop sessions through pluggable factories, and the
// draining/health-check state machine the distributor observes.
package node

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/eventbus"
	"github.com/gridworks/distributor/internal/reason"
)

// Availability is the admissible-for-scheduling flag. Draining is
// monotonic: once a node reaches Draining it never returns to Up or Down.
type Availability int

const (
	Up Availability = iota
	Down
	Draining
)

func (a Availability) String() string {
	switch a {
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	case Draining:
		return "DRAINING"
	default:
		return "UNKNOWN"
	}
}

// HealthCheck is a pluggable predicate returning the node's current
// availability (Up/Down only — Draining is driven exclusively by Drain())
// and a human-readable reason. The default always reports Up.
type HealthCheck func() (Availability, string)

func defaultHealthCheck() (Availability, string) { return Up, "" }

// Status is the read-only snapshot getStatus() returns.
type Status struct {
	NodeID        string
	ExternalURI   string
	Availability  Availability
	Draining      bool
	HealthReason  string
	Slots         []Snapshot
	MaxSessions   int
}

// ActiveCount reports how many slots are RESERVED or ACTIVE.
func (s Status) ActiveCount() int {
	n := 0
	for _, slot := range s.Slots {
		if slot.State != Free {
			n++
		}
	}
	return n
}

// FreeCount reports how many slots are FREE.
func (s Status) FreeCount() int {
	return len(s.Slots) - s.ActiveCount()
}

// Capacity is the node's advertised capacity: count of FREE slots when Up
// and not draining, else zero.
func (s Status) Capacity() int {
	if s.Availability != Up || s.Draining {
		return 0
	}
	return s.FreeCount()
}

// Stereotypes returns the distinct stereotype set across all slots, used
// by ranking's specialization score.
func (s Status) Stereotypes() []capabilities.Capabilities {
	seen := make([]capabilities.Capabilities, 0, len(s.Slots))
	for _, slot := range s.Slots {
		dup := false
		for _, st := range seen {
			if capsEqual(st, slot.Stereotype) {
				dup = true
				break
			}
		}
		if !dup {
			seen = append(seen, slot.Stereotype)
		}
	}
	return seen
}

func capsEqual(a, b capabilities.Capabilities) bool {
	return a.Matches(b) && b.Matches(a)
}

// Node owns a set of typed slots and the processes/sessions behind them.
// newSession/stop are mutually exclusive per node via mu.
type Node struct {
	id          string
	externalURI string
	maxSessions int
	bus         eventbus.Bus

	mu           sync.Mutex
	slots        []*Slot
	availability Availability
	draining     bool
	healthReason string
	healthCheck  HealthCheck

	// matchCache memoizes stereotype-match lookups keyed by the canonical
	// JSON form of the requested capability set, since ranking re-evaluates matches for
	// every candidate node on every scheduling pass.
	matchCache *lru.Cache[string, bool]
}

// New constructs a node. bus is used to fire SessionClosed and
// NodeRemoved(self-removal-after-drain) events; it may be nil for tests
// that don't care about event delivery.
func New(id, externalURI string, maxSessions int, bus eventbus.Bus) *Node {
	cache, _ := lru.New[string, bool](256)
	return &Node{
		id:           id,
		externalURI:  externalURI,
		maxSessions:  maxSessions,
		bus:          bus,
		availability: Up,
		healthCheck:  defaultHealthCheck,
		matchCache:   cache,
	}
}

func (n *Node) ID() string          { return n.id }
func (n *Node) ExternalURI() string { return n.externalURI }

// SetHealthCheck installs a custom health predicate, replacing the default
// always-Up one.
func (n *Node) SetHealthCheck(hc HealthCheck) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthCheck = hc
}

// AddSlot registers a slot able to run sessions matching stereotype via
// factory. Builder-time only; not safe to call concurrently with
// scheduling traffic, matching their fixed registration-time lifecycle.
func (n *Node) AddSlot(id string, stereotype capabilities.Capabilities, factory Factory) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.slots = append(n.slots, newSlot(id, stereotype, factory))
}

// Matches reports whether any slot's stereotype satisfies requested. Slots
// are fixed at builder time, so the result for a given requested set never
// changes and is safe to memoize in matchCache.
func (n *Node) Matches(requested capabilities.Capabilities) bool {
	key := matchCacheKey(requested)
	if hit, ok := n.matchCache.Get(key); ok {
		return hit
	}

	n.mu.Lock()
	result := false
	for _, s := range n.slots {
		if s.Stereotype.Matches(requested) {
			result = true
			break
		}
	}
	n.mu.Unlock()

	n.matchCache.Add(key, result)
	return result
}

// matchCacheKey canonicalizes a requested capability set into a stable
// cache key by marshaling its sorted-key JSON form.
func matchCacheKey(requested capabilities.Capabilities) string {
	b, err := json.Marshal(requested)
	if err != nil {
		return fmt.Sprintf("%v", requested)
	}
	return string(b)
}

// NewSession attempts to place req on a FREE matching slot, selecting
// among ties by least-recently-used lastStarted. On FactoryFailed the slot
// is returned to Free (no leak).
func (n *Node) NewSession(requested capabilities.Capabilities) (Session, reason.Kind) {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return Session{}, reason.Draining
	}

	var chosen *Slot
	for _, s := range n.slots {
		if !s.Stereotype.Matches(requested) {
			continue
		}
		if s.state != Free {
			continue
		}
		if chosen == nil || s.lastStarted.Before(chosen.lastStarted) {
			chosen = s
		}
	}

	if chosen == nil {
		// Distinguish "no stereotype at all matches" from "matches exist
		// but all are busy" for the caller's retry-vs-reject decision.
		anyStereotypeMatches := false
		for _, s := range n.slots {
			if s.Stereotype.Matches(requested) {
				anyStereotypeMatches = true
				break
			}
		}
		n.mu.Unlock()
		if anyStereotypeMatches {
			return Session{}, reason.NoCapacityNow
		}
		return Session{}, reason.NoMatch
	}

	chosen.state = Reserved
	factory := chosen.factory
	n.mu.Unlock()

	sess, err := factory.Create(requested)

	n.mu.Lock()
	if err != nil {
		chosen.state = Free
		n.mu.Unlock()
		return Session{}, reason.FactoryFailed
	}
	chosen.state = Active
	chosen.sessionID = sess.SessionID
	chosen.lastStarted = time.Now()
	n.mu.Unlock()

	return sess, ""
}

// Stop ends the session on whichever slot holds sessionID: the slot returns
// to Free and SessionClosed is published. The slot's factory is not called,
// so whatever the factory started for the session is left to the factory's
// owner. Idempotent: an unknown id is a no-op reason.NotFound.
func (n *Node) Stop(sessionID string) reason.Kind {
	n.mu.Lock()
	var found *Slot
	for _, s := range n.slots {
		if s.state != Free && s.sessionID == sessionID {
			found = s
			break
		}
	}
	if found == nil {
		n.mu.Unlock()
		return reason.NotFound
	}
	found.state = Free
	found.sessionID = ""
	shouldSelfRemove := n.draining && n.activeCountLocked() == 0
	n.mu.Unlock()

	if n.bus != nil {
		n.bus.Publish(eventbus.TopicSessionClosed, eventbus.SessionClosedEvent{
			SessionID: sessionID,
			NodeID:    n.id,
		})
	}

	if shouldSelfRemove {
		n.selfRemove()
	}

	return ""
}

func (n *Node) activeCountLocked() int {
	count := 0
	for _, s := range n.slots {
		if s.state != Free {
			count++
		}
	}
	return count
}

// Drain sets draining=true (monotonically — repeated calls are no-ops).
// After this, NewSession always returns Draining. If the node is already
// idle, it self-removes immediately.
func (n *Node) Drain() {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	empty := n.activeCountLocked() == 0
	n.mu.Unlock()

	if n.bus != nil {
		n.bus.Publish(eventbus.TopicNodeDrainStarted, eventbus.NodeDrainStartedEvent{NodeID: n.id})
	}

	if empty {
		n.selfRemove()
	}
}

func (n *Node) selfRemove() {
	if n.bus != nil {
		n.bus.Publish(eventbus.TopicNodeRemoved, eventbus.NodeRemovedEvent{NodeID: n.id})
	}
}

// IsDraining reports the monotonic drain flag.
func (n *Node) IsDraining() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.draining
}

// RunHealthCheck invokes the installed health predicate and updates
// availability unless the node is draining (draining always wins and is
// never reset by a health check).
func (n *Node) RunHealthCheck() Availability {
	n.mu.Lock()
	hc := n.healthCheck
	draining := n.draining
	n.mu.Unlock()

	avail, why := hc()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.draining {
		return Draining
	}
	if draining {
		return Draining
	}
	n.availability = avail
	n.healthReason = why
	return avail
}

// GetStatus returns the current slot states and availability.
func (n *Node) GetStatus() Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	avail := n.availability
	if n.draining {
		avail = Draining
	}

	slots := make([]Snapshot, len(n.slots))
	for i, s := range n.slots {
		slots[i] = s.snapshot()
	}

	return Status{
		NodeID:       n.id,
		ExternalURI: n.externalURI,
		Availability: avail,
		Draining:     n.draining,
		HealthReason: n.healthReason,
		Slots:        slots,
		MaxSessions:  n.maxSessions,
	}
}

// String is used for debug logging only.
func (n *Node) String() string {
	return fmt.Sprintf("Node(%s, %s)", n.id, n.externalURI)
}
