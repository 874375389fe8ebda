// Package sessionmap implements the authoritative registry of live
// session-id → session descriptor. It owns no running session itself; it
// only reflects what nodes report via SessionClosed and what the
// distributor's scheduling loop writes on successful placement.
package sessionmap

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/eventbus"
	"github.com/gridworks/distributor/internal/reason"
)

// Session is the descriptor stored per live session.
type Session struct {
	SessionID      string
	NodeID         string
	Stereotype     capabilities.Capabilities
	Negotiated     capabilities.Capabilities
	StartInstant   time.Time
	SessionURI     string
}

// DurationMillis is the GraphQL-feedable elapsed-time field.
func (s Session) DurationMillis() int64 {
	return time.Since(s.StartInstant).Milliseconds()
}

// defaultHeartbeatInterval matches internal/config's own default and backs
// the default TTL when New is given a non-positive interval.
const defaultHeartbeatInterval = 5 * time.Second

// ttlMultiple is how many heartbeat intervals an orphaned session is kept
// around before ReapOrphans drops it, giving a node that re-registers after
// a transient network blip (not an operator-driven removal) a window to
// reclaim its sessions instead of losing them to the very next sweep tick.
const ttlMultiple = 3

// Map is the session registry. All mutation is internally synchronized.
// The distributor adds a session directly on successful placement;
// removal is driven by nodes' SessionClosed events and by ReapOrphans.
type Map struct {
	mu       sync.RWMutex
	sessions map[string]Session

	// registeredNodes lets the reap loop tell "orphaned by node removal"
	// sessions apart from sessions whose node is merely slow; it is kept
	// in sync by the distributor via NodeAdded/NodeRemoved subscriptions.
	registeredNodes map[string]struct{}

	// orphanedAt records, per session id, when its owning node first
	// dropped out of registeredNodes. ReapOrphans only deletes a session
	// once it has aged past ttl; a node that re-registers before then
	// clears the session's entry here instead of losing it.
	orphanedAt map[string]time.Time

	ttl time.Duration

	logger *slog.Logger
}

// New constructs an empty map and subscribes it to bus for SessionClosed
// (auto-remove), NodeAdded and NodeRemoved (orphan tracking for the reap
// loop). heartbeatInterval sets the orphan TTL to 3×heartbeatInterval,
// falling back to defaultHeartbeatInterval if non-positive.
func New(bus eventbus.Bus, heartbeatInterval time.Duration, logger *slog.Logger) *Map {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	m := &Map{
		sessions:        make(map[string]Session),
		registeredNodes: make(map[string]struct{}),
		orphanedAt:      make(map[string]time.Time),
		ttl:             ttlMultiple * heartbeatInterval,
		logger:          logger,
	}

	if bus != nil {
		bus.Subscribe(eventbus.TopicSessionClosed, func(event any) {
			e, ok := event.(eventbus.SessionClosedEvent)
			if !ok {
				return
			}
			m.Remove(e.SessionID)
		})
		bus.Subscribe(eventbus.TopicNodeAdded, func(event any) {
			e, ok := event.(eventbus.NodeAddedEvent)
			if !ok {
				return
			}
			m.mu.Lock()
			m.registeredNodes[e.NodeID] = struct{}{}
			for id, s := range m.sessions {
				if s.NodeID == e.NodeID {
					delete(m.orphanedAt, id)
				}
			}
			m.mu.Unlock()
		})
		bus.Subscribe(eventbus.TopicNodeRemoved, func(event any) {
			e, ok := event.(eventbus.NodeRemovedEvent)
			if !ok {
				return
			}
			m.mu.Lock()
			delete(m.registeredNodes, e.NodeID)
			m.mu.Unlock()
		})
	}

	return m
}

// Add inserts a session. Invariant: no two sessions share an id; a
// duplicate add overwrites (callers are expected to generate unique ids).
func (m *Map) Add(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s
}

// Get returns the session and reason.NotFound if absent, "" otherwise.
func (m *Map) Get(id string) (Session, reason.Kind) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, reason.NotFound
	}
	return s, ""
}

// Remove deletes a session unconditionally; a miss is a silent no-op
// (mirrors the idempotent-stop law at the node layer).
func (m *Map) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.orphanedAt, id)
}

// Len reports the number of live sessions, for status/metrics.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// All returns a snapshot slice of every live session, for the GraphQL
// projection and status endpoint.
func (m *Map) All() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ReapOrphans sweeps for sessions whose owning node is no longer in the
// registration table and removes those that have been orphaned for at
// least ttl (3×heartbeatInterval by default). This implements the open
// question's recommended TTL-based sweep: a forcibly removed node's
// sessions are not force-closed (there is no node left to contact), but
// they are given one TTL window to be reclaimed — via NodeAdded, if the
// node re-registers — before being dropped so the map doesn't grow
// unbounded. It is the caller's responsibility to invoke this on a ticker
// (see cmd/distributor wiring); the ticker cadence only needs to be finer
// than ttl, it does not itself define the TTL.
func (m *Map) ReapOrphans() (removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, s := range m.sessions {
		if _, ok := m.registeredNodes[s.NodeID]; ok {
			delete(m.orphanedAt, id)
			continue
		}
		since, tracked := m.orphanedAt[id]
		if !tracked {
			m.orphanedAt[id] = now
			continue
		}
		if now.Sub(since) >= m.ttl {
			delete(m.sessions, id)
			delete(m.orphanedAt, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("reaped orphaned sessions", slog.Int("count", removed))
	}
	return removed
}
