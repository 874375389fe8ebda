package eventbus

import "github.com/gridworks/distributor/internal/reason"

// Topic names the lifecycle and request events the core fires. Subscribers
// receive events in fire order per topic (per-topic ordering only; there is
// no global total order across topics).
type Topic string

const (
	TopicNewSessionRequest   Topic = "new-session-request"
	TopicNewSessionRejected  Topic = "new-session-rejected"
	TopicNodeAdded           Topic = "node-added"
	TopicNodeRemoved         Topic = "node-removed"
	TopicNodeDrainStarted    Topic = "node-drain-started"
	TopicSessionClosed       Topic = "session-closed"
	TopicNodeStatus          Topic = "node-status"
	TopicNodeRejected        Topic = "node-rejected"
)

// NewSessionRequestEvent announces that a request is available (or
// available again, after a retry delay) for the scheduling loop to
// consider.
type NewSessionRequestEvent struct {
	RequestID string
}

// NewSessionRejectedEvent announces a request left the queue terminally,
// without being placed.
type NewSessionRejectedEvent struct {
	RequestID string
	Reason    reason.Kind
}

// NodeAddedEvent announces a node's first successful registration.
type NodeAddedEvent struct {
	NodeID string
}

// NodeRemovedEvent announces a node has left the registration table,
// whether by explicit removal or by self-removal after drain completed.
type NodeRemovedEvent struct {
	NodeID string
}

// NodeDrainStartedEvent announces drain() was invoked on a node.
type NodeDrainStartedEvent struct {
	NodeID string
}

// SessionClosedEvent announces a session ended (stop() or node removal)
// and its owning node. The session map subscribes to this to keep itself
// authoritative without nodes reaching into it directly.
type SessionClosedEvent struct {
	SessionID string
	NodeID    string
}

// NodeStatusEvent is the periodic heartbeat the distributor fires on a
// node's behalf after each health check tick.
type NodeStatusEvent struct {
	NodeID       string
	Availability string
}

// NodeRejectedEvent announces a registration handshake failed.
type NodeRejectedEvent struct {
	NodeID string
}
