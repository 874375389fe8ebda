// Package distributor implements the scheduler: it consumes the pending
// request queue, ranks registered nodes, places sessions, and reconciles
// node health and draining state.
package distributor

import (
	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/node"
	"github.com/gridworks/distributor/internal/reason"
)

// Response is what a successful newSession returns to its caller.
type Response struct {
	SessionID  string
	SessionURI string
	Negotiated capabilities.Capabilities
	NodeID     string
}

// NodeRef is what a node presents at registration: the node itself plus
// the shared secret it was built with.
type NodeRef struct {
	Node   *node.Node
	Secret string
}

// NodeStatus is the per-node view inside a DistributorStatus snapshot.
type NodeStatus struct {
	NodeID       string
	ExternalURI  string
	Availability node.Availability
	Draining     bool
	MaxSessions  int
	ActiveCount  int
	FreeCount    int
	Slots        []node.Snapshot
}

// Status is the aggregated DistributorStatus snapshot getStatus() returns.
// The set of nodes is copied under the registration lock; each node's own
// status is then read one node at a time, so the snapshot is not atomic
// across nodes.
type Status struct {
	Nodes       []NodeStatus
	HasCapacity bool
}

// result carries the outcome a scheduling pass or the bus's rejection
// subscriber delivers to a blocked newSession caller.
type result struct {
	response Response
	reason   reason.Kind
}
