package distributor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/google/uuid"

	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/eventbus"
	"github.com/gridworks/distributor/internal/metrics"
	"github.com/gridworks/distributor/internal/node"
	"github.com/gridworks/distributor/internal/queue"
	"github.com/gridworks/distributor/internal/reason"
	"github.com/gridworks/distributor/internal/sessionmap"
)

// registeredNode is a node's entry in the distributor's registration table.
type registeredNode struct {
	node           *node.Node
	secret         string
	insertionIndex int
}

// waiter is a blocked newSession call waiting for the scheduling loop (or
// the rejection subscriber) to resolve it exactly once.
type waiter struct {
	resolved atomic.Bool
	ch       chan result
}

func (w *waiter) resolve(r result) {
	if w.resolved.CompareAndSwap(false, true) {
		w.ch <- r
	}
}

// Distributor is the scheduler: it owns the node registration table, drives
// the scheduling loop off the queue and the event bus, and reconciles node
// health on a heartbeat.
type Distributor struct {
	bus        eventbus.Bus
	queue      *queue.Queue
	sessionMap *sessionmap.Map
	logger     *slog.Logger

	registrationSecret string
	requestTimeout     time.Duration
	heartbeatInterval  time.Duration

	mu                 sync.RWMutex
	nodes              map[string]*registeredNode
	nextInsertionIndex int

	waitersMu sync.Mutex
	waiters   map[string]*waiter

	trigger chan struct{}
	passReq chan chan struct{}
	stop    chan struct{}
	stopped sync.Once

	metrics   *metrics.Metrics
	heartbeat HeartbeatWriter
}

// HeartbeatWriter is an external liveness probe sink: runHealthChecks calls
// ReportProgress on every heartbeat tick when one is attached, independent of
// individual node health. Satisfied by
// utils/progress_check.ProgressWriter.
type HeartbeatWriter interface {
	ReportProgress() error
}

// SetMetrics attaches a metrics sink; nil (the default) disables recording.
func (d *Distributor) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// SetHeartbeatWriter attaches a liveness probe sink; nil (the default)
// disables it. Each heartbeat tick that finishes its health-check pass
// without panicking reports progress, giving an external process-liveness
// probe a signal independent of any single node's health.
func (d *Distributor) SetHeartbeatWriter(w HeartbeatWriter) { d.heartbeat = w }

// Config bundles the tunables New needs.
type Config struct {
	RegistrationSecret string
	RequestTimeout     time.Duration
	RetryInterval      time.Duration
	HeartbeatInterval  time.Duration
}

// New wires a Distributor to bus, constructing its own queue and session
// map, and subscribes to the events it needs to react to: new/retried
// requests, health transitions, and node removal (explicit or
// self-removal-after-drain) so its registration table stays in sync.
func New(bus eventbus.Bus, cfg Config, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 250 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}

	d := &Distributor{
		bus:                bus,
		logger:             logger,
		registrationSecret: cfg.RegistrationSecret,
		requestTimeout:     cfg.RequestTimeout,
		heartbeatInterval:  cfg.HeartbeatInterval,
		nodes:              make(map[string]*registeredNode),
		waiters:            make(map[string]*waiter),
		trigger:            make(chan struct{}, 1),
		passReq:            make(chan chan struct{}),
		stop:               make(chan struct{}),
	}
	d.queue = queue.New(bus, cfg.RetryInterval, logger)
	d.sessionMap = sessionmap.New(bus, cfg.HeartbeatInterval, logger)

	if bus != nil {
		bus.Subscribe(eventbus.TopicNewSessionRequest, func(event any) { d.triggerAsync() })
		bus.Subscribe(eventbus.TopicNodeStatus, func(event any) { d.triggerAsync() })
		bus.Subscribe(eventbus.TopicNewSessionRejected, func(event any) {
			e, ok := event.(eventbus.NewSessionRejectedEvent)
			if !ok {
				return
			}
			d.resolveWaiter(e.RequestID, result{reason: e.Reason})
		})
		bus.Subscribe(eventbus.TopicNodeRemoved, func(event any) {
			e, ok := event.(eventbus.NodeRemovedEvent)
			if !ok {
				return
			}
			d.forgetNode(e.NodeID)
		})
	}

	go d.runSchedulingLoop()
	go d.runHealthLoop()

	return d
}

func (d *Distributor) resolveWaiter(requestID string, r result) {
	d.waitersMu.Lock()
	w, ok := d.waiters[requestID]
	d.waitersMu.Unlock()
	if ok {
		w.resolve(r)
	}
}

func (d *Distributor) forgetNode(nodeID string) {
	d.mu.Lock()
	delete(d.nodes, nodeID)
	count := len(d.nodes)
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.NodesRegistered.Set(float64(count))
	}
}

// Register performs the registration handshake: ref.Secret must match the
// distributor's configured secret. A mismatch fires node-rejected and
// reports false. Re-registering an already-known node-id is idempotent and
// does not re-fire node-added.
func (d *Distributor) Register(ref NodeRef) bool {
	if ref.Secret != d.registrationSecret {
		if d.bus != nil {
			d.bus.Publish(eventbus.TopicNodeRejected, eventbus.NodeRejectedEvent{NodeID: ref.Node.ID()})
		}
		return false
	}

	d.mu.Lock()
	if _, exists := d.nodes[ref.Node.ID()]; exists {
		d.mu.Unlock()
		return true
	}
	idx := d.nextInsertionIndex
	d.nextInsertionIndex++
	d.nodes[ref.Node.ID()] = &registeredNode{node: ref.Node, secret: ref.Secret, insertionIndex: idx}
	count := len(d.nodes)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.NodesRegistered.Set(float64(count))
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.TopicNodeAdded, eventbus.NodeAddedEvent{NodeID: ref.Node.ID()})
	}
	d.triggerAsync()
	return true
}

// Remove explicitly deregisters a node. A miss is a silent no-op; a hit
// fires node-removed, which this same Distributor's subscriber also uses to
// keep the table in sync for the self-removal-after-drain path.
func (d *Distributor) Remove(nodeID string) {
	d.mu.Lock()
	_, ok := d.nodes[nodeID]
	if ok {
		delete(d.nodes, nodeID)
	}
	d.mu.Unlock()

	if ok && d.bus != nil {
		d.bus.Publish(eventbus.TopicNodeRemoved, eventbus.NodeRemovedEvent{NodeID: nodeID})
	}
}

// Drain forwards to the node's own Drain(); a miss is a no-op.
func (d *Distributor) Drain(nodeID string) bool {
	d.mu.RLock()
	ref, ok := d.nodes[nodeID]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	ref.node.Drain()
	return true
}

func (d *Distributor) snapshotRefs() []*registeredNode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*registeredNode, 0, len(d.nodes))
	for _, ref := range d.nodes {
		out = append(out, ref)
	}
	return out
}

// GetStatus aggregates every registered node's status.
func (d *Distributor) GetStatus() Status {
	refs := d.snapshotRefs()
	out := Status{Nodes: make([]NodeStatus, 0, len(refs))}
	for _, ref := range refs {
		st := ref.node.GetStatus()
		out.Nodes = append(out.Nodes, NodeStatus{
			NodeID:       st.NodeID,
			ExternalURI:  st.ExternalURI,
			Availability: st.Availability,
			Draining:     st.Draining,
			MaxSessions:  st.MaxSessions,
			ActiveCount:  st.ActiveCount(),
			FreeCount:    st.FreeCount(),
			Slots:        st.Slots,
		})
		if st.Capacity() > 0 {
			out.HasCapacity = true
		}
	}
	return out
}

// GetAvailableNodes returns the ids of nodes currently UP and not draining.
func (d *Distributor) GetAvailableNodes() []string {
	refs := d.snapshotRefs()
	var out []string
	for _, ref := range refs {
		st := ref.node.GetStatus()
		if st.Availability == node.Up && !st.Draining {
			out = append(out, ref.node.ID())
		}
	}
	return out
}

// NewSession enqueues a session request and blocks the caller until it is
// placed, rejected, or its deadline passes — whichever comes first.
func (d *Distributor) NewSession(alternatives []capabilities.Capabilities) (Response, reason.Kind) {
	requestID := uuid.NewString()
	now := time.Now()
	deadline := now.Add(d.requestTimeout)

	// A request no registered node could ever serve is rejected before it is
	// enqueued. With no node registered at all it is queued instead, to wait
	// for a registration or its deadline.
	if refs := d.snapshotRefs(); len(refs) > 0 {
		if _, matched := buildCandidates(queue.Request{Alternatives: alternatives}, refs); !matched {
			d.rejectTerminal(requestID, reason.UnsupportedCapabilities)
			return Response{}, reason.UnsupportedCapabilities
		}
	}

	w := &waiter{ch: make(chan result, 1)}
	d.waitersMu.Lock()
	d.waiters[requestID] = w
	d.waitersMu.Unlock()
	defer func() {
		d.waitersMu.Lock()
		delete(d.waiters, requestID)
		d.waitersMu.Unlock()
	}()

	d.queue.OfferLast(queue.Request{
		RequestID:    requestID,
		Alternatives: alternatives,
		EnqueuedAt:   now,
		Deadline:     deadline,
	})

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.response, res.reason
	case <-timer.C:
		d.queue.Remove(requestID)
		select {
		case res := <-w.ch:
			return res.response, res.reason
		default:
			return Response{}, reason.Timeout
		}
	}
}

// Refresh forces an immediate reconciliation pass (health recheck plus one
// scheduling attempt) and blocks until it completes. Intended for tests and
// for fast recovery after an operator action.
func (d *Distributor) Refresh() {
	done := make(chan struct{})
	select {
	case d.passReq <- done:
		<-done
	case <-d.stop:
	}
}

// ReapOrphans sweeps the session map for sessions whose owning node is no
// longer registered (left behind by a forced node removal) and returns how
// many were dropped. Intended to be called on a ticker by the caller.
func (d *Distributor) ReapOrphans() int {
	return d.sessionMap.ReapOrphans()
}

// Shutdown stops the scheduling and health-check loops and the underlying
// queue's delayed-fire worker.
func (d *Distributor) Shutdown() {
	d.stopped.Do(func() { close(d.stop) })
	d.queue.Shutdown()
}

func (d *Distributor) triggerAsync() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Distributor) runSchedulingLoop() {
	for {
		select {
		case <-d.trigger:
			d.schedulingPass()
		case done := <-d.passReq:
			d.runHealthChecks()
			d.schedulingPass()
			close(done)
		case <-d.stop:
			return
		}
	}
}

// runHealthLoop runs a shared scheduled executor that ticks every
// heartbeatInterval and re-evaluates every registered node's health
// predicate, grounded on apimachinery's wait.Until rather than a bespoke
// ticker loop.
func (d *Distributor) runHealthLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-d.stop
		cancel()
	}()
	wait.Until(d.runHealthChecks, d.heartbeatInterval, ctx.Done())
}

func (d *Distributor) runHealthChecks() {
	refs := d.snapshotRefs()
	for _, ref := range refs {
		after := ref.node.RunHealthCheck()
		if d.bus != nil {
			d.bus.Publish(eventbus.TopicNodeStatus, eventbus.NodeStatusEvent{
				NodeID:       ref.node.ID(),
				Availability: after.String(),
			})
		}
	}

	if d.heartbeat != nil {
		if err := d.heartbeat.ReportProgress(); err != nil {
			d.logger.Warn("failed to report distributor heartbeat", slog.String("error", err.Error()))
		}
	}
}

// schedulingPass looks at the head of the queue only: ranks candidates, and
// either places the request, retries it, or rejects it terminally. It never
// looks past the head, matching the queue's strict-FIFO-with-head-retry
// contract.
func (d *Distributor) schedulingPass() {
	if d.metrics != nil {
		d.metrics.SchedulingPasses.Inc()
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))
	}

	req, ok := d.queue.Peek()
	if !ok {
		return
	}

	refs := d.snapshotRefs()
	cands, matchedAnywhere := buildCandidates(req, refs)

	if len(cands) == 0 {
		// matchedAnywhere is also false when no node is registered at all;
		// that must leave the request queued for the deadline or a future
		// registration, not reject it as UNSUPPORTED_CAPABILITIES.
		if !matchedAnywhere && len(refs) > 0 {
			popped, ok := d.queue.Remove(req.RequestID)
			if !ok {
				return
			}
			d.rejectTerminal(popped.RequestID, reason.UnsupportedCapabilities)
		}
		return
	}

	rank(cands)
	best := cands[0]

	popped, ok := d.queue.Remove(req.RequestID)
	if !ok {
		// Already expired or reassigned by a racing pass; the queue's own
		// Remove already fired the rejection event if it expired.
		return
	}

	sess, failure := best.ref.node.NewSession(best.alt)
	if failure == "" {
		d.sessionMap.Add(sessionmap.Session{
			SessionID:    sess.SessionID,
			NodeID:       best.ref.node.ID(),
			Stereotype:   best.alt,
			Negotiated:   best.alt,
			StartInstant: time.Now(),
			SessionURI:   sess.SessionURI,
		})
		if d.metrics != nil {
			d.metrics.SessionsPlaced.Inc()
			d.metrics.PlacementLatency.Observe(time.Since(popped.EnqueuedAt).Seconds())
		}
		d.resolveWaiter(popped.RequestID, result{response: Response{
			SessionID:  sess.SessionID,
			SessionURI: sess.SessionURI,
			Negotiated: best.alt,
			NodeID:     best.ref.node.ID(),
		}})
		return
	}

	switch failure {
	case reason.NoCapacityNow, reason.FactoryFailed:
		d.retryOrReject(popped)
	case reason.Draining, reason.NoMatch:
		// The candidate set was built from a fresh status snapshot but the
		// node's internal state moved on by the time NewSession ran (e.g.
		// another pass raced it onto the last free slot, or drain() landed
		// in between); re-enqueue at the head and let the next pass
		// re-rank.
		d.retryOrReject(popped)
	default:
		d.rejectTerminal(popped.RequestID, failure)
	}
}

func (d *Distributor) retryOrReject(req queue.Request) {
	if req.Expired(time.Now()) {
		d.rejectTerminal(req.RequestID, reason.Timeout)
		return
	}
	d.queue.OfferFirst(req)
}

func (d *Distributor) rejectTerminal(requestID string, r reason.Kind) {
	if d.metrics != nil {
		d.metrics.SessionsRejected.WithLabelValues(string(r)).Inc()
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.TopicNewSessionRejected, eventbus.NewSessionRejectedEvent{
			RequestID: requestID,
			Reason:    r,
		})
	}
	// In case the bus is nil (unit tests constructing a Distributor without
	// one), resolve directly too.
	d.resolveWaiter(requestID, result{reason: r})
}
