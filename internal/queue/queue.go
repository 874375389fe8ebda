// Package queue implements the FIFO session-request queue with
// head-injection for retries, per-request deadlines, and delayed retry
// re-fires.
package queue

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/gridworks/distributor/internal/backoff"
	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/eventbus"
	"github.com/gridworks/distributor/internal/reason"
)

// Request is a pending session-creation request.
type Request struct {
	RequestID    string
	Alternatives []capabilities.Capabilities
	EnqueuedAt   time.Time
	Deadline     time.Time

	// RetryCount is the number of times OfferFirst has re-queued this
	// request after a transient placement failure. OfferFirst passes it to
	// backoff.Calculate with retryInterval as the cap, so the re-fire delay
	// never exceeds retryInterval.
	RetryCount int
}

// Expired reports whether the request's deadline has passed as of now.
func (r Request) Expired(now time.Time) bool {
	return now.After(r.Deadline)
}

// Queue is an ordered FIFO of pending SessionRequests with per-request
// timeout and retry, implemented with a single reader-preferring...
// actually writer-preferring reader/writer lock: Go's sync.RWMutex blocks
// new readers once a writer is waiting, giving offerLast/offerFirst/
// remove/clear priority over peek, matching the fairness
// requirement. No I/O happens inside the lock; events are fired only
// after it is released.
type Queue struct {
	bus    eventbus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	entries *list.List // of *Request, front = head (dequeued first)
	byID    map[string]*list.Element

	shuttingDown bool

	retryInterval time.Duration
	delayed       workqueue.TypedDelayingInterface[string]
}

// New constructs a queue. retryInterval is the delay offerFirst schedules
// before re-firing NewSessionRequestEvent for a head-inserted request.
func New(bus eventbus.Bus, retryInterval time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		bus:           bus,
		logger:        logger,
		entries:       list.New(),
		byID:          make(map[string]*list.Element),
		retryInterval: retryInterval,
		delayed: workqueue.NewTypedDelayingQueueWithConfig(workqueue.TypedDelayingQueueConfig[string]{
			Name: "session-request-retry",
		}),
	}
	go q.runDelayedFires()
	return q
}

// runDelayedFires drains the delaying workqueue and re-fires
// NewSessionRequestEvent for requests that are still pending (they may
// have been removed by a timeout or an earlier placement in the interim,
// in which case the id is simply absent from byID and the fire is a
// no-op).
func (q *Queue) runDelayedFires() {
	for {
		id, shutdown := q.delayed.Get()
		if shutdown {
			return
		}
		q.delayed.Done(id)

		q.mu.RLock()
		_, stillQueued := q.byID[id]
		q.mu.RUnlock()

		if stillQueued && q.bus != nil {
			q.bus.Publish(eventbus.TopicNewSessionRequest, eventbus.NewSessionRequestEvent{RequestID: id})
		}
	}
}

// OfferLast appends req and fires NewSessionRequestEvent. Always succeeds
// unless the queue is shutting down.
func (q *Queue) OfferLast(req Request) bool {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return false
	}
	el := q.entries.PushBack(&req)
	q.byID[req.RequestID] = el
	q.mu.Unlock()

	if q.bus != nil {
		q.bus.Publish(eventbus.TopicNewSessionRequest, eventbus.NewSessionRequestEvent{RequestID: req.RequestID})
	}
	return true
}

// OfferFirst inserts req at the head and schedules a delayed re-fire of
// NewSessionRequestEvent after a backed-off delay (capped at
// retryInterval), never past req's deadline. Used by the distributor when
// a placement fails transiently.
func (q *Queue) OfferFirst(req Request) bool {
	req.RetryCount++

	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return false
	}
	el := q.entries.PushFront(&req)
	q.byID[req.RequestID] = el
	q.mu.Unlock()

	delay := backoff.Calculate(req.RetryCount, q.retryInterval)
	if remaining := time.Until(req.Deadline); remaining < delay {
		if remaining <= 0 {
			// Already past deadline; Remove() will reject it on the very
			// next look, but still schedule an immediate fire so the
			// scheduling loop notices right away instead of waiting on
			// some unrelated trigger.
			delay = 0
		} else {
			delay = remaining
		}
	}
	q.delayed.AddAfter(req.RequestID, delay)
	return true
}

// Peek returns the head request without removing it, or false if empty.
func (q *Queue) Peek() (Request, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	front := q.entries.Front()
	if front == nil {
		return Request{}, false
	}
	return *front.Value.(*Request), true
}

// Remove extracts request-id from anywhere in the queue: O(1) if it is at
// the head, otherwise a linear scan. Before returning, checks the
// deadline: an expired request fires NewSessionRejectedEvent(TIMEOUT) and
// Remove reports not-found to the caller (the request is gone either way).
func (q *Queue) Remove(requestID string) (Request, bool) {
	q.mu.Lock()
	el, ok := q.byID[requestID]
	if !ok {
		q.mu.Unlock()
		return Request{}, false
	}
	req := *el.Value.(*Request)
	q.entries.Remove(el)
	delete(q.byID, requestID)
	q.mu.Unlock()

	if req.Expired(time.Now()) {
		if q.bus != nil {
			q.bus.Publish(eventbus.TopicNewSessionRejected, eventbus.NewSessionRejectedEvent{
				RequestID: requestID,
				Reason:    reason.Timeout,
			})
		}
		return Request{}, false
	}

	return req, true
}

// Clear drains all pending requests, firing NewSessionRejectedEvent
// (CANCELLED) for each, and returns the count removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	var removed []string
	for el := q.entries.Front(); el != nil; el = el.Next() {
		removed = append(removed, el.Value.(*Request).RequestID)
	}
	q.entries.Init()
	q.byID = make(map[string]*list.Element)
	q.mu.Unlock()

	if q.bus != nil {
		for _, id := range removed {
			q.bus.Publish(eventbus.TopicNewSessionRejected, eventbus.NewSessionRejectedEvent{
				RequestID: id,
				Reason:    reason.Cancelled,
			})
		}
	}
	return len(removed)
}

// Len reports the number of pending requests.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.entries.Len()
}

// Shutdown stops accepting new offers and releases the delayed-fire
// worker. It does not itself reject pending requests; call Clear() first
// if that behavior is wanted.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()
	q.delayed.ShutDown()
}
