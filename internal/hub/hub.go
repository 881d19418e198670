// Package hub delivers per-subscription filtered, ordered streams of
// events and (optionally) PTY output. Each subscription owns a bounded
// mailbox drained by a dedicated goroutine; a subscriber that cannot keep
// up is terminated rather than allowed to block producers.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jmoyers/harness/internal/proto"
)

// DefaultQueueSize is the default bounded mailbox size per subscription.
const DefaultQueueSize = 4096

// FrameKind discriminates what a delivered Frame carries.
type FrameKind int

const (
	FrameEvent FrameKind = iota
	FrameOutput
	FrameTerminated
)

// Frame is one item handed to a subscription's deliver callback.
type Frame struct {
	Kind   FrameKind
	Cursor int64 // rowId for FrameEvent

	Event proto.Envelope // set for FrameEvent

	SessionID    string // set for FrameOutput
	OutputCursor uint64 // set for FrameOutput
	Output       []byte // set for FrameOutput

	Reason string // set for FrameTerminated, e.g. "slow-consumer"
}

// Filter selects which events/output a subscription receives. A zero value
// field means "don't filter on this dimension".
type Filter struct {
	TenantID       string
	UserID         string
	WorkspaceID    string
	DirectoryID    string
	ConversationID string
}

func (f Filter) matches(ev proto.Envelope) bool {
	if f.TenantID != "" && f.TenantID != ev.Scope.TenantID {
		return false
	}
	if f.UserID != "" && f.UserID != ev.Scope.UserID {
		return false
	}
	if f.WorkspaceID != "" && f.WorkspaceID != ev.Scope.WorkspaceID {
		return false
	}
	if f.DirectoryID != "" && f.DirectoryID != ev.Scope.WorktreeID {
		return false
	}
	if f.ConversationID != "" && f.ConversationID != ev.Scope.ConversationID {
		return false
	}
	return true
}

type subscription struct {
	id            string
	filter        Filter
	includeOutput bool
	startRowID    int64
	sessionFilter func(sessionID string) bool

	queue chan Frame
	// terminal is reserved for the one slow-consumer termination envelope,
	// so it can be delivered even when queue is full. 1-buffered; the
	// terminated flag guarantees at most one send ever happens.
	terminal chan Frame
	stop     chan struct{}
	done     chan struct{}

	deliver func(Frame)

	mu         sync.Mutex
	terminated bool
	stopOnce   sync.Once
}

// Hub owns the set of active subscriptions.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]*subscription
	maxRowID  int64
	queueSize int

	onSlowConsumer func(subscriptionID string)
}

// New creates an empty Hub. onSlowConsumer, if non-nil, is called when a
// subscription is terminated for backpressure, for metrics.
func New(onSlowConsumer func(subscriptionID string)) *Hub {
	return &Hub{
		subs:           make(map[string]*subscription),
		queueSize:      DefaultQueueSize,
		onSlowConsumer: onSlowConsumer,
	}
}

// Subscribe registers a new subscription and returns its id and the
// snapshotted start cursor (max(afterCursor, current max rowId)).
// deliver is invoked from a dedicated per-subscription
// goroutine, never concurrently with itself, and never after Unsubscribe
// returns.
func (h *Hub) Subscribe(filter Filter, includeOutput bool, afterCursor int64, deliver func(Frame)) (id string, startCursor int64) {
	h.mu.Lock()
	start := afterCursor
	if h.maxRowID > start {
		start = h.maxRowID
	}
	sub := &subscription{
		id:            uuid.NewString(),
		filter:        filter,
		includeOutput: includeOutput,
		startRowID:    start,
		queue:         make(chan Frame, h.queueSize),
		terminal:      make(chan Frame, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		deliver:       deliver,
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go h.drain(sub)

	return sub.id, start
}

func (h *Hub) drain(sub *subscription) {
	defer close(sub.done)
	for {
		// A pending termination envelope takes priority over whatever is
		// still queued: once the subscription is terminated, the terminal
		// frame is the last thing the consumer hears.
		select {
		case f := <-sub.terminal:
			sub.deliver(f)
			h.remove(sub.id)
			return
		default:
		}
		select {
		case f, ok := <-sub.queue:
			if !ok {
				return
			}
			sub.deliver(f)
		case f := <-sub.terminal:
			sub.deliver(f)
			h.remove(sub.id)
			return
		case <-sub.stop:
			return
		}
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Unsubscribe stops deliveries synchronously: deliver will not be invoked
// after Unsubscribe returns. Idempotent.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.stopOnce.Do(func() { close(sub.stop) })
	<-sub.done
}

// PublishEvent fans ev out to every matching subscription whose start
// cursor it clears. Called from the event-log writer's publish hook after
// an append commits (ev.RowID is populated).
func (h *Hub) PublishEvent(ev proto.Envelope) {
	h.mu.Lock()
	if ev.RowID > h.maxRowID {
		h.maxRowID = ev.RowID
	}
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if ev.RowID <= s.startRowID {
			continue
		}
		if !s.filter.matches(ev) {
			continue
		}
		h.enqueue(s, Frame{Kind: FrameEvent, Cursor: ev.RowID, Event: ev})
	}
}

// PublishOutput fans an output chunk out to every subscription that opted
// into includeOutput and whose sessionFilter (if set) matches sessionID.
func (h *Hub) PublishOutput(sessionID string, cursor uint64, p []byte) {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if s.includeOutput {
			subs = append(subs, s)
		}
	}
	h.mu.Unlock()

	buf := make([]byte, len(p))
	copy(buf, p)

	for _, s := range subs {
		if s.sessionFilter != nil && !s.sessionFilter(sessionID) {
			continue
		}
		h.enqueue(s, Frame{Kind: FrameOutput, SessionID: sessionID, OutputCursor: cursor, Output: buf})
	}
}

// SetSessionFilter restricts which session's output a subscription receives
// output from. Subscriptions default to "all sessions matching Filter",
// which is sufficient for event filtering but output is keyed by session,
// not by event scope, so the dispatcher narrows it explicitly when the
// stream.subscribe request names a sessionId.
func (h *Hub) SetSessionFilter(id string, fn func(sessionID string) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		s.sessionFilter = fn
	}
}

// enqueue delivers f without blocking; on overflow it terminates the
// subscription with slow-consumer. The daemon never blocks the PTY reader
// or event writer on a slow subscriber.
func (h *Hub) enqueue(s *subscription, f Frame) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	select {
	case s.queue <- f:
		s.mu.Unlock()
		return
	default:
	}
	s.terminated = true
	s.mu.Unlock()

	h.remove(s.id)

	if h.onSlowConsumer != nil {
		h.onSlowConsumer(s.id)
	}
	// Guaranteed room: terminal is 1-buffered and the terminated flag
	// ensures this is the only send that ever happens on it. The drain
	// goroutine delivers it ahead of anything still queued, then exits.
	s.terminal <- Frame{Kind: FrameTerminated, Reason: "slow-consumer"}
}
