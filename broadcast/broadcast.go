// Package broadcast implements a session-keyed publish/subscribe fan-out
// for the six streaming event types of spec §6.1. Grounded on the
// teacher's progress-reporting channel pattern (core/async_task.go's
// ProgressReporter: a bounded channel handlers push onto, consumed by a
// background reader) combined with the HTTP binding shape of
// ui/transports/sse/sse.go, generalized from one reporter per task to one
// broadcaster instance fanning out to many subscribers per session.
package broadcast

import (
	"sync"
	"time"

	"github.com/fieldstack/blueprint/core"
)

// Type is one of the six mandatory event types (spec §6.1).
type Type string

const (
	TypeManagerThinking     Type = "manager_thinking"
	TypeAgentSubstep        Type = "agent_substep"
	TypeWorkflowStateChange Type = "workflow_state_change"
	TypeBrainAllocation     Type = "brain_allocation"
	TypeUserDecisionNeeded  Type = "user_decision_needed"
	TypeErrorRecovery       Type = "error_recovery"
)

// Event is the envelope shared by all six event types (spec §4.5).
type Event struct {
	Type      Type                   `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`

	// Dropped is set on the first event delivered to a subscriber after it
	// lagged and events were dropped (spec §4.5): "the next event
	// delivered carries a dropped: N hint."
	Dropped int `json:"dropped,omitempty"`
}

// Sink is the optional persistence collaborator of §6.5: every published
// event is forwarded to it, best-effort.
type Sink interface {
	RecordEvent(e Event)
}

const defaultBufferSize = 256 // spec §6.6 broadcaster_subscriber_buffer default

// subscriber is one live listener for a session.
type subscriber struct {
	id      string
	ch      chan Event
	dropped int
	mu      sync.Mutex
	closed  bool
}

// Broadcaster is the single owned component of spec's §9 design note
// ("Module-level singletons for the broadcaster ... → one owned
// component"): all per-session subscriber state lives in data owned by
// this instance, not in package-level maps.
type Broadcaster struct {
	mu         sync.RWMutex
	sessions   map[string]map[string]*subscriber
	bufferSize int
	sink       Sink
	logger     core.Logger
	telem      core.Telemetry
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize overrides the per-subscriber buffer bound (spec §6.6
// broadcaster_subscriber_buffer, default 256).
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithSink attaches the optional persistence/audit sink (§6.5).
func WithSink(sink Sink) Option {
	return func(b *Broadcaster) { b.sink = sink }
}

// WithLogger overrides the broadcaster's logger.
func WithLogger(l core.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTelemetry overrides the broadcaster's telemetry collaborator.
func WithTelemetry(t core.Telemetry) Option {
	return func(b *Broadcaster) {
		if t != nil {
			b.telem = t
		}
	}
}

// New creates a Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		sessions:   make(map[string]map[string]*subscriber),
		bufferSize: defaultBufferSize,
		logger:     &core.NoOpLogger{},
		telem:      &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	Events <-chan Event
	sub    *subscriber
	b      *Broadcaster
	sessionID string
}

// Unsubscribe removes the subscription, closing its channel. Safe to call
// more than once, and safe to call on transport close (spec §4.5).
func (s *Subscription) Unsubscribe() {
	s.b.unsubscribe(s.sessionID, s.sub.id)
}

// Subscribe registers a new subscriber for sessionID (spec §4.5). Multiple
// subscribers per session are allowed.
func (b *Broadcaster) Subscribe(sessionID, subscriberID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessions[sessionID] == nil {
		b.sessions[sessionID] = make(map[string]*subscriber)
	}
	sub := &subscriber{id: subscriberID, ch: make(chan Event, b.bufferSize)}
	b.sessions[sessionID][subscriberID] = sub

	return &Subscription{Events: sub.ch, sub: sub, b: b, sessionID: sessionID}
}

func (b *Broadcaster) unsubscribe(sessionID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	if sub, ok := subs[subscriberID]; ok {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(b.sessions, sessionID)
	}
}

// Publish delivers event to every live subscriber of sessionID (spec §4.5:
// best-effort, non-blocking, ordered per session; property P6 no
// cross-session leakage, P5 ordered fan-out). A full subscriber buffer
// causes the event to be dropped for that subscriber only, which is then
// marked lagging; the next delivered event to it carries Dropped>0.
func (b *Broadcaster) Publish(sessionID string, typ Type, data map[string]interface{}) {
	event := Event{Type: typ, SessionID: sessionID, Timestamp: time.Now(), Data: data}

	b.mu.RLock()
	subs := b.sessions[sessionID]
	// Snapshot the subscriber list so a concurrent Subscribe/Unsubscribe
	// doesn't race delivery; per-subscriber state is separately locked.
	targets := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, event)
	}

	if b.sink != nil {
		b.sink.RecordEvent(event)
	}
}

func (b *Broadcaster) deliver(sub *subscriber, event Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	if sub.dropped > 0 {
		event.Dropped = sub.dropped
	}
	select {
	case sub.ch <- event:
		sub.dropped = 0
	default:
		sub.dropped++
		b.logger.Warn("broadcaster: subscriber lagging, event dropped", map[string]interface{}{
			"session_id":    event.SessionID,
			"subscriber_id": sub.id,
			"dropped":       sub.dropped,
		})
	}
}

// SessionSubscriberCount returns the number of live subscribers for
// sessionID, for tests and admin surfaces.
func (b *Broadcaster) SessionSubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}
