package agentloop

import (
	"sync"
	"time"
)

// EventType identifies the type of session event.
type EventType string

const (
	EventStreamTextDelta EventType = "stream.text_delta"

	EventStateThinking          EventType = "state.thinking"
	EventStateConversationStart EventType = "state.conversation_start"
	EventStateConversationEnd   EventType = "state.conversation_end"
	EventStateResponding        EventType = "state.responding"
	EventStateToolExecuting     EventType = "state.tool_executing"
	EventStateToolCompleted     EventType = "state.tool_completed"
	EventStateToolFailed        EventType = "state.tool_failed"
	EventStateError             EventType = "state.error"

	EventMessageUser       EventType = "message.user"
	EventMessageAssistant  EventType = "message.assistant"
	EventMessageToolResult EventType = "message.tool_result"

	EventTurnStart EventType = "turn.start"
	EventTurnEnd   EventType = "turn.end"

	EventLLMRetry EventType = "llm.retry"

	EventSubagentStart EventType = "subagent.start"
	EventSubagentEnd   EventType = "subagent.end"

	EventWorkflowSubmitted EventType = "workflow.submitted"
	EventContextSummarized EventType = "context.summarized"

	EventExperienceSynthesized EventType = "experience.synthesized"

	// Pass-through backend execution events.
	EventComfyProgress       EventType = "comfyui.progress"
	EventComfyExecuting      EventType = "comfyui.executing"
	EventComfyExecuted       EventType = "comfyui.executed"
	EventComfyExecutionError EventType = "comfyui.execution_error"
	EventComfyStatus         EventType = "comfyui.status"
	EventComfyPreview        EventType = "comfyui.preview"
)

// Event is a typed event on a session's stream.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// DefaultSubscriberBuffer is the per-subscriber event buffer size.
const DefaultSubscriberBuffer = 256

// Subscription is one subscriber's bounded view of a session's event stream.
// When the buffer overflows, the oldest buffered event is dropped so the
// publisher never blocks.
type Subscription struct {
	sessionID string
	all       bool
	ch        chan Event
	bus       *Bus
	closed    bool
	mu        sync.Mutex
}

// Events returns the read-only event channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
// Safe to call multiple times.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver enqueues an event, dropping the oldest buffered event on overflow.
func (s *Subscription) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- event:
		default:
		}
	}
}

// Bus fans session events out to subscribers. Events published for one
// session reach all of its subscribers in identical order.
type Bus struct {
	subs       map[string][]*Subscription
	allSubs    []*Subscription
	bufferSize int
	mu         sync.RWMutex
}

// NewBus creates an event bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Bus{
		subs:       make(map[string][]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a subscriber for one session's events.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan Event, b.bufferSize),
		bus:       b,
	}
	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers a subscriber that receives every session's events.
func (b *Bus) SubscribeAll() *Subscription {
	sub := &Subscription{
		all: true,
		ch:  make(chan Event, b.bufferSize),
		bus: b,
	}
	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.all {
		b.allSubs = removeSub(b.allSubs, sub)
		return
	}
	remaining := removeSub(b.subs[sub.sessionID], sub)
	if len(remaining) == 0 {
		delete(b.subs, sub.sessionID)
	} else {
		b.subs[sub.sessionID] = remaining
	}
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers an event to every subscriber of the session.
func (b *Bus) Publish(sessionID string, eventType EventType, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      data,
	}
	b.mu.RLock()
	subs := b.subs[sessionID]
	allSubs := b.allSubs
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
	for _, sub := range allSubs {
		sub.deliver(event)
	}
}

// Broadcast delivers an event to every subscriber on the bus, regardless
// of session. Used for backend execution events, which carry no session
// affinity on the wire.
func (b *Bus) Broadcast(eventType EventType, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.allSubs))
	for _, subs := range b.subs {
		targets = append(targets, subs...)
	}
	targets = append(targets, b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(event)
	}
}

// Emitter binds a Bus to one session id.
type Emitter struct {
	bus       *Bus
	sessionID string
}

// NewEmitter creates an Emitter for the given session.
func NewEmitter(bus *Bus, sessionID string) *Emitter {
	return &Emitter{bus: bus, sessionID: sessionID}
}

// SessionID returns the session this emitter publishes for.
func (e *Emitter) SessionID() string { return e.sessionID }

// Emit publishes an event on the session's stream.
func (e *Emitter) Emit(eventType EventType, data map[string]interface{}) {
	if e == nil || e.bus == nil {
		return
	}
	e.bus.Publish(e.sessionID, eventType, data)
}
