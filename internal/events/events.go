// Package events is the in-process pub/sub bus for pipeline observability.
// Publishers never block: a subscriber whose channel is full misses the
// event and the drop is counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Topic identifies the kind of event.
type Topic string

const (
	MessageReceived       Topic = "message.received"
	TurnRouted            Topic = "turn.routed"
	ToolInvoked           Topic = "tool.invoked"
	LLMCompleted          Topic = "llm.completed"
	LLMFallback           Topic = "llm.fallback"
	MessageSent           Topic = "message.sent"
	MessageSendFailed     Topic = "message.send_failed"
	ConversationPaused    Topic = "conversation.paused"
	ConversationResumed   Topic = "conversation.resumed"
	ConversationEscalated Topic = "conversation.escalated"
	FlowTransition        Topic = "flow.transition"
	TurnFailed            Topic = "turn.failed"
	InstanceStatus        Topic = "instance.status"
	SettingsUpdated       Topic = "settings.updated"
)

// DefaultBufferSize is the ring buffer capacity when Opts leaves it unset.
const DefaultBufferSize = 256

// Event is one published occurrence.
type Event struct {
	ID             string         `json:"id"`
	Topic          Topic          `json:"topic"`
	At             time.Time      `json:"at"`
	ConversationID uint           `json:"conversation_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Subscription receives events on C until it is closed by Unsubscribe.
type Subscription struct {
	C <-chan Event

	id int
	ch chan Event
}

// Emitter keeps the most recent events in a ring buffer and fans them out
// to subscribers. A nil *Emitter accepts and discards every call.
type Emitter struct {
	mu     sync.Mutex
	ring   []Event
	head   int // next write position
	filled bool
	subs   map[int]*Subscription
	nextID int
	now    func() time.Time

	dropped atomic.Uint64
}

// Opts holds parameters for creating an Emitter.
type Opts struct {
	BufferSize int              // defaults to DefaultBufferSize
	Now        func() time.Time // defaults to time.Now
}

// New creates an Emitter.
func New(opts Opts) *Emitter {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Emitter{
		ring: make([]Event, size),
		subs: make(map[int]*Subscription),
		now:  now,
	}
}

// Publish records an event and delivers it to every subscriber.
func (e *Emitter) Publish(topic Topic, conversationID uint, data map[string]any) Event {
	if e == nil {
		return Event{}
	}
	at := e.now().UTC()
	evt := Event{
		ID:             ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Topic:          topic,
		At:             at,
		ConversationID: conversationID,
		Data:           data,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ring[e.head] = evt
	e.head = (e.head + 1) % len(e.ring)
	if e.head == 0 {
		e.filled = true
	}
	for _, sub := range e.subs {
		select {
		case sub.ch <- evt:
		default:
			e.dropped.Add(1)
		}
	}
	return evt
}

// Subscribe registers a subscriber with the given channel capacity.
func (e *Emitter) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch}
	if e == nil {
		return sub
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	sub.id = e.nextID
	e.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Calling it
// twice is safe.
func (e *Emitter) Unsubscribe(sub *Subscription) {
	if e == nil || sub == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[sub.id]; !ok {
		return
	}
	delete(e.subs, sub.id)
	close(sub.ch)
}

// Recent returns the buffered events, oldest first.
func (e *Emitter) Recent() []Event {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.filled {
		return append([]Event(nil), e.ring[:e.head]...)
	}
	out := make([]Event, 0, len(e.ring))
	out = append(out, e.ring[e.head:]...)
	return append(out, e.ring[:e.head]...)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (e *Emitter) Dropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Subscribers returns the number of active subscriptions.
func (e *Emitter) Subscribers() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
