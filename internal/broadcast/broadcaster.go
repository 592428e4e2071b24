// Package broadcast implements the EventBroadcaster facade: fan-out of
// daemon lifecycle events to external subscribers (the WebSocket/API layer
// this core does not itself implement).
package broadcast

import (
	"sync"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/logging"
)

// Name is one of the fixed, category-stable event names named in the
// external interface contract.
type Name string

const (
	SessionCreated    Name = "session.created"
	SessionUpdated    Name = "session.updated"
	WorkflowCompleted Name = "workflow.completed"
	WorkflowEvent     Name = "workflow.event"
	WorkflowsCleaned  Name = "workflows.cleaned"
	DepsList          Name = "deps.list"
	UserQuestionAsked Name = "user.questionAsked"
	PoolChanged       Name = "pool.changed"
)

// Event is the envelope delivered to every subscriber.
type Event struct {
	Name      Name           `json:"name"`
	SessionID string         `json:"session_id,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber receives every broadcast event in emission order.
type Subscriber interface {
	OnEvent(Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(Event)

// OnEvent implements Subscriber.
func (f SubscriberFunc) OnEvent(evt Event) { f(evt) }

// Broadcaster fans out events to every registered subscriber. It is not
// itself the hard part of the daemon, but every component contract mentions
// it: sessions, workflows, the agent pool, and the user question loop all
// publish through here.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	log         logging.Logger
}

// New builds an empty Broadcaster.
func New(log logging.Logger) *Broadcaster {
	return &Broadcaster{log: logging.OrNop(log)}
}

// Subscribe registers sub for every future broadcast and returns an unsub
// function.
func (b *Broadcaster) Subscribe(sub Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
	idx := len(b.subscribers) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subscribers) {
			b.subscribers[idx] = nil
		}
	}
}

// Publish fans evt out to every live subscriber, stamping At if unset. A
// panicking subscriber is logged at WARN and does not interrupt delivery to
// the rest.
func (b *Broadcaster) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		b.deliverSafely(sub, evt)
	}
}

func (b *Broadcaster) deliverSafely(sub Subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("broadcaster subscriber panicked on %s: %v", evt.Name, r)
		}
	}()
	sub.OnEvent(evt)
}
