// Package events is the coordinator's in-process pub/sub bus for scheduler
// lifecycle events.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of scheduler event
type EventType string

const (
	EventScheduleAdded     EventType = "schedule.added"
	EventScheduleRemoved   EventType = "schedule.removed"
	EventScheduleExhausted EventType = "schedule.exhausted"
	EventJobQueued         EventType = "job.queued"
	EventJobSucceeded      EventType = "job.succeeded"
	EventJobFailed         EventType = "job.failed"
	EventJobRetry          EventType = "job.retry"
	EventJobMisfired       EventType = "job.misfired"
	EventHandlerRegistered EventType = "handler.registered"
	EventHandlerOffline    EventType = "handler.offline"
)

// Event represents one scheduler state change
type Event struct {
	ID         string            `json:"id,omitempty"`
	Type       EventType         `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	ScheduleID string            `json:"schedule_id,omitempty"`
	JobID      string            `json:"job_id,omitempty"`
	HandlerID  string            `json:"handler_id,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Bus distributes scheduler events to in-process subscribers. The broker
// bridges it to peer instances when multi-instance mode is enabled.
type Bus struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the bus's event distribution loop
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
