// Package events provides a publish/subscribe event bus for mission
// lifecycle and operational events. Events flow from components
// (scheduler, preflight monitor, command engine) to subscribers (the
// comms WebSocket, the admin log ring, the MQTT publisher). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceMission identifies events from the mission scheduler.
	SourceMission = "mission"
	// SourcePreflight identifies events from the health monitor.
	SourcePreflight = "preflight"
	// SourceCommand identifies events from player command processing.
	SourceCommand = "command"
	// SourceSystem identifies operator and boot events.
	SourceSystem = "system"
)

// Kind constants describe the type of event within a source.
const (
	// KindScheduled signals a mission was armed.
	// Data: world_id, start, end.
	KindScheduled = "scheduled"
	// KindActivated signals a mission entered RUNNING.
	// Data: world_id.
	KindActivated = "activated"
	// KindCompleted signals a mission reached its end time.
	// Data: world_id, session_record_id.
	KindCompleted = "completed"
	// KindAborted signals an operator abort.
	// Data: world_id, session_record_id.
	KindAborted = "aborted"
	// KindRecordFailed signals a session record open or close failed
	// and will be retried.
	// Data: op, error.
	KindRecordFailed = "record_failed"

	// KindModeChanged signals the derived system mode flipped.
	// Data: from, to, storage, workhorse, director.
	KindModeChanged = "mode_changed"

	// KindCommand signals a processed player command.
	// Data: player_id, movement, role, degraded.
	KindCommand = "command"

	// KindLog carries an operator-facing log line.
	KindLog = "log"
	// KindBroadcast carries a message shown to every player.
	KindBroadcast = "broadcast"
)

// Levels used in Event.Level.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Level is INFO, WARN or ERROR.
	Level string `json:"level"`
	// Message is a human-readable summary.
	Message string `json:"message"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. A zero Timestamp is set to
// now and an empty Level to INFO. Non-blocking: if a subscriber's
// channel is full, the event is dropped for that subscriber. Safe to
// call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
