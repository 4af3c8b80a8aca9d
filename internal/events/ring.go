package events

import (
	"context"
	"sync"
)

// DefaultRingSize is how many events the admin log view retains.
const DefaultRingSize = 1000

// Ring retains the most recent events in publish order. Older events
// are overwritten once the ring is full.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewRing creates a ring holding up to size events. A non-positive
// size uses DefaultRingSize.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]Event, size)}
}

// Add appends e, evicting the oldest event when full.
func (r *Ring) Add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Len returns the number of retained events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Recent returns up to limit of the newest events accepted by match,
// oldest first. A nil match accepts everything; a non-positive limit
// returns every match.
func (r *Ring) Recent(limit int, match func(Event) bool) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}

	var out []Event
	// Walk newest to oldest, then reverse.
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		e := r.buf[idx]
		if match != nil && !match(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Follow records every event published on b until ctx is cancelled.
// It blocks; run it in its own goroutine.
func (r *Ring) Follow(ctx context.Context, b *Bus) {
	ch := b.Subscribe(256)
	defer b.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Add(e)
		}
	}
}

// Comms reports whether e belongs on the player-facing comms feed.
func Comms(e Event) bool {
	switch {
	case e.Source == SourceMission && e.Kind != KindRecordFailed:
		return true
	case e.Kind == KindBroadcast:
		return true
	}
	return false
}
