package pipeline

import (
	"sync"
	"time"
)

// EventType classifies pipeline events.
type EventType string

const (
	EventAdded     EventType = "added"
	EventState     EventType = "state_changed"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventInfo      EventType = "info"
)

// Event is one observable pipeline occurrence.
type Event struct {
	Type    EventType `json:"type"`
	JobID   int64     `json:"job_id,omitempty"`
	Path    string    `json:"path,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Bus fans events out to subscribers and keeps a bounded ring of recent
// events for late readers. Publishing never blocks: a slow subscriber
// loses its oldest undelivered events, not the pipeline's time.
type Bus struct {
	mu     sync.Mutex
	ring   []Event
	cap    int
	subs   map[int]chan Event
	nextID int
}

func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{cap: capacity, subs: make(map[int]chan Event)}
}

// Publish records the event and delivers it to every subscriber,
// dropping each subscriber's oldest event on overflow.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring = append(b.ring, ev)
	if len(b.ring) > b.cap {
		b.ring = b.ring[len(b.ring)-b.cap:]
	}

	for _, ch := range b.subs {
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe returns a channel of future events and a cancel func. The
// channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Recent returns a copy of the retained event ring, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.ring))
	copy(out, b.ring)
	return out
}
