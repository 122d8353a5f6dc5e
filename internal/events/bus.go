package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one message on the bus. Data is the JSON-encoded payload.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Bus is an in-process pub/sub with a bounded replay buffer. Publishing never
// blocks: a subscriber whose buffer is full misses the event and the miss is
// counted.
type Bus struct {
	nextID  atomic.Int64
	dropped atomic.Int64

	mu      sync.Mutex
	replay  []Event
	head    int
	count   int
	subs    map[int]*subscription
	nextSub int
	closed  bool
}

type subscription struct {
	ch     chan Event
	filter map[string]bool
}

// NewBus returns a bus that keeps the last capacity events for replay.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		replay: make([]Event, capacity),
		subs:   make(map[int]*subscription),
	}
}

// Publish encodes data and delivers it to every matching subscriber.
func (b *Bus) Publish(eventType string, data any) (Event, error) {
	payload := json.RawMessage(`{}`)
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s event: %w", eventType, err)
		}
		payload = raw
	}

	ev := Event{
		ID:   b.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event{}, fmt.Errorf("event bus closed")
	}
	b.remember(ev)
	for _, sub := range b.subs {
		if len(sub.filter) > 0 && !sub.filter[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return ev, nil
}

// Subscribe registers a listener for the given event types, or for all types
// when none are named. The returned func unsubscribes and closes the channel.
func (b *Bus) Subscribe(types ...string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, 64)}
	if len(types) > 0 {
		sub.filter = make(map[string]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Since returns retained events with ID greater than afterID, oldest first.
func (b *Bus) Since(afterID int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		ev := b.replay[(b.head+i)%len(b.replay)]
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was
// not keeping up.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Bus) remember(ev Event) {
	size := len(b.replay)
	if b.count < size {
		b.replay[(b.head+b.count)%size] = ev
		b.count++
		return
	}
	b.replay[b.head] = ev
	b.head = (b.head + 1) % size
}
