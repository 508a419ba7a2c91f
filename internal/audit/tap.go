package audit

import (
	"context"
	"sync"
)

// Tap fan-outs delivered audit events to live subscribers (the operator SSE
// stream). Slow subscribers drop events rather than blocking delivery.
type Tap struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewTap initialises an empty fan-out.
func NewTap() *Tap {
	return &Tap{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (t *Tap) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = ch
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.subs, id)
		close(ch)
		t.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (t *Tap) Publish(e Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
