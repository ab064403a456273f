// Package bus is a synchronous publish/subscribe hub for transport events.
package bus

import (
	"io"
	"sync"

	. "github.com/JeanRibes/midi-looper/shared"

	charmlog "github.com/charmbracelet/log"
)

type Handler func(Message)

// Subscription identifies one Subscribe call, it is what Unsubscribe takes.
type Subscription struct {
	event Event
	id    uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

type Bus struct {
	mu     sync.Mutex
	subs   map[Event][]subscriber
	nextID uint64
	logger *charmlog.Logger
}

func New(logger *charmlog.Logger) *Bus {
	if logger == nil {
		logger = charmlog.New(io.Discard)
	}
	return &Bus{
		subs:   map[Event][]subscriber{},
		logger: logger,
	}
}

func (b *Bus) Subscribe(ev Event, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[ev] = append(b.subs[ev], subscriber{id: b.nextID, fn: fn})
	return Subscription{event: ev, id: b.nextID}
}

func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.event]
	for i, sub := range list {
		if sub.id == s.id {
			// copy so a Publish iterating the old slice is unaffected
			next := make([]subscriber, 0, len(list)-1)
			next = append(next, list[:i]...)
			b.subs[s.event] = append(next, list[i+1:]...)
			return
		}
	}
}

// Publish runs every handler of ev in subscription order on the calling
// goroutine. A panicking handler is logged and skipped.
func (b *Bus) Publish(ev Event, msg Message) {
	msg.Type = ev
	b.mu.Lock()
	list := b.subs[ev]
	b.mu.Unlock()
	for _, sub := range list {
		b.call(sub, msg)
	}
}

func (b *Bus) call(sub subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "event", msg.Type, "subscriber", sub.id, "panic", r)
		}
	}()
	sub.fn(msg)
}

// Reset drops every subscriber.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.subs = map[Event][]subscriber{}
	b.mu.Unlock()
}

func (b *Bus) Count(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[ev])
}
