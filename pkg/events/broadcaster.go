package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultBuffer is the per-subscriber channel capacity
const DefaultBuffer = 64

// DropCounter is notified for each event dropped on a slow subscriber
type DropCounter interface {
	EventDropped(t Type)
}

// Broadcaster fans events out to every subscriber. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   uint64
	closed   bool
	instance string
	drops    DropCounter
	logger   *logrus.Logger
}

// Subscription is one receiver of broadcast events
type Subscription struct {
	id     uint64
	ch     chan Event
	types  map[Type]bool
	parent *Broadcaster
	once   sync.Once
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster(logger *logrus.Logger) *Broadcaster {
	if logger == nil {
		logger = logrus.New()
	}
	return &Broadcaster{
		subs:     make(map[uint64]*Subscription),
		instance: uuid.NewString(),
		logger:   logger,
	}
}

// SetDropCounter installs a metrics hook for dropped events
func (b *Broadcaster) SetDropCounter(d DropCounter) {
	b.mu.Lock()
	b.drops = d
	b.mu.Unlock()
}

// Instance returns the id stamped on locally published events
func (b *Broadcaster) Instance() string {
	return b.instance
}

// Subscribe registers a subscriber. With no types every event is delivered.
func (b *Broadcaster) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &Subscription{
		ch:     make(chan Event, buffer),
		parent: b,
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish stamps and delivers evt to all subscribers
func (b *Broadcaster) Publish(evt Event) {
	if evt.Origin == "" {
		evt.Origin = b.instance
	}
	b.deliver(evt)
}

// deliver fans out without touching Origin, so relayed events keep theirs
func (b *Broadcaster) deliver(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[evt.Type] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.logger.Debugf("dropping %s event for slow subscriber %d", evt.Type, sub.id)
			if b.drops != nil {
				b.drops.EventDropped(evt.Type)
			}
		}
	}
}

// Len returns the number of live subscriptions
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription and rejects new ones
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// C returns the receive channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close removes the subscription
func (s *Subscription) Close() {
	b := s.parent
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
	}
	s.once.Do(func() { close(s.ch) })
}
