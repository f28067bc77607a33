package notifier

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/logging"
)

// Subscription is a consumer's view of the bus
type Subscription struct {
	ID string

	kinds   map[core.MessageKind]bool
	ch      chan Message
	dropped atomic.Int64
}

// C returns the receive channel. It is closed on Unsubscribe or Close.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Dropped returns how many messages this subscriber missed
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(kind core.MessageKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Bus is an in-process pub/sub with message-kind filtering
type Bus struct {
	buffer int
	hooks  Hooks
	log    *logging.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscription
	published   map[core.MessageKind]int
	dropped     map[core.MessageKind]int
	closed      bool
}

// New creates a bus. buffer <= 0 uses DefaultBuffer.
func New(buffer int, hooks Hooks) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		buffer:      buffer,
		hooks:       hooks,
		log:         logging.Component("notifier"),
		subscribers: make(map[string]*Subscription),
		published:   make(map[core.MessageKind]int),
		dropped:     make(map[core.MessageKind]int),
	}
}

// Subscribe registers a consumer for kinds (all kinds when empty). An empty
// id gets a generated one; an existing id is replaced.
func (b *Bus) Subscribe(id string, kinds ...core.MessageKind) *Subscription {
	if id == "" {
		id = uuid.New().String()
	}

	sub := &Subscription{
		ID:    id,
		kinds: make(map[core.MessageKind]bool, len(kinds)),
		ch:    make(chan Message, b.buffer),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	if old, ok := b.subscribers[id]; ok {
		close(old.ch)
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish delivers result to every interested subscriber without blocking.
// A subscriber whose buffer is full misses the message.
func (b *Bus) Publish(result core.TriggerResult, kind core.MessageKind) Message {
	msg := Message{
		ID:        uuid.New().String(),
		Kind:      kind,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return msg
	}

	b.published[kind]++
	if b.hooks.OnPublish != nil {
		b.hooks.OnPublish(kind)
	}

	for _, sub := range b.subscribers {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
			b.dropped[kind]++
			if b.hooks.OnDrop != nil {
				b.hooks.OnDrop(kind)
			}
			b.log.WithFields(map[string]interface{}{
				"subscriber": sub.ID,
				"kind":       kind,
			}).Warn("Subscriber buffer full, message dropped")
		}
	}

	return msg
}

// Stats returns a snapshot of bus counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Subscribers: len(b.subscribers),
		Published:   make(map[core.MessageKind]int, len(b.published)),
		Dropped:     make(map[core.MessageKind]int, len(b.dropped)),
	}
	for k, v := range b.published {
		st.Published[k] = v
	}
	for k, v := range b.dropped {
		st.Dropped[k] = v
	}
	return st
}

// Close unsubscribes everyone. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
