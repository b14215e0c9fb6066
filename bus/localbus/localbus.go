// Package localbus implements an in-process bus.Bus over Go channels.
// It is a drop-in transport for this module's own unit and
// integration tests, and for callers who want Topic/Service/Action
// semantics without a broker. Structurally it follows the teacher's
// internal/events broadcast bus: a channel-keyed subscriber map
// protected by a mutex, and a bounded publish queue that Publish blocks
// on when it is full.
package localbus

import (
	"context"
	"sync"
	"time"

	"github.com/kosmosisdire/lcmware-go/bus"
)

type message struct {
	channel string
	payload []byte
}

type subscriber struct {
	channel string
	handler func(channel string, payload []byte)
}

// Bus is an in-process, channel-based bus.Bus implementation. The zero
// value is not usable; construct with New.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*subscriber
	byTopic map[string]map[uint64]struct{}
	queue   chan message
}

// New creates a ready-to-use local bus. queueSize bounds the number of
// in-flight published messages awaiting dispatch by Drain; 256 is a
// reasonable default for tests.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subs:    make(map[uint64]*subscriber),
		byTopic: make(map[string]map[uint64]struct{}),
		queue:   make(chan message, queueSize),
	}
}

// Publish enqueues payload for delivery to channel's subscribers. It
// never blocks on subscriber processing — only on the internal queue,
// which Drain is expected to keep empty.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	select {
	case b.queue <- message{channel: channel, payload: append([]byte(nil), payload...)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type localSubscription struct {
	bus *Bus
	id  uint64
}

func (s *localSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	sub, ok := s.bus.subs[s.id]
	if !ok {
		return nil
	}
	delete(s.bus.subs, s.id)
	if set, ok := s.bus.byTopic[sub.channel]; ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(s.bus.byTopic, sub.channel)
		}
	}
	return nil
}

// Subscribe registers handler for channel. Delivery happens when Drain
// is called — Subscribe itself only records the registration.
func (b *Bus) Subscribe(channel string, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber{channel: channel, handler: handler}
	if b.byTopic[channel] == nil {
		b.byTopic[channel] = make(map[uint64]struct{})
	}
	b.byTopic[channel][id] = struct{}{}
	return &localSubscription{bus: b, id: id}, nil
}

// Drain waits up to timeout for at least one published message and
// dispatches every message currently queued to its channel's
// subscribers, then returns. It implements bus.Drainer.
func (b *Bus) Drain(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-b.queue:
		b.deliver(m)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	// Drain anything else already queued without waiting further.
	for {
		select {
		case m := <-b.queue:
			b.deliver(m)
		default:
			return nil
		}
	}
}

func (b *Bus) deliver(m message) {
	b.mu.Lock()
	set := b.byTopic[m.channel]
	handlers := make([]func(string, []byte), 0, len(set))
	for id := range set {
		handlers = append(handlers, b.subs[id].handler)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(m.channel, m.payload)
	}
}

// SubscriptionCount reports the number of live subscriptions across
// all channels. It implements bus.SubscriptionCounter.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
