// Package topic implements the one-way typed publish/subscribe layer
// from spec.md §4.1/§4.3. It is the thinnest of the three endpoint
// kinds: Publisher encodes and forwards, Subscriber decodes and
// invokes a callback, swallowing decode/callback failures so one bad
// message never kills the subscription.
package topic

import (
	"context"
	"log/slog"

	"github.com/kosmosisdire/lcmware-go/bus"
	"github.com/kosmosisdire/lcmware-go/contract"
	"github.com/kosmosisdire/lcmware-go/message"
)

// Publisher publishes typed messages of type T to channel.
type Publisher[T message.Message] struct {
	channel string
	bus     bus.Bus
}

// NewPublisher validates channel and T's contract once, then returns a
// ready-to-use Publisher.
func NewPublisher[T message.Message](b bus.Bus, channel string) (*Publisher[T], error) {
	if err := contract.CheckTopicType[T](channel); err != nil {
		return nil, err
	}
	return &Publisher[T]{channel: channel, bus: b}, nil
}

// Publish encodes m and forwards it to the bus on the publisher's
// channel.
func (p *Publisher[T]) Publish(ctx context.Context, m T) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, p.channel, data)
}

// Channel returns the channel this publisher was constructed with.
func (p *Publisher[T]) Channel() string {
	return p.channel
}

// Subscriber auto-subscribes at construction, decodes inbound payloads
// as T, and invokes a callback. Decode or callback failures are
// logged and swallowed.
type Subscriber[T message.Message] struct {
	channel string
	sub     bus.Subscription
	logger  *slog.Logger
}

// NewSubscriber validates channel and T's contract, subscribes to
// channel on b, and invokes cb for every payload that decodes
// successfully. decode is supplied explicitly because Go has no
// classmethod-style static decode on a type parameter.
func NewSubscriber[T message.Message](b bus.Bus, channel string, decode func([]byte) (T, error), cb func(T), logger *slog.Logger) (*Subscriber[T], error) {
	if err := contract.CheckTopicType[T](channel); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Subscriber[T]{channel: channel, logger: logger}

	sub, err := b.Subscribe(channel, func(_ string, payload []byte) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("topic subscriber callback panicked", "channel", channel, "panic", r)
			}
		}()
		m, err := decode(payload)
		if err != nil {
			logger.Warn("topic subscriber decode failed", "channel", channel, "error", err)
			return
		}
		cb(m)
	})
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

// Unsubscribe detaches this subscriber from the bus. Safe to call
// more than once.
func (s *Subscriber[T]) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}

// Channel returns the channel this subscriber was constructed with.
func (s *Subscriber[T]) Channel() string {
	return s.channel
}
