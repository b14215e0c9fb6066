// Package bus defines the minimal transport abstraction the
// middleware is built on: a best-effort, named-channel, opaque-byte
// multicast bus. spec.md treats this transport as an external,
// unspecified collaborator; this package gives it a concrete Go shape
// so Topic, Service, and Action endpoints can be written once against
// an interface and run over either a real broker (bus/mqttbus) or an
// in-process bus (bus/localbus) used by this module's own tests.
package bus

import (
	"context"
	"time"
)

// Handler is invoked for every message delivered on a subscribed
// channel. Implementations must be safe to call from whatever
// goroutine the underlying transport delivers on, and must not block
// for long — see runtime.Runtime's dispatch-thread model.
type Handler func(channel string, payload []byte)

// Subscription is returned by Subscribe and released by calling
// Unsubscribe. Endpoints own their subscriptions and release them on
// teardown (spec.md §3, §4.3, §4.4, §4.5).
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport every endpoint is built against. Publish and
// Subscribe must be safe for concurrent use by multiple endpoints
// sharing one Bus instance (spec.md §4.1: "all subscribe/unsubscribe
// calls from any endpoint operate on the same underlying bus handle").
type Bus interface {
	// Publish forwards payload to every current subscriber of
	// channel. Delivery is best-effort; Publish returning nil does
	// not guarantee any subscriber received the message.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers handler for channel and returns a
	// Subscription the caller must Unsubscribe when done.
	Subscribe(channel string, handler Handler) (Subscription, error)
}

// Drainer is implemented by Bus transports whose message delivery must
// be pumped by an external loop rather than delivered by their own
// background goroutines — this mirrors the reference LCM library's
// handle_timeout(ms) model, and is what bus/localbus implements for
// use in tests. MQTT-backed buses (bus/mqttbus) deliver asynchronously
// via autopaho's own connection goroutine and do not implement this
// interface; runtime.Runtime detects its absence and skips the
// explicit drain step for such transports.
type Drainer interface {
	// Drain blocks for up to timeout waiting for and dispatching one
	// batch of pending messages. A Drain call that finds nothing to
	// deliver returns nil once timeout elapses; ctx cancellation
	// returns ctx.Err().
	Drain(ctx context.Context, timeout time.Duration) error
}

// SubscriptionCounter is implemented by Bus transports that can report
// how many live subscriptions they currently hold, for testing
// invariant 5 in spec.md §8 ("teardown of an endpoint releases all of
// its subscriptions, verifiable by a bus-level subscription count").
type SubscriptionCounter interface {
	SubscriptionCount() int
}
