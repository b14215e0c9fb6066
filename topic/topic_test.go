package topic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kosmosisdire/lcmware-go/bus/localbus"
	"github.com/kosmosisdire/lcmware-go/examples/types"
	"github.com/kosmosisdire/lcmware-go/runtime"
)

func newTestRuntime(t *testing.T) (*runtime.Runtime, func()) {
	t.Helper()
	lb := localbus.New(64)
	rt := runtime.New(lb, nil)
	rt.StartHandler(context.Background())
	return rt, rt.StopHandler
}

func TestPublishSubscribeDeliversDecodedMessage(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	pub, err := NewPublisher[*types.Heartbeat](rt.Bus(), "/robot/heartbeat")
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	var mu sync.Mutex
	var received []*types.Heartbeat
	done := make(chan struct{}, 1)

	sub, err := NewSubscriber(rt.Bus(), "/robot/heartbeat", types.DecodeHeartbeat, func(h *types.Heartbeat) {
		mu.Lock()
		received = append(received, h)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	defer sub.Unsubscribe()

	if err := pub.Publish(context.Background(), &types.Heartbeat{NodeID: "arm1", SequenceNumber: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("got %d messages, want 1", len(received))
	}
	if received[0].NodeID != "arm1" || received[0].SequenceNumber != 1 {
		t.Fatalf("unexpected message: %+v", received[0])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	pub, err := NewPublisher[*types.Heartbeat](rt.Bus(), "/robot/heartbeat")
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	var count int
	var mu sync.Mutex
	sub, err := NewSubscriber(rt.Bus(), "/robot/heartbeat", types.DecodeHeartbeat, func(h *types.Heartbeat) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe should be a no-op: %v", err)
	}

	if err := pub.Publish(context.Background(), &types.Heartbeat{NodeID: "arm1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", count)
	}
}

// badDecodeHeartbeat always fails to decode, exercising the "decode failures
// are logged and swallowed" requirement.
func badDecodeHeartbeat(data []byte) (*types.Heartbeat, error) {
	return nil, errBadDecode
}

var errBadDecode = &decodeError{"always fails"}

type decodeError struct{ msg string }

func (e *decodeError) Error() string { return e.msg }

func TestSubscriberSwallowsDecodeErrors(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	pub, err := NewPublisher[*types.Heartbeat](rt.Bus(), "/robot/heartbeat")
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	called := make(chan struct{}, 1)
	sub, err := NewSubscriber(rt.Bus(), "/robot/heartbeat", badDecodeHeartbeat, func(h *types.Heartbeat) {
		called <- struct{}{}
	}, nil)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	defer sub.Unsubscribe()

	if err := pub.Publish(context.Background(), &types.Heartbeat{NodeID: "arm1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-called:
		t.Fatal("callback should not run when decode fails")
	case <-time.After(100 * time.Millisecond):
	}
}
