// Package runtime implements the Bus Manager from spec.md §4.1: it
// owns a shared bus.Bus handle and the single background dispatch
// goroutine that drains it. The reference implementation makes this a
// process-wide singleton; per the Design Note in spec.md §9 ("prefer
// an explicit Runtime value threaded through endpoint constructors"),
// Runtime here is an ordinary value, with Default providing the
// singleton convenience as a thin, lazily-constructed wrapper.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kosmosisdire/lcmware-go/bus"
)

const defaultDrainTimeout = 100 * time.Millisecond

// Runtime owns one bus.Bus handle and the dispatch goroutine that
// drains it. Every endpoint constructed against a Runtime shares the
// same underlying Bus (spec.md §4.1's "all subscribe/unsubscribe
// calls ... operate on the same underlying bus handle").
type Runtime struct {
	bus    bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wraps an already-constructed bus.Bus in a Runtime. A nil logger
// is replaced with slog.Default, matching the teacher's
// nil-logger-falls-back-to-default convention.
func New(b bus.Bus, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{bus: b, logger: logger}
}

// Bus returns the shared bus.Bus handle. Endpoint constructors call
// this once at construction time.
func (r *Runtime) Bus() bus.Bus {
	return r.bus
}

// StartHandler idempotently launches the dispatch goroutine. Calling
// it again while already running is a no-op (spec.md §4.1).
func (r *Runtime) StartHandler(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.dispatchLoop(dispatchCtx, r.done)
}

// StopHandler signals the dispatch goroutine to exit and blocks until
// it has.
func (r *Runtime) StopHandler() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	done := r.done
	r.running = false
	r.mu.Unlock()

	cancel()
	<-done
}

// IsRunning reports whether the dispatch goroutine is currently
// active.
func (r *Runtime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// dispatchLoop repeatedly drains the bus with a short timeout, the way
// the LCM reference's handler thread calls handle_timeout(100) in a
// loop. For transports that do not implement bus.Drainer (e.g.
// bus/mqttbus, which delivers via its own connection goroutine) the
// loop idles, waking only to check for cancellation — there is
// nothing to pump, but the "at most one dispatch worker" invariant and
// its start/stop lifecycle still apply uniformly across transports.
func (r *Runtime) dispatchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	drainer, pumpable := r.bus.(bus.Drainer)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !pumpable {
			select {
			case <-ctx.Done():
				return
			case <-time.After(defaultDrainTimeout):
				continue
			}
		}

		if err := drainer.Drain(ctx, defaultDrainTimeout); err != nil {
			if ctx.Err() != nil {
				return
			}
			// A crashed bus is a fatal condition the host must
			// handle: log and stop, do not restart ourselves.
			r.logger.Error("runtime dispatch loop exiting after drain error", "error", err)
			return
		}
	}
}

// AwaitBus blocks until the underlying Bus reports an established
// connection, for transports that expose one (bus/mqttbus). Buses
// without a connection concept (bus/localbus) return immediately.
func (r *Runtime) AwaitBus(ctx context.Context) error {
	type awaitable interface {
		AwaitConnection(ctx context.Context) error
	}
	if a, ok := r.bus.(awaitable); ok {
		return a.AwaitConnection(ctx)
	}
	return nil
}

var (
	defaultMu   sync.Mutex
	defaultOnce sync.Once
	defaultRT   *Runtime
	defaultErr  error
)

// DefaultFactory is called at most once by Default to build the
// process-wide Runtime. It is nil until a caller sets it, which must
// happen before the first call to Default; this package ships no
// factory of its own.
var DefaultFactory func() (*Runtime, error)

// Default lazily constructs (via DefaultFactory) and memoizes one
// process-wide Runtime, mirroring the reference LCMManager singleton.
// If DefaultFactory is nil at the first call, Default returns an error,
// and keeps returning it. Default registers no exit-time teardown;
// stopping the default Runtime's dispatch goroutine is done by calling
// Shutdown.
func Default() (*Runtime, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultOnce.Do(func() {
		if DefaultFactory == nil {
			defaultErr = fmt.Errorf("runtime: DefaultFactory not configured")
			return
		}
		defaultRT, defaultErr = DefaultFactory()
	})
	return defaultRT, defaultErr
}

// Shutdown stops the default Runtime's dispatch goroutine, if one was
// ever constructed. Safe to call even if Default was never called.
func Shutdown() {
	defaultMu.Lock()
	rt := defaultRT
	defaultMu.Unlock()
	if rt != nil {
		rt.StopHandler()
	}
}
