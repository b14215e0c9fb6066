// Package service implements the request/response RPC layer from
// spec.md §4.4: per-call correlation IDs, ephemeral response channels,
// and success/error surfacing without exceptions crossing the wire.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kosmosisdire/lcmware-go/bus"
	"github.com/kosmosisdire/lcmware-go/contract"
	"github.com/kosmosisdire/lcmware-go/message"
	"github.com/kosmosisdire/lcmware-go/wire"
)

// DefaultCallTimeout is the conventional service-call timeout. Call
// never applies it on its own: a non-positive timeout fails at once
// (see Call's doc comment), so callers pass this value explicitly.
const DefaultCallTimeout = 5 * time.Second

// CallError is returned by Client.Call when the server's handler
// reported failure. It carries the remote error_message verbatim —
// spec.md §7: "errors from remote peers are surfaced through the
// response/result channel, never via exceptions crossing the wire".
type CallError struct {
	Channel string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("service call to %q failed: %s", e.Channel, e.Message)
}

// TimeoutError is returned by Client.Call when no response arrived
// within the deadline.
type TimeoutError struct {
	Channel string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("service call to %q timed out after %s", e.Channel, e.Timeout)
}

func reqChannel(serviceChannel string) string {
	return serviceChannel + "/req"
}

func rspChannel(serviceChannel, id string) string {
	return serviceChannel + "/rsp/" + id
}

// Client is a type-safe caller of one RPC service.
type Client[Req message.HeaderCarrier[Req], Resp message.ResponseCarrier[Resp]] struct {
	channel     string
	bus         bus.Bus
	ids         *wire.IDAllocator
	decodeResp  func([]byte) (Resp, error)
	logger      *slog.Logger

	mu       sync.Mutex
	pending  map[string]chan Resp
}

// NewClient constructs a Client for serviceChannel. clientName is
// validated and, if empty, auto-generated as "cli_<5hex>" (spec.md
// §3). decodeResp is supplied explicitly since Go generics have no
// static/classmethod decode.
func NewClient[Req message.HeaderCarrier[Req], Resp message.ResponseCarrier[Resp]](
	b bus.Bus,
	serviceChannel string,
	decodeResp func([]byte) (Resp, error),
	clientName string,
	logger *slog.Logger,
) (*Client[Req, Resp], error) {
	if err := contract.CheckServiceTypes[Req, Resp](serviceChannel); err != nil {
		return nil, err
	}
	if clientName == "" {
		clientName = wire.RandomClientName("cli")
	}
	ids, err := wire.NewIDAllocator(clientName)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client[Req, Resp]{
		channel:    serviceChannel,
		bus:        b,
		ids:        ids,
		decodeResp: decodeResp,
		logger:     logger,
		pending:    make(map[string]chan Resp),
	}, nil
}

// Call sends request and blocks until a response arrives or timeout
// elapses. A non-positive timeout is treated as "fail immediately
// unless a response is already queued" (spec.md §8 boundary case),
// not as DefaultCallTimeout — callers wanting the default must pass it
// explicitly.
func (c *Client[Req, Resp]) Call(ctx context.Context, request Req, timeout time.Duration) (Resp, error) {
	var zero Resp

	req := request.Clone()
	req.SetHeader(wire.Header{
		TimestampUS: time.Now().UnixMicro(),
		ID:          c.ids.Next(),
	})
	id := req.Header().ID

	ch := make(chan Resp, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	responseChannel := rspChannel(c.channel, id)
	sub, err := c.bus.Subscribe(responseChannel, func(_ string, payload []byte) {
		resp, err := c.decodeResp(payload)
		if err != nil {
			c.logger.Warn("service client response decode failed", "channel", c.channel, "id", id, "error", err)
			return
		}
		c.mu.Lock()
		waiter, ok := c.pending[resp.ResponseHeader().Header.ID]
		if ok {
			delete(c.pending, resp.ResponseHeader().Header.ID)
		}
		c.mu.Unlock()
		if ok {
			waiter <- resp
		}
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return zero, err
	}
	defer sub.Unsubscribe()

	data, err := req.Encode()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return zero, err
	}
	if err := c.bus.Publish(ctx, reqChannel(c.channel), data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return zero, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		rh := resp.ResponseHeader()
		if !rh.Success {
			return zero, &CallError{Channel: c.channel, Message: rh.ErrorMessage}
		}
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return zero, &TimeoutError{Channel: c.channel, Timeout: timeout}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return zero, ctx.Err()
	}
}

// PendingCount reports the number of in-flight calls awaiting a
// response. Exposed mainly for tests verifying that a timed-out or
// completed call's slot is removed from the pending-response map.
func (c *Client[Req, Resp]) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Handler is user code that computes a response for a request. A
// returned error surfaces to the caller as success=false with the
// error's message; it never crosses the wire as a typed exception.
type Handler[Req message.HeaderCarrier[Req], Resp message.ResponseCarrier[Resp]] func(ctx context.Context, request Req) (Resp, error)

// Server answers requests on one service channel.
type Server[Req message.HeaderCarrier[Req], Resp message.ResponseCarrier[Resp]] struct {
	channel    string
	bus        bus.Bus
	decodeReq  func([]byte) (Req, error)
	newResp    func() Resp
	handler    Handler[Req, Resp]
	logger     *slog.Logger

	mu  sync.Mutex
	sub bus.Subscription
}

// NewServer constructs a Server for serviceChannel. decodeReq decodes
// inbound request payloads; newResp constructs a zero-valued Resp used
// to carry a failure when handler returns an error.
func NewServer[Req message.HeaderCarrier[Req], Resp message.ResponseCarrier[Resp]](
	b bus.Bus,
	serviceChannel string,
	decodeReq func([]byte) (Req, error),
	newResp func() Resp,
	handler Handler[Req, Resp],
	logger *slog.Logger,
) (*Server[Req, Resp], error) {
	if err := contract.CheckServiceTypes[Req, Resp](serviceChannel); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("service server for %q: handler must not be nil", serviceChannel)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server[Req, Resp]{
		channel:   serviceChannel,
		bus:       b,
		decodeReq: decodeReq,
		newResp:   newResp,
		handler:   handler,
		logger:    logger,
	}, nil
}

// Start subscribes to the request channel. Requests are handled
// inline on whatever goroutine delivers them (the runtime's dispatch
// goroutine, in the common case) — spec.md §5: handlers serialize with
// the dispatch thread and must be fast.
func (s *Server[Req, Resp]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}

	sub, err := s.bus.Subscribe(reqChannel(s.channel), func(_ string, payload []byte) {
		s.handleRequest(ctx, payload)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Server[Req, Resp]) handleRequest(ctx context.Context, payload []byte) {
	req, err := s.decodeReq(payload)
	if err != nil {
		s.logger.Warn("service server request decode failed", "channel", s.channel, "error", err)
		return
	}
	id := req.Header().ID

	resp, handlerErr := s.runHandler(ctx, req)

	rh := wire.ResponseHeader{
		Header: wire.Header{
			TimestampUS: time.Now().UnixMicro(),
			ID:          id,
		},
	}
	if handlerErr != nil {
		resp = s.newResp()
		rh.Success = false
		rh.ErrorMessage = handlerErr.Error()
	} else {
		rh.Success = true
		rh.ErrorMessage = ""
	}
	resp.SetResponseHeader(rh)

	data, err := resp.Encode()
	if err != nil {
		s.logger.Error("service server response encode failed", "channel", s.channel, "id", id, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, rspChannel(s.channel, id), data); err != nil {
		s.logger.Error("service server response publish failed", "channel", s.channel, "id", id, "error", err)
	}
}

func (s *Server[Req, Resp]) runHandler(ctx context.Context, req Req) (resp Resp, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, req)
}

// Stop unsubscribes from the request channel.
func (s *Server[Req, Resp]) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}
