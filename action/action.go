// Package action implements the long-running goal execution layer
// from spec.md §4.5: goal lifecycle, feedback streaming, terminal
// result delivery, and cooperative cancellation.
package action

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

func goalChannel(actionChannel string) string   { return actionChannel + "/goal" }
func cancelChannel(actionChannel string) string { return actionChannel + "/cancel" }
func fbChannel(actionChannel, goalID string) string {
	return actionChannel + "/fb/" + goalID
}
func resChannel(actionChannel, goalID string) string {
	return actionChannel + "/res/" + goalID
}

// GoalError is raised at Handle.GetResult when a goal reaches a
// terminal, non-SUCCEEDED status.
type GoalError struct {
	Channel string
	GoalID  string
	Status  wire.ActionStatusCode
	Message string
}

func (e *GoalError) Error() string {
	return fmt.Sprintf("action goal %s on %q ended with status %s: %s", e.GoalID, e.Channel, e.Status, e.Message)
}

// TimeoutError is raised at Handle.GetResult when the deadline elapses
// before a terminal result arrives.
type TimeoutError struct {
	Channel string
	GoalID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action goal %s on %q timed out after %s waiting for result", e.GoalID, e.Channel, e.Timeout)
}

// resultEnvelope is what the client's feedback/result router delivers
// to a Handle's one-shot completion channel.
type resultEnvelope[Result any] struct {
	status  wire.ActionStatusCode
	message string
	result  Result
}

// Handle tracks one goal's client-side lifecycle: status, feedback
// callbacks, and the terminal result.
type Handle[Goal, Feedback, Result any] struct {
	channel string
	goalID  string

	mu        sync.Mutex
	status    wire.ActionStatusCode
	cancelled bool
	callbacks []func(Feedback)

	client *Client[Goal, Feedback, Result]

	done   chan struct{}
	once   sync.Once
	result resultEnvelope[Result]
}

// GoalID returns the correlation id this handle tracks.
func (h *Handle[Goal, Feedback, Result]) GoalID() string {
	return h.goalID
}

// Status returns the handle's current lifecycle status.
func (h *Handle[Goal, Feedback, Result]) Status() wire.ActionStatusCode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// IsCancelled reports whether Cancel has been called on this handle.
func (h *Handle[Goal, Feedback, Result]) IsCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// AddFeedbackCallback registers cb to be invoked, in registration
// order, for every feedback message whose header id matches this
// goal. Callback panics are recovered and logged — they never tear
// down the dispatch goroutine.
func (h *Handle[Goal, Feedback, Result]) AddFeedbackCallback(cb func(Feedback)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, cb)
}

// Cancel requests cancellation of the goal. It is valid only while
// status is ACCEPTED or EXECUTING, idempotent, and best-effort:
// repeated calls after the first are no-ops.
func (h *Handle[Goal, Feedback, Result]) Cancel(ctx context.Context) error {
	h.mu.Lock()
	if h.cancelled || (h.status != wire.StatusAccepted && h.status != wire.StatusExecuting) {
		h.mu.Unlock()
		return nil
	}
	h.cancelled = true
	h.mu.Unlock()

	cancel := wire.ActionCancel{
		Header: wire.Header{
			TimestampUS: time.Now().UnixMicro(),
			ID:          h.goalID,
		},
		GoalID: h.goalID,
	}
	data, err := cancel.Encode()
	if err != nil {
		return err
	}
	return h.client.bus.Publish(ctx, cancelChannel(h.channel), data)
}

// GetResult blocks until the goal reaches a terminal status or
// timeout elapses. A non-positive timeout waits indefinitely (bounded
// only by ctx), matching spec.md §6's "default infinite".
func (h *Handle[Goal, Feedback, Result]) GetResult(ctx context.Context, timeout time.Duration) (Result, error) {
	var zero Result

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-h.done:
		if h.result.status == wire.StatusSucceeded {
			return h.result.result, nil
		}
		return zero, &GoalError{
			Channel: h.channel,
			GoalID:  h.goalID,
			Status:  h.result.status,
			Message: h.result.message,
		}
	case <-timeoutCh:
		return zero, &TimeoutError{Channel: h.channel, GoalID: h.goalID, Timeout: timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (h *Handle[Goal, Feedback, Result]) deliverFeedback(fb Feedback) {
	h.mu.Lock()
	cbs := make([]func(Feedback), len(h.callbacks))
	copy(cbs, h.callbacks)
	h.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if h.client != nil {
						h.client.logger.Error("action feedback callback panicked", "goal_id", h.goalID, "panic", r)
					}
				}
			}()
			cb(fb)
		}()
	}
}

func (h *Handle[Goal, Feedback, Result]) deliverResult(status wire.ActionStatusCode, msg string, result Result) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()

	h.once.Do(func() {
		h.result = resultEnvelope[Result]{status: status, message: msg, result: result}
		close(h.done)
	})
}

// Client is a type-safe caller of one action.
type Client[Goal message.HeaderCarrier[Goal], Feedback message.HeaderCarrier[Feedback], Result message.Result[Result]] struct {
	channel        string
	bus            bus.Bus
	ids            *wire.IDAllocator
	decodeFeedback func([]byte) (Feedback, error)
	decodeResult   func([]byte) (Result, error)
	logger         *slog.Logger

	mu    sync.Mutex
	goals map[string]*Handle[Goal, Feedback, Result]
}

// NewClient constructs a Client for actionChannel. clientName is
// validated and, if empty, auto-generated as "act_<5hex>" (spec.md
// §3).
func NewClient[Goal message.HeaderCarrier[Goal], Feedback message.HeaderCarrier[Feedback], Result message.Result[Result]](
	b bus.Bus,
	actionChannel string,
	decodeFeedback func([]byte) (Feedback, error),
	decodeResult func([]byte) (Result, error),
	clientName string,
	logger *slog.Logger,
) (*Client[Goal, Feedback, Result], error) {
	if err := contract.CheckActionTypes[Goal, Feedback, Result](actionChannel); err != nil {
		return nil, err
	}
	if clientName == "" {
		clientName = wire.RandomClientName("act")
	}
	ids, err := wire.NewIDAllocator(clientName)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client[Goal, Feedback, Result]{
		channel:        actionChannel,
		bus:            b,
		ids:            ids,
		decodeFeedback: decodeFeedback,
		decodeResult:   decodeResult,
		logger:         logger,
		goals:          make(map[string]*Handle[Goal, Feedback, Result]),
	}, nil
}

// resultStatus extracts the terminal status/message pair from a
// decoded Result, preferring the StatusResult variant when a result
// type implements both.
func resultStatus[Result any](r Result) (id string, status wire.ActionStatusCode, msg string, ok bool) {
	if sr, isStatus := any(r).(message.StatusResult); isStatus {
		as := sr.ActionStatus()
		return as.Header.ID, as.Status, as.Message, true
	}
	if rr, isRespHeader := any(r).(message.ResponseHeaderResult); isRespHeader {
		rh := rr.ResponseHeader()
		status := wire.StatusSucceeded
		if !rh.Success {
			status = wire.StatusAborted
		}
		return rh.Header.ID, status, rh.ErrorMessage, true
	}
	return "", 0, "", false
}

// SendGoal publishes goal and returns a Handle tracking it. The
// handle is returned synchronously with status ACCEPTED; feedback and
// the terminal result arrive asynchronously via the runtime's dispatch
// goroutine.
func (c *Client[Goal, Feedback, Result]) SendGoal(ctx context.Context, goal Goal) (*Handle[Goal, Feedback, Result], error) {
	g := goal.Clone()
	g.SetHeader(wire.Header{
		TimestampUS: time.Now().UnixMicro(),
		ID:          c.ids.Next(),
	})
	goalID := g.Header().ID

	handle := &Handle[Goal, Feedback, Result]{
		channel: c.channel,
		goalID:  goalID,
		status:  wire.StatusAccepted,
		client:  c,
		done:    make(chan struct{}),
	}

	fbSub, err := c.bus.Subscribe(fbChannel(c.channel, goalID), func(_ string, payload []byte) {
		fb, err := c.decodeFeedback(payload)
		if err != nil {
			c.logger.Warn("action client feedback decode failed", "channel", c.channel, "goal_id", goalID, "error", err)
			return
		}
		if fb.Header().ID != goalID {
			return
		}
		handle.deliverFeedback(fb)
	})
	if err != nil {
		return nil, err
	}

	var resSub bus.Subscription
	resSub, err = c.bus.Subscribe(resChannel(c.channel, goalID), func(_ string, payload []byte) {
		result, err := c.decodeResult(payload)
		if err != nil {
			c.logger.Warn("action client result decode failed", "channel", c.channel, "goal_id", goalID, "error", err)
			return
		}
		id, status, msg, ok := resultStatus[Result](result)
		if !ok || id != goalID {
			return
		}

		c.mu.Lock()
		delete(c.goals, goalID)
		c.mu.Unlock()
		fbSub.Unsubscribe()
		resSub.Unsubscribe()

		handle.deliverResult(status, msg, result)
	})
	if err != nil {
		fbSub.Unsubscribe()
		return nil, err
	}

	c.mu.Lock()
	c.goals[goalID] = handle
	c.mu.Unlock()

	data, err := g.Encode()
	if err != nil {
		fbSub.Unsubscribe()
		resSub.Unsubscribe()
		c.mu.Lock()
		delete(c.goals, goalID)
		c.mu.Unlock()
		return nil, err
	}
	if err := c.bus.Publish(ctx, goalChannel(c.channel), data); err != nil {
		fbSub.Unsubscribe()
		resSub.Unsubscribe()
		c.mu.Lock()
		delete(c.goals, goalID)
		c.mu.Unlock()
		return nil, err
	}

	return handle, nil
}

// ActiveGoalCount reports the number of goals this client is still
// tracking (sent, not yet terminal).
func (c *Client[Goal, Feedback, Result]) ActiveGoalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.goals)
}

// GoalContext is handed to a server's Handler instead of a bare
// context.Context, so the handler can both select on cancellation and
// poll it without a type assertion — the Go-native rendering of
// modeling the goal's lifecycle as an explicit value passed in,
// carrying a queryable cancellation flag.
type GoalContext struct {
	ctx    context.Context
	goalID string
}

// Context returns the underlying cancelable context. It is canceled
// the moment an ActionCancel for this goal arrives.
func (g *GoalContext) Context() context.Context { return g.ctx }

// Done returns the context's done channel, for select statements in
// long-running handlers.
func (g *GoalContext) Done() <-chan struct{} { return g.ctx.Done() }

// Cancelled reports, without blocking, whether cancellation has been
// requested for this goal.
func (g *GoalContext) Cancelled() bool {
	select {
	case <-g.ctx.Done():
		return true
	default:
		return false
	}
}

// GoalID returns the correlation id of the goal being executed.
func (g *GoalContext) GoalID() string { return g.goalID }

// Handler executes one goal. sendFeedback publishes a feedback
// message stamped with the goal's header; it may be called any number
// of times before returning. A cooperating handler that notices
// gctx.Done() and returns promptly with a nil error is reported
// CANCELED rather than SUCCEEDED — an error return is always reported
// ABORTED regardless of cancellation.
type Handler[Goal, Feedback, Result any] func(gctx *GoalContext, goal Goal, sendFeedback func(Feedback) error) (Result, error)

type goalState struct {
	cancel context.CancelFunc
}

// Server executes goals published on one action channel.
type Server[Goal message.HeaderCarrier[Goal], Feedback message.HeaderCarrier[Feedback], Result message.Result[Result]] struct {
	channel    string
	bus        bus.Bus
	decodeGoal func([]byte) (Goal, error)
	newResult  func() Result
	handler    Handler[Goal, Feedback, Result]
	logger     *slog.Logger

	mu          sync.Mutex
	activeGoals map[string]*goalState
	goalSub     bus.Subscription
	cancelSub   bus.Subscription
	wg          sync.WaitGroup
}

// NewServer constructs a Server for actionChannel. newResult
// constructs a zero-valued Result used to carry a failure when handler
// returns an error.
func NewServer[Goal message.HeaderCarrier[Goal], Feedback message.HeaderCarrier[Feedback], Result message.Result[Result]](
	b bus.Bus,
	actionChannel string,
	decodeGoal func([]byte) (Goal, error),
	newResult func() Result,
	handler Handler[Goal, Feedback, Result],
	logger *slog.Logger,
) (*Server[Goal, Feedback, Result], error) {
	if err := contract.CheckActionTypes[Goal, Feedback, Result](actionChannel); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("action server for %q: handler must not be nil", actionChannel)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server[Goal, Feedback, Result]{
		channel:     actionChannel,
		bus:         b,
		decodeGoal:  decodeGoal,
		newResult:   newResult,
		handler:     handler,
		logger:      logger,
		activeGoals: make(map[string]*goalState),
	}, nil
}

// Start subscribes to the goal and cancel channels.
func (s *Server[Goal, Feedback, Result]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.goalSub != nil {
		return nil
	}

	goalSub, err := s.bus.Subscribe(goalChannel(s.channel), func(_ string, payload []byte) {
		s.handleGoal(ctx, payload)
	})
	if err != nil {
		return err
	}
	cancelSub, err := s.bus.Subscribe(cancelChannel(s.channel), func(_ string, payload []byte) {
		s.handleCancel(payload)
	})
	if err != nil {
		goalSub.Unsubscribe()
		return err
	}
	s.goalSub = goalSub
	s.cancelSub = cancelSub
	return nil
}

func (s *Server[Goal, Feedback, Result]) handleGoal(ctx context.Context, payload []byte) {
	goal, err := s.decodeGoal(payload)
	if err != nil {
		s.logger.Warn("action server goal decode failed", "channel", s.channel, "error", err)
		return
	}
	goalID := goal.Header().ID

	goalCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.activeGoals[goalID] = &goalState{cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(goalCtx, cancel, goalID, goal)
}

func (s *Server[Goal, Feedback, Result]) execute(goalCtx context.Context, cancel context.CancelFunc, goalID string, goal Goal) {
	defer s.wg.Done()
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.activeGoals, goalID)
		s.mu.Unlock()
	}()

	sendFeedback := func(fb Feedback) error {
		f := fb.Clone()
		f.SetHeader(wire.Header{
			TimestampUS: time.Now().UnixMicro(),
			ID:          goalID,
		})
		data, err := f.Encode()
		if err != nil {
			return err
		}
		return s.bus.Publish(goalCtx, fbChannel(s.channel, goalID), data)
	}

	gctx := &GoalContext{ctx: goalCtx, goalID: goalID}

	result, handlerErr := s.runHandler(gctx, goal, sendFeedback)

	var status wire.ActionStatusCode
	var msg string
	switch {
	case handlerErr != nil:
		status = wire.StatusAborted
		msg = handlerErr.Error()
		result = s.newResult()
	case goalCtx.Err() != nil:
		status = wire.StatusCanceled
		msg = "goal canceled"
	default:
		status = wire.StatusSucceeded
		msg = ""
	}

	now := time.Now().UnixMicro()
	if sr, ok := any(result).(message.StatusResult); ok {
		sr.SetActionStatus(wire.ActionStatus{
			Header:  wire.Header{TimestampUS: now, ID: goalID},
			Status:  status,
			Message: msg,
		})
	} else if rr, ok := any(result).(message.ResponseHeaderResult); ok {
		rr.SetResponseHeader(wire.ResponseHeader{
			Header:       wire.Header{TimestampUS: now, ID: goalID},
			Success:      status == wire.StatusSucceeded,
			ErrorMessage: msg,
		})
	}

	data, err := result.Encode()
	if err != nil {
		s.logger.Error("action server result encode failed", "channel", s.channel, "goal_id", goalID, "error", err)
		return
	}
	// The goal context is already cancelled on the CANCELED path, so the
	// terminal result is published on a context that keeps its values
	// but not its cancellation.
	if err := s.bus.Publish(context.WithoutCancel(goalCtx), resChannel(s.channel, goalID), data); err != nil {
		s.logger.Error("action server result publish failed", "channel", s.channel, "goal_id", goalID, "error", err)
	}
}

func (s *Server[Goal, Feedback, Result]) runHandler(gctx *GoalContext, goal Goal, sendFeedback func(Feedback) error) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(gctx, goal, sendFeedback)
}

// handleCancel cancels the goal's context and removes it from the
// active map immediately. This is cooperative, not preemptive: the
// goal's goroutine keeps running until the handler itself returns.
func (s *Server[Goal, Feedback, Result]) handleCancel(payload []byte) {
	cancel, err := wire.DecodeActionCancel(payload)
	if err != nil {
		s.logger.Warn("action server cancel decode failed", "channel", s.channel, "error", err)
		return
	}

	s.mu.Lock()
	gs, ok := s.activeGoals[cancel.GoalID]
	if ok {
		delete(s.activeGoals, cancel.GoalID)
	}
	s.mu.Unlock()

	if ok {
		gs.cancel()
	}
}

// ActiveGoalCount reports the number of goals currently executing.
func (s *Server[Goal, Feedback, Result]) ActiveGoalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeGoals)
}

// Stop unsubscribes from the goal and cancel channels and waits, up to
// 1 second, for in-flight goal goroutines to finish — mirroring the
// reference implementation's bounded thread.join on shutdown.
func (s *Server[Goal, Feedback, Result]) Stop() error {
	s.mu.Lock()
	goalSub, cancelSub := s.goalSub, s.cancelSub
	s.goalSub, s.cancelSub = nil, nil
	s.mu.Unlock()

	if goalSub == nil {
		return nil
	}

	var firstErr error
	if err := goalSub.Unsubscribe(); err != nil {
		firstErr = err
	}
	if err := cancelSub.Unsubscribe(); err != nil && firstErr == nil {
		firstErr = err
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		s.logger.Warn("action server stop: goal workers did not finish within timeout", "channel", s.channel)
	}

	return firstErr
}
