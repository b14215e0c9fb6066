package action

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kosmosisdire/lcmware-go/bus/localbus"
	"github.com/kosmosisdire/lcmware-go/examples/types"
	"github.com/kosmosisdire/lcmware-go/runtime"
	"github.com/kosmosisdire/lcmware-go/wire"
)

func newTestRuntime(t *testing.T) (*runtime.Runtime, func()) {
	t.Helper()
	lb := localbus.New(256)
	rt := runtime.New(lb, nil)
	rt.StartHandler(context.Background())
	return rt, rt.StopHandler
}

func newTrajectoryServer(t *testing.T, rt *runtime.Runtime, handler Handler[*types.FollowTrajectoryGoal, *types.FollowTrajectoryFeedback, *types.FollowTrajectoryResult]) *Server[*types.FollowTrajectoryGoal, *types.FollowTrajectoryFeedback, *types.FollowTrajectoryResult] {
	t.Helper()
	srv, err := NewServer(rt.Bus(), "/robot/follow_trajectory",
		types.DecodeFollowTrajectoryGoal,
		func() *types.FollowTrajectoryResult { return &types.FollowTrajectoryResult{} },
		handler, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return srv
}

func newTrajectoryClient(t *testing.T, rt *runtime.Runtime) *Client[*types.FollowTrajectoryGoal, *types.FollowTrajectoryFeedback, *types.FollowTrajectoryResult] {
	t.Helper()
	client, err := NewClient(rt.Bus(), "/robot/follow_trajectory",
		types.DecodeFollowTrajectoryFeedback, types.DecodeFollowTrajectoryResult, "", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestFollowTrajectorySucceedsWithFeedback(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	const numPoints = 50

	srv := newTrajectoryServer(t, rt, func(gctx *GoalContext, goal *types.FollowTrajectoryGoal, sendFeedback func(*types.FollowTrajectoryFeedback) error) (*types.FollowTrajectoryResult, error) {
		for i := int32(1); i <= goal.NumPoints; i++ {
			if err := sendFeedback(&types.FollowTrajectoryFeedback{
				CurrentPoint: i,
				Progress:     float64(i) / float64(goal.NumPoints),
			}); err != nil {
				return nil, err
			}
		}
		return &types.FollowTrajectoryResult{FinalError: 0.001}, nil
	})
	defer srv.Stop()

	client := newTrajectoryClient(t, rt)

	var mu sync.Mutex
	var feedbacks []*types.FollowTrajectoryFeedback

	handle, err := client.SendGoal(context.Background(), &types.FollowTrajectoryGoal{NumPoints: numPoints})
	if err != nil {
		t.Fatalf("SendGoal: %v", err)
	}
	handle.AddFeedbackCallback(func(fb *types.FollowTrajectoryFeedback) {
		mu.Lock()
		defer mu.Unlock()
		feedbacks = append(feedbacks, fb)
	})

	result, err := handle.GetResult(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.FinalError != 0.001 {
		t.Fatalf("FinalError = %v, want 0.001", result.FinalError)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(feedbacks) != numPoints {
		t.Fatalf("got %d feedback messages, want %d", len(feedbacks), numPoints)
	}
	for i, fb := range feedbacks {
		if fb.CurrentPoint != int32(i+1) {
			t.Fatalf("feedback[%d].CurrentPoint = %d, want %d", i, fb.CurrentPoint, i+1)
		}
		if i > 0 && fb.Progress <= feedbacks[i-1].Progress {
			t.Fatalf("progress not monotonically increasing at index %d: %v <= %v", i, fb.Progress, feedbacks[i-1].Progress)
		}
	}
}

func TestFollowTrajectoryCancelStopsGoalPromptly(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	const numPoints = 100

	srv := newTrajectoryServer(t, rt, func(gctx *GoalContext, goal *types.FollowTrajectoryGoal, sendFeedback func(*types.FollowTrajectoryFeedback) error) (*types.FollowTrajectoryResult, error) {
		for i := int32(1); i <= goal.NumPoints; i++ {
			if gctx.Cancelled() {
				return &types.FollowTrajectoryResult{}, nil
			}
			progress := float64(i) / float64(goal.NumPoints)
			if err := sendFeedback(&types.FollowTrajectoryFeedback{CurrentPoint: i, Progress: progress}); err != nil {
				return nil, err
			}
			if progress > 0.5 {
				select {
				case <-gctx.Done():
					return &types.FollowTrajectoryResult{}, nil
				case <-time.After(2 * time.Millisecond):
				}
			}
		}
		return &types.FollowTrajectoryResult{FinalError: 0.001}, nil
	})
	defer srv.Stop()

	client := newTrajectoryClient(t, rt)

	progressPast := make(chan struct{})
	var once sync.Once

	handle, err := client.SendGoal(context.Background(), &types.FollowTrajectoryGoal{NumPoints: numPoints})
	if err != nil {
		t.Fatalf("SendGoal: %v", err)
	}
	handle.AddFeedbackCallback(func(fb *types.FollowTrajectoryFeedback) {
		if fb.Progress > 0.5 {
			once.Do(func() { close(progressPast) })
		}
	})

	select {
	case <-progressPast:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for progress past 0.5")
	}

	if err := handle.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, err = handle.GetResult(context.Background(), 2*time.Second)
	if err == nil {
		t.Fatal("expected a non-success terminal result after cancel")
	}
	var goalErr *GoalError
	if ge, ok := err.(*GoalError); ok {
		goalErr = ge
	}
	if goalErr == nil {
		t.Fatalf("expected *GoalError, got %T: %v", err, err)
	}
	if goalErr.Status != wire.StatusCanceled && goalErr.Status != wire.StatusAborted {
		t.Fatalf("status = %s, want CANCELED or ABORTED", goalErr.Status)
	}

	deadline := time.Now().Add(time.Second)
	for srv.ActiveGoalCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := srv.ActiveGoalCount(); got != 0 {
		t.Fatalf("ActiveGoalCount = %d after cancel, want 0", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	srv := newTrajectoryServer(t, rt, func(gctx *GoalContext, goal *types.FollowTrajectoryGoal, sendFeedback func(*types.FollowTrajectoryFeedback) error) (*types.FollowTrajectoryResult, error) {
		<-gctx.Done()
		return &types.FollowTrajectoryResult{}, nil
	})
	defer srv.Stop()

	client := newTrajectoryClient(t, rt)
	handle, err := client.SendGoal(context.Background(), &types.FollowTrajectoryGoal{NumPoints: 1})
	if err != nil {
		t.Fatalf("SendGoal: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := handle.Cancel(context.Background()); err != nil {
			t.Fatalf("Cancel #%d: %v", i, err)
		}
	}

	if _, err := handle.GetResult(context.Background(), 2*time.Second); err == nil {
		t.Fatal("expected non-success terminal result")
	}
}

// actionResultWithoutStatus has neither ActionStatus nor
// ResponseHeader — contract.CheckActionTypes must reject it.
type actionResultWithoutStatus struct {
	Value int `json:"value"`
}

func (r *actionResultWithoutStatus) Encode() ([]byte, error)           { return nil, nil }
func (r *actionResultWithoutStatus) Clone() *actionResultWithoutStatus { cp := *r; return &cp }
func (r *actionResultWithoutStatus) Fingerprint() [8]byte              { return [8]byte{} }

func TestActionResultMissingStatusShapeFailsConstruction(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	_, err := NewServer(rt.Bus(), "/robot/bad_action",
		types.DecodeFollowTrajectoryGoal,
		func() *actionResultWithoutStatus { return &actionResultWithoutStatus{} },
		func(gctx *GoalContext, goal *types.FollowTrajectoryGoal, sendFeedback func(*types.FollowTrajectoryFeedback) error) (*actionResultWithoutStatus, error) {
			return &actionResultWithoutStatus{}, nil
		}, nil)
	if err == nil {
		t.Fatal("expected contract violation for result type lacking StatusResult/ResponseHeaderResult")
	}
}
