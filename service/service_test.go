package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kosmosisdire/lcmware-go/bus/localbus"
	"github.com/kosmosisdire/lcmware-go/runtime"
	"github.com/kosmosisdire/lcmware-go/examples/types"
)

func newTestRuntime(t *testing.T) (*runtime.Runtime, func()) {
	t.Helper()
	lb := localbus.New(64)
	rt := runtime.New(lb, nil)
	rt.StartHandler(context.Background())
	return rt, rt.StopHandler
}

func TestAddNumbersSuccess(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	srv, err := NewServer(rt.Bus(), "/robot/add_numbers", types.DecodeAddNumbersRequest,
		func() *types.AddNumbersResponse { return &types.AddNumbersResponse{} },
		func(ctx context.Context, req *types.AddNumbersRequest) (*types.AddNumbersResponse, error) {
			return &types.AddNumbersResponse{Sum: req.A + req.B}, nil
		}, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	client, err := NewClient(rt.Bus(), "/robot/add_numbers", types.DecodeAddNumbersResponse, "", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := client.Call(context.Background(), &types.AddNumbersRequest{A: 5, B: 3}, 2*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Sum != 8 {
		t.Fatalf("Sum = %v, want 8", resp.Sum)
	}
	if !resp.ResponseHeader().Success {
		t.Fatal("expected success=true")
	}
	if resp.ResponseHeader().ErrorMessage != "" {
		t.Fatalf("expected empty error_message, got %q", resp.ResponseHeader().ErrorMessage)
	}
}

func TestAddNumbersCorrelatesConcurrentCalls(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	srv, err := NewServer(rt.Bus(), "/robot/add_numbers", types.DecodeAddNumbersRequest,
		func() *types.AddNumbersResponse { return &types.AddNumbersResponse{} },
		func(ctx context.Context, req *types.AddNumbersRequest) (*types.AddNumbersResponse, error) {
			return &types.AddNumbersResponse{Sum: req.A + req.B}, nil
		}, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Start(context.Background())
	defer srv.Stop()

	client, err := NewClient(rt.Bus(), "/robot/add_numbers", types.DecodeAddNumbersResponse, "caller", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	var wg sync.WaitGroup
	ids := make([]string, 2)
	sums := make([]float64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := &types.AddNumbersRequest{A: float64(i), B: 1}
			resp, err := client.Call(context.Background(), req, 2*time.Second)
			if err != nil {
				t.Errorf("Call %d: %v", i, err)
				return
			}
			sums[i] = resp.Sum
			ids[i] = resp.ResponseHeader().Header.ID
		}(i)
	}
	wg.Wait()

	if ids[0] == ids[1] {
		t.Fatalf("expected distinct correlation ids, both were %q", ids[0])
	}
	if ids[0] != "caller_1" && ids[0] != "caller_2" {
		t.Fatalf("unexpected id %q", ids[0])
	}
}

func TestServiceHandlerErrorSurfacesAsFailure(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	srv, err := NewServer(rt.Bus(), "/robot/add_numbers", types.DecodeAddNumbersRequest,
		func() *types.AddNumbersResponse { return &types.AddNumbersResponse{} },
		func(ctx context.Context, req *types.AddNumbersRequest) (*types.AddNumbersResponse, error) {
			return nil, errors.New("bad input")
		}, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Start(context.Background())
	defer srv.Stop()

	client, err := NewClient(rt.Bus(), "/robot/add_numbers", types.DecodeAddNumbersResponse, "", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Call(context.Background(), &types.AddNumbersRequest{A: 1, B: 1}, 2*time.Second)
	if err == nil {
		t.Fatal("expected call failure")
	}
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected *CallError, got %T: %v", err, err)
	}
	if callErr.Message != "bad input" {
		t.Fatalf("error message = %q, want %q", callErr.Message, "bad input")
	}
}

func TestServiceCallTimeoutWhenServerOffline(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	client, err := NewClient(rt.Bus(), "/robot/nobody_home", types.DecodeAddNumbersResponse, "", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	start := time.Now()
	_, err = client.Call(context.Background(), &types.AddNumbersRequest{A: 1, B: 1}, 150*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
	if elapsed < 140*time.Millisecond {
		t.Fatalf("call returned too early: %v", elapsed)
	}
	if got := client.PendingCount(); got != 0 {
		t.Fatalf("expected pending-response slot removed after timeout, PendingCount=%d", got)
	}
}
