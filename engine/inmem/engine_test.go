package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RealOrko/claude-looper-sub000/engine"
	"github.com/RealOrko/claude-looper-sub000/engine/inmem"
)

func echoActivity(ctx context.Context, input any) (any, error) {
	return input, nil
}

func TestRegisterWorkflowRejectsDuplicateAndInvalid(t *testing.T) {
	e := inmem.New(nil)
	def := engine.WorkflowDefinition{Name: "run", Handler: func(engine.WorkflowContext, any) (any, error) { return nil, nil }}

	require.NoError(t, e.RegisterWorkflow(context.Background(), def))
	require.Error(t, e.RegisterWorkflow(context.Background(), def))
	require.Error(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{}))
}

func TestRegisterActivityRejectsDuplicateAndInvalid(t *testing.T) {
	e := inmem.New(nil)
	def := engine.ActivityDefinition{Name: "echo", Handler: echoActivity}

	require.NoError(t, e.RegisterActivity(context.Background(), def))
	require.Error(t, e.RegisterActivity(context.Background(), def))
	require.Error(t, e.RegisterActivity(context.Background(), engine.ActivityDefinition{}))
}

func TestStartWorkflowTracksCompletedStatus(t *testing.T) {
	e := inmem.New(nil)
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "ok",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			return "done", nil
		},
	}))

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "ok"})
	require.NoError(t, err)

	var result string
	require.NoError(t, h.Wait(context.Background(), &result))
	require.Equal(t, "done", result)

	status, err := e.QueryRunStatus(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, status)
}

func TestStartWorkflowTracksFailedStatus(t *testing.T) {
	e := inmem.New(nil)
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "bad",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			return nil, context.DeadlineExceeded
		},
	}))

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-2", Workflow: "bad"})
	require.NoError(t, err)
	require.Error(t, h.Wait(context.Background(), nil))

	status, err := e.QueryRunStatus(context.Background(), "run-2")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusFailed, status)
}

func TestStartWorkflowUnregisteredNameErrors(t *testing.T) {
	e := inmem.New(nil)
	_, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "x", Workflow: "missing"})
	require.Error(t, err)
}

func TestQueryRunStatusUnknownReturnsNotFound(t *testing.T) {
	e := inmem.New(nil)
	_, err := e.QueryRunStatus(context.Background(), "nope")
	require.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestExecuteActivitySynchronousWrapperOverFuture(t *testing.T) {
	e := inmem.New(nil)
	require.NoError(t, e.RegisterActivity(context.Background(), engine.ActivityDefinition{Name: "echo", Handler: echoActivity}))

	var gotStatus engine.RunStatus
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "caller",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var out string
			err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: "echo", Input: "hi"}, &out)
			return out, err
		},
	}))

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-3", Workflow: "caller"})
	require.NoError(t, err)

	var result string
	require.NoError(t, h.Wait(context.Background(), &result))
	require.Equal(t, "hi", result)

	gotStatus, err = e.QueryRunStatus(context.Background(), "run-3")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, gotStatus)
}

func TestActivityTimeoutIsEnforced(t *testing.T) {
	e := inmem.New(nil)
	require.NoError(t, e.RegisterActivity(context.Background(), engine.ActivityDefinition{
		Name: "slow",
		Handler: func(ctx context.Context, input any) (any, error) {
			select {
			case <-time.After(time.Second):
				return "too slow", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "timeout-caller",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var out string
			err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{
				Name:    "slow",
				Timeout: 10 * time.Millisecond,
			}, &out)
			return out, err
		},
	}))

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-4", Workflow: "timeout-caller"})
	require.NoError(t, err)
	require.Error(t, h.Wait(context.Background(), nil))
}

func TestSignalChannelSendAndReceive(t *testing.T) {
	e := inmem.New(nil)
	received := make(chan string, 1)
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "waits-for-signal",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var payload string
			if err := wctx.SignalChannel("go").Receive(wctx.Context(), &payload); err != nil {
				return nil, err
			}
			received <- payload
			return payload, nil
		},
	}))

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-5", Workflow: "waits-for-signal"})
	require.NoError(t, err)

	require.NoError(t, h.Signal(context.Background(), "go", "proceed"))

	select {
	case v := <-received:
		require.Equal(t, "proceed", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal delivery")
	}

	var result string
	require.NoError(t, h.Wait(context.Background(), &result))
	require.Equal(t, "proceed", result)
}

func TestFutureIsReadyReflectsCompletion(t *testing.T) {
	e := inmem.New(nil)
	unblock := make(chan struct{})
	require.NoError(t, e.RegisterActivity(context.Background(), engine.ActivityDefinition{
		Name: "blocked",
		Handler: func(ctx context.Context, input any) (any, error) {
			<-unblock
			return "released", nil
		},
	}))

	var fut engine.Future
	futCh := make(chan engine.Future, 1)
	require.NoError(t, e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "async-caller",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			f, err := wctx.ExecuteActivityAsync(wctx.Context(), engine.ActivityRequest{Name: "blocked"})
			if err != nil {
				return nil, err
			}
			futCh <- f
			var out string
			if err := f.Get(wctx.Context(), &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	h, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-6", Workflow: "async-caller"})
	require.NoError(t, err)

	fut = <-futCh
	require.False(t, fut.IsReady())
	close(unblock)

	var result string
	require.NoError(t, h.Wait(context.Background(), &result))
	require.Equal(t, "released", result)
	require.True(t, fut.IsReady())
}
