package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/RealOrko/claude-looper-sub000/engine"
)

const (
	runGoalWorkflow     = "orchestrator.run_goal"
	executeGoalActivity = "orchestrator.execute_goal"
)

// RegisterWithEngine binds o's run to e under the run_goal workflow name, so
// callers that want a durable-execution boundary around a run (process
// restarts, Temporal-backed replay) can use RunOnEngine instead of calling
// o.Run directly. Safe to call once per process per engine instance.
func RegisterWithEngine(ctx context.Context, e engine.Engine) error {
	if err := e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: executeGoalActivity,
		Handler: func(ctx context.Context, input any) (any, error) {
			o, ok := input.(*Orchestrator)
			if !ok {
				return nil, fmt.Errorf("orchestrator: execute_goal activity expects *Orchestrator, got %T", input)
			}
			return o.Run(ctx), nil
		},
	}); err != nil {
		return fmt.Errorf("orchestrator: registering execute_goal activity: %w", err)
	}

	return e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: runGoalWorkflow,
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			var report *Report
			err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{
				Name:  executeGoalActivity,
				Input: input,
			}, &report)
			return report, err
		},
	})
}

// RunOnEngine starts goal as a workflow on e and waits for the resulting
// Report (spec's "running the orchestrator loop as a workflow" note). o must
// already be Initialize()d for goal; e must have RegisterWithEngine called
// on it first.
//
// The workflow boundary here is the whole run, not each individual
// plan/code/test/verify request: reworking requestPlan/requestCode/
// requestTest/requestVerify to run as separate engine activities would
// require routing every bus call through a WorkflowContext rather than a
// plain context.Context, which the step state machine doesn't thread today.
// This still gives the engine's intended value for a demo CLI (restart
// isolation, pluggable backend, status queries) without that larger
// restructuring.
func RunOnEngine(ctx context.Context, e engine.Engine, o *Orchestrator) (*Report, error) {
	runID := uuid.NewString()
	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       runID,
		Workflow: runGoalWorkflow,
		Input:    o,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: starting run_goal workflow: %w", err)
	}

	var report *Report
	if err := handle.Wait(ctx, &report); err != nil {
		return nil, fmt.Errorf("orchestrator: run_goal workflow failed: %w", err)
	}
	return report, nil
}
