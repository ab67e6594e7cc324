package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RealOrko/claude-looper-sub000/domain"
)

func TestPlanStepRetryable(t *testing.T) {
	s := domain.NewPlanStep("s1", 1, "do the thing", domain.ComplexitySimple, 0)
	require.True(t, s.Retryable())

	s.Attempts = s.MaxAttempts
	require.False(t, s.Retryable())

	s.Attempts = 0
	s.Depth = domain.MaxPlanDepth
	require.False(t, s.Retryable())
}

func TestPlanStepMarkCompletedIsIdempotent(t *testing.T) {
	s := domain.NewPlanStep("s1", 1, "do the thing", domain.ComplexitySimple, 0)
	t0 := time.Now()
	s.MarkCompleted(t0)
	s.MarkCompleted(t0.Add(time.Hour))
	require.Equal(t, t0, s.CompletedAt)
}

func TestExecutionPlanAdvanceIsMonotoneAndCompletes(t *testing.T) {
	plan := domain.NewExecutionPlan("p1", "build a todo app", 0)
	plan.Steps = []*domain.PlanStep{
		domain.NewPlanStep("s1", 1, "step one", domain.ComplexitySimple, 0),
		domain.NewPlanStep("s2", 2, "step two", domain.ComplexitySimple, 0),
	}
	require.False(t, plan.IsComplete())

	now := time.Now()
	plan.Advance(now)
	require.Equal(t, 1, plan.CurrentStepIndex)
	require.Equal(t, domain.StepCompleted, plan.Steps[0].Status)
	require.False(t, plan.IsComplete())

	plan.Advance(now)
	require.True(t, plan.IsComplete())
	require.Equal(t, domain.PlanCompleted, plan.Status)

	// Advance past completion is a no-op; index never decreases.
	plan.Advance(now)
	require.Equal(t, 2, plan.CurrentStepIndex)
}

func TestExecutionPlanAllStepsTerminal(t *testing.T) {
	plan := domain.NewExecutionPlan("p1", "goal", 0)
	s1 := domain.NewPlanStep("s1", 1, "step", domain.ComplexitySimple, 0)
	s2 := domain.NewPlanStep("s2", 2, "step", domain.ComplexitySimple, 0)
	plan.Steps = []*domain.PlanStep{s1, s2}
	require.False(t, plan.AllStepsTerminal())

	s1.Status = domain.StepCompleted
	s2.Status = domain.StepFailed
	require.True(t, plan.AllStepsTerminal())
}

func TestFallbackStepForEmptyGoal(t *testing.T) {
	s := domain.FallbackStep("s1")
	require.Equal(t, "Execute the goal directly", s.Description)
	require.Equal(t, domain.ComplexityComplex, s.Complexity)
}
