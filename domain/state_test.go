package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RealOrko/claude-looper-sub000/domain"
)

func TestPushPopPlanRestoresReferentialEquality(t *testing.T) {
	state := domain.NewOrchestrationState("goal", time.Now())
	root := domain.NewExecutionPlan("root", "goal", 0)
	state.PushPlan(root)
	require.Same(t, root, state.CurrentPlan)

	sub := domain.NewExecutionPlan("sub", "fix blocker", 1)
	state.PushPlan(sub)
	require.Same(t, sub, state.CurrentPlan)
	require.Equal(t, 1, state.StackDepth())

	popped := state.PopPlan()
	require.Same(t, root, popped)
	require.Same(t, root, state.CurrentPlan)
	require.Equal(t, 0, state.StackDepth())
}

func TestCanCreateSubPlanAtDepthCap(t *testing.T) {
	state := domain.NewOrchestrationState("goal", time.Now())
	state.PushPlan(domain.NewExecutionPlan("p0", "goal", 0))
	for i := 1; i <= domain.MaxPlanDepth; i++ {
		require.True(t, state.CanCreateSubPlan(), "depth %d should still allow a sub-plan", i-1)
		state.PushPlan(domain.NewExecutionPlan("p", "goal", i))
	}
	require.False(t, state.CanCreateSubPlan())
	require.Equal(t, domain.MaxPlanDepth, state.StackDepth())
}
