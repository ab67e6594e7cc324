package planner_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/llmclient"
	"github.com/RealOrko/claude-looper-sub000/planner"
)

type scriptedTransport struct{ responses []string }

func (t *scriptedTransport) Complete(ctx context.Context, req llmclient.Request) (llmclient.Response, error) {
	if len(t.responses) == 0 {
		return llmclient.Response{Text: "ANALYSIS: none\nPLAN:\n1. Do the thing | simple\nDEPENDENCIES:\nRISKS:\nTOTAL_STEPS: 1"}, nil
	}
	resp := t.responses[0]
	t.responses = t.responses[1:]
	return llmclient.Response{Text: resp}, nil
}

func newPlanner(responses ...string) *planner.Planner {
	tr := &scriptedTransport{responses: responses}
	return planner.New(llmclient.New(tr), nil)
}

func TestPlanEmptyGoalReturnsFallbackStep(t *testing.T) {
	p := newPlanner()
	plan, err := p.Plan(context.Background(), "", "")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	require.Equal(t, domain.ComplexityComplex, plan.Steps[0].Complexity)
}

func TestPlanParsesStepsAnalysisAndDependencies(t *testing.T) {
	resp := "ANALYSIS: Build a todo app with a REST API and a minimal frontend.\n" +
		"PLAN:\n" +
		"1. Scaffold the project structure | simple\n" +
		"2. Implement the todo REST API | medium\n" +
		"3. Build the frontend UI | medium\n" +
		"4. Wire end-to-end tests | simple\n" +
		"DEPENDENCIES:\n2 -> 1\n3 -> 2\nRISKS: none\nTOTAL_STEPS: 4"
	p := newPlanner(resp)

	plan, err := p.Plan(context.Background(), "Build a todo application", "")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 4)
	require.Contains(t, plan.Analysis, "Build a todo app")
	require.Equal(t, domain.ComplexityMedium, plan.Steps[1].Complexity)
	require.Equal(t, []string{"1"}, plan.Dependencies["2"])
}

func TestPlanClampsStepCountAtFifteen(t *testing.T) {
	var b strings.Builder
	b.WriteString("ANALYSIS: big plan\nPLAN:\n")
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&b, "%d. Do step number %d of the plan | simple\n", i, i)
	}
	b.WriteString("DEPENDENCIES:\nRISKS:\nTOTAL_STEPS: 20")
	p := newPlanner(b.String())

	plan, err := p.Plan(context.Background(), "a large goal", "")
	require.NoError(t, err)
	require.LessOrEqual(t, len(plan.Steps), 15)
}

func TestAssessPlanQualityPenalizesShortPlans(t *testing.T) {
	plan := domain.NewExecutionPlan("p1", "goal", 0)
	plan.Steps = []*domain.PlanStep{domain.NewPlanStep("s1", 1, "Do a thing that is reasonably long", domain.ComplexitySimple, 0)}
	plan.Analysis = "a reasonably detailed analysis of the approach taken here"

	score, issues, approved := planner.AssessPlanQuality(plan)
	require.Less(t, score, 100)
	require.NotEmpty(t, issues)
	require.False(t, approved)
}

func TestAssessPlanQualityApprovesGoodPlan(t *testing.T) {
	plan := domain.NewExecutionPlan("p1", "goal", 0)
	plan.Analysis = "This plan scaffolds the project, implements the API, and wires up tests end to end."
	plan.Steps = []*domain.PlanStep{
		domain.NewPlanStep("s1", 1, "Implement the REST API endpoints for todos", domain.ComplexityMedium, 0),
		domain.NewPlanStep("s2", 2, "Create the database schema for todo items", domain.ComplexitySimple, 0),
		domain.NewPlanStep("s3", 3, "Write integration tests for the API", domain.ComplexitySimple, 0),
	}

	score, _, approved := planner.AssessPlanQuality(plan)
	require.GreaterOrEqual(t, score, 70)
	require.True(t, approved)
}

func TestSubPlanFailsAtMaxDepth(t *testing.T) {
	p := newPlanner()
	step := domain.NewPlanStep("s1", 1, "blocked step", domain.ComplexitySimple, 3)
	_, err := p.SubPlan(context.Background(), step, "blocked", 4)
	require.ErrorIs(t, err, planner.ErrMaxDepthReached)
}

func TestSubPlanFailsAfterThreeAttemptsOnSameStep(t *testing.T) {
	p := newPlanner(
		"ANALYSIS: a\nPLAN:\n1. Try approach one | simple\nDEPENDENCIES:\nRISKS:\nTOTAL_STEPS: 1",
		"ANALYSIS: a\nPLAN:\n1. Try approach two | simple\nDEPENDENCIES:\nRISKS:\nTOTAL_STEPS: 1",
		"ANALYSIS: a\nPLAN:\n1. Try approach three | simple\nDEPENDENCIES:\nRISKS:\nTOTAL_STEPS: 1",
	)
	step := domain.NewPlanStep("s1", 1, "blocked step", domain.ComplexitySimple, 0)

	for i := 0; i < 3; i++ {
		_, err := p.SubPlan(context.Background(), step, "blocked", 1)
		require.NoError(t, err)
	}
	_, err := p.SubPlan(context.Background(), step, "blocked", 1)
	require.ErrorIs(t, err, planner.ErrMaxSubPlanAttempts)
}

func TestSubPlanCapsStepCountByDepth(t *testing.T) {
	resp := "ANALYSIS: a\nPLAN:\n1. one | simple\n2. two | simple\n3. three | simple\n4. four | simple\nDEPENDENCIES:\nRISKS:\nTOTAL_STEPS: 4"
	p := newPlanner(resp)
	step := domain.NewPlanStep("s1", 1, "blocked step", domain.ComplexitySimple, 1)

	plan, err := p.SubPlan(context.Background(), step, "blocked", 2)
	require.NoError(t, err)
	require.LessOrEqual(t, len(plan.Steps), 3)
	require.Equal(t, 2, plan.Depth)
	for _, s := range plan.Steps {
		require.Equal(t, "s1", s.ParentStepID)
	}
}
