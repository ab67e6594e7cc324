package orchestrator

import (
	"fmt"
	"time"

	"github.com/RealOrko/claude-looper-sub000/bus"
	"github.com/RealOrko/claude-looper-sub000/domain"
)

// Report summarizes one Run() call end to end (spec §4.7 "generateReport").
type Report struct {
	Status            domain.RunStatus
	Goal              string
	Elapsed           time.Duration
	Iterations        int
	PlanProgress      string
	Metrics           domain.Metrics
	PlanDepth         int
	PlanRevisions     int
	WorkflowPhase     domain.WorkflowPhase
	RecentTransitions []domain.PhaseTransition
	TimeBudget        TimeBudgetSummary
	MessageBusStats   MessageBusStats
	AgentStats        map[domain.Role]*domain.AgentStatus
	RecentEvents      []domain.Event
}

// TimeBudgetSummary is the report's view of the run's time budget.
type TimeBudgetSummary struct {
	Elapsed   time.Duration
	Remaining time.Duration
	Expired   bool
}

// MessageBusStats is the report's view of the shared bus's state.
type MessageBusStats struct {
	PendingCount int
	HistorySize  int
}

const recentTransitionsLimit = 10
const recentEventsLimit = 50

// generateReport snapshots current run state into a Report. Safe to call
// at any point, including mid-run (e.g. after Stop()).
func (o *Orchestrator) generateReport() *Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	plan := o.state.CurrentPlan
	progress := "no plan"
	depth := 0
	if plan != nil {
		progress = planProgressString(plan)
		depth = plan.Depth
	}

	history := o.Bus.GetHistory(bus.HistoryFilter{})

	return &Report{
		Status:            o.state.Status,
		Goal:              o.state.PrimaryGoal,
		Elapsed:           now.Sub(o.state.StartTime),
		Iterations:        o.state.Iteration,
		PlanProgress:      progress,
		Metrics:           o.state.Metrics,
		PlanDepth:         depth,
		PlanRevisions:     o.planRevisionCount,
		WorkflowPhase:     o.workflow.Current,
		RecentTransitions: o.transitions.Last(recentTransitionsLimit),
		TimeBudget: TimeBudgetSummary{
			Elapsed:   o.budget.Elapsed(now),
			Remaining: o.budget.Remaining(now),
			Expired:   o.budget.IsExpired(now),
		},
		MessageBusStats: MessageBusStats{
			PendingCount: o.Bus.PendingCount(),
			HistorySize:  len(history),
		},
		AgentStats:   o.state.Agents,
		RecentEvents: o.eventLog.Last(recentEventsLimit),
	}
}

func planProgressString(plan *domain.ExecutionPlan) string {
	completed := 0
	for _, s := range plan.Steps {
		if s.Status == domain.StepCompleted {
			completed++
		}
	}
	return formatProgress(completed, len(plan.Steps))
}

func formatProgress(completed, total int) string {
	return fmt.Sprintf("%d/%d", completed, total)
}
