// Package orchestrator drives a goal to completion (spec §4.7): it owns
// the OrchestrationState, the time budget, and the workflow loop
// exclusively, and talks to the four worker roles only by sending
// AgentMessages over the bus, never by touching worker internals
// directly (spec §5 "Shared resources").
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RealOrko/claude-looper-sub000/bus"
	"github.com/RealOrko/claude-looper-sub000/coder"
	"github.com/RealOrko/claude-looper-sub000/config"
	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/planner"
	"github.com/RealOrko/claude-looper-sub000/ring"
	"github.com/RealOrko/claude-looper-sub000/supervisor"
	"github.com/RealOrko/claude-looper-sub000/telemetry"
	"github.com/RealOrko/claude-looper-sub000/tester"
)

const (
	planRequestTimeout   = 3 * time.Minute
	codeRequestTimeout   = 11 * time.Minute
	testRequestTimeout   = 6 * time.Minute
	verifyRequestTimeout = 2 * time.Minute

	transitionHistoryCap = 50
	betweenStepsSleep    = 1 * time.Second
)

// Orchestrator drives one goal through planning, execution, and
// verification over a shared Bus. Construct with New, then Initialize and
// Run.
type Orchestrator struct {
	Bus        *bus.Bus
	Planner    *planner.Planner
	Coder      *coder.Coder
	Tester     *tester.Tester
	Supervisor *supervisor.Supervisor
	Config     config.Config
	Logger     telemetry.Logger
	Probe      tester.ProjectProbe

	now   func() time.Time
	sleep func(time.Duration)

	mu                sync.Mutex
	state             *domain.OrchestrationState
	budget            *domain.TimeBudget
	workflow          *domain.WorkflowLoop
	eventLog          *ring.Buffer[domain.Event]
	transitions       *ring.Buffer[domain.PhaseTransition]
	planRevisionCount int
	replanCount       int
	shouldStop        bool
	lastProgressCheck time.Time
}

// Option configures optional Orchestrator behavior.
type Option func(*Orchestrator)

// WithClock overrides the orchestrator's time source (used by tests to
// drive time-budget expiry deterministically).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides the between-steps sleep (spec §4.7 step 9), so
// tests don't wait on real wall-clock time.
func WithSleep(sleep func(time.Duration)) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New constructs an Orchestrator wired to bus and the four workers
// registered on it under their respective roles. cfg supplies the
// behavior knobs spec §6 enumerates.
func New(b *bus.Bus, p *planner.Planner, c *coder.Coder, t *tester.Tester, s *supervisor.Supervisor, cfg config.Config, logger telemetry.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	o := &Orchestrator{
		Bus:        b,
		Planner:    p,
		Coder:      c,
		Tester:     t,
		Supervisor: s,
		Config:     cfg,
		Logger:     logger,
		Probe:      tester.FSProbe{Dir: "."},
		now:        time.Now,
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Initialize creates fresh run state for goal (spec §4.7 "initialize"):
// OrchestrationState, TimeBudget, WorkflowLoop, and each worker's per-goal
// session/execution-context state (fix-cycle and quality-gate history are
// learning contexts and are intentionally preserved across goals, per
// spec §8's resetForNewGoal note).
func (o *Orchestrator) Initialize(goal string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	at := o.now()
	o.state = domain.NewOrchestrationState(goal, at)
	o.budget = domain.NewTimeBudget(o.Config.TimeLimit, at)
	o.workflow = domain.NewWorkflowLoop()
	o.eventLog = ring.New[domain.Event](domain.EventLogCapacity)
	o.transitions = ring.New[domain.PhaseTransition](transitionHistoryCap)
	o.planRevisionCount = 0
	o.replanCount = 0
	o.shouldStop = false
	o.lastProgressCheck = at

	o.Planner.ResetExecutionContext()
	o.Coder.ResetSessions()

	o.emit("initialized", map[string]any{"goal": goal})
}

// Stop sets the cooperative shouldStop flag (spec §4.7 "stop()"). The
// orchestrator observes it between steps and between phases, never
// mid-request.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.shouldStop = true
	o.mu.Unlock()
	o.emit("stopping", nil)
}

// Run executes the three phases to completion or termination and always
// returns a Report (spec §7 "run() always returns a report").
func (o *Orchestrator) Run(ctx context.Context) *Report {
	o.emit("started", nil)

	if err := o.runPlanningPhase(ctx); err != nil {
		o.mu.Lock()
		o.state.Status = domain.RunFailed
		o.state.EndTime = o.now()
		o.mu.Unlock()
		o.emit("error", map[string]any{"reason": err.Error()})
		return o.generateReport()
	}

	o.runExecutionPhase(ctx)

	o.mu.Lock()
	stopped := o.shouldStop
	status := o.state.Status
	o.mu.Unlock()

	if stopped && status == domain.RunRunning {
		o.mu.Lock()
		o.state.Status = domain.RunAborted
		o.mu.Unlock()
	} else if status == domain.RunRunning {
		o.runVerificationPhase(ctx)
	}

	o.mu.Lock()
	o.state.EndTime = o.now()
	o.mu.Unlock()
	return o.generateReport()
}

// runPlanningPhase issues plan_request and, if configured, loops a
// PLAN_PRE supervisor review against plan revisions (spec §4.7 "Phase 1").
func (o *Orchestrator) runPlanningPhase(ctx context.Context) error {
	o.transition(domain.WFPlanning)
	o.emit("phase_started", map[string]any{"phase": "planning"})

	plan, perr := o.requestPlan(ctx, o.state.PrimaryGoal, "")
	if perr != nil || plan == nil {
		reason := "planner produced no plan"
		if perr != nil {
			reason = perr.Error()
		}
		return fmt.Errorf("planning failed: %s", reason)
	}
	o.setCurrentPlan(plan)
	o.emit("plan_created", map[string]any{"planId": plan.ID})

	if o.Config.RequirePrePlanReview {
		feedback := ""
		for {
			result, gate := o.requestVerify(ctx, domain.VerificationPlanPre, plan.ID, planDescription(plan, feedback), domain.GatePlanApproval)
			o.emit("plan_reviewed", map[string]any{"score": result.Score})

			if gate != nil && gate.Passed {
				o.emit("plan_approved", nil)
				break
			}

			o.mu.Lock()
			exhausted := o.planRevisionCount >= o.Config.MaxPlanRevisions
			o.mu.Unlock()
			if exhausted {
				o.transition(domain.WFPlanReview)
				o.emit("warning", map[string]any{"reason": "plan revision limit reached, proceeding with last plan"})
				break
			}

			o.mu.Lock()
			o.planRevisionCount++
			revision := o.planRevisionCount
			o.mu.Unlock()

			feedback = result.Reason
			revised, rerr := o.requestPlan(ctx, o.state.PrimaryGoal, "Revise the plan: "+feedback)
			if rerr != nil || revised == nil {
				o.emit("warning", map[string]any{"reason": "plan revision failed, keeping previous plan"})
				break
			}
			plan = revised
			o.setCurrentPlan(plan)
			o.emit("plan_revised", map[string]any{"revision": revision})
		}
	}

	o.emit("phase_completed", map[string]any{"phase": "planning"})
	return nil
}

// runExecutionPhase drives the step state machine until the plan (and any
// sub-plan stack) completes, shouldStop is observed, or the time budget
// expires (spec §4.7 "Phase 2").
func (o *Orchestrator) runExecutionPhase(ctx context.Context) {
	o.transition(domain.WFExecuting)
	o.emit("phase_started", map[string]any{"phase": "execution"})

	for {
		o.mu.Lock()
		stop := o.shouldStop
		expired := o.budget.IsExpired(o.now())
		o.mu.Unlock()

		if stop {
			break
		}
		if expired {
			o.transition(domain.WFTimeExpired)
			o.mu.Lock()
			o.state.Status = domain.RunTimeExpired
			o.mu.Unlock()
			o.emit("time_expired", nil)
			return
		}

		plan := o.currentPlan()
		if plan.IsComplete() {
			if o.stackDepth() > 0 {
				o.popCompletedSubPlan()
				continue
			}
			break
		}

		step := plan.CurrentStep()
		o.runStep(ctx, plan, step)

		o.mu.Lock()
		o.state.Iteration++
		stop = o.shouldStop
		o.mu.Unlock()
		if stop {
			break
		}

		o.sleep(betweenStepsSleep)

		if o.Config.EnableProgressChecks {
			o.mu.Lock()
			due := o.now().Sub(o.lastProgressCheck) >= o.Config.ProgressCheckInterval
			o.mu.Unlock()
			if due {
				o.checkProgress(ctx)
			}
		}
	}

	o.emit("phase_completed", map[string]any{"phase": "execution"})
}

// runVerificationPhase issues the goal-level GOAL verification (spec §4.7
// "Phase 3").
func (o *Orchestrator) runVerificationPhase(ctx context.Context) {
	o.transition(domain.WFVerifying)
	o.emit("phase_started", map[string]any{"phase": "verification"})

	plan := o.currentPlan()
	result, _ := o.requestVerify(ctx, domain.VerificationGoal, plan.ID, goalDescription(o.state), "")

	o.mu.Lock()
	if result.Verified {
		o.state.Status = domain.RunCompleted
	} else {
		o.state.Status = domain.RunVerificationFailed
	}
	o.mu.Unlock()

	if result.Verified {
		o.emit("goal_achieved", map[string]any{"completeness": result.Completeness})
	} else {
		o.emit("goal_verification_failed", map[string]any{"reason": result.Reason})
	}

	o.transition(domain.WFCompleted)
	o.emit("phase_completed", map[string]any{"phase": "verification"})
}

func planDescription(plan *domain.ExecutionPlan, priorFeedback string) string {
	desc := fmt.Sprintf("Plan for goal %q with %d steps. Analysis: %s", plan.Goal, len(plan.Steps), plan.Analysis)
	if priorFeedback != "" {
		desc += "\nPrevious review feedback: " + priorFeedback
	}
	return desc
}

func goalDescription(state *domain.OrchestrationState) string {
	return fmt.Sprintf("Goal: %q. Completed steps: %d, failed steps: %d, fix cycles: %d.",
		state.PrimaryGoal, state.Metrics.CompletedSteps, state.Metrics.FailedSteps, state.Metrics.FixCycles)
}

func stepContext(plan *domain.ExecutionPlan, step *domain.PlanStep) string {
	return fmt.Sprintf("Goal: %s\nPlan analysis: %s\nStep %d: %s", plan.Goal, plan.Analysis, step.Number, step.Description)
}

func stepDescription(step *domain.PlanStep) string {
	return fmt.Sprintf("Step %d: %s (status %s, attempt %d)", step.Number, step.Description, step.Status, step.Attempts)
}

func progressDescription(m domain.Metrics) string {
	return fmt.Sprintf("Completed=%d Failed=%d FixCycles=%d VerificationsPassed=%d VerificationsFailed=%d",
		m.CompletedSteps, m.FailedSteps, m.FixCycles, m.VerificationsPassed, m.VerificationsFailed)
}

func codeDescription(step *domain.PlanStep, out *coder.CodeOutput) string {
	return fmt.Sprintf("Step %d: %s\nSummary: %s\nFiles changed: %d", step.Number, step.Description, out.Summary, len(out.Files))
}

// emit appends an entry to the bounded event log.
func (o *Orchestrator) emit(name string, payload map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.eventLog.Push(domain.Event{Name: name, At: o.now(), Payload: payload})
}

func (o *Orchestrator) transition(phase domain.WorkflowPhase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.workflow.Transition(phase, o.now())
	o.transitions.Push(t)
}

func (o *Orchestrator) currentPlan() *domain.ExecutionPlan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.CurrentPlan
}

func (o *Orchestrator) setCurrentPlan(plan *domain.ExecutionPlan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.CurrentPlan = plan
}

func (o *Orchestrator) stackDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.StackDepth()
}

// advancePlan moves plan's cursor forward by one without forcing the
// current step's status to completed, since the caller may be advancing
// past a step that already settled as failed.
func advancePlan(plan *domain.ExecutionPlan, at time.Time) {
	if plan.IsComplete() {
		return
	}
	step := plan.Steps[plan.CurrentStepIndex]
	if step.CompletedAt.IsZero() {
		step.CompletedAt = at
	}
	plan.CurrentStepIndex++
	if plan.IsComplete() {
		plan.Status = domain.PlanCompleted
	}
}

func newMessageID() string { return uuid.NewString() }
