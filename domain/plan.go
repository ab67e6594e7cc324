// Package domain defines the typed records the orchestrator, its four
// workers, and the message bus exchange: plans and steps, test and
// verification results, fix plans, quality gates, and the orchestration
// state machine itself. Nothing in this package performs I/O; it is pure
// data plus the invariants spec.md §3 attaches to it.
package domain

import "time"

// StepComplexity classifies the expected effort of a PlanStep. The Planner
// assigns it; the Coder and Supervisor use it only as a hint.
type StepComplexity string

const (
	ComplexitySimple  StepComplexity = "simple"
	ComplexityMedium  StepComplexity = "medium"
	ComplexityComplex StepComplexity = "complex"
)

// StepStatus is the lifecycle state of a PlanStep.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepBlocked    StepStatus = "blocked"
)

// DefaultMaxStepAttempts is the default per-step attempt budget (spec §6).
const DefaultMaxStepAttempts = 3

// MaxPlanDepth is the maximum recursion depth for sub-plans (spec §3/§4.3).
const MaxPlanDepth = 3

// PlanStep is one instruction within an ExecutionPlan. Steps form a tree via
// ParentStepID/SubSteps: a step's SubSteps are only ever populated when a
// blocked step is re-planned into a child ExecutionPlan, in which case the
// child plan's steps carry this step's ID as ParentStepID.
type PlanStep struct {
	ID             string
	Number         int // 1-based position within its plan
	Description    string
	Complexity     StepComplexity
	Status         StepStatus
	Depth          int
	ParentStepID   string
	Attempts       int
	MaxAttempts    int
	CodeOutput     any // *coder.CodeOutput; any to avoid an import cycle with coder
	TestResults    *TestResult
	Verification   *VerificationResult
	FailReason     string
	SubSteps       []*PlanStep
	CompletedAt    time.Time
	CompletedViaSubPlan string // set when a blocked step's sub-plan completed it
}

// NewPlanStep constructs a pending step with the default attempt budget.
func NewPlanStep(id string, number int, description string, complexity StepComplexity, depth int) *PlanStep {
	return &PlanStep{
		ID:          id,
		Number:      number,
		Description: description,
		Complexity:  complexity,
		Status:      StepPending,
		Depth:       depth,
		MaxAttempts: DefaultMaxStepAttempts,
	}
}

// Retryable reports whether the step may still be retried in place, per
// spec §3: attempts < maxAttempts AND depth < MaxPlanDepth.
func (s *PlanStep) Retryable() bool {
	return s.Attempts < s.MaxAttempts && s.Depth < MaxPlanDepth
}

// MarkCompleted transitions the step to completed and stamps CompletedAt.
// It is idempotent: calling it twice does not change CompletedAt.
func (s *PlanStep) MarkCompleted(at time.Time) {
	if s.Status == StepCompleted {
		return
	}
	s.Status = StepCompleted
	s.CompletedAt = at
}

// PlanStatus is the lifecycle state of an ExecutionPlan.
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanAbandoned PlanStatus = "abandoned"
)

// ExecutionPlan is an ordered sequence of steps produced by the Planner,
// either as the root plan for a goal (Depth 0) or as a sub-plan raised to
// work around a blocked step (Depth 1..MaxPlanDepth).
type ExecutionPlan struct {
	ID               string
	Goal             string
	Analysis         string
	Steps            []*PlanStep
	CurrentStepIndex int
	Depth            int
	ParentPlanID     string
	Status           PlanStatus
	Dependencies     map[string][]string // stepID -> depends-on stepIDs
}

// NewExecutionPlan constructs an active, empty-dependency plan at the given
// depth. Callers append Steps afterward.
func NewExecutionPlan(id, goal string, depth int) *ExecutionPlan {
	return &ExecutionPlan{
		ID:           id,
		Goal:         goal,
		Depth:        depth,
		Status:       PlanActive,
		Dependencies: make(map[string][]string),
	}
}

// IsComplete reports whether every step has been advanced past, per spec §3:
// CurrentStepIndex == len(Steps).
func (p *ExecutionPlan) IsComplete() bool {
	return p.CurrentStepIndex >= len(p.Steps)
}

// CurrentStep returns the step the plan is currently positioned on, or nil
// if the plan is complete or has no steps.
func (p *ExecutionPlan) CurrentStep() *PlanStep {
	if p.IsComplete() || len(p.Steps) == 0 {
		return nil
	}
	return p.Steps[p.CurrentStepIndex]
}

// Advance marks the current step completed at the given time and moves the
// cursor forward by one. Advance is monotone: CurrentStepIndex never
// decreases. Calling Advance when the plan is already complete is a no-op.
func (p *ExecutionPlan) Advance(at time.Time) {
	if p.IsComplete() {
		return
	}
	p.Steps[p.CurrentStepIndex].MarkCompleted(at)
	p.CurrentStepIndex++
	if p.IsComplete() {
		p.Status = PlanCompleted
	}
}

// AllStepsTerminal reports whether every step settled into completed or
// failed, the postcondition spec §8 attaches to IsComplete()==true.
func (p *ExecutionPlan) AllStepsTerminal() bool {
	for _, s := range p.Steps {
		if s.Status != StepCompleted && s.Status != StepFailed {
			return false
		}
	}
	return true
}

// FallbackStep is the single-step plan the Planner returns for an empty
// goal or a zero-step LLM response (spec §8 boundary behavior).
func FallbackStep(id string) *PlanStep {
	return NewPlanStep(id, 1, "Execute the goal directly", ComplexityComplex, 0)
}
