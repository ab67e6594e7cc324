package domain

import "time"

// RunStatus is the overall, user-visible terminal status of an orchestration
// run (spec §7 "User-visible failure behavior").
type RunStatus string

const (
	RunRunning            RunStatus = "running"
	RunCompleted          RunStatus = "completed"
	RunVerificationFailed RunStatus = "verification_failed"
	RunFailed             RunStatus = "failed"
	RunAborted            RunStatus = "aborted"
	RunTimeExpired        RunStatus = "time_expired"
)

// EventLogCapacity bounds the orchestrator's event log (spec §3).
const EventLogCapacity = 200

// AgentStatus snapshots a worker's last known activity, as surfaced by
// generateReport's "agentStats" (spec §4.7).
type AgentStatus struct {
	Busy       bool
	LastOutput string
	LastError  string
}

// Metrics aggregates counters the orchestrator maintains across a run (spec
// §3).
type Metrics struct {
	TotalSteps          int
	CompletedSteps      int
	FailedSteps         int
	ReplanCount         int
	FixCycles           int
	VerificationsPassed int
	VerificationsFailed int
}

// Event is one entry in the orchestrator's bounded event log (spec §6's
// enumerated event names).
type Event struct {
	Name    string
	At      time.Time
	Payload map[string]any
}

// OrchestrationState is the orchestrator's exclusively-owned run state (spec
// §3). PlanStack depth must never exceed MaxPlanDepth; CanCreateSubPlan
// reports whether another level is available.
type OrchestrationState struct {
	PrimaryGoal string
	Status      RunStatus
	CurrentPlan *ExecutionPlan
	PlanStack   []*ExecutionPlan // LIFO; index 0 is the root
	Iteration   int
	StartTime   time.Time
	EndTime     time.Time
	Agents      map[Role]*AgentStatus
	Metrics     Metrics
}

// NewOrchestrationState initializes state for a fresh goal at startTime.
func NewOrchestrationState(goal string, startTime time.Time) *OrchestrationState {
	return &OrchestrationState{
		PrimaryGoal: goal,
		Status:      RunRunning,
		StartTime:   startTime,
		Agents: map[Role]*AgentStatus{
			RolePlanner:    {},
			RoleCoder:      {},
			RoleTester:     {},
			RoleSupervisor: {},
		},
	}
}

// CanCreateSubPlan reports whether the plan stack has room for another
// level (spec §3: planStack.depth < MaxPlanDepth).
func (s *OrchestrationState) CanCreateSubPlan() bool {
	return len(s.PlanStack) < MaxPlanDepth
}

// PushPlan pushes plan onto the stack and makes it current. It is the
// caller's responsibility to ensure CanCreateSubPlan() beforehand; PushPlan
// itself does not enforce the depth bound so that boundary tests can observe
// the rejected case at the call site (spec §8 "Depth = 3").
func (s *OrchestrationState) PushPlan(plan *ExecutionPlan) {
	if s.CurrentPlan != nil {
		s.PlanStack = append(s.PlanStack, s.CurrentPlan)
	}
	s.CurrentPlan = plan
}

// PopPlan pops back to the parent plan, returning it. Returns nil if the
// stack is empty (no parent to pop to). Per spec §8 the restored
// CurrentPlan is referentially equal to the pre-push value.
func (s *OrchestrationState) PopPlan() *ExecutionPlan {
	if len(s.PlanStack) == 0 {
		return nil
	}
	parent := s.PlanStack[len(s.PlanStack)-1]
	s.PlanStack = s.PlanStack[:len(s.PlanStack)-1]
	s.CurrentPlan = parent
	return parent
}

// StackDepth returns the current plan stack depth (0 at the root plan).
func (s *OrchestrationState) StackDepth() int {
	return len(s.PlanStack)
}
