package domain

import "time"

// WorkflowPhase is the orchestrator's coarse-grained current activity (spec
// §3 WorkflowLoop).
type WorkflowPhase string

const (
	WFInitializing WorkflowPhase = "initializing"
	WFPlanning     WorkflowPhase = "planning"
	WFPlanReview   WorkflowPhase = "plan_review"
	WFExecuting    WorkflowPhase = "executing"
	WFTesting      WorkflowPhase = "testing"
	WFFixing       WorkflowPhase = "fixing"
	WFVerifying    WorkflowPhase = "verifying"
	WFReplanning   WorkflowPhase = "replanning"
	WFCompleted    WorkflowPhase = "completed"
	WFFailed       WorkflowPhase = "failed"
	WFAborted      WorkflowPhase = "aborted"
	WFTimeExpired  WorkflowPhase = "time_expired"
)

// Terminal reports whether phase is one of the workflow's terminal states
// (spec §3: {completed, failed, aborted, time_expired}).
func (p WorkflowPhase) Terminal() bool {
	switch p {
	case WFCompleted, WFFailed, WFAborted, WFTimeExpired:
		return true
	default:
		return false
	}
}

// PhaseTransition is one entry in the WorkflowLoop's bounded transition
// history.
type PhaseTransition struct {
	From Phase
	To   WorkflowPhase
	At   time.Time
}

// WorkflowLoop tracks the orchestrator's current phase and a bounded history
// of transitions (spec §3). The transition history capacity is owned by the
// caller (typically wired to ring.Buffer by the orchestrator package, which
// depends on this package and not vice versa).
type WorkflowLoop struct {
	Current WorkflowPhase
}

// NewWorkflowLoop starts a loop in the initializing phase.
func NewWorkflowLoop() *WorkflowLoop {
	return &WorkflowLoop{Current: WFInitializing}
}

// Transition moves the loop to next and returns the transition record for
// the caller to append to its bounded history.
func (w *WorkflowLoop) Transition(next WorkflowPhase, at time.Time) PhaseTransition {
	from := w.Current
	w.Current = next
	return PhaseTransition{To: next, At: at, From: phaseOf(from)}
}

func phaseOf(w WorkflowPhase) Phase {
	switch w {
	case WFPlanning, WFPlanReview:
		return PhasePlanning
	case WFExecuting, WFTesting, WFFixing, WFReplanning:
		return PhaseExecution
	case WFVerifying:
		return PhaseVerification
	default:
		return ""
	}
}
