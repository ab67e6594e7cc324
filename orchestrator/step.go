package orchestrator

import (
	"context"

	"github.com/RealOrko/claude-looper-sub000/coder"
	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/supervisor"
)

// runStep drives one plan step through code -> (tests-missing fill-in) ->
// (CODE gate) -> test -> fix loop -> (STEP gate) (spec §4.7 "Phase 2"),
// then settles the step's terminal status and advances the plan cursor.
func (o *Orchestrator) runStep(ctx context.Context, plan *domain.ExecutionPlan, step *domain.PlanStep) {
	step.Status = domain.StepInProgress
	step.Attempts++
	o.emit("step_started", map[string]any{"stepId": step.ID, "number": step.Number})

	out, err := o.requestCode(ctx, step, stepContext(plan, step))
	if err != nil {
		o.blockStep(ctx, plan, step, "coder error: "+err.Error())
		return
	}
	if out == nil {
		o.blockStep(ctx, plan, step, "coder returned no output")
		return
	}
	if out.Blocked {
		o.blockStep(ctx, plan, step, out.BlockReason)
		return
	}
	if out.RequiresSubPlan {
		o.blockStep(ctx, plan, step, out.SubPlanReason)
		return
	}

	if o.Config.RequireTests && !out.TestCoverage.HasTests {
		filled, ferr := o.Coder.RequestTestsForImplementation(ctx, step, out, true)
		if ferr == nil {
			out = filled
		}
	}

	if o.Config.VerifyAllOutputs {
		result, gate := o.requestVerify(ctx, domain.VerificationCode, step.ID, codeDescription(step, out), domain.GateCodeApproval)
		o.emit("code_verified", map[string]any{"stepId": step.ID, "score": result.Score})
		if gate != nil && !gate.Passed {
			o.emit("warning", map[string]any{"stepId": step.ID, "reason": "code gate failed: " + result.Reason})
		}
	}

	step.CodeOutput = out

	passed := o.runFixLoop(ctx, step, out)
	step.Status = o.settleStatus(step, passed)

	if passed && o.Config.VerifyAllOutputs {
		result, gate := o.requestVerify(ctx, domain.VerificationStep, step.ID, stepDescription(step), domain.GateStepCompletion)
		o.emit("step_verified", map[string]any{"stepId": step.ID, "score": result.Score})
		if gate != nil && !gate.Passed {
			step.Status = domain.StepFailed
			step.FailReason = "step verification failed: " + result.Reason
			o.emit("step_verification_failed", map[string]any{"stepId": step.ID, "reason": result.Reason})
		}
	}

	if step.Status == domain.StepCompleted {
		step.CompletedAt = o.now()
		o.recordStepSuccess()
		o.emit("step_completed", map[string]any{"stepId": step.ID})
		advancePlan(plan, o.now())
		return
	}

	o.handleBlockedOrFailedStep(ctx, plan, step)
}

// runFixLoop requests a test, and while it fails and the fix-cycle budget
// remains, requests a fix and re-tests (spec §4.5's fix-cycle contract,
// spec §4.7 "fix loop").
func (o *Orchestrator) runFixLoop(ctx context.Context, step *domain.PlanStep, out *coder.CodeOutput) bool {
	result, err := o.requestTest(ctx, step, out, false)
	if err != nil || result == nil {
		step.FailReason = "tester error"
		if err != nil {
			step.FailReason = "tester error: " + err.Error()
		}
		return false
	}
	step.TestResults = result
	if result.Passed {
		return true
	}

	for fixCycles := 0; fixCycles < o.Config.MaxFixCycles; fixCycles++ {
		o.emit("fix_cycle_started", map[string]any{"stepId": step.ID, "cycle": fixCycles + 1})
		o.recordFixCycle()

		if result.FixPlan == nil {
			step.FailReason = "no fix plan available"
			return false
		}
		fixed, ferr := o.requestCodeFix(ctx, step, result.FixPlan)
		if ferr != nil || fixed == nil {
			step.FailReason = "coder fix error"
			if ferr != nil {
				step.FailReason = "coder fix error: " + ferr.Error()
			}
			o.emit("fix_cycle_completed", map[string]any{"stepId": step.ID, "cycle": fixCycles + 1, "passed": false})
			continue
		}
		if fixed.RequiresSubPlan {
			step.FailReason = fixed.SubPlanReason
			o.emit("fix_cycle_completed", map[string]any{"stepId": step.ID, "cycle": fixCycles + 1, "passed": false})
			return false
		}

		out = fixed
		step.CodeOutput = out
		result, err = o.requestTest(ctx, step, out, true)
		if err != nil || result == nil {
			step.FailReason = "tester error on retry"
			o.emit("fix_cycle_completed", map[string]any{"stepId": step.ID, "cycle": fixCycles + 1, "passed": false})
			continue
		}
		step.TestResults = result
		o.emit("fix_cycle_completed", map[string]any{"stepId": step.ID, "cycle": fixCycles + 1, "passed": result.Passed})
		if result.Passed {
			return true
		}
	}

	step.FailReason = "exhausted fix cycles without passing tests"
	return false
}

func (o *Orchestrator) settleStatus(step *domain.PlanStep, passed bool) domain.StepStatus {
	if passed {
		return domain.StepCompleted
	}
	return domain.StepFailed
}

// handleBlockedOrFailedStep decides whether a failed step is retryable in
// place, blocked pending a sub-plan, or a terminal failure for the run
// (spec §4.7 "on blocked"). Called only for steps that settled StepFailed.
func (o *Orchestrator) handleBlockedOrFailedStep(ctx context.Context, plan *domain.ExecutionPlan, step *domain.PlanStep) {
	if step.Retryable() {
		o.emit("step_retry_scheduled", map[string]any{"stepId": step.ID, "attempt": step.Attempts})
		return
	}
	o.blockStep(ctx, plan, step, step.FailReason)
}

// blockStep marks step blocked and either requests a sub-plan (if the plan
// stack has room) or fails the step permanently (spec §4.4 "depth cap").
func (o *Orchestrator) blockStep(ctx context.Context, plan *domain.ExecutionPlan, step *domain.PlanStep, reason string) {
	step.Status = domain.StepBlocked
	step.FailReason = reason
	o.recordStepFailure()
	o.emit("step_blocked", map[string]any{"stepId": step.ID, "reason": reason})

	o.mu.Lock()
	canSubPlan := o.state.CanCreateSubPlan()
	o.mu.Unlock()

	if !canSubPlan {
		step.Status = domain.StepFailed
		o.emit("replan_limit_reached", map[string]any{"stepId": step.ID})
		advancePlan(plan, o.now())
		return
	}

	o.mu.Lock()
	o.replanCount++
	o.state.Metrics.ReplanCount++
	o.mu.Unlock()

	subPlan, err := o.requestReplan(ctx, step, reason, plan.Depth+1)
	if err != nil || subPlan == nil {
		step.Status = domain.StepFailed
		o.emit("replan_failed", map[string]any{"stepId": step.ID})
		advancePlan(plan, o.now())
		return
	}

	o.mu.Lock()
	o.state.PushPlan(subPlan)
	o.mu.Unlock()
	o.transition(domain.WFReplanning)
	o.emit("replan_request", map[string]any{"stepId": step.ID, "subPlanId": subPlan.ID})
}

// popCompletedSubPlan returns execution to the parent plan once a sub-plan
// finishes, marking the step that spawned it completed-via-sub-plan.
func (o *Orchestrator) popCompletedSubPlan() {
	o.mu.Lock()
	defer o.mu.Unlock()

	completed := o.state.CurrentPlan
	parent := o.state.PopPlan()
	if parent == nil || completed == nil {
		return
	}
	// SubPlan stamps ParentPlanID with the blocked step's ID (the step that
	// spawned this sub-plan), not a plan ID.
	for _, step := range parent.Steps {
		if step.ID == completed.ParentPlanID {
			step.Status = domain.StepCompleted
			step.CompletedViaSubPlan = completed.ID
			step.CompletedAt = o.now()
			break
		}
	}
	advancePlan(parent, o.now())
	o.transition(domain.WFExecuting)
}

// checkProgress runs a PROGRESS verification and escalates through the
// supervisor's assessment ladder (spec §4.6 "Progress monitor").
func (o *Orchestrator) checkProgress(ctx context.Context) {
	o.mu.Lock()
	o.lastProgressCheck = o.now()
	metrics := o.state.Metrics
	phase := domain.PhaseExecution
	o.mu.Unlock()

	result, _ := o.requestVerify(ctx, domain.VerificationProgress, "progress", progressDescription(metrics), "")
	action := supervisor.RecommendationForProgress(result.ActionNeeded)
	assessment := o.Supervisor.Assess(action)
	o.Supervisor.RecordCheckpoint(phase, metrics, o.now())

	o.emit("progress_checked", map[string]any{"action": assessment.Action, "escalation": string(assessment.Escalation)})

	if assessment.ShouldAbort {
		o.Stop()
		o.emit("progress_abort", map[string]any{"reason": "supervisor escalation reached ABORT"})
	}
}

func (o *Orchestrator) recordStepSuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Metrics.TotalSteps++
	o.state.Metrics.CompletedSteps++
}

func (o *Orchestrator) recordStepFailure() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Metrics.TotalSteps++
	o.state.Metrics.FailedSteps++
}

func (o *Orchestrator) recordFixCycle() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Metrics.FixCycles++
}
