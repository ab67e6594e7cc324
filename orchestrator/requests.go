package orchestrator

import (
	"context"

	"github.com/RealOrko/claude-looper-sub000/coder"
	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/planner"
	"github.com/RealOrko/claude-looper-sub000/supervisor"
	"github.com/RealOrko/claude-looper-sub000/tester"
)

// requestPlan sends a plan_request (or, if revisionNote is non-empty, the
// same message with the note folded into Context so the planner revises
// rather than starting over).
func (o *Orchestrator) requestPlan(ctx context.Context, goal, revisionNote string) (*domain.ExecutionPlan, error) {
	msg := domain.AgentMessage{
		ID:        newMessageID(),
		Type:      domain.MsgPlanRequest,
		From:      domain.RoleOrchestrator,
		To:        domain.RolePlanner,
		Payload:   planner.PlanRequest{Goal: goal, Context: revisionNote},
		Timestamp: o.now(),
	}
	resp, err := o.Bus.Request(ctx, msg, planRequestTimeout)
	if err != nil {
		return nil, err
	}
	payload, ok := resp.Payload.(planner.PlanResponse)
	if !ok {
		return nil, errUnrecognizedResponse("plan")
	}
	return payload.Plan, payload.Err
}

// requestReplan sends a replan_request for a blocked step, at depth
// newDepth.
func (o *Orchestrator) requestReplan(ctx context.Context, blockedStep *domain.PlanStep, blockReason string, newDepth int) (*domain.ExecutionPlan, error) {
	msg := domain.AgentMessage{
		ID:        newMessageID(),
		Type:      domain.MsgReplanRequest,
		From:      domain.RoleOrchestrator,
		To:        domain.RolePlanner,
		Payload:   planner.PlanRequest{BlockedStep: blockedStep, BlockReason: blockReason, NewDepth: newDepth},
		Timestamp: o.now(),
	}
	resp, err := o.Bus.Request(ctx, msg, planRequestTimeout)
	if err != nil {
		return nil, err
	}
	payload, ok := resp.Payload.(planner.PlanResponse)
	if !ok {
		return nil, errUnrecognizedResponse("replan")
	}
	return payload.Plan, payload.Err
}

// requestCode sends a code_request for step.
func (o *Orchestrator) requestCode(ctx context.Context, step *domain.PlanStep, stepCtx string) (*coder.CodeOutput, error) {
	msg := domain.AgentMessage{
		ID:        newMessageID(),
		Type:      domain.MsgCodeRequest,
		From:      domain.RoleOrchestrator,
		To:        domain.RoleCoder,
		Payload:   coder.CodeRequest{Step: step, StepContext: stepCtx},
		Timestamp: o.now(),
	}
	resp, err := o.Bus.Request(ctx, msg, codeRequestTimeout)
	if err != nil {
		return nil, err
	}
	payload, ok := resp.Payload.(coder.CodeResponse)
	if !ok {
		return nil, errUnrecognizedResponse("code")
	}
	return payload.Output, payload.Err
}

// requestCodeFix sends a code_fix_request built from fixPlan.
func (o *Orchestrator) requestCodeFix(ctx context.Context, step *domain.PlanStep, fixPlan *domain.DetailedFixPlan) (*coder.CodeOutput, error) {
	msg := domain.AgentMessage{
		ID:        newMessageID(),
		Type:      domain.MsgCodeFixRequest,
		From:      domain.RoleOrchestrator,
		To:        domain.RoleCoder,
		Payload:   coder.CodeRequest{Step: step, FixPlan: fixPlan},
		Timestamp: o.now(),
	}
	resp, err := o.Bus.Request(ctx, msg, codeRequestTimeout)
	if err != nil {
		return nil, err
	}
	payload, ok := resp.Payload.(coder.CodeResponse)
	if !ok {
		return nil, errUnrecognizedResponse("code_fix")
	}
	return payload.Output, payload.Err
}

// requestTest sends a test_request for step's output.
func (o *Orchestrator) requestTest(ctx context.Context, step *domain.PlanStep, out *coder.CodeOutput, isRetry bool) (*domain.TestResult, error) {
	msg := domain.AgentMessage{
		ID:        newMessageID(),
		Type:      domain.MsgTestRequest,
		From:      domain.RoleOrchestrator,
		To:        domain.RoleTester,
		Payload:   tester.TestRequest{Step: step, Output: out, Probe: o.Probe, IsRetry: isRetry},
		Timestamp: o.now(),
	}
	resp, err := o.Bus.Request(ctx, msg, testRequestTimeout)
	if err != nil {
		return nil, err
	}
	payload, ok := resp.Payload.(tester.TestResponse)
	if !ok {
		return nil, errUnrecognizedResponse("test")
	}
	return payload.Result, payload.Err
}

// requestVerify sends a verify_request. gateType may be "" to skip gate
// evaluation (e.g. PROGRESS checks have no associated gate).
func (o *Orchestrator) requestVerify(ctx context.Context, verificationType domain.VerificationType, targetID, targetDescription string, gateType domain.GateType) (domain.VerificationResult, *domain.QualityGate) {
	msg := domain.AgentMessage{
		ID:   newMessageID(),
		Type: domain.MsgVerifyRequest,
		From: domain.RoleOrchestrator,
		To:   domain.RoleSupervisor,
		Payload: supervisor.VerifyRequest{
			VerificationType:  verificationType,
			TargetID:          targetID,
			TargetDescription: targetDescription,
			GateType:          gateType,
		},
		Timestamp: o.now(),
	}
	resp, err := o.Bus.Request(ctx, msg, verifyRequestTimeout)
	if err != nil {
		// Bus-level transport failure (unknown target, timeout): treat as an
		// optimistic pass so a single verification hiccup doesn't stall the
		// whole run (spec §7 "worker error -> blocked with reason" applies
		// to code/test workers; verification failures default open).
		return domain.VerificationResult{Type: verificationType, TargetID: targetID, Verified: true, Score: 60, Recommendation: "continue", Reason: "verification unavailable: " + err.Error()}, nil
	}
	payload, ok := resp.Payload.(supervisor.VerifyResponse)
	if !ok {
		return domain.VerificationResult{Type: verificationType, TargetID: targetID, Verified: true, Score: 60, Recommendation: "continue", Reason: "malformed verify response"}, nil
	}
	o.recordVerification(payload.Result.Verified)
	return payload.Result, payload.Gate
}

func (o *Orchestrator) recordVerification(passed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if passed {
		o.state.Metrics.VerificationsPassed++
	} else {
		o.state.Metrics.VerificationsFailed++
	}
}

type unrecognizedResponseError struct{ kind string }

func (e *unrecognizedResponseError) Error() string {
	return "orchestrator: unrecognized " + e.kind + " response payload"
}

func errUnrecognizedResponse(kind string) error { return &unrecognizedResponseError{kind: kind} }
