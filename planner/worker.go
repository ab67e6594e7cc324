package planner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/RealOrko/claude-looper-sub000/domain"
)

// HandleMessage implements bus.Handler so a Planner can be registered
// directly on the message bus under domain.RolePlanner. It dispatches
// MsgPlanRequest to Plan and MsgReplanRequest to SubPlan based on the
// request payload's shape.
func (p *Planner) HandleMessage(ctx context.Context, msg domain.AgentMessage) (domain.AgentMessage, error) {
	req, ok := msg.Payload.(PlanRequest)
	if !ok {
		return domain.AgentMessage{}, &WorkerError{Reason: "planner: unrecognized payload"}
	}

	var plan *domain.ExecutionPlan
	var err error
	switch msg.Type {
	case domain.MsgPlanRequest:
		plan, err = p.Plan(ctx, req.Goal, req.Context)
	case domain.MsgReplanRequest:
		plan, err = p.SubPlan(ctx, req.BlockedStep, req.BlockReason, req.NewDepth)
	default:
		return domain.AgentMessage{}, &WorkerError{Reason: "planner: unsupported message type " + string(msg.Type)}
	}

	respType := domain.MsgPlanResponse
	if msg.Type == domain.MsgReplanRequest {
		respType = domain.MsgReplanResponse
	}
	return msg.Reply(uuid.NewString(), respType, PlanResponse{Plan: plan, Err: err}, time.Now()), nil
}

// WorkerError is a lightweight error carrying a human-readable reason,
// returned when a worker receives a message it cannot service (spec §7
// "Worker-level exceptions become *_RESPONSE messages" — the bus-level
// error here only ever fires for malformed internal routing, not for
// ordinary planning failures, which ride inside PlanResponse.Err instead).
type WorkerError struct{ Reason string }

func (e *WorkerError) Error() string { return e.Reason }
