package coder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/RealOrko/claude-looper-sub000/domain"
)

// CodeRequest is the payload carried by a MsgCodeRequest/MsgCodeFixRequest
// message.
type CodeRequest struct {
	Step        *domain.PlanStep
	StepContext string
	FixPlan     *domain.DetailedFixPlan // set only for code_fix_request
}

// CodeResponse is the payload carried by the corresponding response
// message.
type CodeResponse struct {
	Output *CodeOutput
	Err    error
}

// HandleMessage implements bus.Handler for the Coder worker.
func (c *Coder) HandleMessage(ctx context.Context, msg domain.AgentMessage) (domain.AgentMessage, error) {
	req, ok := msg.Payload.(CodeRequest)
	if !ok {
		return domain.AgentMessage{}, &workerError{"coder: unrecognized payload"}
	}

	var out *CodeOutput
	var err error
	switch msg.Type {
	case domain.MsgCodeRequest:
		out, err = c.Implement(ctx, req.Step, req.StepContext)
	case domain.MsgCodeFixRequest:
		out, err = c.ApplyFix(ctx, req.Step, req.FixPlan)
	default:
		return domain.AgentMessage{}, &workerError{"coder: unsupported message type " + string(msg.Type)}
	}

	respType := domain.MsgCodeResponse
	if msg.Type == domain.MsgCodeFixRequest {
		respType = domain.MsgCodeFixResponse
	}
	return msg.Reply(uuid.NewString(), respType, CodeResponse{Output: out, Err: err}, time.Now()), nil
}

type workerError struct{ reason string }

func (e *workerError) Error() string { return e.reason }
