package tester

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/RealOrko/claude-looper-sub000/coder"
	"github.com/RealOrko/claude-looper-sub000/domain"
)

// TestRequest is the payload carried by a MsgTestRequest message.
type TestRequest struct {
	Step    *domain.PlanStep
	Output  *coder.CodeOutput
	Probe   ProjectProbe
	IsRetry bool
}

// TestResponse is the payload carried by the corresponding response
// message.
type TestResponse struct {
	Result *domain.TestResult
	Err    error
}

// HandleMessage implements bus.Handler for the Tester worker.
func (t *Tester) HandleMessage(ctx context.Context, msg domain.AgentMessage) (domain.AgentMessage, error) {
	req, ok := msg.Payload.(TestRequest)
	if !ok {
		return domain.AgentMessage{}, &workerError{"tester: unrecognized payload"}
	}
	if msg.Type != domain.MsgTestRequest {
		return domain.AgentMessage{}, &workerError{"tester: unsupported message type " + string(msg.Type)}
	}

	result, err := t.RunTests(ctx, req.Step, req.Output, req.Probe, req.IsRetry)
	return msg.Reply(uuid.NewString(), domain.MsgTestResponse, TestResponse{Result: result, Err: err}, time.Now()), nil
}

type workerError struct{ reason string }

func (e *workerError) Error() string { return e.reason }
