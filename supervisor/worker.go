package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/RealOrko/claude-looper-sub000/domain"
)

// VerifyRequest is the payload carried by a MsgVerifyRequest message.
type VerifyRequest struct {
	VerificationType  domain.VerificationType
	TargetID          string
	TargetDescription string
	Context           string
	GateType          domain.GateType
}

// VerifyResponse is the payload carried by the corresponding response
// message.
type VerifyResponse struct {
	Result domain.VerificationResult
	Gate   *domain.QualityGate
}

// HandleMessage implements bus.Handler for the Supervisor worker.
func (s *Supervisor) HandleMessage(ctx context.Context, msg domain.AgentMessage) (domain.AgentMessage, error) {
	req, ok := msg.Payload.(VerifyRequest)
	if !ok {
		return domain.AgentMessage{}, &workerError{"supervisor: unrecognized payload"}
	}
	if msg.Type != domain.MsgVerifyRequest {
		return domain.AgentMessage{}, &workerError{"supervisor: unsupported message type " + string(msg.Type)}
	}

	prompt := PromptFor(req.VerificationType, req.TargetDescription, req.Context)
	result := s.Verify(ctx, req.VerificationType, req.TargetID, prompt)

	resp := VerifyResponse{Result: result}
	if req.GateType != "" {
		gate := s.EvaluateQualityGate(req.GateType, req.TargetID, result)
		resp.Gate = &gate
	}
	return msg.Reply(uuid.NewString(), domain.MsgVerifyResponse, resp, time.Now()), nil
}

type workerError struct{ reason string }

func (e *workerError) Error() string { return e.reason }
