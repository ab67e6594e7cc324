package domain

import "time"

// Role identifies a worker role in the orchestration (spec §1, GLOSSARY).
type Role string

const (
	RolePlanner     Role = "planner"
	RoleCoder       Role = "coder"
	RoleTester      Role = "tester"
	RoleSupervisor  Role = "supervisor"
	RoleOrchestrator Role = "orchestrator"
)

// MessageType enumerates the request/response message types the
// orchestrator and workers exchange over the bus (spec §2, §4.7).
type MessageType string

const (
	MsgPlanRequest         MessageType = "plan_request"
	MsgPlanResponse        MessageType = "plan_response"
	MsgReplanRequest       MessageType = "replan_request"
	MsgReplanResponse      MessageType = "replan_response"
	MsgCodeRequest         MessageType = "code_request"
	MsgCodeResponse        MessageType = "code_response"
	MsgCodeFixRequest      MessageType = "code_fix_request"
	MsgCodeFixResponse     MessageType = "code_fix_response"
	MsgTestRequest         MessageType = "test_request"
	MsgTestResponse        MessageType = "test_response"
	MsgVerifyRequest       MessageType = "verify_request"
	MsgVerifyResponse      MessageType = "verify_response"
)

// AgentMessage is the routed, correlated envelope the message bus transports
// (spec §3, §4.1). Response messages carry CorrelationID set to the
// originating request's ID, with From/To reversed relative to the request.
type AgentMessage struct {
	ID            string
	Type          MessageType
	From          Role
	To            Role
	Payload       any
	Timestamp     time.Time
	CorrelationID string
}

// Reply builds the response envelope for msg: From/To reversed, Type set to
// responseType, CorrelationID set to msg.ID.
func (msg AgentMessage) Reply(id string, responseType MessageType, payload any, at time.Time) AgentMessage {
	return AgentMessage{
		ID:            id,
		Type:          responseType,
		From:          msg.To,
		To:            msg.From,
		Payload:       payload,
		Timestamp:     at,
		CorrelationID: msg.ID,
	}
}
