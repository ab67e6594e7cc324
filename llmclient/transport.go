package llmclient

import "context"

// Message is one turn in a conversation transcript.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is the fully-resolved, single-shot call a Transport executes. The
// Client assembles it from Options plus whatever transcript the session
// table holds for the calling agent.
type Request struct {
	Model              string
	SystemPrompt       string
	AppendSystemPrompt string
	Messages           []Message
	MaxTurns           int
	JSONSchema         map[string]any
	OutputFormat       OutputFormat
	Tools              []string
	AllowedTools       []string
	DisallowedTools    []string
	SkipPermissions    bool
}

// Response is the raw transport result before it is wrapped into a Result
// and before session bookkeeping is applied.
type Response struct {
	Text             string
	TokensIn         int
	TokensOut        int
	CostUSD          float64
	ToolCalls        []ToolCall
	StructuredOutput map[string]any
	HTTPStatus       int
}

// Transport performs one model invocation. Implementations translate Request
// into a provider-specific call (e.g. the Anthropic Messages API) and
// classify failures so the wrapper's retry policy can act on them; see
// transport errors returned as *Error where possible, or a plain error that
// classify() can still pattern-match by message text.
type Transport interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
