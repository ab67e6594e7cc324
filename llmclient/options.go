package llmclient

import "time"

// OutputFormat constrains how the model is asked to shape its response.
type OutputFormat string

const (
	OutputFormatJSON OutputFormat = "json"
	OutputFormatText OutputFormat = "text"
)

// Options is the closed, enumerated configuration record for a single call
// (§4.2, §6). Loose/dynamic option bags from the original are fixed here as
// named fields.
type Options struct {
	Model              string
	FallbackModel      string
	Timeout            time.Duration
	MaxTurns           int
	Tools              []string
	AllowedTools       []string
	DisallowedTools    []string
	SystemPrompt       string
	AppendSystemPrompt string
	JSONSchema         map[string]any
	OutputFormat       OutputFormat
	NewSession         bool
	SkipPermissions    bool

	// RetryUnknown opts an individual call into retrying UNKNOWN-classified
	// errors, overriding the client-wide default of not retrying them.
	RetryUnknown bool
}

// Result is the normalized response shape every call variant returns.
type Result struct {
	Response         string
	SessionID        string
	CostUSD          float64
	Duration         time.Duration
	TokensIn         int
	TokensOut        int
	ToolCalls        []ToolCall
	StructuredOutput map[string]any
}

// ToolCall records one tool invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Callbacks are invoked at well-defined points in a call's lifecycle. Every
// callback's own panics/errors are swallowed: a misbehaving callback must
// never break an LLM call (§4.2).
type Callbacks struct {
	OnStart    func(agentName string, opts Options)
	OnComplete func(agentName string, result Result)
	OnError    func(agentName string, err error)
	OnRetry    func(agentName string, attempt int, err error)
	OnFallback func(agentName string, fromModel, toModel string)
	OnStdout   func(agentName string, line string)
	OnStderr   func(agentName string, line string)
}

func (c Callbacks) fire(f func()) {
	if f == nil {
		return
	}
	defer func() { _ = recover() }()
	f()
}
