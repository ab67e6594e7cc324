// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// llmclient.Transport interface.
package anthropic

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/RealOrko/claude-looper-sub000/llmclient"
)

const defaultMaxTokens = 4096

// Transport implements llmclient.Transport against the Anthropic Messages
// API.
type Transport struct {
	client    anthropic.Client
	maxTokens int64
}

// New constructs a Transport. apiKey is required; baseURL and timeout are
// optional overrides (empty/zero use the SDK's defaults).
func New(apiKey, baseURL string, timeout time.Duration) *Transport {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &Transport{client: anthropic.NewClient(opts...), maxTokens: defaultMaxTokens}
}

// Complete implements llmclient.Transport.
func (t *Transport) Complete(ctx context.Context, req llmclient.Request) (llmclient.Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: t.maxTokens,
	}

	system := req.SystemPrompt
	if req.AppendSystemPrompt != "" {
		if system != "" {
			system += "\n\n" + req.AppendSystemPrompt
		} else {
			system = req.AppendSystemPrompt
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	params.Messages = msgs

	resp, err := t.client.Messages.New(ctx, params)
	if err != nil {
		return llmclient.Response{}, err
	}

	out := llmclient.Response{
		TokensIn:  int(resp.Usage.InputTokens),
		TokensOut: int(resp.Usage.OutputTokens),
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.Text += block.Text
		}
	}

	if req.JSONSchema != nil && out.Text != "" {
		var structured map[string]any
		if json.Unmarshal([]byte(out.Text), &structured) == nil {
			out.StructuredOutput = structured
		}
	}

	return out, nil
}

var _ llmclient.Transport = (*Transport)(nil)
