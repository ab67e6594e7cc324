// Package llmclient wraps a model Transport with the retry/backoff, error
// classification, fallback-model substitution, per-agent session table, and
// metrics the orchestrator's workers depend on (§4.2). Workers never talk to
// a Transport directly.
package llmclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/RealOrko/claude-looper-sub000/telemetry"
)

const (
	// DefaultMaxRetries is the default retry ceiling (§4.2).
	DefaultMaxRetries = 3
	// FallbackAfterRetries is how many retries elapse before a configured
	// fallback model is substituted into subsequent attempts (§4.2).
	FallbackAfterRetries = 2
	defaultBaseDelay     = 500 * time.Millisecond
)

// Client is the retrying, session-aware, metered LLM call wrapper.
type Client struct {
	transport  Transport
	logger     telemetry.Logger
	metrics    *metricsTracker
	sessions   *sessionTable
	breaker    *gobreaker.CircuitBreaker[Response]
	baseDelay  time.Duration
	maxRetries int
	limiter    *AdaptiveRateLimiter
}

// ClientOption configures optional Client behavior beyond its constructor
// defaults (functional options, matching the pack's executor-configuration
// pattern).
type ClientOption func(*Client)

// WithBaseDelay overrides the default base retry delay.
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.baseDelay = d }
}

// WithMaxRetries overrides the default maximum retry count.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger overrides the noop logger.
func WithLogger(l telemetry.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRateLimit enables adaptive tokens-per-minute rate limiting ahead of
// every transport call, starting at initialTPM and growing back up to maxTPM
// after calls that don't hit the provider's own rate limit (see
// AdaptiveRateLimiter). Disabled by default: callers that don't opt in pay no
// limiter overhead and see no call-shape change.
func WithRateLimit(initialTPM, maxTPM float64) ClientOption {
	return func(c *Client) { c.limiter = NewAdaptiveRateLimiter(initialTPM, maxTPM) }
}

// New constructs a Client around transport.
func New(transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport:  transport,
		logger:     telemetry.NewNoopLogger(),
		metrics:    newMetricsTracker(),
		sessions:   newSessionTable(),
		baseDelay:  defaultBaseDelay,
		maxRetries: DefaultMaxRetries,
	}
	for _, o := range opts {
		o(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
		Name:        "llm-transport",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// Metrics returns a deep copy of the client's accumulated call metrics.
func (c *Client) Metrics() CallMetrics { return c.metrics.snapshot() }

// SendPrompt issues a single stateless call: no session is read or written.
func (c *Client) SendPrompt(ctx context.Context, agentName, prompt string, opts Options, cb Callbacks) (Result, error) {
	req := Request{
		Model:              firstNonEmpty(opts.Model, "claude-sonnet-4-6"),
		SystemPrompt:       opts.SystemPrompt,
		AppendSystemPrompt: opts.AppendSystemPrompt,
		Messages:           []Message{{Role: "user", Content: prompt}},
		MaxTurns:           opts.MaxTurns,
		JSONSchema:         opts.JSONSchema,
		OutputFormat:       opts.OutputFormat,
		Tools:              opts.Tools,
		AllowedTools:       opts.AllowedTools,
		DisallowedTools:    opts.DisallowedTools,
		SkipPermissions:    opts.SkipPermissions,
	}
	res, err := c.call(ctx, agentName, req, opts, cb)
	if err == nil {
		res.SessionID = uuid.NewString()
	}
	return res, err
}

// StartSession opens a new session for agentName, replacing any existing
// entry, and stores the minted session ID in the session table.
func (c *Client) StartSession(ctx context.Context, agentName, systemContext, prompt string, opts Options, cb Callbacks) (Result, error) {
	req := Request{
		Model:              firstNonEmpty(opts.Model, "claude-sonnet-4-6"),
		SystemPrompt:       firstNonEmpty(opts.SystemPrompt, systemContext),
		AppendSystemPrompt: opts.AppendSystemPrompt,
		Messages:           []Message{{Role: "user", Content: prompt}},
		MaxTurns:           opts.MaxTurns,
		JSONSchema:         opts.JSONSchema,
		OutputFormat:       opts.OutputFormat,
		Tools:              opts.Tools,
		AllowedTools:       opts.AllowedTools,
		DisallowedTools:    opts.DisallowedTools,
		SkipPermissions:    opts.SkipPermissions,
	}
	res, err := c.call(ctx, agentName, req, opts, cb)
	if err != nil {
		return res, err
	}
	sessID := uuid.NewString()
	res.SessionID = sessID
	c.sessions.set(agentName, &session{
		id: sessID,
		messages: []Message{
			req.Messages[0],
			{Role: "assistant", Content: res.Response},
		},
	})
	return res, nil
}

// ContinueSession resumes agentName's existing session, failing with
// ErrNoSession if none exists (§4.2).
func (c *Client) ContinueSession(ctx context.Context, agentName, prompt string, opts Options, cb Callbacks) (Result, error) {
	if opts.NewSession {
		return c.StartSession(ctx, agentName, opts.SystemPrompt, prompt, opts, cb)
	}
	sess, ok := c.sessions.get(agentName)
	if !ok {
		return Result{}, ErrNoSession
	}
	req := Request{
		Model:              firstNonEmpty(opts.Model, "claude-sonnet-4-6"),
		SystemPrompt:       opts.SystemPrompt,
		AppendSystemPrompt: opts.AppendSystemPrompt,
		Messages:           append(append([]Message{}, sess.messages...), Message{Role: "user", Content: prompt}),
		MaxTurns:           opts.MaxTurns,
		JSONSchema:         opts.JSONSchema,
		OutputFormat:       opts.OutputFormat,
		Tools:              opts.Tools,
		AllowedTools:       opts.AllowedTools,
		DisallowedTools:    opts.DisallowedTools,
		SkipPermissions:    opts.SkipPermissions,
	}
	res, err := c.call(ctx, agentName, req, opts, cb)
	if err != nil {
		return res, err
	}
	res.SessionID = sess.id
	sess.messages = append(sess.messages, Message{Role: "user", Content: prompt}, Message{Role: "assistant", Content: res.Response})
	return res, nil
}

// call runs the retry/backoff/fallback loop around one Transport.Complete
// invocation (§4.2 "Retry policy").
func (c *Client) call(ctx context.Context, agentName string, req Request, opts Options, cb Callbacks) (Result, error) {
	cb.fire(func() { cb.OnStart(agentName, opts) })

	if err := validateJSONSchema(opts.JSONSchema); err != nil {
		wrapped := newError(ErrorKindPermanent, req.Model, "sendPrompt", err)
		cb.fire(func() { cb.OnError(agentName, wrapped) })
		return Result{}, wrapped
	}

	// bo generates the increasing, jittered delay sequence between retries
	// (§4.2 "baseDelay · 2^attempt + jitter"); c.baseDelay is enforced as a
	// floor beneath whatever the generator returns.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.Multiplier = 2
	bo.Reset()

	model := req.Model
	fallbackUsed := false
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req.Model = model

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, estimateTokens(req)); err != nil {
				wrapped := newError(ErrorKindTransient, model, "sendPrompt", err)
				cb.fire(func() { cb.OnError(agentName, wrapped) })
				return Result{}, wrapped
			}
		}

		resp, err := c.breaker.Execute(func() (Response, error) {
			return c.transport.Complete(ctx, req)
		})
		if err == nil {
			if c.limiter != nil {
				c.limiter.OnSuccess()
			}
			result := Result{
				Response:         resp.Text,
				CostUSD:          resp.CostUSD,
				Duration:         time.Since(start),
				TokensIn:         resp.TokensIn,
				TokensOut:        resp.TokensOut,
				ToolCalls:        resp.ToolCalls,
				StructuredOutput: resp.StructuredOutput,
			}
			c.metrics.recordCall(agentName, resp.CostUSD)
			cb.fire(func() { cb.OnComplete(agentName, result) })
			return result, nil
		}

		if c.limiter != nil && isRateLimitError(err) {
			c.limiter.OnRateLimited()
		}

		lastErr = err
		kind := classify(err, httpStatusOf(err))
		clientErr := newError(kind, model, "sendPrompt", err)

		retryable := clientErr.Retryable() || (kind == ErrorKindUnknown && opts.RetryUnknown)
		if !retryable || attempt == c.maxRetries {
			cb.fire(func() { cb.OnError(agentName, clientErr) })
			return Result{}, clientErr
		}

		c.metrics.recordRetry()
		c.logger.Warn(ctx, "llm call retrying", "agent", agentName, "attempt", attempt+1, "kind", string(kind))
		cb.fire(func() { cb.OnRetry(agentName, attempt+1, clientErr) })

		if attempt+1 >= FallbackAfterRetries && opts.FallbackModel != "" && !fallbackUsed {
			from := model
			model = opts.FallbackModel
			fallbackUsed = true
			c.metrics.recordFallback()
			cb.fire(func() { cb.OnFallback(agentName, from, model) })
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			cb.fire(func() { cb.OnError(agentName, clientErr) })
			return Result{}, clientErr
		}
		if delay < c.baseDelay {
			delay = c.baseDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{}, lastErr
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// httpStatusErr is implemented by transport errors that expose an HTTP
// status code through a StatusCode method. Errors without one, including
// those the llmclient/anthropic transport returns, are classified by their
// message text alone.
type httpStatusErr interface {
	StatusCode() int
}

func httpStatusOf(err error) int {
	if hs, ok := err.(httpStatusErr); ok {
		return hs.StatusCode()
	}
	return 0
}
