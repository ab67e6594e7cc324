// Package temporal adapts engine.Engine onto a real Temporal cluster, for
// callers that need durable workflow execution across process restarts.
// The in-process inmem engine remains the default the orchestrator and its
// tests run on; this adapter is an opt-in substitute with an identical
// Engine surface.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/RealOrko/claude-looper-sub000/engine"
	"github.com/RealOrko/claude-looper-sub000/telemetry"
)

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, Dial is used to
	// construct one from ClientOptions.
	Client client.Client

	// ClientOptions configures the client New dials when Client is nil.
	ClientOptions client.Options

	// TaskQueue is the default queue used when a registration or start
	// request omits one. Required.
	TaskQueue string

	// WorkerOptions is forwarded to worker.New for every queue this
	// engine creates a worker for.
	WorkerOptions worker.Options

	// Logger emits adapter-level logs (worker lifecycle, dial errors). If
	// nil, a noop logger is used.
	Logger telemetry.Logger
}

// Engine implements engine.Engine backed by a Temporal cluster. One worker
// is created per unique task queue on first use.
type Engine struct {
	opts   Options
	client client.Client
	logger telemetry.Logger

	mu      sync.Mutex
	workers map[string]worker.Worker
	started map[string]bool
}

// New constructs a Temporal-backed Engine. When opts.Client is nil it dials
// a client from ClientOptions immediately; it starts no workers until a
// workflow or activity is registered.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal: TaskQueue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	c := opts.Client
	if c == nil {
		dialed, err := client.Dial(opts.ClientOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal: dial: %w", err)
		}
		c = dialed
	}
	return &Engine{
		opts:    opts,
		client:  c,
		logger:  logger,
		workers: make(map[string]worker.Worker),
		started: make(map[string]bool),
	}, nil
}

// Close releases the underlying Temporal client connection.
func (e *Engine) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

func (e *Engine) workerFor(queue string) worker.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if queue == "" {
		queue = e.opts.TaskQueue
	}
	w, ok := e.workers[queue]
	if !ok {
		w = worker.New(e.client, queue, e.opts.WorkerOptions)
		e.workers[queue] = w
	}
	return w
}

func (e *Engine) startWorkerFor(queue string) error {
	e.mu.Lock()
	if queue == "" {
		queue = e.opts.TaskQueue
	}
	if e.started[queue] {
		e.mu.Unlock()
		return nil
	}
	w := e.workers[queue]
	e.mu.Unlock()
	if w == nil {
		return nil
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("temporal: start worker for queue %q: %w", queue, err)
	}
	e.mu.Lock()
	e.started[queue] = true
	e.mu.Unlock()
	return nil
}

// RegisterWorkflow registers def under a dynamic wrapper that bridges
// Temporal's workflow.Context to engine.WorkflowContext.
func (e *Engine) RegisterWorkflow(ctx context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal: invalid workflow definition")
	}
	queue := def.TaskQueue
	w := e.workerFor(queue)
	handler := def.Handler
	w.RegisterWorkflowWithOptions(func(wfCtx workflow.Context, input any) (any, error) {
		return handler(newWorkflowContext(wfCtx, e.logger), input)
	}, workflow.RegisterOptions{Name: def.Name})
	return e.startWorkerFor(queue)
}

// RegisterActivity registers def under a dynamic wrapper matching
// engine.ActivityFunc's signature.
func (e *Engine) RegisterActivity(ctx context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal: invalid activity definition")
	}
	queue := def.Options.Queue
	w := e.workerFor(queue)
	handler := def.Handler
	w.RegisterActivityWithOptions(func(actCtx context.Context, input any) (any, error) {
		return handler(actCtx, input)
	}, activity.RegisterOptions{Name: def.Name})
	return e.startWorkerFor(queue)
}

// StartWorkflow starts req.Workflow on req.TaskQueue (or the engine
// default) and returns a handle bound to the resulting execution.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	queue := req.TaskQueue
	if queue == "" {
		queue = e.opts.TaskQueue
	}
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: queue,
	}, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal: start workflow %q: %w", req.Workflow, err)
	}
	return &handle{client: e.client, run: run}, nil
}

// QueryRunStatus maps a Temporal workflow execution's status onto
// engine.RunStatus.
func (e *Engine) QueryRunStatus(ctx context.Context, runID string) (engine.RunStatus, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, runID, "")
	if err != nil {
		return "", engine.ErrWorkflowNotFound
	}
	info := resp.GetWorkflowExecutionInfo()
	if info == nil {
		return "", engine.ErrWorkflowNotFound
	}
	switch info.GetStatus().String() {
	case "WORKFLOW_EXECUTION_STATUS_COMPLETED":
		return engine.RunStatusCompleted, nil
	case "WORKFLOW_EXECUTION_STATUS_FAILED", "WORKFLOW_EXECUTION_STATUS_TERMINATED", "WORKFLOW_EXECUTION_STATUS_TIMED_OUT":
		return engine.RunStatusFailed, nil
	case "WORKFLOW_EXECUTION_STATUS_CANCELED":
		return engine.RunStatusCanceled, nil
	default:
		return engine.RunStatusRunning, nil
	}
}

type handle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *handle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *handle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

// workflowContext adapts workflow.Context to engine.WorkflowContext.
type workflowContext struct {
	wfCtx  workflow.Context
	logger telemetry.Logger
}

func newWorkflowContext(wfCtx workflow.Context, logger telemetry.Logger) *workflowContext {
	return &workflowContext{wfCtx: wfCtx, logger: logger}
}

func (w *workflowContext) Context() context.Context { return context.Background() }
func (w *workflowContext) WorkflowID() string        { return workflow.GetInfo(w.wfCtx).WorkflowExecution.ID }
func (w *workflowContext) RunID() string             { return workflow.GetInfo(w.wfCtx).WorkflowExecution.RunID }
func (w *workflowContext) Logger() telemetry.Logger   { return w.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return telemetry.NewNoopMetrics() }
func (w *workflowContext) Tracer() telemetry.Tracer   { return telemetry.NewNoopTracer() }
func (w *workflowContext) Now() time.Time             { return workflow.Now(w.wfCtx) }

func (w *workflowContext) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (w *workflowContext) ExecuteActivityAsync(ctx context.Context, req engine.ActivityRequest) (engine.Future, error) {
	ao := workflow.ActivityOptions{
		TaskQueue:           req.Queue,
		StartToCloseTimeout: req.Timeout,
	}
	if ao.StartToCloseTimeout == 0 {
		ao.StartToCloseTimeout = time.Minute
	}
	actCtx := workflow.WithActivityOptions(w.wfCtx, ao)
	f := workflow.ExecuteActivity(actCtx, req.Name, req.Input)
	return &future{wfCtx: actCtx, f: f}, nil
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return &signalChan{wfCtx: w.wfCtx, ch: workflow.GetSignalChannel(w.wfCtx, name)}
}

type future struct {
	wfCtx workflow.Context
	f     workflow.Future
}

// Get ignores ctx: Temporal futures resolve against the workflow.Context
// they were created under, which carries its own cancellation/deadline
// semantics propagated from the workflow execution itself.
func (fu *future) Get(ctx context.Context, result any) error {
	return fu.f.Get(fu.wfCtx, result)
}

func (fu *future) IsReady() bool { return fu.f.IsReady() }

type signalChan struct {
	wfCtx workflow.Context
	ch    workflow.ReceiveChannel
}

func (s *signalChan) Receive(ctx context.Context, dest any) error {
	s.ch.Receive(s.wfCtx, dest)
	return nil
}

func (s *signalChan) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}
