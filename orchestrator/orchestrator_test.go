package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RealOrko/claude-looper-sub000/bus"
	"github.com/RealOrko/claude-looper-sub000/coder"
	"github.com/RealOrko/claude-looper-sub000/config"
	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/engine/inmem"
	"github.com/RealOrko/claude-looper-sub000/llmclient"
	"github.com/RealOrko/claude-looper-sub000/orchestrator"
	"github.com/RealOrko/claude-looper-sub000/planner"
	"github.com/RealOrko/claude-looper-sub000/supervisor"
	"github.com/RealOrko/claude-looper-sub000/tester"
)

type scriptedTransport struct {
	responses []string
	fallback  string
}

func (t *scriptedTransport) Complete(ctx context.Context, req llmclient.Request) (llmclient.Response, error) {
	if len(t.responses) == 0 {
		return llmclient.Response{Text: t.fallback}, nil
	}
	resp := t.responses[0]
	t.responses = t.responses[1:]
	return llmclient.Response{Text: resp}, nil
}

type fakeRunner struct {
	exitCode int
	output   string
}

func (f fakeRunner) Run(ctx context.Context, dir string, cmd tester.ProjectCommand) (string, int, bool, error) {
	return f.output, f.exitCode, false, nil
}

type emptyProbe struct{}

func (emptyProbe) Exists(string) bool           { return false }
func (emptyProbe) Contains(string, string) bool { return false }

// goModuleProbe reports a Go project exists, so DetectCommands surfaces a
// runnable "go test ./..." command for the CommandRunner to exercise.
type goModuleProbe struct{}

func (goModuleProbe) Exists(path string) bool      { return path == "go.mod" }
func (goModuleProbe) Contains(string, string) bool { return false }

const planResponse = "ANALYSIS: Implement the requested feature end to end.\n" +
	"PLAN:\n1. Implement the feature | simple\nDEPENDENCIES:\nRISKS:\nTOTAL_STEPS: 1"

const codeResponseWithTests = "### Summary\n" +
	"Implemented the feature handler.\n" +
	"### Files Modified\n" +
	"`main.go`\n" +
	"```go\n" +
	"package main\n" +
	"func main() {}\n" +
	"```\n" +
	"### Tests Created\n" +
	"`main_test.go`\n" +
	"### Status COMPLETE\n"

const codeResponseNoTests = "### Summary\n" +
	"Implemented the feature handler without tests.\n" +
	"### Files Modified\n" +
	"`main.go`\n" +
	"```go\n" +
	"package main\n" +
	"func main() {}\n" +
	"```\n" +
	"### Status COMPLETE\n"

const supervisorAlwaysPasses = "SCORE: 90\nVERIFIED: YES\nGOAL_ACHIEVED: YES\nCOMPLETENESS: 100\nRECOMMENDATION: continue\nREASON: looks good"

// testHarness wires one Orchestrator against fully scripted workers sharing
// one bus, mirroring spec §5's architecture.
type testHarness struct {
	Bus        *bus.Bus
	Orch       *orchestrator.Orchestrator
	Supervisor *supervisor.Supervisor
	clockStep  time.Duration
	t0         time.Time
}

func newHarness(t *testing.T, cfg config.Config, planResp, codeResp, testerResp, supervisorResp string, runner tester.CommandRunner) *testHarness {
	t.Helper()
	return newHarnessFromTransports(t, cfg,
		&scriptedTransport{fallback: planResp},
		&scriptedTransport{fallback: codeResp},
		&scriptedTransport{fallback: testerResp},
		&scriptedTransport{fallback: supervisorResp},
		runner,
	)
}

func newHarnessFromTransports(t *testing.T, cfg config.Config, planTr, codeTr, testerTr, supervisorTr llmclient.Transport, runner tester.CommandRunner) *testHarness {
	t.Helper()
	b := bus.New(nil)

	p := planner.New(llmclient.New(planTr), nil)
	c := coder.New(llmclient.New(codeTr), nil)
	te := tester.New(llmclient.New(testerTr), nil, tester.WithCommandRunner(runner), tester.WithWorkingDir("."))
	sv := supervisor.New(llmclient.New(supervisorTr), nil, supervisor.WithThresholds(cfg.SupervisorOptions()), supervisor.WithQualityThresholds(cfg.QualityOptions()))

	b.Register(domain.RolePlanner, p)
	b.Register(domain.RoleCoder, c)
	b.Register(domain.RoleTester, te)
	b.Register(domain.RoleSupervisor, sv)

	h := &testHarness{Bus: b, Supervisor: sv, t0: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	now := h.t0
	clock := func() time.Time {
		now = now.Add(h.clockStep)
		return now
	}
	o := orchestrator.New(b, p, c, te, sv, cfg, nil, orchestrator.WithClock(clock), orchestrator.WithSleep(func(time.Duration) {}))
	o.Probe = emptyProbe{}
	h.Orch = o
	return h
}

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.RequirePrePlanReview = true
	cfg.EnableProgressChecks = false
	return cfg
}

// S1: happy path — plan with one step, code passes review, tests pass,
// goal verified.
func TestHappyPathCompletesGoal(t *testing.T) {
	h := newHarness(t, fastConfig(), planResponse, codeResponseWithTests, "", supervisorAlwaysPasses, fakeRunner{exitCode: 0})
	h.Orch.Initialize("build a widget")

	report := h.Orch.Run(context.Background())

	require.Equal(t, domain.RunCompleted, report.Status)
	require.Equal(t, 1, report.Metrics.CompletedSteps)
	require.Equal(t, 0, report.Metrics.FailedSteps)
}

// S2: the first test run fails, a fix cycle succeeds, the step completes.
func TestFixCycleRecoversFailingStep(t *testing.T) {
	// First test run fails (exit 1), the retry after the fix cycle passes.
	runner := &sequencedRunner{results: []fakeRunResult{{exitCode: 1, output: "--- FAIL: TestThing"}, {exitCode: 0}}}
	h := newHarness(t, fastConfig(), planResponse, codeResponseWithTests, "", supervisorAlwaysPasses, runner)
	h.Orch.Probe = goModuleProbe{}
	h.Orch.Initialize("build a widget with a flaky test")

	report := h.Orch.Run(context.Background())

	require.Equal(t, domain.RunCompleted, report.Status)
	require.GreaterOrEqual(t, report.Metrics.FixCycles, 1)
}

type fakeRunResult struct {
	exitCode int
	output   string
}

type sequencedRunner struct {
	results []fakeRunResult
	i       int
}

func (r *sequencedRunner) Run(ctx context.Context, dir string, cmd tester.ProjectCommand) (string, int, bool, error) {
	if r.i >= len(r.results) {
		return "", 0, false, nil
	}
	res := r.results[r.i]
	r.i++
	return res.output, res.exitCode, false, nil
}

// fillsMissingTestsCoder returns a two-response transport: the first reply
// has no tests (triggering RequestTestsForImplementation's follow-up call),
// the second supplies the tests.
func fillsMissingTestsCoder() llmclient.Transport {
	return &scriptedTransport{responses: []string{codeResponseNoTests}, fallback: "### Tests Created\n`main_test.go`\n"}
}

// Exercises the coder-output-has-no-tests branch of runStep: RequireTests
// triggers a follow-up ContinueSession call that fills in a test list
// before the step proceeds to the test worker.
func TestMissingTestsAreFilledInBeforeTesting(t *testing.T) {
	cfg := fastConfig()
	h := newHarnessFromTransports(t, cfg,
		&scriptedTransport{fallback: planResponse},
		fillsMissingTestsCoder(),
		&scriptedTransport{fallback: ""},
		&scriptedTransport{fallback: supervisorAlwaysPasses},
		fakeRunner{exitCode: 0},
	)
	h.Orch.Initialize("build a widget with no tests yet")

	report := h.Orch.Run(context.Background())

	require.Equal(t, domain.RunCompleted, report.Status)
	require.Equal(t, 1, report.Metrics.CompletedSteps)
}

// S5: the time budget runs out, firing time_expired and ending the run
// with status time_expired.
func TestTimeBudgetExpiryStopsExecution(t *testing.T) {
	cfg := fastConfig()
	cfg.TimeLimit = 500 * time.Millisecond

	// A two-step plan; with the clock below, the budget check at the top of
	// the execution loop already finds the budget spent before step 1 runs.
	twoStepPlan := "ANALYSIS: two step goal\nPLAN:\n1. First step | simple\n2. Second step | simple\nDEPENDENCIES:\nRISKS:\nTOTAL_STEPS: 2"

	h := newHarness(t, cfg, twoStepPlan, codeResponseWithTests, "", supervisorAlwaysPasses, fakeRunner{exitCode: 0})
	h.clockStep = 1 * time.Second // each now() call advances past the 500ms budget quickly
	h.Orch.Initialize("goal with a tight deadline")

	report := h.Orch.Run(context.Background())

	require.Equal(t, domain.RunTimeExpired, report.Status)
	require.True(t, report.TimeBudget.Expired)
}

// A quality-gate rejection on STEP verification marks the step failed even
// though its own tests passed: code/tests can pass while the gate still
// rejects the work. The failed step is then retried in place.
func TestStepGateRejectionFailsStepDespitePassingTests(t *testing.T) {
	cfg := fastConfig()

	// PLAN_PRE passes, CODE gate passes, STEP gate fails (score below the
	// step_completion threshold of 70). Every later supervisor call gets the
	// passing fallback, so the retried step and GOAL verification pass.
	responses := []string{
		supervisorAlwaysPasses,                                                                      // PLAN_PRE
		supervisorAlwaysPasses,                                                                      // CODE gate
		"SCORE: 40\nVERIFIED: NO\nGOAL_ACHIEVED: NO\nCOMPLETENESS: 10\nRECOMMENDATION: correct\nREASON: insufficient coverage", // STEP gate: rejected
	}
	b := bus.New(nil)
	p := planner.New(llmclient.New(&scriptedTransport{fallback: planResponse}), nil)
	c := coder.New(llmclient.New(&scriptedTransport{fallback: codeResponseWithTests}), nil)
	te := tester.New(llmclient.New(&scriptedTransport{fallback: ""}), nil, tester.WithCommandRunner(fakeRunner{exitCode: 0}), tester.WithWorkingDir("."))
	sv := supervisor.New(llmclient.New(&scriptedTransport{responses: responses, fallback: supervisorAlwaysPasses}), nil, supervisor.WithThresholds(cfg.SupervisorOptions()), supervisor.WithQualityThresholds(cfg.QualityOptions()))

	b.Register(domain.RolePlanner, p)
	b.Register(domain.RoleCoder, c)
	b.Register(domain.RoleTester, te)
	b.Register(domain.RoleSupervisor, sv)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { now = now.Add(time.Millisecond); return now }
	o := orchestrator.New(b, p, c, te, sv, cfg, nil, orchestrator.WithClock(clock), orchestrator.WithSleep(func(time.Duration) {}))
	o.Probe = emptyProbe{}
	o.Initialize("goal the supervisor keeps rejecting")

	report := o.Run(context.Background())

	// The rejection fails the step's first attempt; the retry passes the
	// gate, so the run settles with the step counted.
	require.GreaterOrEqual(t, report.Metrics.FailedSteps+report.Metrics.CompletedSteps, 1)
	rejected := false
	for _, ev := range report.RecentEvents {
		if ev.Name == "step_verification_failed" {
			rejected = true
		}
	}
	require.True(t, rejected)
}

func TestReportIncludesBusAndBudgetSnapshots(t *testing.T) {
	h := newHarness(t, fastConfig(), planResponse, codeResponseWithTests, "", supervisorAlwaysPasses, fakeRunner{exitCode: 0})
	h.Orch.Initialize("build a widget")

	report := h.Orch.Run(context.Background())

	require.NotNil(t, report.AgentStats)
	require.Contains(t, report.AgentStats, domain.RolePlanner)
	require.GreaterOrEqual(t, report.MessageBusStats.HistorySize, 1)
	require.False(t, report.TimeBudget.Expired)
}

// Exercises the engine-backed run path: the orchestrator's run executes as
// a workflow/activity pair on the in-memory engine rather than via a direct
// o.Run(ctx) call, and still produces the same completed report.
func TestRunOnEngineDrivesRunToCompletion(t *testing.T) {
	h := newHarness(t, fastConfig(), planResponse, codeResponseWithTests, "", supervisorAlwaysPasses, fakeRunner{exitCode: 0})
	h.Orch.Initialize("build a widget via the engine")

	eng := inmem.New(nil)
	require.NoError(t, orchestrator.RegisterWithEngine(context.Background(), eng))

	report, err := orchestrator.RunOnEngine(context.Background(), eng, h.Orch)

	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, report.Status)
	require.Equal(t, 1, report.Metrics.CompletedSteps)
}

func TestStopAbortsMidRun(t *testing.T) {
	h := newHarness(t, fastConfig(), planResponse, codeResponseWithTests, "", supervisorAlwaysPasses, fakeRunner{exitCode: 0})
	h.Orch.Initialize("a goal we will cancel")
	h.Orch.Stop()

	report := h.Orch.Run(context.Background())

	require.Equal(t, domain.RunAborted, report.Status)
}
