package tester_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RealOrko/claude-looper-sub000/coder"
	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/llmclient"
	"github.com/RealOrko/claude-looper-sub000/tester"
)

type fakeProbe struct {
	files    map[string]bool
	contains map[string]string
}

func (f fakeProbe) Exists(path string) bool { return f.files[path] }

func (f fakeProbe) Contains(path, substr string) bool {
	content, ok := f.contains[path]
	if !ok {
		return false
	}
	return contains(content, substr)
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

type fakeRunner struct {
	output   string
	exitCode int
	timedOut bool
	err      error
}

func (f fakeRunner) Run(ctx context.Context, dir string, cmd tester.ProjectCommand) (string, int, bool, error) {
	return f.output, f.exitCode, f.timedOut, f.err
}

type scriptedTransport struct{ responses []string }

func (t *scriptedTransport) Complete(ctx context.Context, req llmclient.Request) (llmclient.Response, error) {
	if len(t.responses) == 0 {
		return llmclient.Response{Text: ""}, nil
	}
	resp := t.responses[0]
	t.responses = t.responses[1:]
	return llmclient.Response{Text: resp}, nil
}

func newTester(runner tester.CommandRunner, responses ...string) *tester.Tester {
	tr := &scriptedTransport{responses: responses}
	return tester.New(llmclient.New(tr), nil, tester.WithCommandRunner(runner), tester.WithWorkingDir("."))
}

func TestDetectCommandsFindsGoModule(t *testing.T) {
	probe := fakeProbe{files: map[string]bool{"go.mod": true}}
	cmds := tester.DetectCommands(probe)
	require.Len(t, cmds, 1)
	require.Equal(t, "go", cmds[0].Name)
}

func TestDetectCommandsFindsMultipleProjectTypes(t *testing.T) {
	probe := fakeProbe{
		files:    map[string]bool{"go.mod": true, "package.json": true},
		contains: map[string]string{"package.json": `{"scripts": {"test": "jest"}}`},
	}
	cmds := tester.DetectCommands(probe)
	require.Len(t, cmds, 2)
}

func TestRunTestsPassesWhenCommandSucceeds(t *testing.T) {
	runner := fakeRunner{output: "PASS\nok  	example.com/pkg	0.002s", exitCode: 0}
	tt := newTester(runner)
	probe := fakeProbe{files: map[string]bool{"go.mod": true}}

	step := domain.NewPlanStep("s1", 1, "implement the thing", domain.ComplexitySimple, 0)
	out := &coder.CodeOutput{Files: []coder.File{{Path: "main.go", Content: "package main"}}, Tests: []string{"main_test.go"}}

	result, err := tt.RunTests(context.Background(), step, out, probe, false)
	require.NoError(t, err)
	require.True(t, result.Passed)
	require.Nil(t, result.FixPlan)
}

func TestRunTestsFailsAndBuildsFixPlanOnFailure(t *testing.T) {
	runner := fakeRunner{output: "--- FAIL: TestAdd (0.00s)\n    add_test.go:10: expected 4 got 5", exitCode: 1}
	tt := newTester(runner)
	probe := fakeProbe{files: map[string]bool{"go.mod": true}}

	step := domain.NewPlanStep("s1", 1, "implement add", domain.ComplexitySimple, 0)
	out := &coder.CodeOutput{Files: []coder.File{{Path: "add.go", Content: "package main"}}}

	result, err := tt.RunTests(context.Background(), step, out, probe, false)
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.NotEmpty(t, result.Issues)
	require.NotNil(t, result.FixPlan)
	require.Equal(t, domain.FixPriorityHigh, result.FixPlan.Priority)
}

func TestRunTestsTimeoutRaisesCriticalIssue(t *testing.T) {
	runner := fakeRunner{timedOut: true}
	tt := newTester(runner)
	probe := fakeProbe{files: map[string]bool{"go.mod": true}}

	step := domain.NewPlanStep("s1", 1, "slow step", domain.ComplexitySimple, 0)
	out := &coder.CodeOutput{Files: []coder.File{{Path: "slow.go", Content: "package main"}}}

	result, err := tt.RunTests(context.Background(), step, out, probe, false)
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.Equal(t, domain.SeverityCritical, result.Issues[0].Severity)
}

func TestRunTestsDetectsEdgeCaseKeywords(t *testing.T) {
	runner := fakeRunner{output: "ok", exitCode: 0}
	tt := newTester(runner)
	probe := fakeProbe{files: map[string]bool{"go.mod": true}}

	step := domain.NewPlanStep("s1", 1, "implement lookup", domain.ComplexitySimple, 0)
	out := &coder.CodeOutput{
		Files: []coder.File{{Path: "lookup.go", Content: "func Lookup(items []int) int { if items == nil { return 0 }; return items[0] }"}},
		Tests: []string{"lookup_test.go"},
	}

	result, err := tt.RunTests(context.Background(), step, out, probe, false)
	require.NoError(t, err)
	found := false
	for _, iss := range result.Issues {
		if iss.Category == domain.CategoryEdgeCase {
			found = true
		}
	}
	require.True(t, found)
}

func TestFixCycleTracksAttemptsAcrossRetries(t *testing.T) {
	failing := fakeRunner{output: "--- FAIL: TestX", exitCode: 1}
	tt := newTester(failing)
	probe := fakeProbe{files: map[string]bool{"go.mod": true}}

	step := domain.NewPlanStep("s1", 1, "implement x", domain.ComplexitySimple, 0)
	out := &coder.CodeOutput{Files: []coder.File{{Path: "x.go", Content: "package main"}}}

	_, err := tt.RunTests(context.Background(), step, out, probe, false)
	require.NoError(t, err)
	require.Equal(t, 0, tt.FixCycleAttempts("s1"))

	_, err = tt.RunTests(context.Background(), step, out, probe, true)
	require.NoError(t, err)
	require.Equal(t, 1, tt.FixCycleAttempts("s1"))
}

func TestRunTestsMergesExploratoryIssues(t *testing.T) {
	runner := fakeRunner{output: "ok", exitCode: 0}
	tt := newTester(runner, "[MAJOR] SECURITY: unescaped user input in query\nSUGGESTION: add input validation")
	probe := fakeProbe{files: map[string]bool{"go.mod": true}}

	step := domain.NewPlanStep("s1", 1, "implement query", domain.ComplexitySimple, 0)
	out := &coder.CodeOutput{Files: []coder.File{{Path: "query.go", Content: "package main"}}, Tests: []string{"query_test.go"}, Summary: "queries the database"}

	result, err := tt.RunTests(context.Background(), step, out, probe, false)
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.Contains(t, result.Suggestions, "add input validation")
	found := false
	for _, iss := range result.Issues {
		if iss.Category == domain.CategorySecurity && iss.Severity == domain.SeverityMajor {
			found = true
		}
	}
	require.True(t, found)
}
