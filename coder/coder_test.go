package coder_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RealOrko/claude-looper-sub000/coder"
	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/llmclient"
)

type scriptedTransport struct{ responses []string }

func (t *scriptedTransport) Complete(ctx context.Context, req llmclient.Request) (llmclient.Response, error) {
	if len(t.responses) == 0 {
		return llmclient.Response{Text: "### Status COMPLETE"}, nil
	}
	resp := t.responses[0]
	t.responses = t.responses[1:]
	return llmclient.Response{Text: resp}, nil
}

func newCoder(responses ...string) *coder.Coder {
	tr := &scriptedTransport{responses: responses}
	return coder.New(llmclient.New(tr), nil)
}

const sampleCodeResponse = "### Summary\n" +
	"Implemented the todo list endpoint with create and list handlers.\n" +
	"### Files Modified\n" +
	"`main.go`\n" +
	"```go\n" +
	"package main\n" +
	"func main() {}\n" +
	"```\n" +
	"### Tests Created\n" +
	"`main_test.go`\n" +
	"### Commands Run\n" +
	"```bash\n" +
	"$ go test ./...\n" +
	"```\n" +
	"### Status COMPLETE\n"

func TestParseCodeOutputExtractsFilesSummaryTestsAndCommands(t *testing.T) {
	out := coder.ParseCodeOutput(sampleCodeResponse)
	require.False(t, out.Blocked)
	require.Contains(t, out.Summary, "todo list endpoint")
	require.Len(t, out.Files, 1)
	require.Equal(t, "main.go", out.Files[0].Path)
	require.Equal(t, coder.FileModified, out.Files[0].Action)
	require.Contains(t, out.Files[0].Content, "func main")
	require.True(t, out.TestCoverage.HasTests)
	require.NotEmpty(t, out.Commands)
}

func TestParseCodeOutputMarksFilesCreatedFromSectionHeader(t *testing.T) {
	response := "### Summary\n" +
		"Added a brand new handler.\n" +
		"### Files Created\n" +
		"`handler.go`\n" +
		"```go\n" +
		"package main\n" +
		"```\n" +
		"### Status COMPLETE\n"

	out := coder.ParseCodeOutput(response)
	require.Len(t, out.Files, 1)
	require.Equal(t, coder.FileCreated, out.Files[0].Action)
}

func TestParseCodeOutputMarksFileDeletedFromMarkerOrEmptyFence(t *testing.T) {
	response := "### Summary\n" +
		"Removed a dead handler and an unused constant file.\n" +
		"### Files Modified\n" +
		"`old_handler.go` (deleted)\n" +
		"```go\n" +
		"```\n" +
		"`constants.go`\n" +
		"```go\n" +
		"\n" +
		"```\n" +
		"### Status COMPLETE\n"

	out := coder.ParseCodeOutput(response)
	require.Len(t, out.Files, 2)
	require.Equal(t, "old_handler.go", out.Files[0].Path)
	require.Equal(t, coder.FileDeleted, out.Files[0].Action)
	require.Equal(t, "constants.go", out.Files[1].Path)
	require.Equal(t, coder.FileDeleted, out.Files[1].Action)
}

func TestParseCodeOutputDetectsBlockedSentinel(t *testing.T) {
	out := coder.ParseCodeOutput("STEP BLOCKED: missing dependency on payment gateway")
	require.True(t, out.Blocked)
	require.Equal(t, "missing dependency on payment gateway", out.BlockReason)
}

func TestMeetsMinimumQualityRequiresFilesAndTests(t *testing.T) {
	out := coder.ParseCodeOutput(sampleCodeResponse)
	require.True(t, out.MeetsMinimumQuality(true))

	noFiles := &coder.CodeOutput{}
	require.False(t, noFiles.MeetsMinimumQuality(true))
}

func TestImplementUsesExistingSessionWhenPresent(t *testing.T) {
	c := newCoder(sampleCodeResponse, "### Status COMPLETE\n### Summary\nsecond call\n### Files Modified\n`a.go`\n```go\npackage a\n```\n### Tests Created\n`a_test.go`\n")
	step := domain.NewPlanStep("s1", 1, "Implement the todo API", domain.ComplexityMedium, 0)

	first, err := c.Implement(context.Background(), step, "")
	require.NoError(t, err)
	require.False(t, first.Blocked)

	second, err := c.Implement(context.Background(), step, "")
	require.NoError(t, err)
	require.Contains(t, second.Summary, "second call")
}

func TestApplyFixRaisesSubPlanAfterMaxAttempts(t *testing.T) {
	c := newCoder(
		sampleCodeResponse,
		"### Status COMPLETE\n### Summary\nfix 1\n### Files Modified\n`a.go`\n```go\npackage a\n```\n",
		"### Status COMPLETE\n### Summary\nfix 2\n### Files Modified\n`a.go`\n```go\npackage a\n```\n",
		"### Status COMPLETE\n### Summary\nfix 3\n### Files Modified\n`a.go`\n```go\npackage a\n```\n",
	)
	step := domain.NewPlanStep("s1", 1, "Implement the todo API", domain.ComplexityMedium, 0)

	_, err := c.Implement(context.Background(), step, "")
	require.NoError(t, err)

	fixPlan := domain.NewDetailedFixPlan("f1", "t1", []domain.Issue{{Severity: domain.SeverityMajor, Category: domain.CategoryLogicError, Description: "bug"}}, nil, "try again", nil)

	var last *coder.CodeOutput
	for i := 0; i < 3; i++ {
		last, err = c.ApplyFix(context.Background(), step, fixPlan)
		require.NoError(t, err)
	}
	require.True(t, last.RequiresSubPlan)
}

func TestRequestTestsForImplementationSkipsWhenTestsPresent(t *testing.T) {
	c := newCoder()
	out := coder.ParseCodeOutput(sampleCodeResponse)
	step := domain.NewPlanStep("s1", 1, "step", domain.ComplexitySimple, 0)

	result, err := c.RequestTestsForImplementation(context.Background(), step, out, true)
	require.NoError(t, err)
	require.Same(t, out, result)
}
