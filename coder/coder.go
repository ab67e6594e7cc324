// Package coder implements the Coder worker (spec §4.4): it implements a
// plan step or applies a fix against the step's persistent session, tracks
// per-step fix-cycle state, and parses the LLM's structured text response
// into a typed CodeOutput.
package coder

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/llmclient"
	"github.com/RealOrko/claude-looper-sub000/telemetry"
)

const (
	implementTimeout = 10 * time.Minute
	applyFixTimeout  = 5 * time.Minute
	maxFixAttempts   = 3
	maxFileContent   = 5000
	maxSummaryLen    = 500
)

// FileAction is what a CodeOutput.File entry did to a path.
type FileAction string

const (
	FileCreated  FileAction = "created"
	FileModified FileAction = "modified"
	FileDeleted  FileAction = "deleted"
)

// File is one file touched by a code generation (spec §4.4).
type File struct {
	Path    string
	Action  FileAction
	Content string
	Language string
}

// ImplementationQuality is the Coder's self-assessment of its own output
// (spec §4.4 "Quality scoring").
type ImplementationQuality struct {
	Score     int
	Issues    []string
	Strengths []string
}

// CodeOutput is the Coder's structured response to a code_request or
// code_fix_request (spec §4.4). Stored on domain.PlanStep.CodeOutput as
// `any` to avoid an import cycle; callers type-assert to *CodeOutput.
type CodeOutput struct {
	Files                []File
	Commands             []string
	Tests                []string
	Summary              string
	Blocked              bool
	BlockReason          string
	RequiresSubPlan      bool
	SubPlanReason        string
	TestCoverage         TestCoverage
	ImplementationQuality ImplementationQuality
}

// TestCoverage is the Coder's own estimate of how well its output is
// tested, distinct from the Tester's later heuristic coverage analysis.
type TestCoverage struct {
	HasTests         bool
	TestCount        int
	CoverageEstimate domain.CoverageBucket
}

// MeetsMinimumQuality reports whether out is acceptable to proceed with
// (spec §4.4): not blocked, at least one file, tests present if required,
// and a quality score of at least 50.
func (out *CodeOutput) MeetsMinimumQuality(requireTests bool) bool {
	if out.Blocked {
		return false
	}
	if len(out.Files) == 0 {
		return false
	}
	if requireTests && !out.TestCoverage.HasTests {
		return false
	}
	return out.ImplementationQuality.Score >= 50
}

// fixCycleStatus is the Coder's internal per-step fix state machine (spec
// §4.4 "State machine per step").
type fixCycleStatus string

const (
	fixNotStarted       fixCycleStatus = "NOT_STARTED"
	fixInProgress       fixCycleStatus = "IN_PROGRESS"
	fixResolved         fixCycleStatus = "RESOLVED"
	fixMaxAttemptsReached fixCycleStatus = "MAX_ATTEMPTS_REACHED"
)

type fixCycleState struct {
	attempts int
	status   fixCycleStatus
}

// Coder is the Coder worker. Construct with New.
type Coder struct {
	llm    *llmclient.Client
	logger telemetry.Logger

	mu        sync.Mutex
	fixCycles map[string]*fixCycleState // stepID -> state
}

// New constructs a Coder bound to llm.
func New(llm *llmclient.Client, logger telemetry.Logger) *Coder {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Coder{llm: llm, logger: logger, fixCycles: map[string]*fixCycleState{}}
}

// ResetSessions clears the Coder's per-goal state. The underlying
// llmclient.Client session table is shared across workers and is reset by
// its own owner (the orchestrator), not here.
func (c *Coder) ResetSessions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fixCycles = map[string]*fixCycleState{}
}

func (c *Coder) agentSessionKey(step *domain.PlanStep) string {
	return "coder:" + step.ID
}

// Implement produces a CodeOutput for step (spec §4.4 "implement"). It uses
// the step's persistent session if one already exists (a prior Implement or
// ApplyFix call on the same step), otherwise starts one.
func (c *Coder) Implement(ctx context.Context, step *domain.PlanStep, stepContext string) (*CodeOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, implementTimeout)
	defer cancel()

	agentName := c.agentSessionKey(step)
	system := coderSystemPrompt(step)
	prompt := implementPrompt(step, stepContext)

	res, err := c.llm.ContinueSession(ctx, agentName, prompt, llmclient.Options{}, llmclient.Callbacks{})
	if err != nil {
		res, err = c.llm.StartSession(ctx, agentName, system, prompt, llmclient.Options{}, llmclient.Callbacks{})
	}
	if err != nil {
		return nil, fmt.Errorf("coder: implement failed: %w", err)
	}
	return ParseCodeOutput(res.Response), nil
}

// ApplyFix re-prompts the step's session with the fix plan and instructs a
// different approach once more than one attempt has been made (spec §4.4
// "applyFix"). It advances the step's internal fix-cycle state machine.
func (c *Coder) ApplyFix(ctx context.Context, step *domain.PlanStep, fixPlan *domain.DetailedFixPlan) (*CodeOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, applyFixTimeout)
	defer cancel()

	state := c.advanceFixCycle(step.ID)

	agentName := c.agentSessionKey(step)
	prompt := applyFixPrompt(step, fixPlan, state.attempts)
	res, err := c.llm.ContinueSession(ctx, agentName, prompt, llmclient.Options{}, llmclient.Callbacks{})
	if err != nil {
		return nil, fmt.Errorf("coder: applyFix failed: %w", err)
	}

	out := ParseCodeOutput(res.Response)
	if state.attempts >= maxFixAttempts {
		c.mu.Lock()
		if stored, ok := c.fixCycles[step.ID]; ok {
			stored.status = fixMaxAttemptsReached
		}
		c.mu.Unlock()
		out.RequiresSubPlan = true
		out.SubPlanReason = fmt.Sprintf("exhausted %d fix attempts on step %d: %s", maxFixAttempts, step.Number, step.Description)
	}
	return out, nil
}

// advanceFixCycle increments and returns the per-step fix-cycle state,
// initializing it to IN_PROGRESS on first call (spec §4.4).
func (c *Coder) advanceFixCycle(stepID string) fixCycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.fixCycles[stepID]
	if !ok {
		state = &fixCycleState{status: fixNotStarted}
		c.fixCycles[stepID] = state
	}
	state.attempts++
	if state.status != fixMaxAttemptsReached {
		state.status = fixInProgress
	}
	return *state
}

// MarkFixResolved records that step's fix cycle ended in success (spec
// §4.4: "transitions to RESOLVED on pass").
func (c *Coder) MarkFixResolved(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.fixCycles[stepID]; ok {
		state.status = fixResolved
	}
}

// RequestTestsForImplementation issues a follow-up prompt demanding tests
// when requireTests is set and out has none (spec §4.4
// "requestTestsForImplementation"), merging any tests produced back into
// out.
func (c *Coder) RequestTestsForImplementation(ctx context.Context, step *domain.PlanStep, out *CodeOutput, requireTests bool) (*CodeOutput, error) {
	if !requireTests || out.TestCoverage.HasTests {
		return out, nil
	}
	agentName := c.agentSessionKey(step)
	prompt := "The previous implementation has no tests. Produce tests for it now, formatted under a `### Tests Created` section."
	res, err := c.llm.ContinueSession(ctx, agentName, prompt, llmclient.Options{}, llmclient.Callbacks{})
	if err != nil {
		return out, fmt.Errorf("coder: requestTestsForImplementation failed: %w", err)
	}
	follow := ParseCodeOutput(res.Response)
	out.Tests = append(out.Tests, follow.Tests...)
	out.TestCoverage.HasTests = len(out.Tests) > 0
	out.TestCoverage.TestCount = len(out.Tests)
	return out, nil
}

func coderSystemPrompt(step *domain.PlanStep) string {
	return fmt.Sprintf("You are the Coder agent implementing plan step %d (%s complexity) in the project's working directory. "+
		"Respond using the ### Summary / ### Files Modified / ### Tests Created / ### Commands Run / ### Status format.",
		step.Number, step.Complexity)
}

func implementPrompt(step *domain.PlanStep, stepContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement step %d: %s\n", step.Number, step.Description)
	if stepContext != "" {
		fmt.Fprintf(&b, "\nCONTEXT:\n%s\n", stepContext)
	}
	return b.String()
}

func applyFixPrompt(step *domain.PlanStep, fixPlan *domain.DetailedFixPlan, attempt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix the issues found while testing step %d: %s\n", step.Number, step.Description)
	if fixPlan != nil {
		if fixPlan.SuggestedApproach != "" {
			fmt.Fprintf(&b, "\nSuggested approach: %s\n", fixPlan.SuggestedApproach)
		}
		if len(fixPlan.AvoidApproaches) > 0 {
			b.WriteString("\nApproaches already tried that did not work; use a different approach:\n")
			for _, a := range fixPlan.AvoidApproaches {
				fmt.Fprintf(&b, "- %s\n", a)
			}
		}
		b.WriteString("\nIssues to fix:\n")
		for _, iss := range fixPlan.Issues {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", iss.Severity, iss.Category, iss.Description)
		}
	}
	if attempt > 1 {
		b.WriteString("\nThis is a repeat attempt; take a meaningfully different approach than before.\n")
	}
	return b.String()
}

// --- parsing (spec §4.4 "Parsing rules", §6) ---

var (
	blockedRE   = regexp.MustCompile(`(?i)STEP BLOCKED:\s*(.+)`)
	summaryRE   = regexp.MustCompile(`(?is)###\s*Summary\s*\n(.*?)(?:\n###|\z)`)
	filesRE     = regexp.MustCompile(`(?is)###\s*Files\s+(Modified|Created|Changed)\s*\n(.*?)(?:\n###|\z)`)
	deletedRE   = regexp.MustCompile(`(?im)\(deleted\)|\[deleted\]|^DELETED$`)
	testsRE     = regexp.MustCompile(`(?is)###\s*Tests\s+(?:Created|Written|Added)\s*\n(.*?)(?:\n###|\z)`)
	commandsRE  = regexp.MustCompile(`(?is)###\s*Commands Run\s*\n(.*?)(?:\n###|\z)`)
	statusRE    = regexp.MustCompile(`(?i)###\s*Status\s+(COMPLETE|BLOCKED)`)
	filenameRE  = regexp.MustCompile(`(?m)^\s*\x60([^\x60\n]+)\x60[ \t]*(?i:\(deleted\)|\[deleted\])?\s*$`)
	fenceRE     = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n(.*?)```")
	shellLineRE = regexp.MustCompile(`^\s*[$#]\s*(.+)$|^\s*(npm|yarn|go|cargo|make|pytest|python|pip)\b`)
)

// ParseCodeOutput converts response text into a CodeOutput per spec §4.4's
// parsing rules: regex extraction of the STEP BLOCKED sentinel, ### Summary,
// ### Files Modified, fenced code blocks paired with the nearest preceding
// back-quoted filename, ### Tests Created, and shell command fences
// filtered to command-looking lines.
func ParseCodeOutput(response string) *CodeOutput {
	out := &CodeOutput{}

	if m := blockedRE.FindStringSubmatch(response); m != nil {
		out.Blocked = true
		out.BlockReason = strings.TrimSpace(m[1])
	}
	if m := statusRE.FindStringSubmatch(response); m != nil && strings.EqualFold(m[1], "BLOCKED") {
		out.Blocked = true
	}

	if m := summaryRE.FindStringSubmatch(response); m != nil {
		s := strings.TrimSpace(m[1])
		if len(s) > maxSummaryLen {
			s = s[:maxSummaryLen]
		}
		out.Summary = s
	}

	if m := filesRE.FindStringSubmatch(response); m != nil {
		out.Files = parseFiles(m[2], defaultFileAction(m[1]))
	}
	if m := testsRE.FindStringSubmatch(response); m != nil {
		out.Tests = parseTestNames(m[1])
	}
	if m := commandsRE.FindStringSubmatch(response); m != nil {
		out.Commands = parseCommands(m[1])
	}

	out.TestCoverage = TestCoverage{
		HasTests:  len(out.Tests) > 0,
		TestCount: len(out.Tests),
	}
	out.TestCoverage.CoverageEstimate = domain.CoverageNone
	switch {
	case len(out.Tests) >= 5:
		out.TestCoverage.CoverageEstimate = domain.CoverageExcellent
	case len(out.Tests) >= 3:
		out.TestCoverage.CoverageEstimate = domain.CoverageGood
	case len(out.Tests) >= 1:
		out.TestCoverage.CoverageEstimate = domain.CoveragePartial
	}

	out.ImplementationQuality = scoreImplementation(out)
	return out
}

// defaultFileAction maps the matched "### Files <keyword>" header to the
// action every file in that section carries unless a per-file heuristic
// overrides it (e.g. "Changed" is ambiguous and treated as a modification).
func defaultFileAction(headerKeyword string) FileAction {
	if strings.EqualFold(headerKeyword, "Created") {
		return FileCreated
	}
	return FileModified
}

// parseFiles pairs fenced code blocks in section with the nearest
// preceding back-quoted `path/to/file` line, deriving each file's action
// from defaultAction unless the preceding filename line or the fenced
// content itself marks the file deleted (an empty fence, or a "(deleted)"/
// "[deleted]"/bare "DELETED" marker).
func parseFiles(section string, defaultAction FileAction) []File {
	var files []File
	lastName := ""
	lastDeleted := false
	lastIdx := 0
	matches := fenceRE.FindAllStringSubmatchIndex(section, -1)
	for _, m := range matches {
		preceding := section[lastIdx:m[0]]
		if names := filenameRE.FindAllStringSubmatch(preceding, -1); len(names) > 0 {
			lastName = names[len(names)-1][1]
		}
		lastDeleted = lastDeleted || deletedRE.MatchString(preceding)
		lang := section[m[2]:m[3]]
		content := section[m[4]:m[5]]
		if len(content) > maxFileContent {
			content = content[:maxFileContent]
		}
		action := defaultAction
		if lastDeleted || deletedRE.MatchString(content) || strings.TrimSpace(content) == "" {
			action = FileDeleted
		}
		if lastName != "" {
			files = append(files, File{
				Path:     lastName,
				Action:   action,
				Content:  content,
				Language: lang,
			})
		}
		lastIdx = m[1]
		lastDeleted = false
	}
	return files
}

func parseTestNames(section string) []string {
	var names []string
	for _, m := range filenameRE.FindAllStringSubmatch(section, -1) {
		names = append(names, m[1])
	}
	if len(names) == 0 && strings.TrimSpace(section) != "" {
		names = append(names, "tests")
	}
	return names
}

func parseCommands(section string) []string {
	var commands []string
	for _, m := range fenceRE.FindAllStringSubmatch(section, -1) {
		for _, line := range strings.Split(m[2], "\n") {
			if shellLineRE.MatchString(line) {
				commands = append(commands, strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "$#")))
			}
		}
	}
	return commands
}

// scoreImplementation applies spec §4.4's "Quality scoring": base 100, -20
// no tests, -30 no files, -10 missing/brief summary, +10 for a
// comprehensive summary, clamped to [0,100].
func scoreImplementation(out *CodeOutput) ImplementationQuality {
	score := 100
	var issues, strengths []string

	if !out.TestCoverage.HasTests {
		score -= 20
		issues = append(issues, "no tests produced")
	}
	if len(out.Files) == 0 {
		score -= 30
		issues = append(issues, "no files produced")
	}
	switch {
	case len(strings.TrimSpace(out.Summary)) < 20:
		score -= 10
		issues = append(issues, "missing or brief summary")
	case len(out.Summary) > 100:
		score += 10
		strengths = append(strengths, "comprehensive summary")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return ImplementationQuality{Score: score, Issues: issues, Strengths: strengths}
}
