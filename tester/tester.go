// Package tester implements the Tester worker (spec §4.5): it runs a
// project's own test commands, layers an LLM exploratory review on top,
// merges the two into a TestResult, and on failure produces a
// DetailedFixPlan and coverage analysis. It also tracks per-step fix-cycle
// history so repeat runs can avoid approaches that have already failed.
package tester

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/RealOrko/claude-looper-sub000/coder"
	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/llmclient"
	"github.com/RealOrko/claude-looper-sub000/ring"
	"github.com/RealOrko/claude-looper-sub000/telemetry"
)

const (
	testRunTimeout   = 5 * time.Minute
	maxAutomatedIssues = 10
	maxFixCycleAttempts = 3
	learningCap      = 20
)

// ProjectCommand is one detected test command for a project type.
type ProjectCommand struct {
	Name string
	Cmd  string
	Args []string
}

// ProjectProbe abstracts the file-existence checks used to detect a
// project's test tooling (spec §4.5 "detect project type by probing"),
// so tests can substitute a fake filesystem instead of touching disk.
type ProjectProbe interface {
	// Exists reports whether path exists relative to the project root.
	Exists(path string) bool
	// Contains reports whether path exists and its contents contain substr.
	Contains(path, substr string) bool
}

// FSProbe is the default ProjectProbe backed by the real filesystem rooted
// at Dir.
type FSProbe struct{ Dir string }

func (p FSProbe) Exists(path string) bool {
	_, err := os.Stat(filepath.Join(p.Dir, path))
	return err == nil
}

func (p FSProbe) Contains(path, substr string) bool {
	data, err := os.ReadFile(filepath.Join(p.Dir, path))
	if err != nil {
		return false
	}
	return strings.Contains(string(data), substr)
}

// DetectCommands probes probe for known project markers and returns the
// test commands to run, per spec §4.5's probe list: package.json (with a
// real test script), pytest.ini/setup.py, go.mod, Cargo.toml, Makefile
// containing "test:".
func DetectCommands(probe ProjectProbe) []ProjectCommand {
	var cmds []ProjectCommand
	if probe.Exists("package.json") && probe.Contains("package.json", `"test"`) {
		cmds = append(cmds, ProjectCommand{Name: "npm", Cmd: "npm", Args: []string{"test"}})
	}
	if probe.Exists("pytest.ini") || probe.Exists("setup.py") {
		cmds = append(cmds, ProjectCommand{Name: "pytest", Cmd: "python", Args: []string{"-m", "pytest"}})
	}
	if probe.Exists("go.mod") {
		cmds = append(cmds, ProjectCommand{Name: "go", Cmd: "go", Args: []string{"test", "./..."}})
	}
	if probe.Exists("Cargo.toml") {
		cmds = append(cmds, ProjectCommand{Name: "cargo", Cmd: "cargo", Args: []string{"test"}})
	}
	if probe.Contains("Makefile", "test:") {
		cmds = append(cmds, ProjectCommand{Name: "make", Cmd: "make", Args: []string{"test"}})
	}
	return cmds
}

// CommandRunner executes a detected ProjectCommand and returns its
// combined output, exit status, and whether it was killed for exceeding
// its wall clock.
type CommandRunner interface {
	Run(ctx context.Context, dir string, cmd ProjectCommand) (output string, exitCode int, timedOut bool, err error)
}

// ExecRunner runs commands as real subprocesses (spec §4.5, §5: "hard
// 5-minute wall clock that triggers a polite termination signal on
// expiry").
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, pc ProjectCommand) (string, int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, testRunTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, pc.Cmd, pc.Args...)
	cmd.Dir = dir
	// On expiry send SIGTERM instead of CommandContext's default kill; a
	// process still running 10s later is killed.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second
	out, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		return string(out), -1, true, nil
	}
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return string(out), -1, false, err
	}
	return string(out), exitCode, false, nil
}

// fixCycleState tracks one step's fix-cycle history (spec §4.5
// "Fix-cycle tracker").
type fixCycleState struct {
	attempts         int
	maxAttempts      int
	previousPlans    []*domain.DetailedFixPlan
	issues           []domain.Issue
	status           string
	successfulFixes  *ring.Buffer[string]
	failedApproaches *ring.Buffer[string]
}

func newFixCycleState() *fixCycleState {
	return &fixCycleState{
		maxAttempts:      maxFixCycleAttempts,
		successfulFixes:  ring.New[string](learningCap),
		failedApproaches: ring.New[string](learningCap),
	}
}

// Tester is the Tester worker. Construct with New.
type Tester struct {
	llm    *llmclient.Client
	logger telemetry.Logger
	runner CommandRunner
	dir    string

	mu        sync.Mutex
	fixCycles map[string]*fixCycleState
}

// Option configures optional Tester behavior.
type Option func(*Tester)

// WithCommandRunner overrides the default ExecRunner (used by tests).
func WithCommandRunner(r CommandRunner) Option {
	return func(t *Tester) { t.runner = r }
}

// WithWorkingDir sets the project directory test commands run in.
func WithWorkingDir(dir string) Option {
	return func(t *Tester) { t.dir = dir }
}

// New constructs a Tester bound to llm, running commands in the current
// directory using ExecRunner unless overridden.
func New(llm *llmclient.Client, logger telemetry.Logger, opts ...Option) *Tester {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	t := &Tester{
		llm:       llm,
		logger:    logger,
		runner:    ExecRunner{},
		dir:       ".",
		fixCycles: map[string]*fixCycleState{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// RunTests executes the automated and exploratory phases for step and
// merges their findings (spec §4.5 "runTests").
func (t *Tester) RunTests(ctx context.Context, step *domain.PlanStep, out *coder.CodeOutput, probe ProjectProbe, isRetry bool) (*domain.TestResult, error) {
	autoIssues, rawOutput := t.runAutomatedPhase(ctx, probe)
	exploratoryIssues, suggestions, err := t.runExploratoryPhase(ctx, step, out)
	if err != nil {
		t.logger.Warn(ctx, "tester: exploratory phase failed", "step", step.ID, "error", err)
	}

	issues := append(append([]domain.Issue{}, autoIssues...), exploratoryIssues...)
	if len(out.Files) > 0 {
		issues = append(issues, detectEdgeCaseIssues(out)...)
	}

	passed := domain.Verdict(issues)

	result := &domain.TestResult{
		ID:          uuid.NewString(),
		StepID:      step.ID,
		Passed:      passed,
		Issues:      issues,
		Suggestions: suggestions,
		RawOutput:   rawOutput,
	}

	t.trackFixCycle(step.ID, issues, passed, isRetry)

	var modified, tested []string
	for _, f := range out.Files {
		modified = append(modified, f.Path)
	}
	for _, name := range out.Tests {
		tested = append(tested, name)
	}
	result.Coverage = domain.AnalyzeCoverage(modified, tested, len(issues))

	if !passed {
		result.FixPlan = t.buildFixPlan(step.ID, issues)
	}
	return result, nil
}

func (t *Tester) runAutomatedPhase(ctx context.Context, probe ProjectProbe) ([]domain.Issue, string) {
	if probe == nil {
		probe = FSProbe{Dir: t.dir}
	}
	commands := DetectCommands(probe)

	var issues []domain.Issue
	var rawOutput strings.Builder
	for _, pc := range commands {
		output, exitCode, timedOut, err := t.runner.Run(ctx, t.dir, pc)
		rawOutput.WriteString(fmt.Sprintf("$ %s %s\n%s\n", pc.Cmd, strings.Join(pc.Args, " "), output))
		if err != nil {
			issues = append(issues, domain.Issue{
				Severity:    domain.SeverityMajor,
				Category:    domain.CategoryTestFailure,
				Description: fmt.Sprintf("%s: failed to run: %v", pc.Name, err),
			})
			continue
		}
		if timedOut {
			issues = append(issues, domain.Issue{
				Severity:    domain.SeverityCritical,
				Category:    domain.CategoryTestFailure,
				Description: fmt.Sprintf("%s: timed out after %s", pc.Name, testRunTimeout),
			})
			continue
		}
		if exitCode != 0 {
			issues = append(issues, parseFailures(pc.Name, output)...)
		}
		if len(issues) >= maxAutomatedIssues {
			break
		}
	}
	if len(issues) > maxAutomatedIssues {
		issues = issues[:maxAutomatedIssues]
	}
	return issues, rawOutput.String()
}

// patternBank maps test-runner output patterns to issue descriptions (spec
// §4.5: "parse failures with pattern bank (Jest, pytest, Go)").
var patternBank = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*(?:✕|✗|FAIL)\s+(.+)$`),                // Jest
	regexp.MustCompile(`(?m)^FAILED\s+(.+?)(?:\s+-\s+(.+))?$`),         // pytest
	regexp.MustCompile(`(?m)^---\s+FAIL:\s+(\S+)`),                    // go test
	regexp.MustCompile(`(?m)^\s*(\S+_test\.go:\d+):\s*(.+)$`),         // go test line failures
}

func parseFailures(runner, output string) []domain.Issue {
	var issues []domain.Issue
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		for _, re := range patternBank {
			if m := re.FindStringSubmatch(line); m != nil {
				desc := strings.TrimSpace(m[1])
				issues = append(issues, domain.Issue{
					Severity:    domain.SeverityMajor,
					Category:    domain.CategoryTestFailure,
					Description: fmt.Sprintf("%s: %s", runner, desc),
				})
				break
			}
		}
		if len(issues) >= maxAutomatedIssues {
			break
		}
	}
	return issues
}

// edgeCaseKeywords maps a keyword found in file content to the checklist
// category it should trigger (spec §4.5 "Edge-case detection").
var edgeCaseKeywords = map[string]string{
	"nil":      "null/undefined handling",
	"null":     "null/undefined handling",
	"undefined": "null/undefined handling",
	"len(":     "boundary conditions",
	"[0]":      "boundary conditions",
	"string(":  "type coercion",
	"parseInt": "type coercion",
	"async":    "async error handling",
	"await":    "async error handling",
	"go func":  "concurrent access",
	"sync.":    "concurrent access",
}

// detectEdgeCaseIssues scans file contents for keywords triggering the
// checklist and raises a MINOR suggestion-level issue per matched
// category (deduplicated).
func detectEdgeCaseIssues(out *coder.CodeOutput) []domain.Issue {
	seen := map[string]bool{}
	var issues []domain.Issue
	for _, f := range out.Files {
		for kw, category := range edgeCaseKeywords {
			if seen[category] {
				continue
			}
			if strings.Contains(f.Content, kw) {
				seen[category] = true
				issues = append(issues, domain.Issue{
					Severity:    domain.SeverityMinor,
					Category:    domain.CategoryEdgeCase,
					Description: fmt.Sprintf("review %s in %s", category, f.Path),
					Location:    f.Path,
				})
			}
		}
	}
	return issues
}

// trackFixCycle updates the per-step fix-cycle state per spec §4.5: on
// retry invocations it increments attempts; a passing retry records a
// successful-fix learning entry, a failing one records a failed-approach
// entry.
func (t *Tester) trackFixCycle(stepID string, issues []domain.Issue, passed, isRetry bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.fixCycles[stepID]
	if !ok {
		state = newFixCycleState()
		t.fixCycles[stepID] = state
	}
	state.issues = issues
	if isRetry {
		state.attempts++
		if passed {
			state.successfulFixes.Push(fmt.Sprintf("attempt %d resolved the issue", state.attempts))
			state.status = "RESOLVED"
		} else {
			state.failedApproaches.Push(fmt.Sprintf("attempt %d did not resolve: %d issues remain", state.attempts, len(issues)))
			if state.attempts >= state.maxAttempts {
				state.status = "MAX_ATTEMPTS_REACHED"
			} else {
				state.status = "IN_PROGRESS"
			}
		}
	}
}

// Reset clears all per-step fix-cycle tracking, for a fresh goal. The
// successful-fix/failed-approach learning rings inside any individual
// fixCycleState are discarded along with it, since they are scoped to the
// step that no longer exists once the goal changes.
func (t *Tester) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fixCycles = map[string]*fixCycleState{}
}

// FixCycleAttempts returns stepID's recorded fix attempt count (0 if the
// step has never been retried).
func (t *Tester) FixCycleAttempts(stepID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.fixCycles[stepID]; ok {
		return s.attempts
	}
	return 0
}

func (t *Tester) buildFixPlan(stepID string, issues []domain.Issue) *domain.DetailedFixPlan {
	t.mu.Lock()
	state, ok := t.fixCycles[stepID]
	var previous []domain.FixAttempt
	if ok {
		for _, s := range state.successfulFixes.Snapshot() {
			previous = append(previous, domain.FixAttempt{Approach: s, Succeeded: true})
		}
		for _, f := range state.failedApproaches.Snapshot() {
			previous = append(previous, domain.FixAttempt{Approach: f, Succeeded: false})
		}
	}
	t.mu.Unlock()

	var steps []domain.FixStep
	for _, iss := range issues {
		steps = append(steps, domain.FixStep{Description: "address: " + iss.Description, TargetFile: iss.Location})
	}
	suggested := "Address the highest-severity issues first, focusing on correctness before style."
	return domain.NewDetailedFixPlan(uuid.NewString(), stepID, issues, steps, suggested, previous)
}

// runExploratoryPhase issues the LLM review classifying issues into the
// spec §4.5 categories with severity, parsing the response with the same
// pattern used elsewhere for structured worker text.
func (t *Tester) runExploratoryPhase(ctx context.Context, step *domain.PlanStep, out *coder.CodeOutput) ([]domain.Issue, []string, error) {
	if t.llm == nil {
		return nil, nil, nil
	}
	prompt := exploratoryPrompt(step, out)
	res, err := t.llm.SendPrompt(ctx, "tester", prompt, llmclient.Options{}, llmclient.Callbacks{})
	if err != nil {
		return nil, nil, err
	}
	return parseExploratoryResponse(res.Response)
}

func exploratoryPrompt(step *domain.PlanStep, out *coder.CodeOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the implementation of step %d (%s) for issues.\n", step.Number, step.Description)
	b.WriteString("Classify each issue as one of LOGIC_ERROR, EDGE_CASE, ERROR_HANDLING, SECURITY, PERFORMANCE, CODE_QUALITY, TEST_FAILURE, MISSING_TEST, ")
	b.WriteString("with severity CRITICAL, MAJOR, or MINOR, one per line as `[SEVERITY] CATEGORY: description`.\n")
	if out != nil && out.Summary != "" {
		fmt.Fprintf(&b, "\nImplementation summary: %s\n", out.Summary)
	}
	return b.String()
}

var exploratoryLineRE = regexp.MustCompile(`(?m)^\s*\[(CRITICAL|MAJOR|MINOR)\]\s*([A-Z_]+):\s*(.+)$`)
var suggestionLineRE = regexp.MustCompile(`(?m)^\s*(?:SUGGESTION|SUGGEST):\s*(.+)$`)

func parseExploratoryResponse(response string) ([]domain.Issue, []string, error) {
	var issues []domain.Issue
	for _, m := range exploratoryLineRE.FindAllStringSubmatch(response, -1) {
		issues = append(issues, domain.Issue{
			Severity:    severityFromString(m[1]),
			Category:    domain.IssueCategory(m[2]),
			Description: strings.TrimSpace(m[3]),
		})
	}
	var suggestions []string
	for _, m := range suggestionLineRE.FindAllStringSubmatch(response, -1) {
		suggestions = append(suggestions, strings.TrimSpace(m[1]))
	}
	return issues, suggestions, nil
}

func severityFromString(s string) domain.IssueSeverity {
	switch s {
	case "CRITICAL":
		return domain.SeverityCritical
	case "MAJOR":
		return domain.SeverityMajor
	default:
		return domain.SeverityMinor
	}
}
