// Package planner implements the Planner worker (spec §4.3): it turns a
// goal into an ExecutionPlan, raises bounded-depth sub-plans for blocked
// steps, and assesses plan quality. It is the only worker that owns a
// dependency tracker and a per-goal "successful approaches" learning list.
package planner

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/llmclient"
	"github.com/RealOrko/claude-looper-sub000/ring"
	"github.com/RealOrko/claude-looper-sub000/telemetry"
)

// ErrMaxDepthReached is returned by SubPlan when newDepth exceeds
// domain.MaxPlanDepth (spec §4.3, §7).
var ErrMaxDepthReached = fmt.Errorf("planner: MAX_DEPTH_REACHED")

// ErrMaxSubPlanAttempts is returned by SubPlan when a step has already been
// sub-planned maxSubPlanAttempts times (spec §4.3, §7).
var ErrMaxSubPlanAttempts = fmt.Errorf("planner: MAX_SUBPLAN_ATTEMPTS")

const (
	maxSubPlanAttempts    = 3
	successfulApproachCap = 20
	minStepCount          = 2
	maxStepCount          = 15
	approvalThreshold     = 70
)

// stepCapForDepth caps step count for sub-plans by depth (spec §4.3).
func stepCapForDepth(depth int) int {
	switch depth {
	case 1:
		return 5
	case 2:
		return 3
	case 3:
		return 2
	default:
		return maxStepCount
	}
}

// PlanRequest is the payload carried by a MsgPlanRequest/MsgReplanRequest
// message (spec §2).
type PlanRequest struct {
	Goal         string
	Context      string
	BlockedStep  *domain.PlanStep // set only for replan requests
	BlockReason  string
	NewDepth     int
}

// PlanResponse is the payload carried by the corresponding response message.
type PlanResponse struct {
	Plan *domain.ExecutionPlan
	Err  error
}

// executionContext accumulates cross-step learning within one goal run
// (spec §4.3 "State").
type executionContext struct {
	completedSteps   []string
	failedSteps      []string
	blockedReasons   []string
	successfulApproaches *ring.Buffer[string]
}

func newExecutionContext() *executionContext {
	return &executionContext{successfulApproaches: ring.New[string](successfulApproachCap)}
}

// dependencyTracker records declared step dependencies and their reverse
// edges (spec §4.3 "State").
type dependencyTracker struct {
	deps        map[string][]string
	reverseDeps map[string][]string
}

func newDependencyTracker() *dependencyTracker {
	return &dependencyTracker{deps: map[string][]string{}, reverseDeps: map[string][]string{}}
}

func (d *dependencyTracker) record(stepID string, dependsOn []string) {
	d.deps[stepID] = dependsOn
	for _, dep := range dependsOn {
		d.reverseDeps[dep] = append(d.reverseDeps[dep], stepID)
	}
}

// Planner is the Planner worker. Its zero value is not usable; construct
// with New.
type Planner struct {
	llm    *llmclient.Client
	logger telemetry.Logger

	mu                sync.Mutex
	subPlanAttempts   map[string]int
	execCtx           *executionContext
	deps              *dependencyTracker
}

// New constructs a Planner bound to llm.
func New(llm *llmclient.Client, logger telemetry.Logger) *Planner {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Planner{
		llm:             llm,
		logger:          logger,
		subPlanAttempts: map[string]int{},
		execCtx:         newExecutionContext(),
		deps:            newDependencyTracker(),
	}
}

// ResetExecutionContext clears the per-goal learning context, the
// dependency tracker, and the per-step sub-plan attempt counts.
func (p *Planner) ResetExecutionContext() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execCtx = newExecutionContext()
	p.deps = newDependencyTracker()
	p.subPlanAttempts = map[string]int{}
}

// RecordStepOutcome feeds a completed/failed step back into the execution
// context, so later sub-plan prompts can reference accumulated learning.
func (p *Planner) RecordStepOutcome(step *domain.PlanStep, approach string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch step.Status {
	case domain.StepCompleted:
		p.execCtx.completedSteps = append(p.execCtx.completedSteps, step.ID)
		if approach != "" {
			p.execCtx.successfulApproaches.Push(approach)
		}
	case domain.StepFailed, domain.StepBlocked:
		p.execCtx.failedSteps = append(p.execCtx.failedSteps, step.ID)
		if step.FailReason != "" {
			p.execCtx.blockedReasons = append(p.execCtx.blockedReasons, step.FailReason)
		}
	}
}

// Plan produces the root ExecutionPlan for goal (spec §4.3 "plan"). An
// empty goal short-circuits to the fallback single step without calling the
// LLM (spec §8 "Empty goal / zero steps").
func (p *Planner) Plan(ctx context.Context, goal, goalContext string) (*domain.ExecutionPlan, error) {
	plan := domain.NewExecutionPlan(uuid.NewString(), goal, 0)
	if strings.TrimSpace(goal) == "" {
		plan.Steps = []*domain.PlanStep{domain.FallbackStep(uuid.NewString())}
		return plan, nil
	}

	systemPrompt := plannerSystemPrompt()
	prompt := planPrompt(goal, goalContext)
	res, err := p.llm.StartSession(ctx, "planner", systemPrompt, prompt, llmclient.Options{}, llmclient.Callbacks{})
	if err != nil {
		return nil, fmt.Errorf("planner: plan request failed: %w", err)
	}

	steps, analysis, deps := parsePlanResponse(res.Response, 0)
	if len(steps) == 0 {
		steps = []*domain.PlanStep{domain.FallbackStep(uuid.NewString())}
	}
	if len(steps) > maxStepCount {
		steps = steps[:maxStepCount]
	}
	plan.Analysis = analysis
	plan.Steps = steps
	for id, dependsOn := range deps {
		plan.Dependencies[id] = dependsOn
		p.deps.record(id, dependsOn)
	}
	return plan, nil
}

// SubPlan produces a sub-plan to work around blockedStep (spec §4.3
// "subPlan"). newDepth must already have been computed by the caller as
// parentDepth+1; SubPlan validates it against domain.MaxPlanDepth and the
// per-step attempt cap.
func (p *Planner) SubPlan(ctx context.Context, blockedStep *domain.PlanStep, reason string, newDepth int) (*domain.ExecutionPlan, error) {
	if newDepth > domain.MaxPlanDepth {
		return nil, ErrMaxDepthReached
	}

	p.mu.Lock()
	attempts := p.subPlanAttempts[blockedStep.ID]
	if attempts >= maxSubPlanAttempts {
		p.mu.Unlock()
		return nil, ErrMaxSubPlanAttempts
	}
	p.subPlanAttempts[blockedStep.ID] = attempts + 1
	execCtx := p.execCtx
	p.mu.Unlock()

	systemPrompt := plannerSystemPrompt()
	prompt := subPlanPrompt(blockedStep, reason, execCtx)
	res, err := p.llm.StartSession(ctx, "planner", systemPrompt, prompt, llmclient.Options{}, llmclient.Callbacks{})
	if err != nil {
		return nil, fmt.Errorf("planner: subPlan request failed: %w", err)
	}

	steps, analysis, deps := parsePlanResponse(res.Response, newDepth)
	stepCap := stepCapForDepth(newDepth)
	if len(steps) == 0 {
		steps = []*domain.PlanStep{domain.FallbackStep(uuid.NewString())}
	}
	if len(steps) > stepCap {
		steps = steps[:stepCap]
	}
	for _, s := range steps {
		s.ParentStepID = blockedStep.ID
	}

	plan := domain.NewExecutionPlan(uuid.NewString(), blockedStep.Description, newDepth)
	plan.ParentPlanID = blockedStep.ID
	plan.Analysis = analysis
	plan.Steps = steps
	for id, dependsOn := range deps {
		plan.Dependencies[id] = dependsOn
	}
	return plan, nil
}

// AssessPlanQuality scores plan per spec §4.3: start at 100, subtract per
// issue severity; approved iff score >= 70.
func AssessPlanQuality(plan *domain.ExecutionPlan) (score int, issues []domain.Issue, approved bool) {
	score = 100
	add := func(sev domain.IssueSeverity, category domain.IssueCategory, desc string) {
		issues = append(issues, domain.Issue{Severity: sev, Category: category, Description: desc})
		switch sev {
		case domain.SeverityCritical:
			score -= 30
		case domain.SeverityMajor:
			score -= 15
		case domain.SeverityMinor:
			score -= 5
		}
	}

	if len(plan.Steps) < minStepCount {
		add(domain.SeverityMajor, domain.CategoryCodeQuality, "plan has fewer than 2 steps")
	}
	if len(plan.Steps) > maxStepCount {
		add(domain.SeverityMinor, domain.CategoryCodeQuality, "plan has more than 15 steps")
	}

	complexCount := 0
	for _, s := range plan.Steps {
		if s.Complexity == domain.ComplexityComplex {
			complexCount++
		}
	}
	if len(plan.Steps) > 0 && float64(complexCount)/float64(len(plan.Steps)) > 0.5 {
		add(domain.SeverityMajor, domain.CategoryCodeQuality, "more than half the steps are complex")
	}

	for _, s := range plan.Steps {
		if len(s.Description) < 15 {
			add(domain.SeverityMinor, domain.CategoryCodeQuality, "step description too short: "+s.Description)
		}
		if !startsWithActionVerb(s.Description) {
			add(domain.SeverityMinor, domain.CategoryCodeQuality, "step description lacks an action verb: "+s.Description)
		}
	}

	if len(strings.TrimSpace(plan.Analysis)) < 20 {
		add(domain.SeverityMinor, domain.CategoryCodeQuality, "missing or brief analysis")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	approved = score >= approvalThreshold
	return score, issues, approved
}

var actionVerbs = []string{
	"add", "create", "implement", "build", "write", "update", "modify",
	"remove", "delete", "refactor", "fix", "configure", "set", "install",
	"test", "define", "integrate", "wire", "design", "generate", "deploy",
}

func startsWithActionVerb(desc string) bool {
	fields := strings.Fields(strings.ToLower(desc))
	if len(fields) == 0 {
		return false
	}
	first := strings.TrimRight(fields[0], ".,:;")
	for _, v := range actionVerbs {
		if first == v || strings.HasPrefix(first, v) {
			return true
		}
	}
	return false
}

var stepLineRE = regexp.MustCompile(`(?m)^\s*(\d+)\.\s*(.+?)\s*\|\s*(simple|medium|complex)\s*$`)

// parsePlanResponse extracts ExecutionPlan pieces from response per spec §6:
// ANALYSIS:/PLAN:/DEPENDENCIES:/RISKS:/TOTAL_STEPS: sections; each step line
// matches `^\d+\. description | (simple|medium|complex)$`.
func parsePlanResponse(response string, depth int) ([]*domain.PlanStep, string, map[string][]string) {
	analysis := extractSection(response, "ANALYSIS")
	planSection := extractSection(response, "PLAN")
	if planSection == "" {
		planSection = response
	}

	var steps []*domain.PlanStep
	for _, m := range stepLineRE.FindAllStringSubmatch(planSection, -1) {
		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		steps = append(steps, domain.NewPlanStep(uuid.NewString(), num, strings.TrimSpace(m[2]), domain.StepComplexity(m[3]), depth))
	}

	deps := map[string][]string{}
	depSection := extractSection(response, "DEPENDENCIES")
	if depSection != "" {
		for _, line := range strings.Split(depSection, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			parts := strings.SplitN(line, "->", 2)
			if len(parts) != 2 {
				continue
			}
			from := strings.TrimSpace(parts[0])
			var to []string
			for _, t := range strings.Split(parts[1], ",") {
				if t = strings.TrimSpace(t); t != "" {
					to = append(to, t)
				}
			}
			if from != "" && len(to) > 0 {
				deps[from] = to
			}
		}
	}

	return steps, analysis, deps
}

var sectionRE = func(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?is)` + name + `:\s*(.*?)(?:\n[A-Z_]+:|\z)`)
}

func extractSection(response, name string) string {
	m := sectionRE(name).FindStringSubmatch(response)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func plannerSystemPrompt() string {
	return "You are the Planner agent in a multi-agent software orchestration system. " +
		"You produce structured execution plans in the ANALYSIS/PLAN/DEPENDENCIES/RISKS/TOTAL_STEPS format."
}

func planPrompt(goal, goalContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Produce a plan for the following goal.\n\nGOAL: %s\n", goal)
	if goalContext != "" {
		fmt.Fprintf(&b, "\nCONTEXT:\n%s\n", goalContext)
	}
	b.WriteString("\nRespond with ANALYSIS:, PLAN: (numbered steps formatted as `N. description | complexity`), DEPENDENCIES:, RISKS:, TOTAL_STEPS:.")
	return b.String()
}

func subPlanPrompt(blockedStep *domain.PlanStep, reason string, execCtx *executionContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %d (%q) is blocked: %s\n", blockedStep.Number, blockedStep.Description, reason)
	b.WriteString("Produce a sub-plan to work around this blocker.\n")

	approaches := execCtx.successfulApproaches.Snapshot()
	if len(approaches) > 0 {
		b.WriteString("\nKnown successful approaches from this run:\n")
		for _, a := range approaches {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if len(execCtx.blockedReasons) > 0 {
		b.WriteString("\nApproaches that have already failed; do not repeat them:\n")
		for _, r := range execCtx.blockedReasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	b.WriteString("\nRespond with ANALYSIS:, PLAN:, DEPENDENCIES:, RISKS:, TOTAL_STEPS:.")
	return b.String()
}
