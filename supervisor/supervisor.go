// Package supervisor implements the Supervisor worker (spec §4.6): one
// verification operation per domain.VerificationType, quality-gate
// evaluation against each type's threshold, the escalation ladder used by
// periodic progress checks, and a progress monitor that detects stalls and
// trends across recorded checkpoints.
package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RealOrko/claude-looper-sub000/domain"
	"github.com/RealOrko/claude-looper-sub000/llmclient"
	"github.com/RealOrko/claude-looper-sub000/ring"
	"github.com/RealOrko/claude-looper-sub000/telemetry"
)

const (
	gateHistoryCap         = 50
	assessmentHistoryCap   = 50
	checkpointHistoryCap   = 50
	stallThreshold         = 5 * time.Minute
	trendWindow            = 5
	optimisticScoreOnError = 60
)

// Thresholds configure the escalation ladder's consecutive-issue bounds
// (spec §4.6, §6 "supervisor thresholds").
type Thresholds struct {
	Warn      int
	Intervene int
	Critical  int
	Abort     int
}

// DefaultThresholds returns the spec §6 defaults: warn=2, intervene=3,
// critical=4, abort=5.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 2, Intervene: 3, Critical: 4, Abort: 5}
}

// QualityThresholds configure the per-GateType score thresholds
// EvaluateQualityGate checks against (spec §6 "quality thresholds
// {plan:70, code:60, step:70, goal:80}"). A zero field falls back to
// domain.GateType.DefaultThreshold for that gate.
type QualityThresholds struct {
	Plan int
	Code int
	Step int
	Goal int
}

// DefaultQualityThresholds returns the spec §6 defaults: plan=70, code=60,
// step=70, goal=80.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{Plan: 70, Code: 60, Step: 70, Goal: 80}
}

// thresholdFor returns the configured threshold for gateType, falling back
// to the gate's spec default when unset (zero).
func (q QualityThresholds) thresholdFor(gateType domain.GateType) int {
	var configured int
	switch gateType {
	case domain.GatePlanApproval:
		configured = q.Plan
	case domain.GateCodeApproval:
		configured = q.Code
	case domain.GateStepCompletion:
		configured = q.Step
	case domain.GateGoalAchievement:
		configured = q.Goal
	}
	if configured == 0 {
		return gateType.DefaultThreshold()
	}
	return configured
}

// Escalation is a rung on the assessment ladder (spec §4.6).
type Escalation string

const (
	EscalationNone    Escalation = "NONE"
	EscalationRemind  Escalation = "REMIND"
	EscalationCorrect Escalation = "CORRECT"
	EscalationRefocus Escalation = "REFOCUS"
	EscalationCritical Escalation = "CRITICAL"
	EscalationAbort   Escalation = "ABORT"
)

// Assessment is the outcome of one escalation-ladder evaluation.
type Assessment struct {
	Action      string
	Escalation  Escalation
	ShouldAbort bool
}

// Checkpoint is one progress-monitor snapshot (spec §4.6 "Progress
// monitor").
type Checkpoint struct {
	Phase         domain.Phase
	Metrics       domain.Metrics
	ProgressScore int
	At            time.Time
}

// progressScore computes 10·completed − 5·failed + 2·fixCycles +
// 3·verificationsPassed (spec §4.6).
func progressScore(m domain.Metrics) int {
	return 10*m.CompletedSteps - 5*m.FailedSteps + 2*m.FixCycles + 3*m.VerificationsPassed
}

// Trend classifies recent progress-score movement.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// Supervisor is the Supervisor worker. Construct with New.
type Supervisor struct {
	llm               *llmclient.Client
	logger            telemetry.Logger
	thresholds        Thresholds
	qualityThresholds QualityThresholds

	mu                  sync.Mutex
	gateHistory         *ring.Buffer[domain.QualityGate]
	assessmentHistory   *ring.Buffer[Assessment]
	checkpoints         *ring.Buffer[Checkpoint]
	consecutiveIssues   int
	lastPositiveProgress time.Time
}

// Option configures optional Supervisor behavior.
type Option func(*Supervisor)

// WithThresholds overrides the default escalation-ladder thresholds.
func WithThresholds(t Thresholds) Option {
	return func(s *Supervisor) { s.thresholds = t }
}

// WithQualityThresholds overrides the default per-GateType quality-gate
// score thresholds EvaluateQualityGate checks against.
func WithQualityThresholds(t QualityThresholds) Option {
	return func(s *Supervisor) { s.qualityThresholds = t }
}

// New constructs a Supervisor bound to llm.
func New(llm *llmclient.Client, logger telemetry.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Supervisor{
		llm:               llm,
		logger:            logger,
		thresholds:        DefaultThresholds(),
		qualityThresholds: DefaultQualityThresholds(),
		gateHistory:       ring.New[domain.QualityGate](gateHistoryCap),
		assessmentHistory: ring.New[Assessment](assessmentHistoryCap),
		checkpoints:       ring.New[Checkpoint](checkpointHistoryCap),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Verify issues verificationType's dedicated LLM prompt against target and
// parses the uniform response schema into a VerificationResult (spec
// §4.6). On any error the supervisor returns an optimistic pass rather
// than blocking the pipeline.
func (s *Supervisor) Verify(ctx context.Context, verificationType domain.VerificationType, targetID, prompt string) domain.VerificationResult {
	if s.llm == nil {
		return optimisticResult(verificationType, targetID, "llm client unavailable")
	}
	res, err := s.llm.SendPrompt(ctx, "supervisor", prompt, llmclient.Options{}, llmclient.Callbacks{})
	if err != nil {
		s.logger.Warn(ctx, "supervisor: verification call failed", "type", string(verificationType), "error", err)
		return optimisticResult(verificationType, targetID, "verification unavailable: "+err.Error())
	}
	return parseVerificationResponse(verificationType, targetID, res.Response)
}

func optimisticResult(verificationType domain.VerificationType, targetID, reason string) domain.VerificationResult {
	return domain.VerificationResult{
		Type:           verificationType,
		TargetID:       targetID,
		Verified:       true,
		Score:          optimisticScoreOnError,
		Recommendation: "continue",
		Reason:         reason,
	}
}

var (
	scoreRE          = regexp.MustCompile(`(?i)SCORE:\s*(\d+)`)
	verifiedRE       = regexp.MustCompile(`(?i)(?:VERIFIED|APPROVED):\s*(YES|NO|TRUE|FALSE)`)
	goalAchievedRE   = regexp.MustCompile(`(?i)GOAL_ACHIEVED:\s*(YES|NO|TRUE|FALSE)`)
	recommendationRE = regexp.MustCompile(`(?i)RECOMMENDATION:\s*(\S+)`)
	reasonRE         = regexp.MustCompile(`(?im)^REASON:\s*(.+)$`)
	completenessRE   = regexp.MustCompile(`(?i)COMPLETENESS:\s*(\d+)`)
	actionNeededRE   = regexp.MustCompile(`(?i)ACTION_NEEDED:\s*(\S+)`)
)

// parseVerificationResponse parses the uniform schema (spec §4.6): SCORE,
// VERIFIED/APPROVED/GOAL_ACHIEVED, RECOMMENDATION, REASON, plus
// type-specific fields (COMPLETENESS for GOAL, ACTION_NEEDED for
// PROGRESS). Fields present but unmatched default to their zero value.
func parseVerificationResponse(verificationType domain.VerificationType, targetID, response string) domain.VerificationResult {
	result := domain.VerificationResult{Type: verificationType, TargetID: targetID}

	if m := scoreRE.FindStringSubmatch(response); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			result.Score = n
		}
	}

	switch verificationType {
	case domain.VerificationGoal:
		if m := goalAchievedRE.FindStringSubmatch(response); m != nil {
			result.Verified = isAffirmative(m[1])
		}
		if m := completenessRE.FindStringSubmatch(response); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				result.Completeness = n
			}
		}
	default:
		if m := verifiedRE.FindStringSubmatch(response); m != nil {
			result.Verified = isAffirmative(m[1])
		}
	}

	if m := recommendationRE.FindStringSubmatch(response); m != nil {
		result.Recommendation = strings.ToLower(m[1])
	}
	if m := reasonRE.FindStringSubmatch(response); m != nil {
		result.Reason = strings.TrimSpace(m[1])
	}
	if verificationType == domain.VerificationProgress {
		if m := actionNeededRE.FindStringSubmatch(response); m != nil {
			result.ActionNeeded = strings.ToUpper(m[1])
		}
	}
	return result
}

func isAffirmative(s string) bool {
	s = strings.ToUpper(s)
	return s == "YES" || s == "TRUE"
}

// EvaluateQualityGate constructs a QualityGate from a verification result
// and records it in the bounded (50-entry) gate history (spec §4.6).
func (s *Supervisor) EvaluateQualityGate(gateType domain.GateType, targetID string, result domain.VerificationResult) domain.QualityGate {
	threshold := s.qualityThresholds.thresholdFor(gateType)
	gate := domain.NewQualityGateWithThreshold(gateType, targetID, result.Score, threshold)
	s.mu.Lock()
	s.gateHistory.Push(gate)
	s.mu.Unlock()
	return gate
}

// GateHistory returns the most recent n recorded quality gates (all if n<=0
// or exceeds history length).
func (s *Supervisor) GateHistory(n int) []domain.QualityGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return s.gateHistory.Snapshot()
	}
	return s.gateHistory.Last(n)
}

// Assess runs one step of the escalation ladder (spec §4.6) given the
// action recommended by the most recent assessment-driving verification
// (e.g. a PROGRESS check's mapped recommendation, or "continue" for a
// clean verification). The consecutive-issue counter increments when
// action is not "continue", and resets otherwise.
func (s *Supervisor) Assess(action string) Assessment {
	action = strings.ToLower(strings.TrimSpace(action))

	s.mu.Lock()
	defer s.mu.Unlock()

	if action == "" || action == "continue" {
		s.consecutiveIssues = 0
		a := Assessment{Action: action, Escalation: EscalationNone}
		s.assessmentHistory.Push(a)
		return a
	}

	s.consecutiveIssues++
	var esc Escalation
	switch {
	case s.consecutiveIssues >= s.thresholds.Abort:
		esc = EscalationAbort
	case s.consecutiveIssues >= s.thresholds.Critical:
		esc = EscalationCritical
	case s.consecutiveIssues >= s.thresholds.Intervene:
		esc = EscalationRefocus
	case s.consecutiveIssues >= s.thresholds.Warn:
		esc = EscalationCorrect
	case s.consecutiveIssues == 1 && action == "remind":
		esc = EscalationRemind
	default:
		esc = EscalationRemind
	}

	a := Assessment{Action: action, Escalation: esc, ShouldAbort: esc == EscalationAbort}
	s.assessmentHistory.Push(a)
	return a
}

// ConsecutiveIssues returns the current consecutive off-track assessment
// count.
func (s *Supervisor) ConsecutiveIssues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveIssues
}

// RecommendationForProgress maps a PROGRESS verification's ACTION_NEEDED
// field to the action Assess expects (spec §4.6: ABORT→abort,
// INTERVENTION→refocus, GUIDANCE→correct, NONE→continue).
func RecommendationForProgress(actionNeeded string) string {
	switch strings.ToUpper(actionNeeded) {
	case "ABORT":
		return "abort"
	case "INTERVENTION":
		return "refocus"
	case "GUIDANCE":
		return "correct"
	default:
		return "continue"
	}
}

// RecordCheckpoint snapshots the current metrics as a Checkpoint and
// returns it (spec §4.6 "Progress monitor"). lastPositiveProgressTime
// advances whenever the new score exceeds the previous checkpoint's score.
func (s *Supervisor) RecordCheckpoint(phase domain.Phase, metrics domain.Metrics, at time.Time) Checkpoint {
	score := progressScore(metrics)
	cp := Checkpoint{Phase: phase, Metrics: metrics, ProgressScore: score, At: at}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.checkpoints.Last(1)
	if len(prev) == 0 || score > prev[0].ProgressScore {
		s.lastPositiveProgress = at
	}
	if s.lastPositiveProgress.IsZero() {
		s.lastPositiveProgress = at
	}
	s.checkpoints.Push(cp)
	return cp
}

// IsStalled reports whether now has exceeded stallThreshold (5 minutes)
// since the last checkpoint that improved on its predecessor.
func (s *Supervisor) IsStalled(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPositiveProgress.IsZero() {
		return false
	}
	return now.Sub(s.lastPositiveProgress) > stallThreshold
}

// Trend compares the average of the last 5 recorded progress scores
// against the prior 5 (spec §4.6): >+2 improving, <-2 declining, else
// stable. Returns stable if fewer than 2 checkpoints are recorded.
func (s *Supervisor) Trend() Trend {
	s.mu.Lock()
	all := s.checkpoints.Snapshot()
	s.mu.Unlock()

	if len(all) < 2 {
		return TrendStable
	}
	recent := lastN(all, trendWindow)
	priorEnd := len(all) - len(recent)
	prior := lastN(all[:priorEnd], trendWindow)
	if len(prior) == 0 {
		return TrendStable
	}

	recentAvg := avgScore(recent)
	priorAvg := avgScore(prior)
	delta := recentAvg - priorAvg
	switch {
	case delta > 2:
		return TrendImproving
	case delta < -2:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func lastN(cps []Checkpoint, n int) []Checkpoint {
	if len(cps) <= n {
		return cps
	}
	return cps[len(cps)-n:]
}

func avgScore(cps []Checkpoint) float64 {
	if len(cps) == 0 {
		return 0
	}
	sum := 0
	for _, c := range cps {
		sum += c.ProgressScore
	}
	return float64(sum) / float64(len(cps))
}

// PromptFor builds the dedicated LLM prompt for verificationType, suitable
// for passing to Verify (spec §4.6: "Each issues a dedicated LLM prompt").
func PromptFor(verificationType domain.VerificationType, targetDescription, context string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Verify the following %s.\n\n%s\n", strings.ToLower(string(verificationType)), targetDescription)
	if context != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", context)
	}
	b.WriteString("\nRespond with SCORE: <0-100>, ")
	switch verificationType {
	case domain.VerificationGoal:
		b.WriteString("GOAL_ACHIEVED: YES|NO, COMPLETENESS: <0-100>, ")
	case domain.VerificationProgress:
		b.WriteString("VERIFIED: YES|NO, ACTION_NEEDED: NONE|GUIDANCE|INTERVENTION|ABORT, ")
	default:
		b.WriteString("VERIFIED: YES|NO, ")
	}
	b.WriteString("RECOMMENDATION: <word>, REASON: <one line>.\n")
	return b.String()
}
