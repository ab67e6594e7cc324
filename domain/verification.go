package domain

import "time"

// IssueSeverity ranks a finding raised during testing or review.
type IssueSeverity string

const (
	SeverityCritical   IssueSeverity = "critical"
	SeverityMajor      IssueSeverity = "major"
	SeverityMinor      IssueSeverity = "minor"
	SeveritySuggestion IssueSeverity = "suggestion"
)

// IssueCategory classifies the kind of problem an issue describes. The
// exploratory (LLM) phase of testing and the automated (parser) phase both
// emit issues tagged with one of these.
type IssueCategory string

const (
	CategoryLogicError    IssueCategory = "LOGIC_ERROR"
	CategoryEdgeCase      IssueCategory = "EDGE_CASE"
	CategoryErrorHandling IssueCategory = "ERROR_HANDLING"
	CategorySecurity      IssueCategory = "SECURITY"
	CategoryPerformance   IssueCategory = "PERFORMANCE"
	CategoryCodeQuality   IssueCategory = "CODE_QUALITY"
	CategoryTestFailure   IssueCategory = "TEST_FAILURE"
	CategoryMissingTest   IssueCategory = "MISSING_TEST"
)

// Issue is a single finding raised by either the automated test runner or
// the exploratory LLM review.
type Issue struct {
	Severity      IssueSeverity
	Category      IssueCategory
	Description   string
	Location      string
	SuggestedFix  string
	RootCause     string
}

// TestResult is the outcome of the Tester's runTests operation (spec §4.5):
// the merged union of the automated and exploratory phases, plus the
// pass/fail verdict derived from issue severities.
type TestResult struct {
	ID          string
	StepID      string
	Passed      bool
	Issues      []Issue
	Suggestions []string
	RawOutput   string
	Duration    time.Duration
	Coverage    *TestCoverageAnalysis
	FixPlan     *DetailedFixPlan
}

// Verdict computes Passed from Issues per spec §4.5 rule 4: passed iff no
// issue has severity critical or major.
func Verdict(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityCritical || iss.Severity == SeverityMajor {
			return false
		}
	}
	return true
}

// CoverageBucket buckets a coverage percentage per spec §4.5.
type CoverageBucket string

const (
	CoverageNone      CoverageBucket = "none"
	CoveragePoor      CoverageBucket = "poor"
	CoveragePartial   CoverageBucket = "partial"
	CoverageGood      CoverageBucket = "good"
	CoverageExcellent CoverageBucket = "excellent"
)

// BucketForPercent maps a coverage percentage (0-100) to its bucket:
// none(0), poor(<40), partial(<70), good(<90), excellent(>=90).
func BucketForPercent(pct float64) CoverageBucket {
	switch {
	case pct <= 0:
		return CoverageNone
	case pct < 40:
		return CoveragePoor
	case pct < 70:
		return CoveragePartial
	case pct < 90:
		return CoverageGood
	default:
		return CoverageExcellent
	}
}

// TestQuality summarizes how trustworthy a TestResult's coverage is.
type TestQuality string

const (
	TestQualityGood       TestQuality = "good"
	TestQualityAcceptable TestQuality = "acceptable"
	TestQualityPoor       TestQuality = "poor"
)

// TestCoverageAnalysis is the Tester's heuristic pairing of modified files
// to test files (spec §4.5 "Coverage analysis").
type TestCoverageAnalysis struct {
	ModifiedFiles []string
	TestedFiles   []string
	PercentPaired float64
	Bucket        CoverageBucket
	Quality       TestQuality
}

// AnalyzeCoverage computes the coverage bucket and quality for a set of
// modified/tested files and issue count, per spec §4.5: percent = tested /
// modified; quality is good if zero issues and nonzero coverage, acceptable
// if at most 2 issues, poor otherwise.
func AnalyzeCoverage(modified, tested []string, issueCount int) *TestCoverageAnalysis {
	pct := 0.0
	if len(modified) > 0 {
		pct = 100 * float64(len(tested)) / float64(len(modified))
	}
	quality := TestQualityPoor
	switch {
	case issueCount == 0 && len(tested) > 0:
		quality = TestQualityGood
	case issueCount <= 2:
		quality = TestQualityAcceptable
	}
	return &TestCoverageAnalysis{
		ModifiedFiles: modified,
		TestedFiles:   tested,
		PercentPaired: pct,
		Bucket:        BucketForPercent(pct),
		Quality:       quality,
	}
}

// FixPriority is derived from the highest issue severity in a DetailedFixPlan.
type FixPriority string

const (
	FixPriorityCritical FixPriority = "critical"
	FixPriorityHigh     FixPriority = "high"
	FixPriorityMedium   FixPriority = "medium"
	FixPriorityLow      FixPriority = "low"
)

// PriorityForIssues derives FixPriority from the worst severity present.
func PriorityForIssues(issues []Issue) FixPriority {
	worst := SeveritySuggestion
	for _, iss := range issues {
		if severityRank(iss.Severity) > severityRank(worst) {
			worst = iss.Severity
		}
	}
	switch worst {
	case SeverityCritical:
		return FixPriorityCritical
	case SeverityMajor:
		return FixPriorityHigh
	case SeverityMinor:
		return FixPriorityMedium
	default:
		return FixPriorityLow
	}
}

func severityRank(s IssueSeverity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityMajor:
		return 3
	case SeverityMinor:
		return 2
	default:
		return 1
	}
}

// FixStep is one ordered action within a DetailedFixPlan.
type FixStep struct {
	Description string
	TargetFile  string
}

// FixAttempt records one historical attempt to resolve a DetailedFixPlan,
// so subsequent attempts can avoid repeating a failed approach (spec §4.3
// "adaptive sub-plan" and §4.5 fix-cycle learning).
type FixAttempt struct {
	Approach  string
	Succeeded bool
	Notes     string
}

// DetailedFixPlan is produced by the Tester when a TestResult fails (spec
// §3, §4.5). Priority is derived from the worst issue severity;
// AvoidApproaches is populated from PreviousAttempts that failed.
type DetailedFixPlan struct {
	ID               string
	TestResultID     string
	Issues           []Issue
	FixSteps         []FixStep
	Priority         FixPriority
	PreviousAttempts []FixAttempt
	SuggestedApproach string
	AvoidApproaches  []string
}

// NewDetailedFixPlan derives Priority and AvoidApproaches from issues and
// previous attempts.
func NewDetailedFixPlan(id, testResultID string, issues []Issue, steps []FixStep, suggested string, previous []FixAttempt) *DetailedFixPlan {
	var avoid []string
	for _, a := range previous {
		if !a.Succeeded {
			avoid = append(avoid, a.Approach)
		}
	}
	return &DetailedFixPlan{
		ID:                id,
		TestResultID:      testResultID,
		Issues:            issues,
		FixSteps:          steps,
		Priority:          PriorityForIssues(issues),
		PreviousAttempts:  previous,
		SuggestedApproach: suggested,
		AvoidApproaches:   avoid,
	}
}

// VerificationType enumerates the Supervisor's dedicated verification
// prompts (spec §4.6).
type VerificationType string

const (
	VerificationPlanPre VerificationType = "PLAN_PRE"
	VerificationPlan    VerificationType = "PLAN"
	VerificationCode    VerificationType = "CODE"
	VerificationTest    VerificationType = "TEST"
	VerificationStep    VerificationType = "STEP"
	VerificationGoal    VerificationType = "GOAL"
	VerificationProgress VerificationType = "PROGRESS"
)

// VerificationResult is the parsed, uniform response the Supervisor derives
// from each verification prompt (spec §4.6).
type VerificationResult struct {
	Type           VerificationType
	TargetID       string
	Verified       bool
	Score          int
	Recommendation string
	Reason         string
	// Fields below apply only to specific verification types; zero values
	// otherwise.
	Completeness int  // GOAL: GOAL_ACHIEVED completeness percentage
	ActionNeeded string // PROGRESS: ACTION_NEEDED field
}

// GateType names a quality gate and its default threshold (spec §3).
type GateType string

const (
	GatePlanApproval    GateType = "plan_approval"
	GateCodeApproval    GateType = "code_approval"
	GateStepCompletion  GateType = "step_completion"
	GateGoalAchievement GateType = "goal_achievement"
)

// DefaultThreshold returns the spec §3 default threshold for a GateType.
func (g GateType) DefaultThreshold() int {
	switch g {
	case GatePlanApproval:
		return 70
	case GateCodeApproval:
		return 60
	case GateStepCompletion:
		return 70
	case GateGoalAchievement:
		return 80
	default:
		return 0
	}
}

// GateDecision is the outcome of evaluating a QualityGate.
type GateDecision string

const (
	DecisionPending       GateDecision = "pending"
	DecisionApproved      GateDecision = "approved"
	DecisionNeedsRevision GateDecision = "needs_revision"
	DecisionRejected      GateDecision = "rejected"
)

// QualityGate is a pass/fail threshold check on a verification score (spec
// §3, §4.6).
type QualityGate struct {
	Type      GateType
	TargetID  string
	Threshold int
	Score     int
	Passed    bool
	Decision  GateDecision
}

// NewQualityGate evaluates a QualityGate from a verification score per spec
// §3 against gateType's default threshold. Callers that carry a
// configured, possibly-overridden threshold (spec §6 "quality thresholds")
// should use NewQualityGateWithThreshold instead.
func NewQualityGate(gateType GateType, targetID string, score int) QualityGate {
	return NewQualityGateWithThreshold(gateType, targetID, score, gateType.DefaultThreshold())
}

// NewQualityGateWithThreshold evaluates a QualityGate from a verification
// score against an explicit threshold: passed iff score >= threshold;
// decision is rejected when score < threshold-20, needs_revision when
// failed but not rejected, approved when passed.
func NewQualityGateWithThreshold(gateType GateType, targetID string, score, threshold int) QualityGate {
	passed := score >= threshold
	decision := DecisionApproved
	switch {
	case passed:
		decision = DecisionApproved
	case score < threshold-20:
		decision = DecisionRejected
	default:
		decision = DecisionNeedsRevision
	}
	return QualityGate{
		Type:      gateType,
		TargetID:  targetID,
		Threshold: threshold,
		Score:     score,
		Passed:    passed,
		Decision:  decision,
	}
}
