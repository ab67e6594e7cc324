package domain

import "time"

// Phase is one of the three top-level orchestrator phases that share a
// TimeBudget (spec §3, §4.7).
type Phase string

const (
	PhasePlanning      Phase = "planning"
	PhaseExecution     Phase = "execution"
	PhaseVerification  Phase = "verification"
)

// PhaseAllocations is the time.Duration each phase of a run may spend,
// derived from a total budget per spec §3:
//   planning     = min(10% of total, 15m)
//   execution    = 80% of total
//   verification = min(10% of total, 10m)
type PhaseAllocations struct {
	Planning     time.Duration
	Execution    time.Duration
	Verification time.Duration
}

func newPhaseAllocations(total time.Duration) PhaseAllocations {
	planning := total / 10
	if planning > 15*time.Minute {
		planning = 15 * time.Minute
	}
	verification := total / 10
	if verification > 10*time.Minute {
		verification = 10 * time.Minute
	}
	return PhaseAllocations{
		Planning:     planning,
		Execution:    total * 8 / 10,
		Verification: verification,
	}
}

// TimeBudget tracks elapsed wall-clock time against a total run budget and
// its per-phase allocations (spec §3, §6 timeLimit default 2h).
type TimeBudget struct {
	Total       time.Duration
	StartedAt   time.Time
	Allocations PhaseAllocations
	// PhaseElapsed accumulates time spent in each phase, keyed by Phase.
	PhaseElapsed map[Phase]time.Duration
}

// NewTimeBudget constructs a TimeBudget starting at startedAt with total as
// the overall run budget.
func NewTimeBudget(total time.Duration, startedAt time.Time) *TimeBudget {
	return &TimeBudget{
		Total:        total,
		StartedAt:    startedAt,
		Allocations:  newPhaseAllocations(total),
		PhaseElapsed: make(map[Phase]time.Duration),
	}
}

// Elapsed returns now - StartedAt.
func (b *TimeBudget) Elapsed(now time.Time) time.Duration {
	return now.Sub(b.StartedAt)
}

// IsExpired reports whether the total budget has been consumed.
func (b *TimeBudget) IsExpired(now time.Time) bool {
	return b.Elapsed(now) >= b.Total
}

// Remaining returns the time left in the total budget, floored at zero.
func (b *TimeBudget) Remaining(now time.Time) time.Duration {
	left := b.Total - b.Elapsed(now)
	if left < 0 {
		return 0
	}
	return left
}

// AddPhaseElapsed accumulates d of wall-clock time against phase.
func (b *TimeBudget) AddPhaseElapsed(phase Phase, d time.Duration) {
	b.PhaseElapsed[phase] += d
}

// PhaseExpired reports whether phase has consumed its allocation.
func (b *TimeBudget) PhaseExpired(phase Phase) bool {
	var alloc time.Duration
	switch phase {
	case PhasePlanning:
		alloc = b.Allocations.Planning
	case PhaseExecution:
		alloc = b.Allocations.Execution
	case PhaseVerification:
		alloc = b.Allocations.Verification
	default:
		return false
	}
	return b.PhaseElapsed[phase] >= alloc
}
