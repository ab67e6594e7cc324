package llmclient

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front of
// a Client's transport calls. It estimates the token cost of each request,
// blocks the caller until capacity is available, and shrinks or grows its
// effective tokens-per-minute budget in response to whether recent calls hit
// the provider's own rate limit.
//
// One instance is meant to be shared by a single process's Client(s); it
// carries no cluster-coordination of its own (unlike the Pulse-backed
// variant this was adapted from), since nothing in this project runs
// multiple orchestrator processes against the same provider quota.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

const defaultInitialTPM = 60000

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with an initial
// tokens-per-minute budget and an upper bound. initialTPM defaults to 60000
// when zero or negative; maxTPM is clamped up to initialTPM when it is below
// it. The minimum budget floor is 10% of the initial value, and each probe
// step grows the budget by 5% of the initial value.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = defaultInitialTPM
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wait blocks until the limiter has capacity for estimatedTokens, or until ctx
// is done.
func (l *AdaptiveRateLimiter) Wait(ctx context.Context, estimatedTokens int) error {
	return l.limiter.WaitN(ctx, estimatedTokens)
}

// OnSuccess probes the budget upward by recoveryRate, capped at maxTPM.
func (l *AdaptiveRateLimiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.currentTPM + l.recoveryRate
	if next > l.maxTPM {
		next = l.maxTPM
	}
	if next == l.currentTPM {
		return
	}
	l.currentTPM = next
	l.limiter.SetLimit(rate.Limit(next / 60.0))
	l.limiter.SetBurst(int(next))
}

// OnRateLimited halves the budget, floored at minTPM.
func (l *AdaptiveRateLimiter) OnRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.currentTPM * 0.5
	if next < l.minTPM {
		next = l.minTPM
	}
	if next == l.currentTPM {
		return
	}
	l.currentTPM = next
	l.limiter.SetLimit(rate.Limit(next / 60.0))
	l.limiter.SetBurst(int(next))
}

// CurrentTPM returns the limiter's current effective tokens-per-minute
// budget.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimateTokens is a cheap heuristic for a request's token cost: message
// content length divided by an approximate 3-chars-per-token ratio, plus a
// fixed buffer for system-prompt and provider framing overhead.
func estimateTokens(req Request) int {
	charCount := len(req.SystemPrompt) + len(req.AppendSystemPrompt)
	for _, m := range req.Messages {
		charCount += len(m.Content)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
