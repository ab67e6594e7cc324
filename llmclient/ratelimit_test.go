package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestAdaptiveRateLimiterBacksOffOnRateLimited(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 60000)
	initial := l.CurrentTPM()

	l.OnRateLimited()

	require.Less(t, l.CurrentTPM(), initial)
	require.GreaterOrEqual(t, l.CurrentTPM(), l.minTPM)
}

func TestAdaptiveRateLimiterProbesUpOnSuccess(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 120000)
	l.recoveryRate = 1000
	initial := l.CurrentTPM()

	l.OnSuccess()

	require.Greater(t, l.CurrentTPM(), initial)
}

func TestAdaptiveRateLimiterProbeNeverExceedsMax(t *testing.T) {
	l := NewAdaptiveRateLimiter(60000, 60500)
	l.recoveryRate = 10000

	for i := 0; i < 5; i++ {
		l.OnSuccess()
	}

	require.LessOrEqual(t, l.CurrentTPM(), 60500.0)
}

func TestAdaptiveRateLimiterWaitRespectsContext(t *testing.T) {
	l := NewAdaptiveRateLimiter(60, 60)
	// Draining the 60-token bucket makes the next Wait need about a minute,
	// so a canceled context has to end it at once.
	require.NoError(t, l.Wait(context.Background(), 60))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Wait(ctx, 60), context.Canceled)

	// A request larger than the burst fails immediately, whatever the context.
	l.limiter = rate.NewLimiter(0, 0)

	err := l.Wait(context.Background(), 500)
	require.Error(t, err)
}

func TestEstimateTokensIsMonotonicInMessageLength(t *testing.T) {
	small := estimateTokens(Request{Messages: []Message{{Role: "user", Content: "short"}}})
	big := estimateTokens(Request{Messages: []Message{{Role: "user", Content: "this is a much longer message than the other one"}}})

	require.Positive(t, small)
	require.Greater(t, big, small)
}

func TestIsRateLimitErrorMatchesSubstring(t *testing.T) {
	require.True(t, isRateLimitError(errors.New("provider returned rate_limit_error: slow down")))
	require.False(t, isRateLimitError(errors.New("invalid_api_key")))
	require.False(t, isRateLimitError(nil))
}

// clientLimiterTransport counts calls and optionally returns a rate-limit
// error on the first N calls before succeeding, to exercise the limiter
// wiring inside Client.call without needing a real provider.
type clientLimiterTransport struct {
	failFirstN int
	calls      int
}

func (c *clientLimiterTransport) Complete(ctx context.Context, req Request) (Response, error) {
	c.calls++
	if c.calls <= c.failFirstN {
		return Response{}, errors.New("rate_limit_error: too many requests")
	}
	return Response{Text: "ok"}, nil
}

func TestClientRateLimitOptInBacksOffThenRecovers(t *testing.T) {
	tr := &clientLimiterTransport{failFirstN: 1}
	c := New(tr, WithRateLimit(60000, 60000), WithBaseDelay(time.Millisecond))

	_, err := c.SendPrompt(context.Background(), "planner", "do a thing", Options{}, Callbacks{})
	require.NoError(t, err)
	require.Less(t, c.limiter.CurrentTPM(), 60000.0)
}

func TestClientWithoutRateLimitOptInHasNoLimiter(t *testing.T) {
	c := New(&clientLimiterTransport{})
	require.Nil(t, c.limiter)
}
