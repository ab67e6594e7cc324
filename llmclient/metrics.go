package llmclient

import "sync"

// CallMetrics is a deep-copyable snapshot of client-wide call accounting
// (§4.2 "getMetrics returns a deep copy").
type CallMetrics struct {
	TotalCalls     int
	TotalRetries   int
	TotalFallbacks int
	TotalCostUSD   float64
	CallsByAgent   map[string]int
}

type metricsTracker struct {
	mu             sync.Mutex
	totalCalls     int
	totalRetries   int
	totalFallbacks int
	totalCostUSD   float64
	callsByAgent   map[string]int
}

func newMetricsTracker() *metricsTracker {
	return &metricsTracker{callsByAgent: make(map[string]int)}
}

func (m *metricsTracker) recordCall(agentName string, costUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls++
	m.totalCostUSD += costUSD
	m.callsByAgent[agentName]++
}

func (m *metricsTracker) recordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRetries++
}

func (m *metricsTracker) recordFallback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalFallbacks++
}

func (m *metricsTracker) snapshot() CallMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAgent := make(map[string]int, len(m.callsByAgent))
	for k, v := range m.callsByAgent {
		byAgent[k] = v
	}
	return CallMetrics{
		TotalCalls:     m.totalCalls,
		TotalRetries:   m.totalRetries,
		TotalFallbacks: m.totalFallbacks,
		TotalCostUSD:   m.totalCostUSD,
		CallsByAgent:   byAgent,
	}
}
