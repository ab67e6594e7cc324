package llmclient

import "sync"

type session struct {
	id       string
	messages []Message
}

// sessionTable maps agentName to its live session (§4.2 "Session table").
// Outside code must not reach into it directly; the client serializes all
// access.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

func (t *sessionTable) get(agentName string) (*session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[agentName]
	return s, ok
}

func (t *sessionTable) set(agentName string, s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[agentName] = s
}

func (t *sessionTable) clear(agentName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, agentName)
}
