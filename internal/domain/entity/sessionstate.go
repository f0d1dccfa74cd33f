package entity

import "sync"

// SessionState is `{mainAgentState, subagentsById, fileContext}` (§3). The
// orchestrator owns the session; subagentsById is the single owner map for
// every spawned child, looked up by id so that out-of-order finish events
// (fan-out children finishing in any order) can still update the right
// state. No direct parent/child pointers are kept — only ids (§9).
type SessionState struct {
	mu sync.RWMutex

	mainAgent    *AgentState
	subagentsByID map[string]*AgentState

	// FileContext is opaque to the engine core — it is whatever the caller
	// attached (repo snapshot references, uploaded file ids, …) and is
	// threaded through unchanged.
	FileContext map[string]any
}

// NewSessionState creates a session around an already-constructed root
// agent state.
func NewSessionState(mainAgent *AgentState, fileContext map[string]any) *SessionState {
	return &SessionState{
		mainAgent:     mainAgent,
		subagentsByID: make(map[string]*AgentState),
		FileContext:   fileContext,
	}
}

// MainAgent returns the root agent's state.
func (s *SessionState) MainAgent() *AgentState { return s.mainAgent }

// RegisterSubagent adds a spawned child to the session's owner map. The map
// is append-only during a run (§5): a given agentId is registered exactly
// once.
func (s *SessionState) RegisterSubagent(state *AgentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subagentsByID[state.ID()] = state
}

// Subagent looks up a child by id, supporting out-of-order finish events.
func (s *SessionState) Subagent(agentID string) (*AgentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.subagentsByID[agentID]
	return st, ok
}

// AgentByID resolves either the main agent or a subagent by id.
func (s *SessionState) AgentByID(agentID string) (*AgentState, bool) {
	if s.mainAgent != nil && s.mainAgent.ID() == agentID {
		return s.mainAgent, true
	}
	return s.Subagent(agentID)
}

// SubagentIDs returns every registered subagent id, in no particular order.
func (s *SessionState) SubagentIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subagentsByID))
	for id := range s.subagentsByID {
		out = append(out, id)
	}
	return out
}
