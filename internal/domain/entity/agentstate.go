// Package entity holds the engine's mutable runtime aggregates: AgentState,
// SessionState, the read-only AgentTemplate, and the Directive union a step
// handler yields.
package entity

import (
	"sync"

	"github.com/ngoclaw/stepengine/internal/domain/message"
)

// OutputKind discriminates the shape of an agent's final output (§6
// "Output shapes").
type OutputKind string

const (
	OutputLastMessage OutputKind = "lastMessage"
	OutputAllMessages OutputKind = "allMessages"
	OutputStructured  OutputKind = "structuredOutput"
	OutputError       OutputKind = "error"
)

// Output is the shaped result of an agent's run, matching §6's four output
// shapes exactly.
type Output struct {
	Kind         OutputKind
	LastMessage  []message.ContentPart
	AllMessages  []message.Message
	Structured   any
	ErrorMessage string
}

// AgentState is `{agentId, parentId?, agentType, messageHistory,
// creditsUsed, directCreditsUsed, childAgentIds[], output?}` (§3).
// messageHistory is owned by the state; it is mutated only by the Agent
// Step Loop that owns this state (§5) — every other reader must snapshot.
type AgentState struct {
	mu sync.RWMutex

	agentID   string
	parentID  string // empty for the root agent
	agentType string

	messageHistory []message.Message

	creditsUsed       float64
	directCreditsUsed float64

	childAgentIDs []string

	output *Output

	// pendingStructured holds the last value set by the engine-side
	// set_output tool (§9: "a hidden terminal tool... last-write-wins within
	// a single step"), staged until the step loop shapes the final Output.
	pendingStructured    any
	hasPendingStructured bool
}

// NewAgentState creates a fresh AgentState. parentID is empty for the root
// agent created directly by the Session Orchestrator.
func NewAgentState(agentID, parentID, agentType string) *AgentState {
	return &AgentState{
		agentID:   agentID,
		parentID:  parentID,
		agentType: agentType,
	}
}

func (a *AgentState) ID() string        { return a.agentID }
func (a *AgentState) ParentID() string  { return a.parentID }
func (a *AgentState) IsRoot() bool      { return a.parentID == "" }
func (a *AgentState) AgentType() string { return a.agentType }

// MessageHistory returns a snapshot of the message history. Safe to call
// from any goroutine; the owning step loop may continue appending
// concurrently, but callers never observe a torn read.
func (a *AgentState) MessageHistory() []message.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]message.Message, len(a.messageHistory))
	copy(out, a.messageHistory)
	return out
}

// AppendMessage appends m to the history. Only the owning step loop (or
// the Spawner, splicing an inline child's messages back onto its parent
// once the child ends) may call this.
func (a *AgentState) AppendMessage(m message.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messageHistory = append(a.messageHistory, m)
}

// SetMessageHistory replaces the entire history — used by the engine-side
// set_messages tool.
func (a *AgentState) SetMessageHistory(messages []message.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messageHistory = append([]message.Message(nil), messages...)
}

// AddCredits accumulates token/cost usage for this agent. direct is the
// portion attributable to this agent's own generations, as opposed to
// credits its children consumed.
func (a *AgentState) AddCredits(used, direct float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creditsUsed += used
	a.directCreditsUsed += direct
}

func (a *AgentState) CreditsUsed() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creditsUsed
}

func (a *AgentState) DirectCreditsUsed() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.directCreditsUsed
}

// AddChild records a spawned child's id. SessionState.subagentsById remains
// the sole owner map (§9); this slice is only the parent→child reference.
func (a *AgentState) AddChild(childID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.childAgentIDs = append(a.childAgentIDs, childID)
}

func (a *AgentState) ChildAgentIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.childAgentIDs))
	copy(out, a.childAgentIDs)
	return out
}

// SetOutput finalizes the agent's shaped output. Called once, on the
// terminal step.
func (a *AgentState) SetOutput(out Output) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.output = &out
}

// Output returns the agent's finalized output, if any.
func (a *AgentState) Output() (Output, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.output == nil {
		return Output{}, false
	}
	return *a.output, true
}

// SetPendingStructured records the value passed to set_output. Last call
// within a step wins; it is read back when the agent terminates and
// outputMode is structured_output.
func (a *AgentState) SetPendingStructured(v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingStructured = v
	a.hasPendingStructured = true
}

// PendingStructured returns the last value passed to set_output, if any.
func (a *AgentState) PendingStructured() (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pendingStructured, a.hasPendingStructured
}
