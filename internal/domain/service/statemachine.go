package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunState is the Agent Step Loop's own lifecycle state, distinct from (and
// tracked alongside) entity.AgentState, the data aggregate a step loop
// mutates. Named RunState rather than the teacher's AgentState to avoid
// colliding with that entity type in this module.
//
// Grounded on the teacher's service.AgentState / state_machine.go.
type RunState string

const (
	StateIdle       RunState = "idle"
	StateGenerating RunState = "generating"
	StateToolExec   RunState = "tool_exec"
	StateHandler    RunState = "handler"
	StateComplete   RunState = "complete"
	StateError      RunState = "error"
	StateAborted    RunState = "aborted"
	StateStepLimit  RunState = "step_limit"
)

var validTransitions = map[RunState]map[RunState]bool{
	StateIdle: {
		StateGenerating: true,
		StateHandler:    true,
	},
	StateGenerating: {
		StateToolExec:  true,
		StateHandler:   true,
		StateComplete:  true,
		StateError:     true,
		StateAborted:   true,
		StateStepLimit: true,
	},
	StateToolExec: {
		StateGenerating: true,
		StateComplete:   true,
		StateError:      true,
		StateAborted:    true,
		StateStepLimit:  true,
	},
	StateHandler: {
		StateGenerating: true,
		StateToolExec:   true,
		StateComplete:   true,
		StateError:      true,
		StateAborted:    true,
	},
	// Terminal states — no transitions out.
	StateComplete:  {},
	StateError:     {},
	StateAborted:   {},
	StateStepLimit: {},
}

// StateSnapshot captures runtime state at a point in time.
type StateSnapshot struct {
	State         RunState
	Step          int
	MaxSteps      int
	TokensUsed    int64
	ToolsExecuted int
	ErrorCount    int
	Elapsed       time.Duration
	ModelUsed     string
	LastTool      string
}

// StateMachine tracks one agent's run-state transitions. Thread-safe.
//
// Grounded on the teacher's StateMachine (state_machine.go): same
// validTransitions-map enforcement and listener-copy-then-notify-outside-
// lock concurrency idiom.
type StateMachine struct {
	mu            sync.RWMutex
	state         RunState
	step          int
	maxSteps      int
	tokensUsed    int64
	toolsExecuted int
	errorCount    int
	startTime     time.Time
	modelUsed     string
	lastTool      string
	logger        *zap.Logger

	listeners []func(from, to RunState, snap StateSnapshot)
}

// NewStateMachine creates a state machine starting in Idle.
func NewStateMachine(maxSteps int, logger *zap.Logger) *StateMachine {
	return &StateMachine{state: StateIdle, maxSteps: maxSteps, startTime: time.Now(), logger: logger}
}

// State returns the current state.
func (sm *StateMachine) State() RunState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Snapshot returns a copy of the current runtime state.
func (sm *StateMachine) Snapshot() StateSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshotLocked()
}

func (sm *StateMachine) snapshotLocked() StateSnapshot {
	return StateSnapshot{
		State:         sm.state,
		Step:          sm.step,
		MaxSteps:      sm.maxSteps,
		TokensUsed:    sm.tokensUsed,
		ToolsExecuted: sm.toolsExecuted,
		ErrorCount:    sm.errorCount,
		Elapsed:       time.Since(sm.startTime),
		ModelUsed:     sm.modelUsed,
		LastTool:      sm.lastTool,
	}
}

// Transition attempts to move to state `to`, returning an error if the
// transition is not allowed by validTransitions.
func (sm *StateMachine) Transition(to RunState) error {
	sm.mu.Lock()
	from := sm.state
	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		sm.mu.Unlock()
		err := fmt.Errorf("invalid state transition: %s -> %s", from, to)
		if sm.logger != nil {
			sm.logger.Error("state machine violation", zap.Error(err))
		}
		return err
	}
	sm.state = to
	snap := sm.snapshotLocked()
	listeners := make([]func(from, to RunState, snap StateSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	for _, fn := range listeners {
		fn(from, to, snap)
	}
	return nil
}

// OnTransition registers a listener invoked on every transition, outside
// the internal lock.
func (sm *StateMachine) OnTransition(fn func(from, to RunState, snap StateSnapshot)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// SetStep updates the step counter.
func (sm *StateMachine) SetStep(step int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.step = step
}

// AddTokens increments the token counter.
func (sm *StateMachine) AddTokens(n int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.tokensUsed += n
}

// RecordToolExec records a tool execution.
func (sm *StateMachine) RecordToolExec(toolName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.toolsExecuted++
	sm.lastTool = toolName
}

// RecordError increments the error counter.
func (sm *StateMachine) RecordError() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errorCount++
}

// SetModel records the model identifier in use.
func (sm *StateMachine) SetModel(model string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.modelUsed = model
}

// IsTerminal reports whether the machine is in a terminal state.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	switch sm.state {
	case StateComplete, StateError, StateAborted, StateStepLimit:
		return true
	}
	return false
}
