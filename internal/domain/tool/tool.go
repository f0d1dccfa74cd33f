// Package tool implements the Tool Registry & Gate: resolving a tool name
// to its handler and schema, classifying tools by kind and execution site,
// and enforcing the file-access policy (see filegate.go).
package tool

import (
	"context"
	"sync"

	"github.com/ngoclaw/stepengine/internal/domain/message"
)

// Kind classifies what a tool does, driving loop-detection exemptions and
// (for a richer policy layer than this core needs) permission decisions.
type Kind string

const (
	KindRead        Kind = "read"
	KindEdit        Kind = "edit"
	KindExecute     Kind = "execute"
	KindDelete      Kind = "delete"
	KindSearch      Kind = "search"
	KindFetch       Kind = "fetch"
	KindThink       Kind = "think"
	KindCommunicate Kind = "communicate"
)

// SafeKinds are read-only or side-effect free operations that are expected
// to be called repeatedly. LoopDetector does not consult Kind, so calls of
// these kinds count toward loop detection like any other.
var SafeKinds = map[Kind]bool{
	KindRead:   true,
	KindSearch: true,
	KindFetch:  true,
	KindThink:  true,
}

// MutatorKinds change state outside the agent's own history.
var MutatorKinds = map[Kind]bool{
	KindEdit:    true,
	KindExecute: true,
	KindDelete:  true,
}

// Site distinguishes where a tool call actually executes.
type Site string

const (
	// SiteClient tools (file read/write, terminal, glob, …) run on the
	// caller's side: the engine emits a ToolCallRequest event and awaits a
	// correlated ToolCallResponse.
	SiteClient Site = "client"
	// SiteEngine tools (think_deeply, set_output, spawn_agents, …) execute
	// synchronously inside the engine.
	SiteEngine Site = "engine"
)

// nonTerminating is the set of tools that never end an agent step on their
// own, per §4.4 item 5.
var nonTerminating = map[string]bool{
	"think_deeply":        true,
	"set_output":          true,
	"set_messages":        true,
	"add_message":         true,
	"suggest_followups":   true,
	"task_completed":      true,
	"write_todos":         true,
	"subgoal_plan":        true,
	"subgoal_plan_update": true,
}

// IsNonTerminating reports whether name belongs to the fixed
// non-terminating tool set.
func IsNonTerminating(name string) bool { return nonTerminating[name] }

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string
	Schema      map[string]any // JSON schema the input must satisfy
	Kind        Kind
	Site        Site

	// EndsAgentStep marks a tool as an explicit completion signal (an
	// "end_turn"-style tool): invoking it terminates the agent even though a
	// tool call happened. Default false — ordinary tools (glob, read_file,
	// bash, …) extend the loop into another step when called. Tools in the
	// fixed, built-in nonTerminating set do not: a step that called only
	// those ends the agent whatever this per-tool, registry-assigned flag
	// says. See S2 in the scenario suite: a single glob call
	// is followed by a second, terminating step, so ordinary tools must not
	// default to ending the agent.
	EndsAgentStep bool

	// TimeoutSeconds bounds one call of this tool, client-side or
	// engine-side; 0 uses the loop's ToolTimeout (default 30s), -1 disables.
	TimeoutSeconds int
}

// Handler executes an engine-side tool. Client-side tools have no Handler
// registered — their result arrives asynchronously via the ClientCallback.
type Handler func(ctx context.Context, input map[string]any) (Result, error)

// Result is what a tool handler returns: ordered {json, media} output parts.
type Result struct {
	Parts   []message.ContentPart
	Success bool
	// ErrorText is set when Success is false; it becomes the tool result's
	// visible error text in history.
	ErrorText string
}

// HasMedia reports whether the result contains a media part, triggering the
// tool-as-media rewrite.
func (r Result) HasMedia() bool {
	for _, p := range r.Parts {
		if p.Type == message.PartMedia {
			return true
		}
	}
	return false
}

type registration struct {
	def     Definition
	handler Handler
}

// Registry resolves a tool name to its definition and handler.
type Registry interface {
	Resolve(name string) (Definition, Handler, bool)
	Definitions(names []string) []Definition
}

// InMemoryRegistry is the engine's default Registry: immutable for the
// lifetime of a session once built (§5 shared-resources rule), guarded by
// an RWMutex only to support test setup that registers incrementally.
type InMemoryRegistry struct {
	mu   sync.RWMutex
	tool map[string]registration
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{tool: make(map[string]registration)}
}

// Register adds or replaces a tool definition. For client-side tools pass a
// nil handler.
func (r *InMemoryRegistry) Register(def Definition, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tool[def.Name] = registration{def: def, handler: handler}
}

// Resolve implements Registry.
func (r *InMemoryRegistry) Resolve(name string) (Definition, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tool[name]
	if !ok {
		return Definition{}, nil, false
	}
	return reg.def, reg.handler, true
}

// Definitions returns the schema-only definitions for the given tool names,
// in the order requested, skipping any name not registered — the "list of
// available tools (schemas only)" §4.4 item 2 sends to the model.
func (r *InMemoryRegistry) Definitions(names []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		if reg, ok := r.tool[name]; ok {
			out = append(out, reg.def)
		}
	}
	return out
}
