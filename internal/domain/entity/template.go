package entity

// OutputMode selects how a spawned agent's output is shaped once it
// terminates (§3, §4.5).
type OutputMode string

const (
	OutputModeLastMessage OutputMode = "last_message"
	OutputModeAllMessages OutputMode = "all_messages"
	OutputModeStructured  OutputMode = "structured_output"
)

// StepHandler is the generator contract a template may supply. The Step
// Handler Driver (service's stepHandlerDriver) calls Start and then Resume
// in strict sequence on the agent's own goroutine — entity only depends on
// this minimal interface so that AgentTemplate stays a read-only value
// regardless of how a given handler is implemented.
type StepHandler interface {
	// Start begins the coroutine and returns its first directive.
	Start() Directive
	// Resume supplies the outcome of the previously yielded directive and
	// returns the next one. ok is false once the handler has completed —
	// in which case the agent terminates regardless of what the model
	// would have done next (§4.3).
	Resume(r Resume) (next Directive, ok bool)
}

// AgentTemplate is the read-only definition of an agent kind (§3). Multiple
// live AgentStates may share one template.
type AgentTemplate struct {
	ID                 string
	Model              string
	SystemPrompt       string
	InstructionsPrompt string
	StepPrompt         string

	ToolNames          []string
	SpawnableAgentIDs  []string

	InputSchema map[string]any

	OutputMode   OutputMode
	OutputSchema map[string]any

	IncludeMessageHistory     bool
	InheritParentSystemPrompt bool

	// StepHandler is optional; nil means the agent runs the default
	// generate→extract→execute cycle every step.
	StepHandler StepHandler
}

// CanSpawn reports whether agentType is in this template's allow-list.
func (t AgentTemplate) CanSpawn(agentType string) bool {
	for _, id := range t.SpawnableAgentIDs {
		if id == agentType {
			return true
		}
	}
	return false
}
