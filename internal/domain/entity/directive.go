package entity

// DirectiveKind discriminates the Directive union a step handler yields
// (§3).
type DirectiveKind string

const (
	DirectiveStep     DirectiveKind = "STEP"
	DirectiveStepAll  DirectiveKind = "STEP_ALL"
	DirectiveStepText DirectiveKind = "STEP_TEXT"
	DirectiveGenerateN DirectiveKind = "GENERATE_N"
	DirectiveToolCall DirectiveKind = "TOOL_CALL"
)

// Directive is one unit of work a step handler yields to the driver.
// Exactly one of the kind-specific fields is meaningful, selected by Kind.
type Directive struct {
	Kind DirectiveKind

	// STEP_TEXT
	Text string

	// GENERATE_N
	N int

	// TOOL_CALL
	ToolName         string
	ToolInput        map[string]any
	IncludeToolCall  bool
}

// Step builds a STEP directive.
func Step() Directive { return Directive{Kind: DirectiveStep} }

// StepAll builds a STEP_ALL directive.
func StepAll() Directive { return Directive{Kind: DirectiveStepAll} }

// StepText builds a STEP_TEXT directive.
func StepText(text string) Directive { return Directive{Kind: DirectiveStepText, Text: text} }

// GenerateN builds a GENERATE_N directive.
func GenerateN(n int) Directive { return Directive{Kind: DirectiveGenerateN, N: n} }

// ToolCallDirective builds a TOOL_CALL directive. includeToolCall controls
// whether the call and its result are recorded in the agent's visible
// history.
func ToolCallDirective(name string, input map[string]any, includeToolCall bool) Directive {
	return Directive{
		Kind:            DirectiveToolCall,
		ToolName:        name,
		ToolInput:       input,
		IncludeToolCall: includeToolCall,
	}
}

// Resume is the value a step handler is resumed with after a directive
// completes (§3): `{agentState, toolResult, stepsComplete, nResponses?}`.
type Resume struct {
	AgentState *AgentState

	// ToolResult carries a TOOL_CALL directive's outcome.
	ToolResult     string
	ToolResultFail bool

	// StepsComplete is true once a STEP/STEP_ALL/STEP_TEXT directive has
	// run its course.
	StepsComplete bool

	// NResponses carries a GENERATE_N directive's completions.
	NResponses []string
}
