// Package service implements the Step Handler Driver (§4.3), the Agent Step
// Loop (§4.4), the Session Orchestrator (§4.7), and the guardrail/hook/
// middleware/state-machine collaborators those two depend on — the bulk of
// the engine core.
package service

import (
	"context"

	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/tool"
)

// StreamChunk is one incremental piece of a streaming Generate call (§4.4
// step 2): a model response arrives as a stream of text, reasoning, and
// tool-call parts. Text and reasoning chunks are emitted on the Event Stream
// as they land; tool-call parts surface as tool_call events when the step
// executes them.
type StreamChunk struct {
	Text         string
	Reasoning    string
	ToolCall     *message.ToolCall
	FinishReason string
}

// GenerateRequest is what the Agent Step Loop sends to the abstract model
// capability for one step's generate call.
type GenerateRequest struct {
	Messages    []message.Message
	Tools       []tool.Definition
	Model       string
	Temperature float64
	MaxTokens   int
}

// GenerateResponse is the accumulated result of a Generate call, once the
// stream has finished.
type GenerateResponse struct {
	Parts      []message.ContentPart
	TokensUsed int
	ModelUsed  string
}

// LLMClient is the abstract `Generate` capability spec.md §1 names as out of
// scope for this core ("the LLM provider adapters, treated as an abstract
// Generate capability"); a concrete provider implementation lives outside
// this module. The engine depends only on this interface, and per §7 never
// retries a failed call itself.
type LLMClient interface {
	GenerateStream(ctx context.Context, req GenerateRequest, deltaCh chan<- StreamChunk) (*GenerateResponse, error)
}

// ToolCallExtractor pulls additional tool calls out of streamed assistant
// text via a structured-tag protocol (§4.4 step 3). Treated as an opaque
// collaborator — spec.md §1 names the concrete streaming XML parser out of
// scope ("treated as an abstract ToolCallExtractor").
type ToolCallExtractor interface {
	Extract(text string) []message.ToolCall
}
