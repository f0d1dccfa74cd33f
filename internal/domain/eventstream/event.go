// Package eventstream implements the ordered, typed Event Stream (§4.6): the
// single channel through which the engine reports agent lifecycle, model
// output, and tool activity to whatever is driving the session.
package eventstream

import "time"

// Type discriminates an Event (§4.6). Every type the spec names has a
// constant here; there is no open "custom" type.
type Type string

const (
	TypeStart          Type = "start"
	TypeFinish         Type = "finish"
	TypeError          Type = "error"
	TypeText           Type = "text"
	TypeReasoningDelta Type = "reasoning_delta"
	TypeToolCall       Type = "tool_call"
	TypeToolResult     Type = "tool_result"
	TypeSubagentStart  Type = "subagent_start"
	TypeSubagentFinish Type = "subagent_finish"
	TypeResponseChunk  Type = "response_chunk"
	TypeDownload       Type = "download"
)

// Event is one entry on the stream. AgentID identifies the agent the event
// is about; ParentAgentID is set only on subagent_start/subagent_finish,
// naming the agent that did the spawning.
type Event struct {
	Type          Type
	AgentID       string
	ParentAgentID string
	Timestamp     time.Time

	// TypeText / TypeReasoningDelta / TypeResponseChunk
	Text string

	// TypeToolCall / TypeToolResult
	ToolCallID string
	ToolName   string
	ToolInput  map[string]any
	ToolResult string
	ToolOK     bool

	// TypeError
	Err error

	// TypeDownload
	DownloadURL  string
	DownloadName string

	// TypeFinish / TypeSubagentFinish
	FinishReason string
}
