// Package transport defines the wire-protocol message contracts of §6
// "External Interfaces" and a thin gorilla/websocket forwarder that relays
// Event Stream events to a connected client as response-chunk frames. The
// protocol types are exercised end to end by the forwarder; authentication,
// reconnect policy, and HTTP routing are the caller's concern (spec.md §1) —
// the same boundary the teacher draws around its own websocket package.
package transport

import (
	"encoding/json"

	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/tool"
)

// Action discriminates a wire frame's payload, the way the teacher's
// WSMessage.Type discriminates chat/stream/tool_call/... frames.
type Action string

const (
	// Client → Engine.
	ActionInit              Action = "init"
	ActionPrompt            Action = "prompt"
	ActionToolCallResponse  Action = "tool-call-response"
	ActionReadFilesResponse Action = "read-files-response"
	ActionMCPToolData       Action = "mcp-tool-data"
	ActionCancelUserInput   Action = "cancel-user-input"

	// Engine → Client.
	ActionResponseChunk         Action = "response-chunk"
	ActionSubagentResponseChunk Action = "subagent-response-chunk"
	ActionToolCallRequest       Action = "tool-call-request"
	ActionReadFiles             Action = "read-files"
	ActionPromptResponse        Action = "prompt-response"
	ActionPromptError           Action = "prompt-error"
	ActionRequestReconnect      Action = "request-reconnect"
)

// Envelope is the outer shape every frame shares: an Action tag plus a
// raw payload decoded into the matching typed struct below, mirroring the
// teacher's WSMessage but keyed by a polymorphic payload instead of a flat
// field set.
type Envelope struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ---- Client → Engine payloads ----

// InitMessage must precede any PromptMessage on a connection.
type InitMessage struct {
	FingerprintID string         `json:"fingerprintId"`
	AuthToken     string         `json:"authToken,omitempty"`
	FileContext   map[string]any `json:"fileContext,omitempty"`
	RepoURL       string         `json:"repoUrl,omitempty"`
}

// PromptMessage is a run request.
type PromptMessage struct {
	PromptID      string            `json:"promptId"`
	Prompt        string            `json:"prompt,omitempty"`
	Content       []WirePart        `json:"content,omitempty"`
	PromptParams  map[string]any    `json:"promptParams,omitempty"`
	FingerprintID string            `json:"fingerprintId"`
	SessionState  json.RawMessage   `json:"sessionState,omitempty"`
	ToolResults   []ToolResultInput `json:"toolResults,omitempty"`
	Model         string            `json:"model,omitempty"`
	RepoURL       string            `json:"repoUrl,omitempty"`
	AgentID       string            `json:"agentId,omitempty"`
}

// ToolResultInput pairs a prior tool-call-request's requestId with the
// output the client gathered for it, the bulk-prompt path's equivalent of
// a standalone ToolCallResponseMessage.
type ToolResultInput struct {
	RequestID string       `json:"requestId"`
	Output    []WirePart   `json:"output"`
	Success   bool         `json:"success"`
	ErrorText string       `json:"errorText,omitempty"`
}

// ToolCallResponseMessage answers a pending client-side tool call.
type ToolCallResponseMessage struct {
	RequestID string     `json:"requestId"`
	Output    []WirePart `json:"output"`
	Success   bool       `json:"success"`
	ErrorText string     `json:"errorText,omitempty"`
}

// ReadFilesResponseMessage answers a bulk read-files request. A nil map
// value for a path means the file does not exist or was denied.
type ReadFilesResponseMessage struct {
	RequestID string             `json:"requestId,omitempty"`
	Files     map[string]*string `json:"files"`
}

// MCPToolDataMessage reports dynamically discovered tools.
type MCPToolDataMessage struct {
	RequestID string       `json:"requestId"`
	Tools     []MCPToolDef `json:"tools"`
}

// MCPToolDef is one dynamically-discovered tool definition.
type MCPToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// CancelUserInputMessage cancels the run identified by promptId.
type CancelUserInputMessage struct {
	AuthToken string `json:"authToken,omitempty"`
	PromptID  string `json:"promptId"`
}

// ---- Engine → Client payloads ----

// ResponseChunkMessage is one unit of streamed progress for userInputId,
// carrying §6's `chunk: string | Event` as two fields: the forwarder always
// sets ChunkEvent, and for a text event ChunkText also carries its text.
type ResponseChunkMessage struct {
	UserInputID string      `json:"userInputId"`
	ChunkText   string      `json:"chunkText,omitempty"`
	ChunkEvent  *WireEvent  `json:"chunkEvent,omitempty"`
}

// SubagentResponseChunkMessage is the fan-out child's equivalent of
// ResponseChunkMessage, additionally naming the spawning agent and type.
type SubagentResponseChunkMessage struct {
	UserInputID     string     `json:"userInputId"`
	AgentID         string     `json:"agentId"`
	AgentType       string     `json:"agentType"`
	ChunkText       string     `json:"chunkText,omitempty"`
	ChunkEvent      *WireEvent `json:"chunkEvent,omitempty"`
	Prompt          string     `json:"prompt,omitempty"`
	ForwardToPrompt bool       `json:"forwardToPrompt,omitempty"`
}

// ToolCallRequestMessage asks the client to run a client-side tool.
type ToolCallRequestMessage struct {
	UserInputID string         `json:"userInputId"`
	RequestID   string         `json:"requestId"`
	ToolName    string         `json:"toolName"`
	Input       map[string]any `json:"input,omitempty"`
	TimeoutMS   int64          `json:"timeout,omitempty"`
	MCPConfig   map[string]any `json:"mcpConfig,omitempty"`
}

// ReadFilesMessage is the fast path for batched file reads.
type ReadFilesMessage struct {
	FilePaths []string `json:"filePaths"`
	RequestID string   `json:"requestId"`
}

// PromptResponseMessage is the terminal frame for a completed run.
type PromptResponseMessage struct {
	PromptID     string    `json:"promptId"`
	SessionState json.RawMessage `json:"sessionState,omitempty"`
	Output       WireOutput `json:"output"`
}

// PromptErrorMessage reports a run that ended in error before producing a
// terminal PromptResponseMessage.
type PromptErrorMessage struct {
	UserInputID      string `json:"userInputId"`
	Message          string `json:"message"`
	Error            string `json:"error,omitempty"`
	RemainingBalance *float64 `json:"remainingBalance,omitempty"`
}

// RequestReconnectMessage advises the client to reconnect gracefully
// before the server shuts down. It carries no payload.
type RequestReconnectMessage struct{}

// ---- Shared value shapes ----

// WirePart is the JSON rendering of a message.ContentPart (§3's content
// part union): only the fields relevant to Type are populated.
type WirePart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ToolCall *WireToolCall  `json:"toolCall,omitempty"`
	MediaURL string         `json:"mediaUrl,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
	JSON     any            `json:"json,omitempty"`
}

// WireToolCall is the JSON rendering of message.ToolCall.
type WireToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// WireOutput is the JSON rendering of entity.Output, matching §6's four
// output shapes verbatim: `{type, value}` for the three success kinds,
// `{type, message}` for error.
type WireOutput struct {
	Type    string        `json:"type"`
	Value   any           `json:"value,omitempty"`
	Message string        `json:"message,omitempty"`
}

// WireEvent is the JSON rendering of one eventstream.Event.
type WireEvent struct {
	Type          string         `json:"type"`
	AgentID       string         `json:"agentId"`
	ParentAgentID string         `json:"parentAgentId,omitempty"`
	Text          string         `json:"text,omitempty"`
	ToolCallID    string         `json:"toolCallId,omitempty"`
	ToolName      string         `json:"toolName,omitempty"`
	ToolInput     map[string]any `json:"toolInput,omitempty"`
	ToolResult    string         `json:"toolResult,omitempty"`
	ToolOK        bool           `json:"toolOk,omitempty"`
	Error         string         `json:"error,omitempty"`
	DownloadURL   string         `json:"downloadUrl,omitempty"`
	DownloadName  string         `json:"downloadName,omitempty"`
	FinishReason  string         `json:"finishReason,omitempty"`
}

// EventToWire renders an eventstream.Event as its wire shape.
func EventToWire(ev eventstream.Event) WireEvent {
	w := WireEvent{
		Type:          string(ev.Type),
		AgentID:       ev.AgentID,
		ParentAgentID: ev.ParentAgentID,
		Text:          ev.Text,
		ToolCallID:    ev.ToolCallID,
		ToolName:      ev.ToolName,
		ToolInput:     ev.ToolInput,
		ToolResult:    ev.ToolResult,
		ToolOK:        ev.ToolOK,
		DownloadURL:   ev.DownloadURL,
		DownloadName:  ev.DownloadName,
		FinishReason:  ev.FinishReason,
	}
	if ev.Err != nil {
		w.Error = ev.Err.Error()
	}
	return w
}

// PartsToWire renders message content parts as their wire shape.
func PartsToWire(parts []message.ContentPart) []WirePart {
	out := make([]WirePart, 0, len(parts))
	for _, p := range parts {
		wp := WirePart{Type: string(p.Type), Text: p.Text, MediaURL: p.MediaURL, MimeType: p.MimeType, JSON: p.JSONValue}
		if p.ToolCall != nil {
			wp.ToolCall = &WireToolCall{ID: p.ToolCall.ID, Name: p.ToolCall.Name, Input: p.ToolCall.Input}
		}
		out = append(out, wp)
	}
	return out
}

// WireToParts is PartsToWire's inverse, used to decode a
// ToolCallResponseMessage's Output into the tool.Result the engine's
// ClientCallback correlator expects.
func WireToParts(parts []WirePart) []message.ContentPart {
	out := make([]message.ContentPart, 0, len(parts))
	for _, p := range parts {
		switch message.PartType(p.Type) {
		case message.PartToolCall:
			if p.ToolCall != nil {
				out = append(out, message.NewToolCallPart(message.ToolCall{ID: p.ToolCall.ID, Name: p.ToolCall.Name, Input: p.ToolCall.Input}))
			}
		case message.PartImage:
			out = append(out, message.NewImagePart(p.MediaURL, p.MimeType))
		case message.PartFile:
			out = append(out, message.NewFilePart(p.MediaURL, p.MimeType, nil))
		case message.PartJSON:
			out = append(out, message.NewJSONPart(p.JSON))
		case message.PartMedia:
			out = append(out, message.NewMediaPart(p.MediaURL, p.MimeType, nil))
		default:
			out = append(out, message.NewTextPart(p.Text))
		}
	}
	return out
}

// ToolResultToWire renders a tool.Result as a ToolCallResponseMessage's
// Output field for a given requestID.
func ToolResultToWire(requestID string, r tool.Result) ToolCallResponseMessage {
	return ToolCallResponseMessage{
		RequestID: requestID,
		Output:    PartsToWire(r.Parts),
		Success:   r.Success,
		ErrorText: r.ErrorText,
	}
}

// OutputToWire renders an entity.Output as its §6 wire shape.
func OutputToWire(out entity.Output) WireOutput {
	switch out.Kind {
	case entity.OutputLastMessage:
		return WireOutput{Type: string(out.Kind), Value: PartsToWire(out.LastMessage)}
	case entity.OutputAllMessages:
		msgs := make([]WireMessage, 0, len(out.AllMessages))
		for _, m := range out.AllMessages {
			msgs = append(msgs, MessageToWire(m))
		}
		return WireOutput{Type: string(out.Kind), Value: msgs}
	case entity.OutputStructured:
		return WireOutput{Type: string(out.Kind), Value: out.Structured}
	default:
		return WireOutput{Type: string(entity.OutputError), Message: out.ErrorMessage}
	}
}

// WireMessage is the JSON rendering of one message.Message, used by the
// allMessages output shape.
type WireMessage struct {
	Role       string     `json:"role"`
	Parts      []WirePart `json:"parts"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolName   string     `json:"toolName,omitempty"`
	SentAt     int64      `json:"sentAt,omitempty"`
}

// MessageToWire renders a message.Message as its wire shape.
func MessageToWire(m message.Message) WireMessage {
	return WireMessage{
		Role:       string(m.Role()),
		Parts:      PartsToWire(m.Parts()),
		ToolCallID: m.ToolCallID(),
		ToolName:   m.ToolName(),
		SentAt:     m.SentAt(),
	}
}
