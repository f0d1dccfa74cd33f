package message

import (
	"unicode/utf8"

	"github.com/ngoclaw/stepengine/internal/domain/valueobject"
)

// PartType discriminates the kind of a ContentPart.
type PartType string

const (
	PartText     PartType = "text"
	PartReasoning PartType = "reasoning"
	PartToolCall PartType = "tool-call"
	PartImage    PartType = "image"
	PartFile     PartType = "file"
	PartJSON     PartType = "json"
	PartMedia    PartType = "media"
)

// ToolCall is a structured request from an assistant message to invoke a
// handler by name with typed input. Id is unique within the owning agent's
// history.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ContentPart is one ordered unit of message content. Only the fields
// relevant to Type are populated; the zero value of the rest is ignored.
type ContentPart struct {
	Type PartType

	Text string

	// ToolCall is set when Type == PartToolCall.
	ToolCall *ToolCall

	// MediaURL/MimeType/Data describe image/file/media parts.
	MediaURL string
	MimeType string
	Data     []byte

	// JSONValue carries a tool's json-shaped output part.
	JSONValue any

	// ProviderOptions carries a per-part cache-control marker (or other
	// provider hint); nil unless the Cache-Control Annotator has run.
	ProviderOptions valueobject.ProviderOptions
}

// NewTextPart builds a text content part.
func NewTextPart(text string) ContentPart { return ContentPart{Type: PartText, Text: text} }

// NewReasoningPart builds a reasoning (thinking) content part.
func NewReasoningPart(text string) ContentPart { return ContentPart{Type: PartReasoning, Text: text} }

// NewToolCallPart builds a tool-call content part.
func NewToolCallPart(tc ToolCall) ContentPart { return ContentPart{Type: PartToolCall, ToolCall: &tc} }

// NewImagePart builds an image content part (user role).
func NewImagePart(url, mimeType string) ContentPart {
	return ContentPart{Type: PartImage, MediaURL: url, MimeType: mimeType}
}

// NewFilePart builds a file content part (user role, or the tool-as-media
// rewrite target — see NewMediaPart).
func NewFilePart(url, mimeType string, data []byte) ContentPart {
	return ContentPart{Type: PartFile, MediaURL: url, MimeType: mimeType, Data: data}
}

// NewJSONPart builds a json-shaped tool output part.
func NewJSONPart(v any) ContentPart { return ContentPart{Type: PartJSON, JSONValue: v} }

// NewMediaPart builds a media tool-output part. A tool handler returning
// this part triggers the tool-as-media rewrite (§9): the engine routes it
// into a user-role file message rather than a tool message.
func NewMediaPart(url, mimeType string, data []byte) ContentPart {
	return ContentPart{Type: PartMedia, MediaURL: url, MimeType: mimeType, Data: data}
}

// IsNonTrivial reports whether this part counts as "non-trivial" for the
// Cache-Control Annotator: non-text parts always count; text parts count
// only when longer than one rune.
func (p ContentPart) IsNonTrivial() bool {
	if p.Type != PartText {
		return true
	}
	return utf8.RuneCountInString(p.Text) > 1
}

// withCacheControl returns a copy of p with an ephemeral cache-control
// marker set in its ProviderOptions.
func (p ContentPart) withCacheControl() ContentPart {
	p.ProviderOptions = p.ProviderOptions.WithCacheControl()
	return p
}

// withoutCacheControl returns a copy of p with any cache-control marker
// removed from its ProviderOptions.
func (p ContentPart) withoutCacheControl() ContentPart {
	p.ProviderOptions = p.ProviderOptions.WithoutCacheControl()
	return p
}
