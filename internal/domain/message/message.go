// Package message implements the engine's Message Model: the tagged union
// of system/user/assistant/tool messages that make up an agent's history,
// together with aggregation and cache-control annotation.
package message

import (
	"errors"

	"github.com/ngoclaw/stepengine/internal/domain/valueobject"
)

// Role discriminates the four message kinds the engine understands.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ErrInvalidContent is returned when a role that requires non-empty content
// is constructed with none.
var ErrInvalidContent = errors.New("message: invalid content")

// Message is an immutable tagged-union value: private fields, factory
// constructors, getters, and With*-prefixed copy-mutators — the same shape
// as this domain's other value objects.
type Message struct {
	role       Role
	parts      []ContentPart
	toolCallID string
	toolName   string

	tags            valueobject.TagSet
	providerOptions valueobject.ProviderOptions
	sentAt          int64 // milliseconds since epoch
}

func cloneParts(parts []ContentPart) []ContentPart {
	out := make([]ContentPart, len(parts))
	copy(out, parts)
	return out
}

// NewSystemMessage builds a system message from its text.
func NewSystemMessage(text string, sentAt int64, tags valueobject.TagSet) (Message, error) {
	if text == "" {
		return Message{}, ErrInvalidContent
	}
	return Message{
		role:   RoleSystem,
		parts:  []ContentPart{NewTextPart(text)},
		tags:   tags.Clone(),
		sentAt: sentAt,
	}, nil
}

// NewUserMessage builds a user message from ordered {text, image, file} parts.
func NewUserMessage(parts []ContentPart, sentAt int64, tags valueobject.TagSet) (Message, error) {
	if len(parts) == 0 {
		return Message{}, ErrInvalidContent
	}
	return Message{
		role:   RoleUser,
		parts:  cloneParts(parts),
		tags:   tags.Clone(),
		sentAt: sentAt,
	}, nil
}

// NewAssistantMessage builds an assistant message from ordered
// {text, reasoning, tool-call} parts.
func NewAssistantMessage(parts []ContentPart, sentAt int64, tags valueobject.TagSet) (Message, error) {
	if len(parts) == 0 {
		return Message{}, ErrInvalidContent
	}
	return Message{
		role:   RoleAssistant,
		parts:  cloneParts(parts),
		tags:   tags.Clone(),
		sentAt: sentAt,
	}, nil
}

// NewToolMessage builds a tool message bound to toolCallID/toolName, carrying
// ordered {json, media} outputs.
func NewToolMessage(toolCallID, toolName string, parts []ContentPart, sentAt int64, tags valueobject.TagSet) (Message, error) {
	if toolCallID == "" {
		return Message{}, ErrInvalidContent
	}
	if len(parts) == 0 {
		return Message{}, ErrInvalidContent
	}
	return Message{
		role:       RoleTool,
		parts:      cloneParts(parts),
		toolCallID: toolCallID,
		toolName:   toolName,
		tags:       tags.Clone(),
		sentAt:     sentAt,
	}, nil
}

// Role returns the message's role.
func (m Message) Role() Role { return m.role }

// Parts returns a defensive copy of the message's content parts.
func (m Message) Parts() []ContentPart { return cloneParts(m.parts) }

// ToolCallID returns the bound tool-call id for a tool-role message.
func (m Message) ToolCallID() string { return m.toolCallID }

// ToolName returns the bound tool name for a tool-role message.
func (m Message) ToolName() string { return m.toolName }

// Tags returns the message's tag set.
func (m Message) Tags() valueobject.TagSet { return m.tags.Clone() }

// ProviderOptions returns the message-level provider-options bag. For a
// system message this is where a cache-control marker lands, since system
// content is logically a single string rather than a list of parts.
func (m Message) ProviderOptions() valueobject.ProviderOptions { return m.providerOptions.Clone() }

// SentAt returns the message's send time, in milliseconds since epoch.
func (m Message) SentAt() int64 { return m.sentAt }

// WithTags returns a copy of m with its tag set replaced.
func (m Message) WithTags(tags valueobject.TagSet) Message {
	m.tags = tags.Clone()
	return m
}

// WithProviderOptions returns a copy of m with its message-level
// provider-options bag replaced.
func (m Message) WithProviderOptions(po valueobject.ProviderOptions) Message {
	m.providerOptions = po.Clone()
	return m
}

// TextContent concatenates every text-bearing part's text, in order. It
// includes PartText and PartReasoning parts.
func (m Message) TextContent() string {
	var out string
	for _, p := range m.parts {
		if p.Type == PartText || p.Type == PartReasoning {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the tool-call parts of an assistant message, in order.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range m.parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// HasMedia reports whether any content part is a media part — the signal
// for the tool-as-media rewrite (§9 Design Notes).
func (m Message) HasMedia() bool {
	for _, p := range m.parts {
		if p.Type == PartMedia {
			return true
		}
	}
	return false
}
