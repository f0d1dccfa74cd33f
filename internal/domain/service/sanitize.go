package service

import (
	"fmt"
	"strings"

	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/valueobject"
)

// sanitizeMessages patches orphan tool-call parts: an assistant message
// whose tool-call part has no later tool message with a matching
// ToolCallID. This happens after cancellation mid-step (Testable Property
// 5) or, in principle, after a future history-editing feature trims a tool
// result without its tool call. Every provider this engine's ambient stack
// targets (Anthropic, OpenAI-compatible, OpenRouter) rejects a message list
// with a dangling tool_use/tool_call block, so the patch is structural, not
// cosmetic — it is what keeps Testable Property 1 (tool pairing) true of
// whatever gets sent to the model next.
//
// Grounded on the teacher's sanitizeMessages (sanitize.go) and
// DanglingToolCallMiddleware (dangling_toolcall_middleware.go); this merges
// their two strategies into one patch-rather-than-strip pass, since
// stripping the tool-call part (the teacher's sanitizeMessages behavior)
// would silently rewrite what the assistant asked for and lose the call
// from history entirely.
func sanitizeMessages(messages []message.Message, now int64) []message.Message {
	if len(messages) == 0 {
		return messages
	}

	answered := make(map[string]bool)
	for _, m := range messages {
		if m.Role() == message.RoleTool && m.ToolCallID() != "" {
			answered[m.ToolCallID()] = true
		}
	}

	var patches []message.Message
	for _, m := range messages {
		if m.Role() != message.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls() {
			if answered[tc.ID] {
				continue
			}
			answered[tc.ID] = true
			patch, err := message.NewToolMessage(
				tc.ID, tc.Name,
				[]message.ContentPart{message.NewJSONPart(map[string]any{
					"error": "tool call interrupted before a result was recorded",
				})},
				now,
				valueobject.NewTagSet(valueobject.TagAgentStepEphemeral),
			)
			if err == nil {
				patches = append(patches, patch)
			}
		}
	}

	if len(patches) == 0 {
		return messages
	}
	out := make([]message.Message, 0, len(messages)+len(patches))
	out = append(out, messages...)
	out = append(out, patches...)
	return out
}

// truncateOutput trims a tool's text output to maxChars, appending a notice
// when truncated. Grounded on the teacher's truncateOutput (sanitize.go).
func truncateOutput(output string, maxChars int) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	breakAt := maxChars
	if lastNewline := strings.LastIndex(output[:maxChars], "\n"); lastNewline > maxChars*3/4 {
		breakAt = lastNewline
	}
	return fmt.Sprintf("%s\n\n[... truncated %d characters]", output[:breakAt], len(output)-breakAt)
}
