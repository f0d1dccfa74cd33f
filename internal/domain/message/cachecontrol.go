package message

import "github.com/ngoclaw/stepengine/internal/domain/valueobject"

// AnnotateCacheControl marks up to four positions in messages as cacheable,
// per §4.8: the message immediately before the last message tagged
// LAST_ASSISTANT_MESSAGE, the message immediately before the last tagged
// USER_PROMPT, the message immediately before the last tagged STEP_PROMPT,
// and the last message overall. The marker lands on the last non-trivial
// content part of the target message, or on the message itself if its
// content is a single string (system role).
//
// AnnotateCacheControl is pure and idempotent: it never mutates its input,
// and applying it twice yields the same result as applying it once —
// existing markers are stripped before new ones are placed.
func AnnotateCacheControl(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}

	stripped := make([]Message, len(messages))
	for i, m := range messages {
		stripped[i] = withoutCacheControl(m)
	}

	targets := targetIndices(stripped)

	out := make([]Message, len(stripped))
	copy(out, stripped)
	for idx := range targets {
		out[idx] = markCacheable(out[idx])
	}
	return out
}

// targetIndices computes the (deduplicated) set of message indices the
// annotator should mark, per the four rules in §4.8.
func targetIndices(messages []Message) map[int]struct{} {
	targets := make(map[int]struct{}, 4)

	if idx := lastIndexWithTag(messages, valueobject.TagLastAssistantMessage); idx > 0 {
		targets[idx-1] = struct{}{}
	}
	if idx := lastIndexWithTag(messages, valueobject.TagUserPrompt); idx > 0 {
		targets[idx-1] = struct{}{}
	}
	if idx := lastIndexWithTag(messages, valueobject.TagStepPrompt); idx > 0 {
		targets[idx-1] = struct{}{}
	}
	targets[len(messages)-1] = struct{}{}

	return targets
}

func lastIndexWithTag(messages []Message, tag valueobject.Tag) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].tags.Has(tag) {
			return i
		}
	}
	return -1
}

// markCacheable places a cache-control marker on m's last non-trivial
// content part, or on m itself for a system message.
func markCacheable(m Message) Message {
	if m.role == RoleSystem {
		m.providerOptions = m.providerOptions.WithCacheControl()
		return m
	}

	parts := cloneParts(m.parts)
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].IsNonTrivial() {
			parts[i] = parts[i].withCacheControl()
			m.parts = parts
			return m
		}
	}
	return m
}

// withoutCacheControl strips any cache-control marker from m, at both the
// message level and every content part.
func withoutCacheControl(m Message) Message {
	m.providerOptions = m.providerOptions.WithoutCacheControl()
	if len(m.parts) == 0 {
		return m
	}
	parts := cloneParts(m.parts)
	for i := range parts {
		parts[i] = parts[i].withoutCacheControl()
	}
	m.parts = parts
	return m
}

// CountCacheControlMarkers counts how many messages in the list carry a
// cache-control marker, message-level or on any content part — used by
// tests asserting the "at most 4" invariant.
func CountCacheControlMarkers(messages []Message) int {
	count := 0
	for _, m := range messages {
		if m.providerOptions.HasCacheControl() {
			count++
			continue
		}
		for _, p := range m.parts {
			if p.ProviderOptions.HasCacheControl() {
				count++
				break
			}
		}
	}
	return count
}
