package message

// Aggregate collapses runs of adjacent same-role messages that share the
// same tags and provider-options into a single message, per §3's
// aggregation invariant. System messages join via "\n\n" of their text;
// user/assistant messages concatenate their content-part lists. Tool
// messages are never fused — each must keep its own toolCallId pairing
// (Testable Property 1; see DESIGN.md Open Question 2).
//
// Aggregate never fails and is order-preserving: the returned list's
// flattened text equals the input's apart from the "\n\n" separator added
// between merged system messages, and its role sequence is the input's
// with consecutive mergeable duplicates merged.
func Aggregate(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}

	out := make([]Message, 0, len(messages))
	current := messages[0]

	for _, next := range messages[1:] {
		if mergeable(current, next) {
			current = merge(current, next)
			continue
		}
		out = append(out, current)
		current = next
	}
	out = append(out, current)
	return out
}

func mergeable(a, b Message) bool {
	if a.role != b.role {
		return false
	}
	if a.role == RoleTool {
		return false
	}
	if !a.tags.Equals(b.tags) {
		return false
	}
	if !a.providerOptions.Equals(b.providerOptions) {
		return false
	}
	return true
}

func merge(a, b Message) Message {
	switch a.role {
	case RoleSystem:
		merged := a
		merged.parts = []ContentPart{NewTextPart(a.TextContent() + "\n\n" + b.TextContent())}
		return merged
	default: // user, assistant
		merged := a
		merged.parts = append(cloneParts(a.parts), cloneParts(b.parts)...)
		return merged
	}
}
