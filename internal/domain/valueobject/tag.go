package valueobject

// Tag is a short string attached to a message, carrying retention and
// cache-marking hints. Tags are stripped before a message is sent to the
// model — they are bookkeeping for the engine, never part of the prompt.
type Tag string

const (
	// TagUserPrompt marks the message that carries the caller's prompt for
	// this run.
	TagUserPrompt Tag = "USER_PROMPT"
	// TagStepPrompt marks the per-step instruction appended before each
	// generate call.
	TagStepPrompt Tag = "STEP_PROMPT"
	// TagLastAssistantMessage marks the most recent assistant message.
	// Exactly one message in a history carries this tag at a time; setting
	// it clears it from whatever message held it before.
	TagLastAssistantMessage Tag = "LAST_ASSISTANT_MESSAGE"
	// TagAgentStepEphemeral marks tool-result messages that tag-based
	// retention may discard first when trimming history.
	TagAgentStepEphemeral Tag = "AGENT_STEP_EPHEMERAL"
	// TagPinned marks a message retention must never discard.
	TagPinned Tag = "PINNED"
)

// TagSet is an unordered collection of Tags with value semantics: callers
// get back new sets rather than mutating shared state.
type TagSet map[Tag]struct{}

// NewTagSet builds a TagSet from the given tags.
func NewTagSet(tags ...Tag) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether the set contains t.
func (s TagSet) Has(t Tag) bool {
	_, ok := s[t]
	return ok
}

// With returns a copy of s with t added.
func (s TagSet) With(t Tag) TagSet {
	out := s.Clone()
	out[t] = struct{}{}
	return out
}

// Without returns a copy of s with t removed.
func (s TagSet) Without(t Tag) TagSet {
	out := s.Clone()
	delete(out, t)
	return out
}

// Clone returns a shallow copy of s.
func (s TagSet) Clone() TagSet {
	out := make(TagSet, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

// Equals reports whether s and other contain exactly the same tags.
func (s TagSet) Equals(other TagSet) bool {
	if len(s) != len(other) {
		return false
	}
	for t := range s {
		if _, ok := other[t]; !ok {
			return false
		}
	}
	return true
}
