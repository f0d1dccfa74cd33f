package message

import (
	"testing"

	"github.com/ngoclaw/stepengine/internal/domain/valueobject"
)

func mustUser(t *testing.T, text string, tags valueobject.TagSet) Message {
	t.Helper()
	m, err := NewUserMessage([]ContentPart{NewTextPart(text)}, 0, tags)
	if err != nil {
		t.Fatalf("NewUserMessage: %v", err)
	}
	return m
}

func TestNewMessageRejectsEmptyContent(t *testing.T) {
	if _, err := NewUserMessage(nil, 0, nil); err != ErrInvalidContent {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
	if _, err := NewSystemMessage("", 0, nil); err != ErrInvalidContent {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
}

func TestAggregateMergesAdjacentSameRole(t *testing.T) {
	tags := valueobject.NewTagSet(valueobject.TagAgentStepEphemeral)
	a := mustUser(t, "hello", tags)
	b := mustUser(t, " world", tags)
	c := mustUser(t, "!", valueobject.NewTagSet()) // different tags: not mergeable

	out := Aggregate([]Message{a, b, c})
	if len(out) != 2 {
		t.Fatalf("expected 2 messages after aggregation, got %d", len(out))
	}
	if got := out[0].TextContent(); got != "hello world" {
		t.Fatalf("expected merged text 'hello world', got %q", got)
	}
	if got := out[1].TextContent(); got != "!" {
		t.Fatalf("expected separate message '!', got %q", got)
	}
}

func TestAggregateNeverFusesToolMessages(t *testing.T) {
	tags := valueobject.NewTagSet()
	t1, _ := NewToolMessage("tc1", "glob", []ContentPart{NewJSONPart("a")}, 0, tags)
	t2, _ := NewToolMessage("tc2", "glob", []ContentPart{NewJSONPart("b")}, 0, tags)

	out := Aggregate([]Message{t1, t2})
	if len(out) != 2 {
		t.Fatalf("tool messages must never fuse, got %d messages", len(out))
	}
}

func TestAggregatePreservesFlattenedText(t *testing.T) {
	tags := valueobject.NewTagSet()
	msgs := []Message{
		mustUser(t, "a", tags),
		mustUser(t, "b", tags),
		mustUser(t, "c", valueobject.NewTagSet(valueobject.TagPinned)),
	}
	var want string
	for _, m := range msgs {
		want += m.TextContent()
	}

	out := Aggregate(msgs)
	var got string
	for _, m := range out {
		got += m.TextContent()
	}
	if got != want {
		t.Fatalf("flattened text changed: want %q got %q", want, got)
	}
}

func TestCacheControlAtMostFourMarkers(t *testing.T) {
	sys, _ := NewSystemMessage("system prompt", 0, nil)
	u1 := mustUser(t, "first", valueobject.NewTagSet(valueobject.TagUserPrompt))
	a1, _ := NewAssistantMessage([]ContentPart{NewTextPart("ok")}, 0, valueobject.NewTagSet(valueobject.TagLastAssistantMessage))
	u2 := mustUser(t, "second", valueobject.NewTagSet(valueobject.TagStepPrompt))

	msgs := []Message{sys, u1, a1, u2}
	out := AnnotateCacheControl(msgs)

	if n := CountCacheControlMarkers(out); n > 4 {
		t.Fatalf("expected at most 4 cache-control markers, got %d", n)
	}
	if n := CountCacheControlMarkers(out); n == 0 {
		t.Fatalf("expected at least one cache-control marker")
	}
}

func TestCacheControlIdempotent(t *testing.T) {
	u1 := mustUser(t, "first", valueobject.NewTagSet(valueobject.TagUserPrompt))
	a1, _ := NewAssistantMessage([]ContentPart{NewTextPart("ok")}, 0, valueobject.NewTagSet(valueobject.TagLastAssistantMessage))

	once := AnnotateCacheControl([]Message{u1, a1})
	twice := AnnotateCacheControl(once)

	if len(once) != len(twice) {
		t.Fatalf("idempotence: length changed")
	}
	for i := range once {
		if once[i].providerOptions.HasCacheControl() != twice[i].providerOptions.HasCacheControl() {
			t.Fatalf("idempotence: message-level marker state diverged at %d", i)
		}
	}
	if CountCacheControlMarkers(once) != CountCacheControlMarkers(twice) {
		t.Fatalf("idempotence: marker count diverged")
	}
}

func TestCacheControlDoesNotMutateInput(t *testing.T) {
	u1 := mustUser(t, "first", valueobject.NewTagSet(valueobject.TagUserPrompt))
	before := u1.providerOptions.HasCacheControl()

	_ = AnnotateCacheControl([]Message{u1})

	if u1.providerOptions.HasCacheControl() != before {
		t.Fatalf("AnnotateCacheControl mutated its input")
	}
}
