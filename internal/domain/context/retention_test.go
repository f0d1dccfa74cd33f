package context

import (
	"strings"
	"testing"

	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/valueobject"
)

func userMsg(t *testing.T, text string, tags valueobject.TagSet) message.Message {
	t.Helper()
	m, err := message.NewUserMessage([]message.ContentPart{message.NewTextPart(text)}, 0, tags)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRetentionBelowSoftThresholdKeepsEverything(t *testing.T) {
	r := New(Config{MaxTokens: 1_000_000, SoftTrimRatio: 0.7, HardTrimRatio: 0.85, PreserveRecent: 2}, nil)
	msgs := []message.Message{
		userMsg(t, "hi", nil),
		userMsg(t, "there", nil),
	}
	out := r.Apply(msgs)
	if len(out) != 2 {
		t.Fatalf("expected no trimming below soft threshold, got %d messages", len(out))
	}
}

func TestRetentionDropsEphemeralBeforePinned(t *testing.T) {
	big := strings.Repeat("word ", 2000)
	ephemeral := userMsg(t, big, valueobject.NewTagSet(valueobject.TagAgentStepEphemeral))
	pinned := userMsg(t, big, valueobject.NewTagSet(valueobject.TagPinned))
	recent := userMsg(t, "recent", nil)

	r := New(Config{MaxTokens: 300, SoftTrimRatio: 0.5, HardTrimRatio: 0.8, PreserveRecent: 1}, nil)
	out := r.Apply([]message.Message{ephemeral, pinned, recent})

	for _, m := range out {
		if m.Tags().Has(valueobject.TagAgentStepEphemeral) {
			t.Fatalf("ephemeral message should have been dropped first")
		}
	}
	foundPinned := false
	for _, m := range out {
		if m.Tags().Has(valueobject.TagPinned) {
			foundPinned = true
		}
	}
	if !foundPinned {
		t.Fatalf("pinned message must survive trimming")
	}
}

func TestRetentionNeverDropsRecentWindow(t *testing.T) {
	big := strings.Repeat("word ", 5000)
	msgs := []message.Message{
		userMsg(t, big, nil),
		userMsg(t, big, nil),
		userMsg(t, "last one", nil),
	}
	r := New(Config{MaxTokens: 100, SoftTrimRatio: 0.5, HardTrimRatio: 0.8, PreserveRecent: 1}, nil)
	out := r.Apply(msgs)
	if out[len(out)-1].TextContent() != "last one" {
		t.Fatalf("expected last message preserved, got %q", out[len(out)-1].TextContent())
	}
}
