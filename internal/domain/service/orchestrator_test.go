package service

import (
	"context"
	"testing"

	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/message"
)

// recordingRunner is a minimal entity.Runner stand-in that appends one
// assistant message and finalizes Output, without touching the model or
// tool machinery — enough to drive the Orchestrator in isolation.
type recordingRunner struct{}

func (recordingRunner) RunAgent(ctx context.Context, session *entity.SessionState, state *entity.AgentState, tmpl entity.AgentTemplate, stream *eventstream.Stream) error {
	msg, _ := message.NewAssistantMessage([]message.ContentPart{message.NewTextPart("ok")}, 0, nil)
	state.AppendMessage(msg)
	state.SetOutput(entity.Output{Kind: entity.OutputLastMessage, LastMessage: msg.Parts()})
	return nil
}

// TestNoDuplicateUserPrompt is Testable Property 6: if the caller-supplied
// session state's root history already ends with this exact prompt as a
// user message, the Orchestrator must not append it a second time.
func TestNoDuplicateUserPrompt(t *testing.T) {
	runner := recordingRunner{}
	resolver := staticResolver{tmpl: entity.AgentTemplate{ID: "root"}}
	orch := NewOrchestrator(runner, resolver, func() string { return "id" }, func() int64 { return 0 }, nil)

	root := entity.NewAgentState("root", "", "root")
	existing, _ := message.NewUserMessage([]message.ContentPart{message.NewTextPart("do the thing")}, 0, nil)
	root.AppendMessage(existing)
	session := entity.NewSessionState(root, nil)

	stream := eventstream.New(nil, 8)
	go func() {
		for range stream.Events() {
		}
	}()

	_, err := orch.Run(context.Background(), "do the thing", session, "root", stream)
	stream.Close()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	userCount := 0
	for _, m := range root.MessageHistory() {
		if m.Role() == message.RoleUser {
			userCount++
		}
	}
	if userCount != 1 {
		t.Fatalf("expected exactly 1 user message (no duplicate), got %d", userCount)
	}
}

// TestDistinctPromptIsAppended guards against the dedup check being too
// aggressive: a genuinely new prompt must still be recorded.
func TestDistinctPromptIsAppended(t *testing.T) {
	runner := recordingRunner{}
	resolver := staticResolver{tmpl: entity.AgentTemplate{ID: "root"}}
	orch := NewOrchestrator(runner, resolver, func() string { return "id" }, func() int64 { return 0 }, nil)

	root := entity.NewAgentState("root", "", "root")
	existing, _ := message.NewUserMessage([]message.ContentPart{message.NewTextPart("first")}, 0, nil)
	root.AppendMessage(existing)
	session := entity.NewSessionState(root, nil)

	stream := eventstream.New(nil, 8)
	go func() {
		for range stream.Events() {
		}
	}()

	_, err := orch.Run(context.Background(), "second", session, "root", stream)
	stream.Close()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	userCount := 0
	for _, m := range root.MessageHistory() {
		if m.Role() == message.RoleUser {
			userCount++
		}
	}
	if userCount != 2 {
		t.Fatalf("expected 2 user messages (distinct prompts both recorded), got %d", userCount)
	}
}
