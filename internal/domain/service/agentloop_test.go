package service

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/tool"
)

// scriptedLLM answers GenerateStream calls from a fixed queue, one per
// call, in order — enough to script the scenario suite without a real
// provider.
type scriptedLLM struct {
	mu    sync.Mutex
	turns []scriptedTurn
	calls int
}

type scriptedTurn struct {
	text     string
	toolCall *message.ToolCall
	err      error
	block    chan struct{} // if set, GenerateStream blocks until this closes
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, req GenerateRequest, deltaCh chan<- StreamChunk) (*GenerateResponse, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	if idx >= len(s.turns) {
		return &GenerateResponse{Parts: []message.ContentPart{message.NewTextPart("")}}, nil
	}
	turn := s.turns[idx]

	var parts []message.ContentPart
	if turn.text != "" {
		deltaCh <- StreamChunk{Text: turn.text}
		parts = append(parts, message.NewTextPart(turn.text))
	}

	if turn.block != nil {
		select {
		case <-turn.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if turn.err != nil {
		return nil, turn.err
	}

	if turn.toolCall != nil {
		deltaCh <- StreamChunk{ToolCall: turn.toolCall}
		parts = append(parts, message.NewToolCallPart(*turn.toolCall))
	}
	return &GenerateResponse{Parts: parts, TokensUsed: 1}, nil
}

func newTestTemplate() entity.AgentTemplate {
	return entity.AgentTemplate{
		ID:         "root",
		Model:      "test-model",
		ToolNames:  []string{"glob"},
		OutputMode: entity.OutputModeLastMessage,
	}
}

func newTestLoop(llm LLMClient, registry tool.Registry, callback tool.ClientCallback) *AgentLoop {
	cfg := DefaultAgentLoopConfig()
	cfg.MaxAgentSteps = 10
	n := 0
	idGen := func() string { n++; return "id-" + strconv.Itoa(n) }
	clock := func() int64 { return 0 }
	return NewAgentLoop(llm, registry, nil, callback, nil, cfg, idGen, clock, nil)
}

// TestScenarioS1SimpleEcho is Scenario S1: a prompt with no tool calls
// produces exactly one assistant message and terminates after one step.
func TestScenarioS1SimpleEcho(t *testing.T) {
	llm := &scriptedLLM{turns: []scriptedTurn{{text: "hello"}}}
	registry := tool.NewInMemoryRegistry()
	loop := newTestLoop(llm, registry, nil)

	state := entity.NewAgentState("root", "", "root")
	userMsg, _ := message.NewUserMessage([]message.ContentPart{message.NewTextPart("Say 'hello'")}, 0, nil)
	state.AppendMessage(userMsg)

	session := entity.NewSessionState(state, nil)
	stream := eventstream.New(nil, 16)
	done := make(chan []eventstream.Event)
	go func() {
		var got []eventstream.Event
		for ev := range stream.Events() {
			got = append(got, ev)
		}
		done <- got
	}()

	err := loop.RunAgent(context.Background(), session, state, newTestTemplate(), stream)
	stream.Close()
	events := <-done

	if err != nil {
		t.Fatalf("RunAgent: %v", err)
	}

	history := state.MessageHistory()
	if len(history) != 2 {
		t.Fatalf("expected 2 messages (user + assistant), got %d", len(history))
	}
	if history[0].Role() != message.RoleUser || history[0].TextContent() != "Say 'hello'" {
		t.Fatalf("expected first message to be the user prompt, got %+v", history[0])
	}
	if history[1].Role() != message.RoleAssistant || history[1].TextContent() != "hello" {
		t.Fatalf("expected assistant('hello'), got %+v", history[1])
	}

	var starts, finishes, texts, toolEvents int
	for _, ev := range events {
		switch ev.Type {
		case eventstream.TypeStart:
			starts++
		case eventstream.TypeFinish:
			finishes++
		case eventstream.TypeText:
			texts++
		case eventstream.TypeToolCall, eventstream.TypeToolResult:
			toolEvents++
		}
	}
	if starts != 1 || finishes != 1 {
		t.Fatalf("expected exactly one start and one finish, got start=%d finish=%d", starts, finishes)
	}
	if texts < 1 {
		t.Fatalf("expected at least one text event")
	}
	if toolEvents != 0 {
		t.Fatalf("expected no tool events, got %d", toolEvents)
	}
}

// TestScenarioS2OneToolRoundTrip is Scenario S2: a single client-side tool
// call followed by a terminating second step, history length 4.
func TestScenarioS2OneToolRoundTrip(t *testing.T) {
	registry := tool.NewInMemoryRegistry()
	registry.Register(tool.Definition{Name: "glob", Site: tool.SiteClient, Kind: tool.KindSearch}, nil)

	correlator := tool.NewInMemoryCorrelator()

	llm := &scriptedLLM{turns: []scriptedTurn{
		{toolCall: &message.ToolCall{ID: "tc1", Name: "glob", Input: map[string]any{"pattern": "**/*.ts"}}},
		{text: "a.ts, b.ts"},
	}}
	loop := newTestLoop(llm, registry, correlator)

	state := entity.NewAgentState("root", "", "root")
	userMsg, _ := message.NewUserMessage([]message.ContentPart{message.NewTextPart("list files")}, 0, nil)
	state.AppendMessage(userMsg)
	session := entity.NewSessionState(state, nil)
	stream := eventstream.New(nil, 16)
	go func() {
		for range stream.Events() {
		}
	}()

	// Answer the client-side tool call as soon as it's requested.
	go func() {
		for i := 0; i < 50; i++ {
			correlator.Deliver("tc1", tool.Result{
				Success: true,
				Parts:   []message.ContentPart{message.NewJSONPart(map[string]any{"files": []string{"a.ts", "b.ts"}, "count": 2})},
			})
			time.Sleep(2 * time.Millisecond)
		}
	}()

	err := loop.RunAgent(context.Background(), session, state, newTestTemplate(), stream)
	stream.Close()

	if err != nil {
		t.Fatalf("RunAgent: %v", err)
	}
	history := state.MessageHistory()
	if len(history) != 4 {
		t.Fatalf("expected history length 4, got %d: %+v", len(history), history)
	}
	if history[2].Role() != message.RoleTool || history[2].ToolCallID() != "tc1" {
		t.Fatalf("expected tool result bound to tc1, got %+v", history[2])
	}
	if history[3].Role() != message.RoleAssistant || history[3].TextContent() != "a.ts, b.ts" {
		t.Fatalf("expected final assistant message, got %+v", history[3])
	}
}

// TestScenarioS5CancellationMidStream is Scenario S5: cancelling after the
// first text chunk preserves a partial assistant message, then appends the
// interruption marker as a user message; the orchestrator reports an error
// output.
func TestScenarioS5CancellationMidStream(t *testing.T) {
	block := make(chan struct{})
	llm := &scriptedLLM{turns: []scriptedTurn{{text: "Working", block: block}}}
	registry := tool.NewInMemoryRegistry()
	loop := newTestLoop(llm, registry, nil)

	state := entity.NewAgentState("root", "", "root")
	session := entity.NewSessionState(state, nil)
	stream := eventstream.New(nil, 16)
	go func() {
		for range stream.Events() {
		}
	}()

	orch := NewOrchestrator(loop, staticResolver{tmpl: newTestTemplate()}, func() string { return "x" }, func() int64 { return 0 }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan RunResult)
	go func() {
		res, _ := orch.Run(ctx, "go", session, "root", stream)
		resultCh <- res
	}()

	// give the generate call a moment to stream "Working" then cancel
	// before the blocked turn resolves.
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(block)

	res := <-resultCh
	stream.Close()

	if res.Output.Kind != entity.OutputError {
		t.Fatalf("expected error output on cancellation, got %+v", res.Output)
	}

	history := state.MessageHistory()
	if len(history) == 0 {
		t.Fatalf("expected preserved history, got none")
	}
	last := history[len(history)-1]
	if last.Role() != message.RoleUser || last.TextContent() != interruptionMarker {
		t.Fatalf("expected trailing interruption marker as a user message, got %+v", last)
	}
}

// TestContinuationForcingNonTerminatingToolOnly is §4.4 item 5/6: a step
// whose only tool call belongs to the fixed non-terminating set (here,
// think_deeply) does not force another step — the agent ends after that
// step, so the scripted second turn is never requested.
func TestContinuationForcingNonTerminatingToolOnly(t *testing.T) {
	registry := tool.NewInMemoryRegistry()
	registry.Register(tool.Definition{Name: "think_deeply", Site: tool.SiteEngine, Kind: tool.KindThink},
		func(ctx context.Context, input map[string]any) (tool.Result, error) {
			return tool.Result{Success: true, Parts: []message.ContentPart{message.NewJSONPart(map[string]any{"ok": true})}}, nil
		})

	llm := &scriptedLLM{turns: []scriptedTurn{
		{toolCall: &message.ToolCall{ID: "tc1", Name: "think_deeply", Input: map[string]any{"thought": "hmm"}}},
		{text: "done thinking"},
	}}
	loop := newTestLoop(llm, registry, nil)

	state := entity.NewAgentState("root", "", "root")
	userMsg, _ := message.NewUserMessage([]message.ContentPart{message.NewTextPart("think then answer")}, 0, nil)
	state.AppendMessage(userMsg)
	session := entity.NewSessionState(state, nil)
	stream := eventstream.New(nil, 16)
	go func() {
		for range stream.Events() {
		}
	}()

	tmpl := newTestTemplate()
	tmpl.ToolNames = []string{"think_deeply"}

	err := loop.RunAgent(context.Background(), session, state, tmpl, stream)
	stream.Close()

	if err != nil {
		t.Fatalf("RunAgent: %v", err)
	}
	if llm.calls != 1 {
		t.Fatalf("expected a step whose only tool call is think_deeply to end the agent after one model call, got %d model calls", llm.calls)
	}
	history := state.MessageHistory()
	last := history[len(history)-1]
	if last.Role() != message.RoleTool || last.ToolCallID() != "tc1" {
		t.Fatalf("expected the think_deeply tool result to be the final message, got %+v", last)
	}
}

type staticResolver struct{ tmpl entity.AgentTemplate }

func (s staticResolver) Resolve(agentType string) (entity.AgentTemplate, bool) { return s.tmpl, true }
