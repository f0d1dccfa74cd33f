package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/valueobject"
)

// fakeResolver resolves any agentType to a fixed template stamped with that
// type's id, so spawned children are distinguishable by AgentType().
type fakeResolver struct{}

func (fakeResolver) Resolve(agentType string) (entity.AgentTemplate, bool) {
	return entity.AgentTemplate{ID: agentType, OutputMode: entity.OutputModeLastMessage}, true
}

// finishOrderRunner finishes children in a fixed order regardless of the
// order SpawnFanOut launched them in, simulating Scenario S3's
// "children finish in order C,A,B" while spawned in order A,B,C.
type finishOrderRunner struct {
	mu          sync.Mutex
	finishOrder map[string]time.Duration // agentID -> delay before finishing
}

func (r *finishOrderRunner) RunAgent(ctx context.Context, session *entity.SessionState, state *entity.AgentState, tmpl entity.AgentTemplate, stream *eventstream.Stream) error {
	r.mu.Lock()
	delay := r.finishOrder[state.AgentType()]
	r.mu.Unlock()
	time.Sleep(delay)
	state.SetOutput(entity.Output{
		Kind:        entity.OutputLastMessage,
		LastMessage: nil,
	})
	state.AddChild("") // no-op; exercises the mutation path
	return nil
}

// TestScenarioS3FanOutPreservesRequestOrder is Scenario S3 / Testable
// Property 4: spawning three children A,B,C concurrently, where C finishes
// first and B finishes last, must still return results in request order
// A,B,C — and must emit exactly one subagent_start/subagent_finish pair per
// child with no event carrying an unknown parent.
func TestScenarioS3FanOutPreservesRequestOrder(t *testing.T) {
	runner := &finishOrderRunner{finishOrder: map[string]time.Duration{
		"A": 30 * time.Millisecond,
		"B": 40 * time.Millisecond,
		"C": 5 * time.Millisecond,
	}}

	n := 0
	idGen := func() string { n++; return "child-" + string(rune('0'+n)) }
	clock := func() int64 { return 0 }

	spawner := NewSpawner(runner, fakeResolver{}, idGen, clock, 0, nil)

	parent := entity.NewAgentState("parent", "", "root")
	session := entity.NewSessionState(parent, nil)
	parentTmpl := entity.AgentTemplate{SpawnableAgentIDs: []string{"A", "B", "C"}}

	stream := eventstream.New(nil, 32)
	_ = stream.Emit(context.Background(), eventstream.Event{Type: eventstream.TypeStart, AgentID: "parent"})

	var events []eventstream.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range stream.Events() {
			events = append(events, ev)
		}
	}()

	requests := []SpawnRequest{{AgentType: "A"}, {AgentType: "B"}, {AgentType: "C"}}
	results, err := spawner.SpawnFanOut(context.Background(), session, parent, parentTmpl, requests, stream)
	stream.Close()
	wg.Wait()

	if err != nil {
		t.Fatalf("SpawnFanOut: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	// Each result must correspond to its request's agent type, in request
	// order, regardless of the simulated finish order C,A,B.
	wantOrder := []string{"A", "B", "C"}
	for i, want := range wantOrder {
		child, ok := session.Subagent(results[i].AgentID)
		if !ok {
			t.Fatalf("result %d: child %q not registered in session", i, results[i].AgentID)
		}
		if got := child.AgentType(); got != want {
			t.Fatalf("result %d: expected agent type %q, got %q", i, want, got)
		}
	}

	var starts, finishes int
	knownParents := map[string]bool{"parent": true}
	for _, ev := range events {
		switch ev.Type {
		case eventstream.TypeSubagentStart:
			starts++
			if ev.ParentAgentID != "parent" {
				t.Fatalf("subagent_start with unexpected parent %q", ev.ParentAgentID)
			}
			knownParents[ev.AgentID] = true
		case eventstream.TypeSubagentFinish:
			finishes++
			if !knownParents[ev.AgentID] {
				t.Fatalf("subagent_finish for agent %q with no prior start", ev.AgentID)
			}
		}
	}
	if starts != 3 || finishes != 3 {
		t.Fatalf("expected 3 subagent_start and 3 subagent_finish events, got start=%d finish=%d", starts, finishes)
	}
}

// TestSpawnFanOutUnspawnableAgentDoesNotAbortSiblings checks that one
// child's UnspawnableAgent failure is captured in its own slot without
// affecting its siblings (§4.5).
func TestSpawnFanOutUnspawnableAgentDoesNotAbortSiblings(t *testing.T) {
	runner := &finishOrderRunner{finishOrder: map[string]time.Duration{"ok": 0}}
	idGen := func() string { return "child" }
	spawner := NewSpawner(runner, fakeResolver{}, idGen, func() int64 { return 0 }, 0, nil)

	parent := entity.NewAgentState("parent", "", "root")
	session := entity.NewSessionState(parent, nil)
	parentTmpl := entity.AgentTemplate{SpawnableAgentIDs: []string{"ok"}} // "blocked" is not allow-listed

	stream := eventstream.New(nil, 32)
	_ = stream.Emit(context.Background(), eventstream.Event{Type: eventstream.TypeStart, AgentID: "parent"})
	go func() {
		for range stream.Events() {
		}
	}()

	results, err := spawner.SpawnFanOut(context.Background(), session, parent, parentTmpl,
		[]SpawnRequest{{AgentType: "blocked"}, {AgentType: "ok"}}, stream)
	stream.Close()

	if err != nil {
		t.Fatalf("SpawnFanOut: %v", err)
	}
	if results[0].Err == nil {
		t.Fatalf("expected result[0] to carry an UnspawnableAgent error")
	}
	if results[1].Err != nil {
		t.Fatalf("expected sibling result[1] to succeed, got %v", results[1].Err)
	}
}

// appendingRunner simulates a child step loop that appends one assistant
// message to its own state before terminating with that message as its
// shaped output.
type appendingRunner struct{ text string }

func (r *appendingRunner) RunAgent(ctx context.Context, session *entity.SessionState, state *entity.AgentState, tmpl entity.AgentTemplate, stream *eventstream.Stream) error {
	parts := []message.ContentPart{message.NewTextPart(r.text)}
	msg, err := message.NewAssistantMessage(parts, 0, valueobject.NewTagSet())
	if err != nil {
		return err
	}
	state.AppendMessage(msg)
	state.SetOutput(entity.Output{Kind: entity.OutputLastMessage, LastMessage: parts})
	return nil
}

// TestSpawnInlineUsesChildIdentityAndSplicesHistory checks the fix to the
// identity bug: SpawnInline must run the child under its own AgentState/id
// (not the parent's), and must splice only what the child appended beyond
// the seeded snapshot back onto the parent's own history, leaving the
// parent's own identity and any history predating the spawn untouched.
func TestSpawnInlineUsesChildIdentityAndSplicesHistory(t *testing.T) {
	runner := &appendingRunner{text: "child said hi"}
	idGen := func() string { return "child-1" }
	spawner := NewSpawner(runner, fakeResolver{}, idGen, func() int64 { return 0 }, 0, nil)

	parent := entity.NewAgentState("parent", "", "root")
	seedMsg, err := message.NewUserMessage([]message.ContentPart{message.NewTextPart("pre-existing")}, 0, valueobject.NewTagSet())
	if err != nil {
		t.Fatalf("NewUserMessage: %v", err)
	}
	parent.AppendMessage(seedMsg)

	session := entity.NewSessionState(parent, nil)
	parentTmpl := entity.AgentTemplate{SpawnableAgentIDs: []string{"inline-child"}}

	stream := eventstream.New(nil, 32)
	var events []eventstream.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range stream.Events() {
			events = append(events, ev)
		}
	}()

	result, err := spawner.SpawnInline(context.Background(), session, parent, parentTmpl,
		SpawnRequest{AgentType: "inline-child", Prompt: "go"}, stream)
	stream.Close()
	wg.Wait()

	if err != nil {
		t.Fatalf("SpawnInline: %v", err)
	}
	if result.AgentID == parent.ID() {
		t.Fatalf("SpawnInline reused parent's identity %q for the child", parent.ID())
	}
	if result.AgentID != "child-1" {
		t.Fatalf("expected child id %q, got %q", "child-1", result.AgentID)
	}

	for _, ev := range events {
		if (ev.Type == eventstream.TypeSubagentStart || ev.Type == eventstream.TypeSubagentFinish) && ev.AgentID != "child-1" {
			t.Fatalf("subagent event carried wrong agent id %q, want %q", ev.AgentID, "child-1")
		}
	}

	if _, ok := session.Subagent("child-1"); !ok {
		t.Fatalf("child was not registered under its own id in the session")
	}

	parentHistory := parent.MessageHistory()
	if len(parentHistory) != 3 {
		t.Fatalf("expected parent history to grow to 3 messages (pre-existing, prompt, child's reply), got %d", len(parentHistory))
	}
	if parentHistory[0].TextContent() != "pre-existing" {
		t.Fatalf("expected parent's pre-existing history to survive untouched, got %q", parentHistory[0].TextContent())
	}
}
