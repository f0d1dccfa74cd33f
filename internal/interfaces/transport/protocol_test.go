package transport

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/tool"
)

func TestEventToWireCarriesTextAndError(t *testing.T) {
	ev := eventstream.Event{Type: eventstream.TypeText, AgentID: "a1", Text: "hello", Err: errors.New("boom")}
	w := EventToWire(ev)
	if w.Type != "text" || w.AgentID != "a1" || w.Text != "hello" || w.Error != "boom" {
		t.Fatalf("unexpected wire event: %+v", w)
	}
}

func TestPartsRoundTripThroughWire(t *testing.T) {
	call := message.ToolCall{ID: "tc1", Name: "glob", Input: map[string]any{"pattern": "*.go"}}
	parts := []message.ContentPart{message.NewTextPart("hi"), message.NewToolCallPart(call)}

	wire := PartsToWire(parts)
	if len(wire) != 2 || wire[0].Text != "hi" || wire[1].ToolCall.Name != "glob" {
		t.Fatalf("unexpected wire parts: %+v", wire)
	}

	back := WireToParts(wire)
	if len(back) != 2 || back[0].Text != "hi" || back[1].ToolCall.Name != "glob" {
		t.Fatalf("round trip lost data: %+v", back)
	}
}

func TestOutputToWireErrorShape(t *testing.T) {
	out := entity.Output{Kind: entity.OutputError, ErrorMessage: "boom"}
	w := OutputToWire(out)
	if w.Type != "error" || w.Message != "boom" {
		t.Fatalf("unexpected error output wire shape: %+v", w)
	}
}

func TestOutputToWireLastMessageShape(t *testing.T) {
	out := entity.Output{Kind: entity.OutputLastMessage, LastMessage: []message.ContentPart{message.NewTextPart("done")}}
	w := OutputToWire(out)
	if w.Type != "lastMessage" {
		t.Fatalf("expected lastMessage, got %s", w.Type)
	}
	parts, ok := w.Value.([]WirePart)
	if !ok || len(parts) != 1 || parts[0].Text != "done" {
		t.Fatalf("unexpected value: %+v", w.Value)
	}
}

func TestToolResultToWire(t *testing.T) {
	r := tool.Result{Parts: []message.ContentPart{message.NewTextPart("ok")}, Success: true}
	msg := ToolResultToWire("req1", r)
	if msg.RequestID != "req1" || !msg.Success || len(msg.Output) != 1 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	body, err := json.Marshal(ToolCallResponseMessage{RequestID: "r1", Success: true})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := Envelope{Action: ActionToolCallResponse, Payload: body}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if decoded.Action != ActionToolCallResponse {
		t.Fatalf("expected action to survive, got %s", decoded.Action)
	}
	var msg ToolCallResponseMessage
	if err := json.Unmarshal(decoded.Payload, &msg); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if msg.RequestID != "r1" || !msg.Success {
		t.Fatalf("unexpected decoded payload: %+v", msg)
	}
}
