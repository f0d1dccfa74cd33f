package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/tool"
)

func httptestHandler(t *testing.T, stream *eventstream.Stream, done chan<- error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, err := NewForwarder(w, r, "input-1", nil, nil)
		if err != nil {
			t.Errorf("NewForwarder: %v", err)
			return
		}
		done <- f.Run(context.Background(), stream)
	})
}

func httptestHandlerWithCorrelator(t *testing.T, stream *eventstream.Stream, correlator *tool.InMemoryCorrelator, done chan<- error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, err := NewForwarder(w, r, "input-1", correlator, nil)
		if err != nil {
			t.Errorf("NewForwarder: %v", err)
			return
		}
		done <- f.Run(context.Background(), stream)
	})
}

// TestForwarderRelaysEventsAsResponseChunks drives a Forwarder end to end
// over a real websocket connection: events fed into the Stream must arrive
// at the client as response-chunk envelopes, in order, and the forwarder
// must return once TypeFinish closes the logical run.
func TestForwarderRelaysEventsAsResponseChunks(t *testing.T) {
	stream := eventstream.New(nil, 8)
	done := make(chan error, 1)

	srv := httptest.NewServer(nil)
	srv.Config.Handler = httptestHandler(t, stream, done)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	if err := stream.Emit(ctx, eventstream.Event{Type: eventstream.TypeStart, AgentID: "root"}); err != nil {
		t.Fatalf("emit start: %v", err)
	}
	if err := stream.Emit(ctx, eventstream.Event{Type: eventstream.TypeText, AgentID: "root", Text: "hi"}); err != nil {
		t.Fatalf("emit text: %v", err)
	}
	if err := stream.Emit(ctx, eventstream.Event{Type: eventstream.TypeFinish, AgentID: "root", FinishReason: "done"}); err != nil {
		t.Fatalf("emit finish: %v", err)
	}

	var gotText bool
	var gotFinish bool
	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Action != ActionResponseChunk {
			t.Fatalf("expected response-chunk action, got %s", env.Action)
		}
		var msg ResponseChunkMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if msg.UserInputID != "input-1" {
			t.Fatalf("expected userInputId input-1, got %s", msg.UserInputID)
		}
		if msg.ChunkEvent.Type == "text" {
			if msg.ChunkText != "hi" {
				t.Fatalf("expected chunk text 'hi', got %q", msg.ChunkText)
			}
			gotText = true
		}
		if msg.ChunkEvent.Type == "finish" {
			gotFinish = true
		}
	}
	if !gotText || !gotFinish {
		t.Fatalf("expected both a text and a finish chunk, gotText=%v gotFinish=%v", gotText, gotFinish)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("forwarder run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not return after TypeFinish")
	}
}

// TestForwarderDeliversToolCallResponse verifies the read-side wiring: a
// tool-call-response frame sent by the client reaches the ClientCallback
// correlator keyed by requestId.
func TestForwarderDeliversToolCallResponse(t *testing.T) {
	stream := eventstream.New(nil, 8)
	correlator := tool.NewInMemoryCorrelator()
	done := make(chan error, 1)

	srv := httptest.NewServer(nil)
	srv.Config.Handler = httptestHandlerWithCorrelator(t, stream, correlator, done)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	awaitDone := make(chan tool.Result, 1)
	go func() {
		r, err := correlator.Await(context.Background(), "req1", 0)
		if err != nil {
			t.Errorf("await: %v", err)
			return
		}
		awaitDone <- r
	}()

	// Give Await a moment to register before delivering.
	time.Sleep(20 * time.Millisecond)

	body, _ := json.Marshal(ToolCallResponseMessage{RequestID: "req1", Success: true, Output: []WirePart{{Type: "text", Text: "done"}}})
	frame, _ := json.Marshal(Envelope{Action: ActionToolCallResponse, Payload: body})
	if err := conn.WriteMessage(gws.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case r := <-awaitDone:
		if !r.Success || len(r.Parts) != 1 || r.Parts[0].Text != "done" {
			t.Fatalf("unexpected delivered result: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("correlator never received the delivered result")
	}

	stream.Emit(context.Background(), eventstream.Event{Type: eventstream.TypeStart, AgentID: "root"})
	stream.Emit(context.Background(), eventstream.Event{Type: eventstream.TypeFinish, AgentID: "root"})
	<-done
}
