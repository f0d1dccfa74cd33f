package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/tool"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Forwarder relays one session's Event Stream onto a single websocket
// connection as response-chunk frames, and routes tool-call-response
// frames arriving from that connection back into the engine's
// tool.ClientCallback correlator. It is deliberately one connection per
// run — the teacher's Hub fans one connection across many sessions, but
// this core has no multi-client routing concern (spec.md §1); a caller
// wanting that still builds it on top of these types.
type Forwarder struct {
	conn        *websocket.Conn
	correlator  *tool.InMemoryCorrelator
	userInputID string
	logger      *zap.Logger
}

// NewForwarder upgrades an HTTP request to a websocket connection and
// returns a Forwarder ready to pump an Event Stream over it.
func NewForwarder(w http.ResponseWriter, r *http.Request, userInputID string, correlator *tool.InMemoryCorrelator, logger *zap.Logger) (*Forwarder, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		conn:        conn,
		correlator:  correlator,
		userInputID: userInputID,
		logger:      logger,
	}, nil
}

// Run relays stream to the connection until it closes (TypeFinish or
// TypeError) or ctx is cancelled, and concurrently reads client frames,
// delivering tool-call-response payloads to the correlator. It blocks
// until both directions finish, mirroring the teacher's readPump/writePump
// pair.
func (f *Forwarder) Run(ctx context.Context, stream *eventstream.Stream) error {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		f.readPump()
	}()

	err := f.writePump(ctx, stream)
	f.conn.Close()
	<-readDone
	return err
}

func (f *Forwarder) writePump(ctx context.Context, stream *eventstream.Stream) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			frame, err := encodeChunk(f.userInputID, ev)
			if err != nil {
				f.logger.Error("transport: encode response chunk", zap.Error(err))
				continue
			}
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
			if ev.Type == eventstream.TypeFinish || ev.Type == eventstream.TypeError {
				return nil
			}
		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (f *Forwarder) readPump() {
	f.conn.SetReadLimit(maxMessage)
	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.logger.Error("transport: read error", zap.Error(err))
			}
			return
		}
		f.handleInbound(data)
	}
}

func (f *Forwarder) handleInbound(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Warn("transport: malformed frame", zap.Error(err))
		return
	}
	if env.Action != ActionToolCallResponse || f.correlator == nil {
		return
	}
	var msg ToolCallResponseMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		f.logger.Warn("transport: malformed tool-call-response", zap.Error(err))
		return
	}
	result := tool.PartsToResult(WireToParts(msg.Output), msg.Success, msg.ErrorText)
	f.correlator.Deliver(msg.RequestID, result)
}

func encodeChunk(userInputID string, ev eventstream.Event) ([]byte, error) {
	we := EventToWire(ev)
	payload := ResponseChunkMessage{UserInputID: userInputID, ChunkEvent: &we}
	if ev.Type == eventstream.TypeText {
		payload.ChunkText = ev.Text
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Action: ActionResponseChunk, Payload: body})
}
