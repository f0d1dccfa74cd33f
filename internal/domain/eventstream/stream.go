package eventstream

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Stream is the engine-side producer handle: every agent step loop and
// subagent spawner holds one and calls Emit. Unlike the teacher's
// infrastructure/eventbus.Bus, Emit blocks when the stream's bounded channel
// is full rather than dropping the event — a consumer that falls behind
// slows the engine down instead of silently losing tool_call/tool_result
// pairs (see DESIGN.md, "blocking event-stream backpressure").
type Stream struct {
	logger *zap.Logger

	mu       sync.RWMutex
	known    map[string]bool // agent ids that have started
	finished map[string]bool // agent ids whose finish event was delivered; recorded only, Emit does not consult it

	out    chan Event
	closed bool
	once   sync.Once
}

// New creates a Stream with the given channel capacity. A capacity of 0
// makes every Emit synchronous with the consumer's receive.
func New(logger *zap.Logger, capacity int) *Stream {
	return &Stream{
		logger:   logger,
		known:    make(map[string]bool),
		finished: make(map[string]bool),
		out:      make(chan Event, capacity),
	}
}

// Events returns the channel consumers range over. Closed once the stream is
// closed and drained.
func (s *Stream) Events() <-chan Event { return s.out }

// Emit delivers ev, blocking until there is room or ctx is cancelled. Events
// for an agent id that never had a start event recorded are dropped with a
// warning, since no consumer can meaningfully attribute them (§4.6).
//
// Emit returns ctx.Err() if ctx is cancelled before the event is delivered,
// and nil if the event was dropped because the stream is already closed —
// cooperative cancellation must not turn into a panic on a closed channel.
func (s *Stream) Emit(ctx context.Context, ev Event) error {
	switch ev.Type {
	case TypeStart:
		s.markKnown(ev.AgentID)
	case TypeSubagentStart:
		s.markKnown(ev.AgentID)
	}

	if !s.isKnown(ev.AgentID) {
		if s.logger != nil {
			s.logger.Warn("eventstream: dropping event for unknown agent id",
				zap.String("type", string(ev.Type)), zap.String("agentId", ev.AgentID))
		}
		return nil
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil
	}

	select {
	case s.out <- ev:
		if ev.Type == TypeFinish || ev.Type == TypeSubagentFinish {
			s.markFinished(ev.AgentID)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying channel. Safe to call more than once; only the
// first call has effect. Callers must stop calling Emit afterward — Emit on
// a closed Stream is a no-op, never a panic.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.out)
	})
}

func (s *Stream) markKnown(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[agentID] = true
}

func (s *Stream) isKnown(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.known[agentID]
}

func (s *Stream) markFinished(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[agentID] = true
}
