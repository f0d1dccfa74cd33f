package tool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ngoclaw/stepengine/internal/domain/message"
)

// ErrClientTimeout is returned by InMemoryCorrelator.Await when no response
// arrives before the deadline; callers map it to entity.ErrToolTimeout.
var ErrClientTimeout = errors.New("tool: client did not respond before the deadline")

// ClientCallback is the correlation point for client-side tool calls (§4.2):
// the engine emits a ToolCallRequest on the event stream carrying a
// requestId, then awaits a response delivered here by whatever drives the
// transport layer (out of scope for this core — see interfaces/transport).
type ClientCallback interface {
	// Await blocks until a response for requestID arrives, ctx is cancelled,
	// or timeout elapses. A zero or negative timeout disables the deadline
	// (the -1 "disables" convention from §5).
	Await(ctx context.Context, requestID string, timeout time.Duration) (Result, error)
}

// InMemoryCorrelator is the default ClientCallback: a map of pending
// requestIds to their answer channel, resolved by Deliver once the
// transport layer relays a tool-call-response action.
type InMemoryCorrelator struct {
	mu      sync.Mutex
	pending map[string]chan Result
}

// NewInMemoryCorrelator builds an empty correlator.
func NewInMemoryCorrelator() *InMemoryCorrelator {
	return &InMemoryCorrelator{pending: make(map[string]chan Result)}
}

// Await implements ClientCallback.
func (c *InMemoryCorrelator) Await(ctx context.Context, requestID string, timeout time.Duration) (Result, error) {
	ch := make(chan Result, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if timeout <= 0 {
		select {
		case r := <-ch:
			return r, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timer.C:
		return Result{Success: false, ErrorText: "tool call timed out"}, ErrClientTimeout
	}
}

// Deliver answers a pending Await call with its requestId's result. Called
// by the transport layer when a tool-call-response action arrives. A
// requestId with no pending Await is ignored — the caller may have already
// timed out.
func (c *InMemoryCorrelator) Deliver(requestID string, r Result) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

// PartsToResult builds a Result from tool-call-response output parts
// (§6's ToolResultOutput[]), for the transport layer to call Deliver with.
func PartsToResult(parts []message.ContentPart, success bool, errorText string) Result {
	return Result{Parts: parts, Success: success, ErrorText: errorText}
}
