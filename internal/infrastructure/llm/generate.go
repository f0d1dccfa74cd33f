// Package llm provides the abstract model-generation capability the engine
// core depends on through service.LLMClient, plus a circuit breaker that
// guards it. Concrete provider adapters (Anthropic, OpenAI-compatible,
// OpenRouter, …) are out of scope for this module (spec.md §1) and live
// behind this same interface in a calling application.
package llm

import (
	"context"
	"time"

	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/service"
)

// Provider is what a concrete model adapter implements; CircuitBreaker wraps
// one and exposes service.LLMClient to the engine.
//
// Grounded on the teacher's provider.go Provider interface, trimmed to a
// single streaming method since this core has no non-streaming call path
// and no provider factory/registry (out of scope per spec.md §1).
type Provider interface {
	GenerateStream(ctx context.Context, req service.GenerateRequest, deltaCh chan<- service.StreamChunk) (*service.GenerateResponse, error)
}

// ExtractorFunc adapts a plain function to service.ToolCallExtractor.
type ExtractorFunc func(text string) []message.ToolCall

// Extract implements service.ToolCallExtractor.
func (f ExtractorFunc) Extract(text string) []message.ToolCall { return f(text) }

// Timeout wraps a Provider call with a per-call deadline, mirroring the
// teacher's per-request timeout wrapping in provider.go.
type Timeout struct {
	Provider Provider
	Duration time.Duration
}

// GenerateStream implements Provider, applying t.Duration as a context
// deadline around the underlying call when set.
func (t Timeout) GenerateStream(ctx context.Context, req service.GenerateRequest, deltaCh chan<- service.StreamChunk) (*service.GenerateResponse, error) {
	if t.Duration <= 0 {
		return t.Provider.GenerateStream(ctx, req, deltaCh)
	}
	callCtx, cancel := context.WithTimeout(ctx, t.Duration)
	defer cancel()
	return t.Provider.GenerateStream(callCtx, req, deltaCh)
}
