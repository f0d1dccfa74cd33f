package service

import (
	"context"

	"github.com/ngoclaw/stepengine/internal/domain/message"
	"go.uber.org/zap"
)

// Middleware is a data-transformation hook around a generate call — unlike
// AgentHook (observational), Middleware can modify messages before a call
// and the response after.
//
// Grounded on the teacher's service.Middleware (middleware.go), retargeted
// from LLMMessage to the domain message.Message type.
//
//	Hook = side-channel (metrics, logging, veto)
//	MW   = main-line    (inject context, trim response, summarize)
type Middleware interface {
	Name() string

	// BeforeModel runs before each generate call. It receives the composed
	// messages and MUST return a (possibly modified) copy without mutating
	// the input slice in place.
	BeforeModel(ctx context.Context, messages []message.Message, step int) []message.Message

	// AfterModel runs after each step's successful generate call (GENERATE_N
	// completions do not pass through it) and MUST return a (possibly
	// modified) copy.
	AfterModel(ctx context.Context, resp *GenerateResponse, step int) *GenerateResponse
}

// MiddlewarePipeline chains multiple Middleware. BeforeModel runs in
// registration order; AfterModel runs in reverse order — like HTTP
// middleware unwinding.
type MiddlewarePipeline struct {
	middlewares []Middleware
	logger      *zap.Logger
}

// NewMiddlewarePipeline creates an empty pipeline.
func NewMiddlewarePipeline(logger *zap.Logger) *MiddlewarePipeline {
	return &MiddlewarePipeline{middlewares: make([]Middleware, 0, 4), logger: logger}
}

// Use appends one or more middlewares.
func (p *MiddlewarePipeline) Use(mws ...Middleware) { p.middlewares = append(p.middlewares, mws...) }

// Len returns the number of registered middlewares.
func (p *MiddlewarePipeline) Len() int { return len(p.middlewares) }

// RunBeforeModel executes every BeforeModel hook in registration order.
func (p *MiddlewarePipeline) RunBeforeModel(ctx context.Context, messages []message.Message, step int) []message.Message {
	for _, mw := range p.middlewares {
		messages = mw.BeforeModel(ctx, messages, step)
	}
	return messages
}

// RunAfterModel executes every AfterModel hook in reverse registration order.
func (p *MiddlewarePipeline) RunAfterModel(ctx context.Context, resp *GenerateResponse, step int) *GenerateResponse {
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		resp = p.middlewares[i].AfterModel(ctx, resp, step)
	}
	return resp
}

// NoOpMiddleware provides pass-through defaults to embed in custom middleware.
type NoOpMiddleware struct{}

func (NoOpMiddleware) BeforeModel(_ context.Context, msgs []message.Message, _ int) []message.Message {
	return msgs
}

func (NoOpMiddleware) AfterModel(_ context.Context, resp *GenerateResponse, _ int) *GenerateResponse {
	return resp
}
