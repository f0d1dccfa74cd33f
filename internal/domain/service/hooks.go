package service

import (
	"context"

	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/tool"
)

// AgentHook defines observational lifecycle hooks for the Agent Step Loop.
// All methods are optional — embed NoOpHook to only implement what you need.
// Hooks execute synchronously; keep them fast, they run inline in the loop.
//
// Grounded on the teacher's service.AgentHook (hooks.go): same veto-capable
// BeforeToolCall shape, generalized from the teacher's single-agent loop to
// carry an agentId on every call site, since one session now drives many
// concurrent agent loops.
type AgentHook interface {
	BeforeGenerate(ctx context.Context, agentID string, req GenerateRequest, step int)
	AfterGenerate(ctx context.Context, agentID string, resp *GenerateResponse, step int)

	// BeforeToolCall returns false to veto the call — recorded as a
	// ToolFailed result rather than invoked.
	BeforeToolCall(ctx context.Context, agentID, toolName string, input map[string]any) bool
	AfterToolCall(ctx context.Context, agentID, toolName string, result tool.Result)

	OnError(ctx context.Context, agentID string, err error, step int)
	OnComplete(ctx context.Context, agentID string, out entity.Output)
	OnStateChange(agentID string, from, to RunState, snap StateSnapshot)
}

// NoOpHook implements AgentHook with no-ops. Embed it to override only what
// you need.
type NoOpHook struct{}

func (NoOpHook) BeforeGenerate(context.Context, string, GenerateRequest, int)      {}
func (NoOpHook) AfterGenerate(context.Context, string, *GenerateResponse, int)     {}
func (NoOpHook) BeforeToolCall(context.Context, string, string, map[string]any) bool {
	return true
}
func (NoOpHook) AfterToolCall(context.Context, string, string, tool.Result) {}
func (NoOpHook) OnError(context.Context, string, error, int)               {}
func (NoOpHook) OnComplete(context.Context, string, entity.Output)         {}
func (NoOpHook) OnStateChange(string, RunState, RunState, StateSnapshot)   {}

// HookChain aggregates multiple hooks, calling each in registration order.
// BeforeToolCall is veto-capable: any hook returning false short-circuits
// the rest and vetoes the call, mirroring the teacher's HookChain.
type HookChain struct {
	hooks []AgentHook
}

// NewHookChain builds a chain from the given hooks.
func NewHookChain(hooks ...AgentHook) *HookChain { return &HookChain{hooks: hooks} }

// Add appends a hook.
func (c *HookChain) Add(h AgentHook) { c.hooks = append(c.hooks, h) }

func (c *HookChain) BeforeGenerate(ctx context.Context, agentID string, req GenerateRequest, step int) {
	for _, h := range c.hooks {
		h.BeforeGenerate(ctx, agentID, req, step)
	}
}

func (c *HookChain) AfterGenerate(ctx context.Context, agentID string, resp *GenerateResponse, step int) {
	for _, h := range c.hooks {
		h.AfterGenerate(ctx, agentID, resp, step)
	}
}

func (c *HookChain) BeforeToolCall(ctx context.Context, agentID, toolName string, input map[string]any) bool {
	for _, h := range c.hooks {
		if !h.BeforeToolCall(ctx, agentID, toolName, input) {
			return false
		}
	}
	return true
}

func (c *HookChain) AfterToolCall(ctx context.Context, agentID, toolName string, result tool.Result) {
	for _, h := range c.hooks {
		h.AfterToolCall(ctx, agentID, toolName, result)
	}
}

func (c *HookChain) OnError(ctx context.Context, agentID string, err error, step int) {
	for _, h := range c.hooks {
		h.OnError(ctx, agentID, err, step)
	}
}

func (c *HookChain) OnComplete(ctx context.Context, agentID string, out entity.Output) {
	for _, h := range c.hooks {
		h.OnComplete(ctx, agentID, out)
	}
}

func (c *HookChain) OnStateChange(agentID string, from, to RunState, snap StateSnapshot) {
	for _, h := range c.hooks {
		h.OnStateChange(agentID, from, to, snap)
	}
}

var _ AgentHook = (*HookChain)(nil)

// MetricsHook tallies call counts — grounded on the teacher's MetricsHook.
type MetricsHook struct {
	NoOpHook
	GenerateCount int
	ToolCallCount int
	ErrorCount    int
}

func (h *MetricsHook) AfterGenerate(context.Context, string, *GenerateResponse, int) { h.GenerateCount++ }
func (h *MetricsHook) AfterToolCall(context.Context, string, string, tool.Result)    { h.ToolCallCount++ }
func (h *MetricsHook) OnError(context.Context, string, error, int)                  { h.ErrorCount++ }
