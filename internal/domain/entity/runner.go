package entity

import (
	"context"

	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
)

// Runner drives one AgentState through the Agent Step Loop to termination
// (§4.4). The Subagent Spawner (domain/agent) depends only on this
// interface so that it never imports the service package that implements
// it — the Agent Step Loop recurses into itself for every spawned child
// without a package cycle.
type Runner interface {
	RunAgent(ctx context.Context, session *SessionState, state *AgentState, tmpl AgentTemplate, stream *eventstream.Stream) error
}

// TemplateResolver resolves an agent type name to its read-only template.
// Agent-definition loading and publishing are out of scope (spec.md §1);
// the engine core depends only on this lookup.
type TemplateResolver interface {
	Resolve(agentType string) (AgentTemplate, bool)
}
