package service

import (
	"context"
	"fmt"

	"github.com/ngoclaw/stepengine/internal/domain/agent"
	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/tool"
)

// handleSpawnAgents backs the engine-side spawn_agents tool (§4.5 fan-out):
// call.Input["agents"] is a list of {agentType, prompt, params?} requests,
// each spawned as an independent child of state. Results are returned as a
// JSON output part, one entry per request in request order.
func (a *AgentLoop) handleSpawnAgents(
	ctx context.Context,
	session *entity.SessionState,
	state *entity.AgentState,
	tmpl entity.AgentTemplate,
	call message.ToolCall,
	stream *eventstream.Stream,
) (tool.Result, error) {
	if a.spawner == nil {
		return tool.Result{}, fmt.Errorf("spawn_agents: no subagent spawner configured")
	}

	raw, _ := call.Input["agents"].([]any)
	if len(raw) == 0 {
		return tool.Result{Success: false, ErrorText: "spawn_agents: \"agents\" must be a non-empty list"}, nil
	}

	requests := make([]agent.SpawnRequest, 0, len(raw))
	for _, item := range raw {
		m, _ := item.(map[string]any)
		agentType, _ := m["agentType"].(string)
		prompt, _ := m["prompt"].(string)
		params, _ := m["params"].(map[string]any)
		requests = append(requests, agent.SpawnRequest{AgentType: agentType, Prompt: prompt, Params: params})
	}

	results, err := a.spawner.SpawnFanOut(ctx, session, state, tmpl, requests, stream)
	if err != nil {
		return tool.Result{}, err
	}

	return tool.Result{Success: true, Parts: []message.ContentPart{message.NewJSONPart(spawnResultsJSON(results))}}, nil
}

// handleSpawnInline backs the engine-side spawn_agent_inline tool (§4.5):
// a single child runs on its own AgentState seeded from a snapshot of
// state's history, and whatever it appends is spliced back onto state's own
// history when it ends. The tool result carries the child's agentId and
// shaped output.
func (a *AgentLoop) handleSpawnInline(
	ctx context.Context,
	session *entity.SessionState,
	state *entity.AgentState,
	tmpl entity.AgentTemplate,
	call message.ToolCall,
	stream *eventstream.Stream,
) (tool.Result, error) {
	if a.spawner == nil {
		return tool.Result{}, fmt.Errorf("spawn_agent_inline: no subagent spawner configured")
	}

	agentType, _ := call.Input["agentType"].(string)
	prompt, _ := call.Input["prompt"].(string)
	params, _ := call.Input["params"].(map[string]any)

	result, err := a.spawner.SpawnInline(ctx, session, state, tmpl, agent.SpawnRequest{AgentType: agentType, Prompt: prompt, Params: params}, stream)
	if err != nil {
		return tool.Result{Success: false, ErrorText: err.Error()}, nil
	}
	if result.Err != nil {
		return tool.Result{Success: false, ErrorText: result.Err.Error()}, nil
	}
	return tool.Result{Success: true, Parts: []message.ContentPart{message.NewJSONPart(spawnResultJSON(result))}}, nil
}

func spawnResultsJSON(results []agent.SpawnResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, spawnResultJSON(r))
	}
	return out
}

func spawnResultJSON(r agent.SpawnResult) map[string]any {
	entry := map[string]any{"agentId": r.AgentID}
	if r.Err != nil {
		entry["error"] = r.Err.Error()
		return entry
	}
	switch r.Output.Kind {
	case entity.OutputStructured:
		entry["output"] = r.Output.Structured
	case entity.OutputError:
		entry["error"] = r.Output.ErrorMessage
	default:
		entry["output"] = messagePartsText(r.Output.LastMessage)
	}
	return entry
}

func messagePartsText(parts []message.ContentPart) string {
	var out string
	for _, p := range parts {
		if p.Type == message.PartText {
			out += p.Text
		}
	}
	return out
}
