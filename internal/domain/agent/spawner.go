// Package agent implements the Subagent Spawner (§4.5): fan-out spawning of
// independent children with ordered result collection, and single-child
// inline spawning that mutates the parent's own message history.
//
// This package depends only on entity.Runner/entity.TemplateResolver, never
// on the service package that implements Runner — the Agent Step Loop
// recurses into itself for every spawned child without a package cycle
// (see entity/runner.go).
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/tool"
	"github.com/ngoclaw/stepengine/internal/domain/valueobject"
	"github.com/ngoclaw/stepengine/pkg/safego"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// promptMessage wraps prompt as the child's initial user-role message,
// tagged USER_PROMPT so the Cache-Control Annotator can find it (§4.8).
func promptMessage(prompt string, sentAt int64) (message.Message, error) {
	return message.NewUserMessage(
		[]message.ContentPart{message.NewTextPart(prompt)},
		sentAt,
		valueobject.NewTagSet(valueobject.TagUserPrompt),
	)
}

// renderParams substitutes "{{key}}" placeholders in prompt with each
// param's string form (§4.5 step 4: "start from {system?, instructions,
// user(prompt)} with params rendered"). A prompt with no matching
// placeholders, or a request with no params, passes through unchanged.
func renderParams(prompt string, params map[string]any) string {
	if prompt == "" || len(params) == 0 {
		return prompt
	}
	out := prompt
	for k, v := range params {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprint(v))
	}
	return out
}

// validateSpawnInput validates a spawn request's prompt/params against
// tmpl's input schema (§4.5 step 2: "validate prompt and params against the
// template's input schema"). A template with no InputSchema accepts
// anything.
func validateSpawnInput(tmpl entity.AgentTemplate, req SpawnRequest) error {
	if len(tmpl.InputSchema) == 0 {
		return nil
	}
	input := map[string]any{"prompt": req.Prompt, "params": req.Params}
	if err := tool.ValidateInput(tmpl.InputSchema, input); err != nil {
		return entity.Wrap(entity.ErrToolInputInvalid, err.Error())
	}
	return nil
}

// seedChildHistory builds a child's initial message history per §4.5 step
// 4: a copy of parent's history when tmpl.IncludeMessageHistory is set,
// plus the (param-rendered) prompt appended as a user message either way.
func seedChildHistory(child *entity.AgentState, parent *entity.AgentState, tmpl entity.AgentTemplate, req SpawnRequest, sentAt int64) {
	if tmpl.IncludeMessageHistory {
		child.SetMessageHistory(parent.MessageHistory())
	}
	prompt := renderParams(req.Prompt, req.Params)
	if prompt != "" {
		if msg, err := promptMessage(prompt, sentAt); err == nil {
			child.AppendMessage(msg)
		}
	}
}

// SpawnRequest is one child to spawn: the agent type to instantiate and the
// prompt/params it starts with (§4.5's spawn_agents input shape).
type SpawnRequest struct {
	AgentType string
	Prompt    string
	Params    map[string]any
}

// SpawnResult pairs a spawned child's id with its shaped output, or the
// structured error it failed with. A per-child failure never aborts its
// siblings (§4.5, Scenario S3) — it is captured here instead.
type SpawnResult struct {
	AgentID string
	Output  entity.Output
	Err     error
}

// Spawner fans out or inlines subagents for a parent AgentState. It holds
// no state of its own beyond its collaborators — every spawn call is
// independent.
//
// Grounded on the teacher's subagent fan-out orchestration, with the
// teacher's WaitGroup+semaphore concurrency replaced by errgroup per
// SPEC_FULL.md's DOMAIN STACK instruction (see DESIGN.md).
type Spawner struct {
	runner    entity.Runner
	templates entity.TemplateResolver
	idGen     func() string
	clock     func() int64
	logger    *zap.Logger

	maxConcurrent int
}

// NewSpawner builds a Spawner. maxConcurrent bounds how many children of one
// fan-out run at once; 0 means unbounded.
func NewSpawner(runner entity.Runner, templates entity.TemplateResolver, idGen func() string, clock func() int64, maxConcurrent int, logger *zap.Logger) *Spawner {
	return &Spawner{
		runner:        runner,
		templates:     templates,
		idGen:         idGen,
		clock:         clock,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// SpawnFanOut spawns every request concurrently as an independent child of
// parent, and returns results in the same order as requests regardless of
// which child finishes first (§4.5, Testable Property 4 / Scenario S3).
func (s *Spawner) SpawnFanOut(
	ctx context.Context,
	session *entity.SessionState,
	parent *entity.AgentState,
	parentTmpl entity.AgentTemplate,
	requests []SpawnRequest,
	stream *eventstream.Stream,
) ([]SpawnResult, error) {
	results := make([]SpawnResult, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	if s.maxConcurrent > 0 {
		g.SetLimit(s.maxConcurrent)
	}

	for i, req := range requests {
		i, req := i, req
		childID := s.idGen()

		tmpl, ok := s.templates.Resolve(req.AgentType)
		if !ok || !parentTmpl.CanSpawn(req.AgentType) {
			results[i] = SpawnResult{AgentID: childID, Err: entity.Wrap(entity.ErrUnspawnableAgent, req.AgentType)}
			continue
		}
		if err := validateSpawnInput(tmpl, req); err != nil {
			results[i] = SpawnResult{AgentID: childID, Err: err}
			continue
		}

		child := entity.NewAgentState(childID, parent.ID(), req.AgentType)
		seedChildHistory(child, parent, tmpl, req, s.now())
		session.RegisterSubagent(child)
		parent.AddChild(childID)

		g.Go(func() error {
			safego.Recover(s.logger, "spawn:"+req.AgentType, func() {
				_ = stream.Emit(gctx, eventstream.Event{
					Type: eventstream.TypeSubagentStart, AgentID: childID, ParentAgentID: parent.ID(), Timestamp: time.Now(),
				})

				runErr := s.runner.RunAgent(gctx, session, child, tmpl, stream)

				finishReason := "complete"
				if runErr != nil {
					finishReason = "error"
				}
				_ = stream.Emit(gctx, eventstream.Event{
					Type: eventstream.TypeSubagentFinish, AgentID: childID, ParentAgentID: parent.ID(), Timestamp: time.Now(), FinishReason: finishReason,
				})

				if runErr != nil {
					results[i] = SpawnResult{AgentID: childID, Err: runErr}
					return
				}
				out, _ := child.Output()
				results[i] = SpawnResult{AgentID: childID, Output: out}
			})
			return nil // a sibling's failure must not cancel the group (gctx)
		})
	}

	_ = g.Wait()
	return results, nil
}

// SpawnInline runs a single child whose new messages end up in parent's own
// message history rather than staying in an isolated child history (§4.5).
// SpawnInline does not serialize inline children: two spawn_agent_inline
// calls made in the same step run concurrently, each against its own
// snapshot of parent's history, and both splice their messages back onto
// parent.
//
// The child gets its own AgentState/agentId — never parent's — so that
// start/finish events and the child's own finalized Output are scoped to
// the child alone; reusing parent's identity here would emit a premature
// finish(agentId=parent) mid-run and let the child's shaped Output silently
// clobber whatever the outer parent loop later sets (§4.6's ordering
// guarantee). What
// makes the spawn "inline" is that the child's history starts as a
// snapshot of parent's own, and whatever it appends beyond that snapshot is
// spliced back onto parent's real history once it terminates.
func (s *Spawner) SpawnInline(
	ctx context.Context,
	session *entity.SessionState,
	parent *entity.AgentState,
	parentTmpl entity.AgentTemplate,
	req SpawnRequest,
	stream *eventstream.Stream,
) (SpawnResult, error) {
	tmpl, ok := s.templates.Resolve(req.AgentType)
	if !ok || !parentTmpl.CanSpawn(req.AgentType) {
		return SpawnResult{}, entity.Wrap(entity.ErrUnspawnableAgent, req.AgentType)
	}
	if err := validateSpawnInput(tmpl, req); err != nil {
		return SpawnResult{}, err
	}

	childID := s.idGen()
	child := entity.NewAgentState(childID, parent.ID(), req.AgentType)

	seed := parent.MessageHistory()
	child.SetMessageHistory(seed)
	prompt := renderParams(req.Prompt, req.Params)
	if prompt != "" {
		if msg, err := promptMessage(prompt, s.now()); err == nil {
			child.AppendMessage(msg)
		}
	}

	session.RegisterSubagent(child)
	parent.AddChild(childID)

	_ = stream.Emit(ctx, eventstream.Event{
		Type: eventstream.TypeSubagentStart, AgentID: childID, ParentAgentID: parent.ID(), Timestamp: time.Now(),
	})

	runErr := s.runner.RunAgent(ctx, session, child, tmpl, stream)

	finishReason := "complete"
	if runErr != nil {
		finishReason = "error"
	}
	_ = stream.Emit(ctx, eventstream.Event{
		Type: eventstream.TypeSubagentFinish, AgentID: childID, ParentAgentID: parent.ID(), Timestamp: time.Now(), FinishReason: finishReason,
	})

	// Splice whatever the child appended beyond the seeded snapshot back
	// onto parent's own history — this is what makes the spawn "inline"
	// rather than isolated.
	full := child.MessageHistory()
	if len(full) > len(seed) {
		for _, m := range full[len(seed):] {
			parent.AppendMessage(m)
		}
	}

	if runErr != nil {
		return SpawnResult{AgentID: childID, Err: runErr}, nil
	}
	out, _ := child.Output()
	return SpawnResult{AgentID: childID, Output: out}, nil
}

func (s *Spawner) now() int64 {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UnixMilli()
}
