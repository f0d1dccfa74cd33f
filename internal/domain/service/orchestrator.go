package service

import (
	"context"
	"errors"
	"time"

	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/valueobject"
	"go.uber.org/zap"
)

// interruptionMarker is appended to the root agent's history whenever a run
// is cancelled after the loop began — its text is part of the wire
// contract (§4.7), not a log message, so it must not be reworded.
const interruptionMarker = "<system>User interrupted the response. The assistant's previous work has been preserved.</system>"

// RunResult is what the Session Orchestrator returns from one top-level
// prompt (§4.7).
type RunResult struct {
	Output  entity.Output
	Session *entity.SessionState
}

// Orchestrator is the Session Orchestrator (§4.7): the entry point that
// turns one caller prompt into a root agent run, handling cancellation and
// pre-loop failure without losing whatever the agent already did.
//
// Grounded on the teacher's session entrypoint (the top-level handler that
// wraps AgentLoop.Run with cancellation and error-shaping); this core
// narrows it to the single Run operation spec.md §4.7 names.
type Orchestrator struct {
	runner    entity.Runner
	templates entity.TemplateResolver
	idGen     func() string
	clock     func() int64
	logger    *zap.Logger
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(runner entity.Runner, templates entity.TemplateResolver, idGen func() string, clock func() int64, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{runner: runner, templates: templates, idGen: idGen, clock: clock, logger: logger}
}

// Run executes one top-level prompt against session's root agent,
// forwarding every lifecycle/model/tool event onto stream (§4.7's 5 steps):
//
//  1. Deduplicate: if the root agent's last message is already a user
//     message with this exact prompt, the prompt is not appended again
//     (guards a caller retry from duplicating the turn).
//  2. Start the root Agent Step Loop, which runs to termination, writing
//     into session's root AgentState and emitting onto stream throughout.
//  3. Normal completion: return the root's shaped Output.
//  4. Cancellation after the loop began: preserve whatever history the
//     agent already produced, append the interruption marker, and return
//     an error Output (with a nil Go error) instead of propagating the raw
//     context error.
//  5. Unexpected failure before the loop could start (e.g. the root
//     agentType does not resolve): return output = error(message),
//     after still recording the prompt and the interruption marker so the
//     session's history reflects what was attempted.
func (o *Orchestrator) Run(ctx context.Context, prompt string, session *entity.SessionState, agentType string, stream *eventstream.Stream) (RunResult, error) {
	root := session.MainAgent()
	if root == nil {
		return RunResult{
			Output:  entity.Output{Kind: entity.OutputError, ErrorMessage: "session has no root agent"},
			Session: session,
		}, nil
	}

	tmpl, ok := o.templates.Resolve(agentType)
	if !ok {
		o.recordAttempt(root, prompt)
		o.appendInterruption(root)
		return RunResult{
			Output:  entity.Output{Kind: entity.OutputError, ErrorMessage: "unknown root agent type: " + agentType},
			Session: session,
		}, nil
	}

	if !o.isDuplicatePrompt(root, prompt) {
		o.recordAttempt(root, prompt)
	}

	runErr := o.runner.RunAgent(ctx, session, root, tmpl, stream)

	if runErr != nil && isCancellation(runErr) {
		o.dropEmptyTrailingAssistant(root)
		o.appendInterruption(root)
		// §4.7 step 4 / Scenario S5: a cancelled run always reports an error
		// output, even though the preserved history (committed on Session)
		// still reflects every tool call and result completed so far.
		return RunResult{
			Output:  entity.Output{Kind: entity.OutputError, ErrorMessage: runErr.Error()},
			Session: session,
		}, nil
	}

	if runErr != nil {
		return RunResult{
			Output:  entity.Output{Kind: entity.OutputError, ErrorMessage: runErr.Error()},
			Session: session,
		}, nil
	}

	out, _ := root.Output()
	return RunResult{Output: out, Session: session}, nil
}

func (o *Orchestrator) recordAttempt(root *entity.AgentState, prompt string) {
	if prompt == "" {
		return
	}
	msg, err := message.NewUserMessage(
		[]message.ContentPart{message.NewTextPart(prompt)},
		o.now(),
		valueobject.NewTagSet(valueobject.TagUserPrompt),
	)
	if err == nil {
		root.AppendMessage(msg)
	}
}

func (o *Orchestrator) isDuplicatePrompt(root *entity.AgentState, prompt string) bool {
	history := root.MessageHistory()
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	return last.Role() == message.RoleUser && last.TextContent() == prompt
}

// appendInterruption appends the fixed wire-contract marker text as a
// user-role message (§4.7 step 4: "append a user-role message").
func (o *Orchestrator) appendInterruption(root *entity.AgentState) {
	msg, err := message.NewUserMessage(
		[]message.ContentPart{message.NewTextPart(interruptionMarker)},
		o.now(),
		valueobject.NewTagSet(),
	)
	if err == nil {
		root.AppendMessage(msg)
	}
}

// dropEmptyTrailingAssistant removes a trailing assistant message with no
// text and no tool calls — the empty turn a step leaves behind when the
// model returned no content — so the interruption marker is not appended
// after a visibly empty turn.
func (o *Orchestrator) dropEmptyTrailingAssistant(root *entity.AgentState) {
	history := root.MessageHistory()
	if len(history) == 0 {
		return
	}
	last := history[len(history)-1]
	if last.Role() != message.RoleAssistant {
		return
	}
	if last.TextContent() != "" || len(last.ToolCalls()) > 0 {
		return
	}
	root.SetMessageHistory(history[:len(history)-1])
}

func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var eerr *entity.EngineError
	if errors.As(err, &eerr) {
		return eerr.Kind == entity.KindCancelled
	}
	return false
}

func (o *Orchestrator) now() int64 {
	if o.clock != nil {
		return o.clock()
	}
	return time.Now().UnixMilli()
}
