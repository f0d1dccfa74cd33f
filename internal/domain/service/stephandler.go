package service

import (
	"context"
	"fmt"

	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/valueobject"
	"go.uber.org/zap"
)

// stepHandlerDriver runs an entity.StepHandler coroutine to completion,
// translating each yielded entity.Directive into calls against the Agent
// Step Loop it was built from. It never interleaves two directives from
// one handler — Start/Resume calls happen strictly in sequence on the
// goroutine that owns the agent's run (§4.3's determinism requirement).
type stepHandlerDriver struct {
	loop      *AgentLoop
	session   *entity.SessionState
	tmpl      entity.AgentTemplate
	stream    *eventstream.Stream
	costGuard *CostGuard
	logger    *zap.Logger

	sm           *StateMachine
	loopDetector *LoopDetector
	steps        int
}

func newStepHandlerDriver(loop *AgentLoop, session *entity.SessionState, tmpl entity.AgentTemplate, stream *eventstream.Stream, costGuard *CostGuard, logger *zap.Logger) *stepHandlerDriver {
	return &stepHandlerDriver{
		loop:      loop,
		session:   session,
		tmpl:      tmpl,
		stream:    stream,
		costGuard: costGuard,
		logger:    logger,
	}
}

// run drives handler via Start/Resume until it reports ok == false (§4.3:
// the handler's own completion ends the agent, regardless of what the
// model would otherwise have done next).
func (d *stepHandlerDriver) run(ctx context.Context, handler entity.StepHandler, state *entity.AgentState) (err error) {
	// A panic raised while driving the handler fails the agent with
	// HandlerFault instead of crashing the process (§4.3).
	defer func() {
		if r := recover(); r != nil {
			err = entity.Wrap(entity.ErrHandlerFault, fmt.Sprint(r))
		}
	}()

	d.sm =NewStateMachine(d.loop.config.MaxAgentSteps, d.logger)
	d.loopDetector = NewLoopDetector(d.loop.config.LoopWindowSize, d.loop.config.LoopExactThreshold, d.loop.config.LoopNameThreshold, d.logger)

	directive := handler.Start()
	for {
		if err := ctx.Err(); err != nil {
			return entity.Wrap(entity.ErrCancelled, err.Error())
		}
		if d.loop.config.MaxAgentSteps > 0 && d.steps >= d.loop.config.MaxAgentSteps {
			d.loop.appendStepLimitNotice(state)
			return entity.Wrap(entity.ErrStepLimitExceeded, "")
		}

		resume, err := d.execute(ctx, state, directive)
		if err != nil {
			return err
		}

		next, ok := handler.Resume(resume)
		if !ok {
			return nil
		}
		directive = next
	}
}

func (d *stepHandlerDriver) execute(ctx context.Context, state *entity.AgentState, directive entity.Directive) (entity.Resume, error) {
	switch directive.Kind {
	case entity.DirectiveStep:
		return d.runOneStep(ctx, state)
	case entity.DirectiveStepAll:
		return d.runUntilTerminal(ctx, state)
	case entity.DirectiveStepText:
		return d.runStepWithText(ctx, state, directive.Text)
	case entity.DirectiveGenerateN:
		return d.runGenerateN(ctx, state, directive.N)
	case entity.DirectiveToolCall:
		return d.runToolCall(ctx, state, directive)
	default:
		return entity.Resume{AgentState: state}, entity.Wrap(entity.ErrHandlerFault, "unknown directive kind")
	}
}

func (d *stepHandlerDriver) runOneStep(ctx context.Context, state *entity.AgentState) (entity.Resume, error) {
	d.steps++
	d.sm.SetStep(d.steps)
	_, err := d.loop.runStep(ctx, d.session, state, d.tmpl, d.stream, d.sm, d.loopDetector)
	if err != nil {
		return entity.Resume{AgentState: state}, err
	}
	return entity.Resume{AgentState: state, StepsComplete: true}, nil
}

func (d *stepHandlerDriver) runUntilTerminal(ctx context.Context, state *entity.AgentState) (entity.Resume, error) {
	for {
		if d.loop.config.MaxAgentSteps > 0 && d.steps >= d.loop.config.MaxAgentSteps {
			return entity.Resume{AgentState: state, StepsComplete: true}, nil
		}
		d.steps++
		d.sm.SetStep(d.steps)
		terminal, err := d.loop.runStep(ctx, d.session, state, d.tmpl, d.stream, d.sm, d.loopDetector)
		if err != nil {
			return entity.Resume{AgentState: state}, err
		}
		if terminal {
			return entity.Resume{AgentState: state, StepsComplete: true}, nil
		}
	}
}

// runStepWithText implements STEP_TEXT (§3): text is appended directly as
// the agent's assistant message and the directive itself counts as one
// complete step — it never calls the model (Scenario S4: "no model call
// after the text step").
func (d *stepHandlerDriver) runStepWithText(ctx context.Context, state *entity.AgentState, text string) (entity.Resume, error) {
	d.steps++
	d.sm.SetStep(d.steps)

	msg, err := message.NewAssistantMessage(
		[]message.ContentPart{message.NewTextPart(text)},
		d.loop.now(),
		valueobject.NewTagSet(valueobject.TagLastAssistantMessage),
	)
	if err != nil {
		return entity.Resume{AgentState: state}, entity.Wrap(entity.ErrHandlerFault, err.Error())
	}
	d.loop.clearTag(state, valueobject.TagLastAssistantMessage)
	state.AppendMessage(msg)
	_ = d.stream.Emit(ctx, eventstream.Event{Type: eventstream.TypeText, AgentID: state.ID(), Text: text})
	return entity.Resume{AgentState: state, StepsComplete: true}, nil
}

// runGenerateN composes the current prompt once and issues n independent
// generate calls against it without mutating state's history, collecting
// each completion's text (§3's Resume.nResponses).
func (d *stepHandlerDriver) runGenerateN(ctx context.Context, state *entity.AgentState, n int) (entity.Resume, error) {
	if n <= 0 {
		return entity.Resume{AgentState: state, NResponses: nil}, nil
	}

	composed := d.loop.compose(state, d.tmpl)
	composed = d.loop.middleware.RunBeforeModel(ctx, composed, d.steps)
	composed = message.AnnotateCacheControl(message.Aggregate(composed))
	defs := d.loop.registry.Definitions(d.tmpl.ToolNames)

	responses := make([]string, 0, n)
	for i := 0; i < n; i++ {
		req := GenerateRequest{Messages: composed, Tools: defs, Model: d.tmpl.Model}
		deltaCh := make(chan StreamChunk, 16)
		done := make(chan struct{})
		var text string
		go func() {
			defer close(done)
			for chunk := range deltaCh {
				text += chunk.Text
			}
		}()
		resp, err := d.loop.llm.GenerateStream(ctx, req, deltaCh)
		close(deltaCh)
		<-done
		if err != nil {
			return entity.Resume{AgentState: state}, entity.Wrap(entity.ErrModelFailure, err.Error())
		}
		if resp != nil {
			d.sm.AddTokens(int64(resp.TokensUsed))
			state.AddCredits(float64(resp.TokensUsed), float64(resp.TokensUsed))
		}
		responses = append(responses, text)
	}
	return entity.Resume{AgentState: state, NResponses: responses}, nil
}

// runToolCall directly invokes one named tool, bypassing the model
// entirely. includeToolCall controls whether the call and its result join
// state's visible history.
func (d *stepHandlerDriver) runToolCall(ctx context.Context, state *entity.AgentState, directive entity.Directive) (entity.Resume, error) {
	call := message.ToolCall{ID: d.loop.idGen(), Name: directive.ToolName, Input: directive.ToolInput}

	if directive.IncludeToolCall {
		if msg, err := message.NewAssistantMessage([]message.ContentPart{message.NewToolCallPart(call)}, d.loop.now(), valueobject.NewTagSet(valueobject.TagAgentStepEphemeral)); err == nil {
			state.AppendMessage(msg)
		}
	}

	outcome := d.loop.executeOneTool(ctx, d.session, state, d.tmpl, call, d.sm, d.loopDetector, d.stream)

	if directive.IncludeToolCall {
		if msg, err := message.NewToolMessage(call.ID, call.Name, outcome.result.Parts, d.loop.now(), valueobject.NewTagSet(valueobject.TagAgentStepEphemeral)); err == nil {
			state.AppendMessage(msg)
		}
	}

	return entity.Resume{
		AgentState:     state,
		ToolResult:     outcome.resultText,
		ToolResultFail: !outcome.result.Success,
	}, nil
}
