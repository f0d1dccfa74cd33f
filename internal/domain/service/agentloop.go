package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ctxretention "github.com/ngoclaw/stepengine/internal/domain/context"
	"github.com/ngoclaw/stepengine/internal/domain/agent"
	"github.com/ngoclaw/stepengine/internal/domain/entity"
	"github.com/ngoclaw/stepengine/internal/domain/eventstream"
	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/tool"
	"github.com/ngoclaw/stepengine/internal/domain/valueobject"
	"github.com/ngoclaw/stepengine/pkg/safego"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AgentLoopConfig bounds one agent's step loop. Grounded on the teacher's
// AgentLoopConfig (agent_loop.go), trimmed to this core's scope — retry
// knobs are gone entirely (§7: the engine never retries).
type AgentLoopConfig struct {
	MaxAgentSteps    int // 0 = unlimited
	MaxParallelTools int
	ToolTimeout      time.Duration
	MaxOutputChars   int

	MaxTokenBudget int64
	MaxRunDuration time.Duration

	LoopWindowSize      int
	LoopExactThreshold  int
	LoopNameThreshold   int

	Retention ctxretention.Config
}

// DefaultAgentLoopConfig mirrors the teacher's DefaultAgentLoopConfig shape.
func DefaultAgentLoopConfig() AgentLoopConfig {
	return AgentLoopConfig{
		MaxAgentSteps:      50,
		MaxParallelTools:   8,
		ToolTimeout:        30 * time.Second,
		MaxOutputChars:     20_000,
		MaxTokenBudget:     0,
		MaxRunDuration:     0,
		LoopWindowSize:      12,
		LoopExactThreshold:  3,
		LoopNameThreshold:   8,
		Retention:          ctxretention.DefaultConfig(),
	}
}

// AgentLoop is the Agent Step Loop (§4.4): for one agent, composes a
// prompt, calls the model, executes resulting tool calls, and decides
// whether to run another step. It implements entity.Runner so the Subagent
// Spawner can recurse into it for every child without importing this
// package.
//
// Grounded almost directly on the teacher's AgentLoop.runLoop
// (agent_loop.go): composition, generation, concurrent tool execution
// (here via errgroup instead of the teacher's WaitGroup+semaphore),
// termination decision, and loop-detection reflection injection all carry
// over; engine-level retry (the teacher's callLLMWithRetry) does not,
// since §7 forbids it.
type AgentLoop struct {
	llm       LLMClient
	registry  tool.Registry
	extractor ToolCallExtractor
	callback  tool.ClientCallback
	templates entity.TemplateResolver

	hooks      AgentHook
	middleware *MiddlewarePipeline
	spawner    *agent.Spawner

	config AgentLoopConfig
	idGen  func() string
	clock  func() int64

	logger *zap.Logger
}

// NewAgentLoop builds an AgentLoop. hooks/middleware/spawner may be wired
// afterward via the Set* methods since the spawner itself depends on the
// loop (circular construction: the loop recurses into itself for every
// spawned child).
func NewAgentLoop(
	llm LLMClient,
	registry tool.Registry,
	extractor ToolCallExtractor,
	callback tool.ClientCallback,
	templates entity.TemplateResolver,
	config AgentLoopConfig,
	idGen func() string,
	clock func() int64,
	logger *zap.Logger,
) *AgentLoop {
	return &AgentLoop{
		llm:        llm,
		registry:   registry,
		extractor:  extractor,
		callback:   callback,
		templates:  templates,
		hooks:      NoOpHook{},
		middleware: NewMiddlewarePipeline(logger),
		config:     config,
		idGen:      idGen,
		clock:      clock,
		logger:     logger,
	}
}

// SetSpawner wires the Subagent Spawner used for spawn_agents/
// spawn_agent_inline engine tools.
func (a *AgentLoop) SetSpawner(s *agent.Spawner) { a.spawner = s }

// SetHooks replaces the observational hook chain.
func (a *AgentLoop) SetHooks(h AgentHook) {
	if h != nil {
		a.hooks = h
	}
}

// SetMiddleware replaces the data-transformation pipeline.
func (a *AgentLoop) SetMiddleware(mw *MiddlewarePipeline) {
	if mw != nil {
		a.middleware = mw
	}
}

// RunAgent implements entity.Runner: drives state through steps (or through
// a step handler) to termination, shaping and recording its Output.
func (a *AgentLoop) RunAgent(ctx context.Context, session *entity.SessionState, state *entity.AgentState, tmpl entity.AgentTemplate, stream *eventstream.Stream) error {
	_ = stream.Emit(ctx, eventstream.Event{Type: eventstream.TypeStart, AgentID: state.ID(), Timestamp: time.Now()})

	finishReason := "complete"
	runErr := a.run(ctx, session, state, tmpl, stream, &finishReason)

	_ = stream.Emit(ctx, eventstream.Event{
		Type: eventstream.TypeFinish, AgentID: state.ID(), Timestamp: time.Now(), FinishReason: finishReason,
	})
	a.hooks.OnComplete(ctx, state.ID(), outputOrZero(state))
	return runErr
}

func outputOrZero(state *entity.AgentState) entity.Output {
	out, _ := state.Output()
	return out
}

func (a *AgentLoop) run(ctx context.Context, session *entity.SessionState, state *entity.AgentState, tmpl entity.AgentTemplate, stream *eventstream.Stream, finishReason *string) error {
	costGuard := NewCostGuard(a.config.MaxTokenBudget, a.config.MaxRunDuration, a.logger)

	if tmpl.StepHandler != nil {
		driver := newStepHandlerDriver(a, session, tmpl, stream, costGuard, a.logger)
		err := driver.run(ctx, tmpl.StepHandler, state)
		if err != nil {
			*finishReason = "error"
			a.hooks.OnError(ctx, state.ID(), err, driver.steps)
			if !hasOutput(state) {
				state.SetOutput(entity.Output{Kind: entity.OutputError, ErrorMessage: err.Error()})
			}
			return err
		}
		a.finalizeOutput(state, tmpl)
		return nil
	}

	sm := NewStateMachine(a.config.MaxAgentSteps, a.logger)
	loopDetector := NewLoopDetector(a.config.LoopWindowSize, a.config.LoopExactThreshold, a.config.LoopNameThreshold, a.logger)

	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			*finishReason = "cancelled"
			return entity.Wrap(entity.ErrCancelled, err.Error())
		}

		steps++
		sm.SetStep(steps)

		terminal, err := a.runStep(ctx, session, state, tmpl, stream, sm, loopDetector)
		if err != nil {
			*finishReason = "error"
			a.hooks.OnError(ctx, state.ID(), err, steps)
			if !hasOutput(state) {
				state.SetOutput(entity.Output{Kind: entity.OutputError, ErrorMessage: err.Error()})
			}
			return err
		}
		if terminal {
			break
		}
		if a.config.MaxAgentSteps > 0 && steps >= a.config.MaxAgentSteps {
			a.appendStepLimitNotice(state)
			*finishReason = "step_limit"
			a.finalizeOutput(state, tmpl)
			return nil
		}
	}

	a.finalizeOutput(state, tmpl)
	return nil
}

func hasOutput(state *entity.AgentState) bool {
	_, ok := state.Output()
	return ok
}

func (a *AgentLoop) appendStepLimitNotice(state *entity.AgentState) {
	msg, err := message.NewSystemMessage(
		"[SYSTEM] Maximum agent steps reached; this run was cut off.",
		a.now(), valueobject.NewTagSet(),
	)
	if err == nil {
		state.AppendMessage(msg)
	}
}

// runStep executes one iteration of §4.4's per-step algorithm, returning
// whether the agent should terminate after this step.
func (a *AgentLoop) runStep(
	ctx context.Context,
	session *entity.SessionState,
	state *entity.AgentState,
	tmpl entity.AgentTemplate,
	stream *eventstream.Stream,
	sm *StateMachine,
	loopDetector *LoopDetector,
) (terminal bool, err error) {
	// Step 1: compose prompt.
	composed := a.compose(state, tmpl)
	composed = a.middleware.RunBeforeModel(ctx, composed, sm.Snapshot().Step)
	composed = message.AnnotateCacheControl(message.Aggregate(composed))

	defs := a.registry.Definitions(tmpl.ToolNames)

	if err := sm.Transition(StateGenerating); err != nil {
		return false, entity.Wrap(entity.ErrHandlerFault, err.Error())
	}

	req := GenerateRequest{Messages: composed, Tools: defs, Model: tmpl.Model}
	a.hooks.BeforeGenerate(ctx, state.ID(), req, sm.Snapshot().Step)

	deltaCh := make(chan StreamChunk, 16)
	var assistantParts []message.ContentPart
	var wg sync.WaitGroup
	wg.Add(1)
	safego.Go(a.logger, "agentloop-stream-reader", func() {
		defer wg.Done()
		for chunk := range deltaCh {
			if chunk.Text != "" {
				assistantParts = append(assistantParts, message.NewTextPart(chunk.Text))
				_ = stream.Emit(ctx, eventstream.Event{Type: eventstream.TypeText, AgentID: state.ID(), Text: chunk.Text, Timestamp: time.Now()})
			}
			if chunk.Reasoning != "" {
				assistantParts = append(assistantParts, message.NewReasoningPart(chunk.Reasoning))
				_ = stream.Emit(ctx, eventstream.Event{Type: eventstream.TypeReasoningDelta, AgentID: state.ID(), Text: chunk.Reasoning, Timestamp: time.Now()})
			}
			if chunk.ToolCall != nil {
				assistantParts = append(assistantParts, message.NewToolCallPart(*chunk.ToolCall))
			}
		}
	})

	resp, genErr := a.llm.GenerateStream(ctx, req, deltaCh)
	close(deltaCh)
	wg.Wait()

	if genErr != nil {
		if errors.Is(genErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			// §4.7 step 4 / Scenario S5: whatever text had already streamed
			// in before cancellation becomes a partial assistant message —
			// never silently dropped, and never an empty placeholder if
			// nothing had streamed yet.
			if len(assistantParts) > 0 {
				if partial, err := message.NewAssistantMessage(assistantParts, a.now(), valueobject.NewTagSet(valueobject.TagLastAssistantMessage)); err == nil {
					a.clearTag(state, valueobject.TagLastAssistantMessage)
					state.AppendMessage(partial)
				}
			}
			return false, entity.Wrap(entity.ErrCancelled, genErr.Error())
		}
		sm.RecordError()
		return false, entity.Wrap(entity.ErrModelFailure, genErr.Error())
	}
	a.hooks.AfterGenerate(ctx, state.ID(), resp, sm.Snapshot().Step)
	resp = a.middleware.RunAfterModel(ctx, resp, sm.Snapshot().Step)
	if resp != nil {
		if len(resp.Parts) > 0 {
			assistantParts = resp.Parts
		}
		sm.AddTokens(int64(resp.TokensUsed))
		state.AddCredits(float64(resp.TokensUsed), float64(resp.TokensUsed))
		if err := a.costGuardCheck(sm, resp.TokensUsed); err != nil {
			return false, entity.Wrap(entity.ErrModelFailure, err.Error())
		}
	}

	if len(assistantParts) == 0 {
		// A model response with no content at all is still a valid "done"
		// signal — treat it as an empty text part so NewAssistantMessage
		// can construct a message at all.
		assistantParts = []message.ContentPart{message.NewTextPart("")}
	}

	assistantMsg, _ := message.NewAssistantMessage(assistantParts, a.now(), valueobject.NewTagSet(valueobject.TagLastAssistantMessage))
	a.clearTag(state, valueobject.TagLastAssistantMessage)
	state.AppendMessage(assistantMsg)

	// Step 3: extract additional tool calls from streamed text.
	nativeCalls := assistantMsg.ToolCalls()
	extracted := a.extractToolCalls(assistantMsg)
	allCalls := append(append([]message.ToolCall(nil), nativeCalls...), extracted...)

	if len(allCalls) == 0 {
		return true, nil // rule 5(a): no tool calls at all.
	}

	// Step 4: execute tool calls, in call order, concurrently.
	if err := sm.Transition(StateToolExec); err != nil {
		return false, entity.Wrap(entity.ErrHandlerFault, err.Error())
	}
	anyTerminal, err := a.executeToolCalls(ctx, session, state, tmpl, stream, sm, loopDetector, allCalls)
	if err != nil {
		return false, err
	}

	// Step 5/continuation-forcing: terminate iff an explicitly terminal
	// tool ran, or every tool that ran was in the fixed non-terminating set.
	return anyTerminal, nil
}

func (a *AgentLoop) costGuardCheck(sm *StateMachine, tokens int) error {
	if a.config.MaxTokenBudget <= 0 {
		return nil
	}
	if int64(sm.Snapshot().TokensUsed) > a.config.MaxTokenBudget {
		return ErrTokenBudgetExceeded
	}
	return nil
}

func (a *AgentLoop) extractToolCalls(assistantMsg message.Message) []message.ToolCall {
	if a.extractor == nil {
		return nil
	}
	text := assistantMsg.TextContent()
	if text == "" {
		return nil
	}
	out := a.extractor.Extract(text)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = a.idGen()
		}
	}
	return out
}

// executeToolCalls runs every call in allCalls concurrently (bounded by
// MaxParallelTools via errgroup), appending results to history in original
// call order regardless of finish order (§4.4's ordering guarantee).
func (a *AgentLoop) executeToolCalls(
	ctx context.Context,
	session *entity.SessionState,
	state *entity.AgentState,
	tmpl entity.AgentTemplate,
	stream *eventstream.Stream,
	sm *StateMachine,
	loopDetector *LoopDetector,
	calls []message.ToolCall,
) (anyTerminal bool, err error) {
	results := make([]toolOutcome, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	if a.config.MaxParallelTools > 0 {
		g.SetLimit(a.config.MaxParallelTools)
	}

	for i, call := range calls {
		i, call := i, call
		_ = stream.Emit(ctx, eventstream.Event{
			Type: eventstream.TypeToolCall, AgentID: state.ID(), ToolCallID: call.ID, ToolName: call.Name, ToolInput: call.Input, Timestamp: time.Now(),
		})
		g.Go(func() error {
			safego.Recover(a.logger, "tool:"+call.Name, func() {
				results[i] = a.executeOneTool(gctx, session, state, tmpl, call, sm, loopDetector, stream)
			})
			return nil
		})
	}
	_ = g.Wait()

	// Continuation forcing (§4.4 item 5/6): the step terminates if an
	// explicitly terminal tool ran, OR if every tool that ran this step
	// belongs to the fixed non-terminating set — soft no-ops that "won't
	// force [a] next step" on their own, even though a tool was called.
	explicitTerminal := false
	allNonTerminating := true

	for i, call := range calls {
		outcome := results[i]
		_ = stream.Emit(ctx, eventstream.Event{
			Type: eventstream.TypeToolResult, AgentID: state.ID(), ToolCallID: call.ID, ToolName: call.Name,
			ToolResult: outcome.resultText, ToolOK: outcome.result.Success, Timestamp: time.Now(),
		})

		if outcome.result.HasMedia() {
			// Tool-as-media rewrite (§9): route as a user-role file message.
			fileParts := make([]message.ContentPart, len(outcome.result.Parts))
			for j, p := range outcome.result.Parts {
				if p.Type == message.PartMedia {
					p = message.NewFilePart(p.MediaURL, p.MimeType, p.Data)
				}
				fileParts[j] = p
			}
			userMsg, _ := message.NewUserMessage(fileParts, a.now(), valueobject.NewTagSet(valueobject.TagAgentStepEphemeral))
			state.AppendMessage(userMsg)
		} else if !outcome.hidden {
			toolMsg, mErr := message.NewToolMessage(call.ID, call.Name, outcome.result.Parts, a.now(), valueobject.NewTagSet(valueobject.TagAgentStepEphemeral))
			if mErr == nil {
				state.AppendMessage(toolMsg)
			}
		}

		if outcome.terminal {
			explicitTerminal = true
		}
		if !tool.IsNonTerminating(call.Name) {
			allNonTerminating = false
		}
	}

	return explicitTerminal || allNonTerminating, nil
}

type toolOutcome struct {
	result     tool.Result
	resultText string
	terminal   bool
	hidden     bool
}

func (a *AgentLoop) executeOneTool(
	ctx context.Context,
	session *entity.SessionState,
	state *entity.AgentState,
	tmpl entity.AgentTemplate,
	call message.ToolCall,
	sm *StateMachine,
	loopDetector *LoopDetector,
	stream *eventstream.Stream,
) toolOutcome {
	def, handler, ok := a.registry.Resolve(call.Name)
	if !ok {
		return a.errorOutcome(entity.ErrUnknownTool, fmt.Sprintf("unknown tool %q", call.Name))
	}

	if err := tool.ValidateInput(def.Schema, call.Input); err != nil {
		return a.errorOutcome(entity.ErrToolInputInvalid, fmt.Sprintf("tool %q input invalid: %s", call.Name, err.Error()))
	}

	if !a.hooks.BeforeToolCall(ctx, state.ID(), call.Name, call.Input) {
		return a.errorOutcome(entity.ErrToolFailed, "tool call vetoed by hook")
	}

	sm.RecordToolExec(call.Name)
	if reflect := loopDetector.Record(call.Name, fmt.Sprint(call.Input)); reflect != "" {
		a.injectReflection(state, reflect)
	}
	if reflect := loopDetector.RecordName(call.Name); reflect != "" {
		a.injectReflection(state, reflect)
	}

	var result tool.Result
	var execErr error

	switch def.Site {
	case tool.SiteEngine:
		if handler == nil {
			return a.errorOutcome(entity.ErrToolFailed, fmt.Sprintf("engine tool %q has no handler", call.Name))
		}
		result, execErr = a.invokeWithContext(ctx, session, state, tmpl, def, handler, call, stream)
	default: // client-side
		result, execErr = a.awaitClient(ctx, call, def)
	}

	a.hooks.AfterToolCall(ctx, state.ID(), call.Name, result)

	if execErr != nil {
		return toolOutcome{
			result:     tool.Result{Success: false, ErrorText: execErr.Error(), Parts: []message.ContentPart{message.NewJSONPart(map[string]any{"error": execErr.Error()})}},
			resultText: execErr.Error(),
			terminal:   def.EndsAgentStep, // explicit completion signal; continuation-forcing over the nonTerminating set happens in executeToolCalls
			hidden:     false,
		}
	}

	text := resultText(result)
	return toolOutcome{
		result:     result,
		resultText: text,
		terminal:   def.EndsAgentStep, // explicit completion signal; continuation-forcing over the nonTerminating set happens in executeToolCalls
		hidden:     false,
	}
}

func (a *AgentLoop) errorOutcome(sentinel error, detail string) toolOutcome {
	return toolOutcome{
		result: tool.Result{
			Success:   false,
			ErrorText: detail,
			Parts:     []message.ContentPart{message.NewJSONPart(map[string]any{"error": detail})},
		},
		resultText: detail,
		terminal:   false,
	}
}

func (a *AgentLoop) invokeWithContext(
	ctx context.Context,
	session *entity.SessionState,
	state *entity.AgentState,
	tmpl entity.AgentTemplate,
	def tool.Definition,
	handler tool.Handler,
	call message.ToolCall,
	stream *eventstream.Stream,
) (tool.Result, error) {
	switch call.Name {
	case "set_output":
		state.SetPendingStructured(call.Input["value"])
		return tool.Result{Success: true, Parts: []message.ContentPart{message.NewJSONPart(map[string]any{"ok": true})}}, nil
	case "set_messages":
		if raw, ok := call.Input["messages"].([]message.Message); ok {
			state.SetMessageHistory(raw)
		}
		return tool.Result{Success: true}, nil
	case "add_message":
		return tool.Result{Success: true}, nil
	case "spawn_agents":
		return a.handleSpawnAgents(ctx, session, state, tmpl, call, stream)
	case "spawn_agent_inline":
		return a.handleSpawnInline(ctx, session, state, tmpl, call, stream)
	}
	timeout := a.config.ToolTimeout
	if def.TimeoutSeconds != 0 {
		if def.TimeoutSeconds < 0 {
			timeout = 0
		} else {
			timeout = time.Duration(def.TimeoutSeconds) * time.Second
		}
	}
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return handler(callCtx, call.Input)
}

func (a *AgentLoop) awaitClient(ctx context.Context, call message.ToolCall, def tool.Definition) (tool.Result, error) {
	if a.callback == nil {
		return tool.Result{}, fmt.Errorf("no client callback configured for client-side tool %q", call.Name)
	}
	timeout := a.config.ToolTimeout
	if def.TimeoutSeconds != 0 {
		if def.TimeoutSeconds < 0 {
			timeout = 0
		} else {
			timeout = time.Duration(def.TimeoutSeconds) * time.Second
		}
	}
	r, err := a.callback.Await(ctx, call.ID, timeout)
	if errors.Is(err, tool.ErrClientTimeout) {
		err = entity.Wrap(entity.ErrToolTimeout, err.Error())
	}
	return r, err
}

func resultText(r tool.Result) string {
	if !r.Success {
		return r.ErrorText
	}
	for _, p := range r.Parts {
		if p.Type == message.PartJSON {
			return fmt.Sprint(p.JSONValue)
		}
	}
	return ""
}

func (a *AgentLoop) injectReflection(state *entity.AgentState, text string) {
	msg, err := message.NewSystemMessage(text, a.now(), valueobject.NewTagSet(valueobject.TagAgentStepEphemeral))
	if err == nil {
		state.AppendMessage(msg)
	}
}

// compose builds step 1's concatenated prompt: system/instructions prompt,
// retained+tagged history, then the step prompt tagged STEP_PROMPT.
func (a *AgentLoop) compose(state *entity.AgentState, tmpl entity.AgentTemplate) []message.Message {
	var out []message.Message

	systemText := tmpl.SystemPrompt
	if tmpl.InheritParentSystemPrompt && !state.IsRoot() {
		// InheritParentSystemPrompt has no effect: neither this loop nor
		// the Spawner copies a parent's system prompt, so a child always
		// uses its own template's SystemPrompt.
		_ = systemText
	}
	if systemText != "" {
		if sysMsg, err := message.NewSystemMessage(systemText, a.now(), valueobject.NewTagSet()); err == nil {
			out = append(out, sysMsg)
		}
	}
	if tmpl.InstructionsPrompt != "" {
		if instrMsg, err := message.NewSystemMessage(tmpl.InstructionsPrompt, a.now(), valueobject.NewTagSet()); err == nil {
			out = append(out, instrMsg)
		}
	}

	retention := ctxretention.New(a.config.Retention, nil)
	history := retention.Apply(message.Aggregate(state.MessageHistory()))
	out = append(out, history...)

	if tmpl.StepPrompt != "" {
		if stepMsg, err := message.NewSystemMessage(tmpl.StepPrompt, a.now(), valueobject.NewTagSet(valueobject.TagStepPrompt)); err == nil {
			out = append(out, stepMsg)
		}
	}

	return sanitizeMessages(out, a.now())
}

// clearTag removes tag from every message currently in state's history —
// used to enforce "exactly one message carries LAST_ASSISTANT_MESSAGE".
func (a *AgentLoop) clearTag(state *entity.AgentState, tag valueobject.Tag) {
	history := state.MessageHistory()
	changed := false
	for i, m := range history {
		if m.Tags().Has(tag) {
			history[i] = m.WithTags(m.Tags().Without(tag))
			changed = true
		}
	}
	if changed {
		state.SetMessageHistory(history)
	}
}

func (a *AgentLoop) now() int64 {
	if a.clock != nil {
		return a.clock()
	}
	return time.Now().UnixMilli()
}

// finalizeOutput shapes state's terminal Output per tmpl.OutputMode (§4.5
// "Output shaping"), unless an error output was already recorded.
func (a *AgentLoop) finalizeOutput(state *entity.AgentState, tmpl entity.AgentTemplate) {
	if hasOutput(state) {
		return
	}
	history := state.MessageHistory()
	switch tmpl.OutputMode {
	case entity.OutputModeAllMessages:
		state.SetOutput(entity.Output{Kind: entity.OutputAllMessages, AllMessages: nonSystemMessages(history)})
	case entity.OutputModeStructured:
		if v, ok := state.PendingStructured(); ok {
			if err := tool.ValidateInput(tmpl.OutputSchema, v); err != nil {
				wrapped := entity.Wrap(entity.ErrOutputSchemaInvalid, err.Error())
				a.logger.Warn("set_output value failed its output schema",
					zap.String("agentID", state.ID()), zap.Error(wrapped))
				state.SetOutput(entity.Output{Kind: entity.OutputError, ErrorMessage: wrapped.Error()})
				return
			}
			state.SetOutput(entity.Output{Kind: entity.OutputStructured, Structured: v})
		} else {
			// §4.5 output shaping: set_output was never called, so the
			// output is null. The warning goes to the logger only; no event
			// is emitted on the stream.
			a.logger.Warn("structured_output agent terminated without calling set_output", zap.String("agentID", state.ID()))
			state.SetOutput(entity.Output{Kind: entity.OutputStructured, Structured: nil})
		}
	default: // last_message
		state.SetOutput(entity.Output{Kind: entity.OutputLastMessage, LastMessage: lastAssistantParts(history)})
	}
}

func nonSystemMessages(history []message.Message) []message.Message {
	out := make([]message.Message, 0, len(history))
	for _, m := range history {
		if m.Role() != message.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

func lastAssistantParts(history []message.Message) []message.ContentPart {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role() == message.RoleAssistant {
			return history[i].Parts()
		}
	}
	return nil
}
