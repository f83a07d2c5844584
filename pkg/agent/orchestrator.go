package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/ragent/internal/backoff"
	"github.com/harun/ragent/internal/observability"
	"github.com/harun/ragent/internal/tracing"
	"github.com/harun/ragent/pkg/evaluator"
	"github.com/harun/ragent/pkg/lanes"
	"github.com/harun/ragent/pkg/model"
	"github.com/harun/ragent/pkg/retrieval"
	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
	"github.com/harun/ragent/pkg/tools/builtin"
)

const tracerName = "ragent.agent"

const (
	modelFailureMessage = "I'm sorry, I couldn't generate a response because the language model is unavailable right now. Please try again shortly."
	toolLoopFallback    = "I wasn't able to finish this request with the available tools. Please rephrase or try again."
)

// Request is one incoming user message.
type Request struct {
	SessionID string         `json:"session_id,omitempty"`
	Message   string         `json:"message"`
	Options   RequestOptions `json:"options"`
}

// RequestOptions switch off optional pipeline steps for one request.
type RequestOptions struct {
	SkipRetrieval  bool `json:"skip_retrieval,omitempty"`
	DisableTools   bool `json:"disable_tools,omitempty"`
	SkipEvaluation bool `json:"skip_evaluation,omitempty"`
}

// Response is the outcome of ProcessTurn.
type Response struct {
	SessionID        string                    `json:"session_id"`
	AssistantMessage string                    `json:"assistant_message"`
	Citations        []string                  `json:"citations"`
	Evaluation       *session.EvaluationReport `json:"evaluation,omitempty"`
	ToolCalls        []session.ToolCall        `json:"tool_calls,omitempty"`
	Passages         []retrieval.Passage       `json:"passages,omitempty"`
	Metadata         Metadata                  `json:"metadata"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	TraceID           string      `json:"trace_id,omitempty"`
	RequestID         string      `json:"request_id,omitempty"`
	Model             string      `json:"model"`
	States            []string    `json:"states"`
	ToolIterations    int         `json:"tool_iterations"`
	ModelAttempts     int         `json:"model_attempts"`
	PassagesRetrieved int         `json:"passages_retrieved"`
	RetrievalDegraded bool        `json:"retrieval_degraded"`
	Failed            bool        `json:"failed,omitempty"`
	Usage             model.Usage `json:"usage"`
	DurationMs        int64       `json:"duration_ms"`
}

// Orchestrator runs the per-message pipeline: retrieve, prompt, dispatch
// tools, evaluate and persist. Requests for different sessions run
// concurrently; requests for one session are serialized through lanes.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates an Orchestrator. Store and Model are required.
func New(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}

	if cfg.RetrievalPolicy == RetrievalTool {
		if cfg.Tools == nil {
			cfg.Tools = tools.NewRegistry(tools.Config{Logger: cfg.Logger})
		}
		if err := cfg.Tools.Register(builtin.SearchDocuments(cfg.Retriever, cfg.RetrievalK, cfg.MinScore)); err != nil {
			return nil, fmt.Errorf("failed to register retrieval tool: %w", err)
		}
	}
	if cfg.Evaluator == nil {
		evalCfg := evaluator.Config{}
		if cfg.Tools != nil {
			evalCfg.Validator = cfg.Tools
		}
		cfg.Evaluator = evaluator.New(evalCfg)
	}
	if cfg.Lanes == nil {
		cfg.Lanes = lanes.New(cfg.Logger)
	}

	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "agent").Logger(),
	}, nil
}

type turnRun struct {
	logger zerolog.Logger
	state  State
	meta   *Metadata
}

func (r *turnRun) transition(to State) {
	r.logger.Debug().Str("from", r.state.String()).Str("to", to.String()).Msg("State transition")
	r.state = to
	r.meta.States = append(r.meta.States, to.String())
}

// conversation accumulates what one request produces before it is persisted.
type conversation struct {
	turns    []session.Turn
	calls    []session.ToolCall
	context  []retrieval.Passage
	supplied []retrieval.Passage
	content  string
}

// ProcessTurn answers one user message. On model failure it persists a
// synthetic assistant turn and returns it together with ErrModelUnavailable.
// On persistence failure the unsaved response is returned with ErrPersistenceFailure.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.process_turn",
		attribute.String("session_id", req.SessionID),
		attribute.String("model", o.cfg.Model.Name()),
	)
	defer span.End()

	meta := &Metadata{
		TraceID:   tracing.GetTraceID(ctx),
		RequestID: tracing.GetRequestID(ctx),
		Model:     o.cfg.Model.Name(),
	}
	run := &turnRun{logger: tracing.LoggerFromContext(ctx, o.logger), meta: meta}
	run.transition(StateStart)

	resp, err := o.processTurn(ctx, run, req)

	meta.DurationMs = time.Since(start).Milliseconds()
	if resp != nil {
		resp.Metadata = *meta
	}

	outcome := "ok"
	if err != nil {
		outcome = Code(err)
		tracing.Fail(span, err)
		run.logger.Warn().Err(err).Str("outcome", outcome).Msg("Turn failed")
	} else {
		run.logger.Info().
			Str("session_id", resp.SessionID).
			Int("tool_iterations", meta.ToolIterations).
			Int("model_attempts", meta.ModelAttempts).
			Bool("retrieval_degraded", meta.RetrievalDegraded).
			Dur("duration", time.Since(start)).
			Msg("Turn completed")
	}
	observability.RecordTurn(outcome, time.Since(start))

	return resp, err
}

func (o *Orchestrator) processTurn(ctx context.Context, run *turnRun, req Request) (*Response, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		run.transition(StateFailed)
		return nil, newError(ErrInvalidInput, "validate", errors.New("message is empty"))
	}
	if n := utf8.RuneCountInString(req.Message); n > o.cfg.MaxMessageChars {
		run.transition(StateFailed)
		return nil, newError(ErrInvalidInput, "validate", fmt.Errorf("message exceeds %d characters", o.cfg.MaxMessageChars))
	}

	release, sess, err := o.openSession(ctx, run, req.SessionID)
	if err != nil {
		run.transition(StateFailed)
		return nil, err
	}
	defer release()

	ctx = tracing.WithSessionID(ctx, sess.ID)
	run.logger = tracing.LoggerFromContext(ctx, o.logger)

	userTurn := session.NewTurn(session.RoleUser, req.Message)
	history := append([]session.Turn(nil), sess.Recent(o.cfg.HistoryTurns)...)
	conv := &conversation{turns: []session.Turn{userTurn}}

	run.transition(StateRetrieving)
	conv.context = o.retrieve(ctx, run, message, req.Options)
	conv.supplied = append(conv.supplied, conv.context...)

	if err := o.converse(ctx, run, history, conv, req.Options); err != nil {
		return o.failTurn(ctx, run, sess.ID, conv, err)
	}

	assistant := session.NewTurn(session.RoleAssistant, conv.content)
	assistant.Citations = retrieval.IDs(conv.supplied)

	if !req.Options.SkipEvaluation {
		run.transition(StateEvaluating)
		report := o.cfg.Evaluator.Evaluate(evaluator.Input{
			User:      userTurn,
			Assistant: assistant,
			Context:   conv.supplied,
			ToolCalls: conv.calls,
		})
		assistant.Evaluation = &report
		observability.RecordEvaluation(report.Passed)
	}

	resp := &Response{
		SessionID:        sess.ID,
		AssistantMessage: assistant.Content,
		Citations:        assistant.Citations,
		Evaluation:       assistant.Evaluation,
		ToolCalls:        conv.calls,
		Passages:         conv.supplied,
	}

	run.transition(StatePersisting)
	if err := o.persist(ctx, sess.ID, append(conv.turns, assistant)); err != nil {
		run.transition(StateFailed)
		return resp, newError(ErrPersistenceFailure, "persist turns", err)
	}

	run.transition(StateDone)
	return resp, nil
}

// openSession resolves the target session and takes its lane. A missing
// session is replaced by a new one rather than failing the request.
func (o *Orchestrator) openSession(ctx context.Context, run *turnRun, id string) (lanes.Release, *session.Session, error) {
	noop := lanes.Release(func() {})

	if id != "" {
		release, err := o.cfg.Lanes.Acquire(ctx, id, o.cfg.LockWait)
		if err != nil {
			return noop, nil, newError(ErrSessionConflict, "acquire session", err)
		}
		sess, err := o.cfg.Store.Get(ctx, id)
		if err == nil {
			return release, sess, nil
		}
		release()
		if !errors.Is(err, session.ErrNotFound) {
			return noop, nil, newError(ErrPersistenceFailure, "load session", err)
		}
		run.logger.Info().Str("requested_session", id).Msg("Session not found, starting a new one")
	}

	sess, err := o.cfg.Store.Create(ctx)
	if err != nil {
		return noop, nil, newError(ErrPersistenceFailure, "create session", err)
	}
	observability.RecordSessionAudit(ctx, "create", "agent", map[string]interface{}{"session_id": sess.ID})

	release, err := o.cfg.Lanes.Acquire(ctx, sess.ID, o.cfg.LockWait)
	if err != nil {
		return noop, nil, newError(ErrSessionConflict, "acquire session", err)
	}
	return release, sess, nil
}

// retrieve fetches context under its own timeout. Failures degrade to no context.
func (o *Orchestrator) retrieve(ctx context.Context, run *turnRun, query string, opts RequestOptions) []retrieval.Passage {
	if o.cfg.RetrievalPolicy != RetrievalAlways || o.cfg.Retriever == nil || opts.SkipRetrieval || o.cfg.RetrievalK <= 0 {
		return nil
	}

	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
	defer cancel()

	type result struct {
		passages []retrieval.Passage
		err      error
	}
	done := make(chan result, 1)
	go func() {
		p, err := o.cfg.Retriever.Search(rctx, query, o.cfg.RetrievalK, o.cfg.MinScore)
		done <- result{passages: p, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-rctx.Done():
		res.err = fmt.Errorf("retrieval timed out: %w", rctx.Err())
	}

	degraded := res.err != nil
	observability.RecordRetrieval(time.Since(start), degraded)
	if degraded {
		run.meta.RetrievalDegraded = true
		run.logger.Warn().Err(res.err).Msg("Retrieval degraded, continuing without context")
		return nil
	}

	passages := retrieval.Rank(res.passages, o.cfg.RetrievalK, o.cfg.MinScore)
	run.meta.PassagesRetrieved = len(passages)
	return passages
}

// converse runs the bounded prompt/tool loop until the model produces text.
func (o *Orchestrator) converse(ctx context.Context, run *turnRun, history []session.Turn, conv *conversation, opts RequestOptions) error {
	var available []tools.Descriptor
	if o.cfg.Tools != nil && !opts.DisableTools {
		available = o.cfg.Tools.List()
	}

	for iterations := 0; ; {
		run.transition(StatePrompting)

		offered := available
		if iterations >= o.cfg.MaxToolIterations {
			offered = nil
		}

		req := model.Request{
			SystemPrompt: o.cfg.SystemPrompt,
			History:      append(append([]session.Turn(nil), history...), conv.turns...),
			Context:      conv.context,
			Tools:        offered,
		}
		comp, err := o.generate(ctx, run, req)
		if err != nil {
			return err
		}
		run.meta.Usage.InputTokens += comp.Usage.InputTokens
		run.meta.Usage.OutputTokens += comp.Usage.OutputTokens

		if comp.Kind != model.KindToolRequest {
			conv.content = comp.Content
			return nil
		}

		if len(offered) == 0 {
			run.logger.Warn().Str("tool", comp.ToolName).Msg("Tool requested while tools are disabled, treating as text")
			conv.content = comp.Content
			if strings.TrimSpace(conv.content) == "" {
				conv.content = toolLoopFallback
			}
			return nil
		}

		iterations++
		run.meta.ToolIterations = iterations
		run.transition(StateToolDispatch)
		o.dispatch(ctx, run, comp, conv)
	}
}

// generate calls the model with a per-attempt timeout and bounded retries.
func (o *Orchestrator) generate(ctx context.Context, run *turnRun, req model.Request) (model.Completion, error) {
	name := o.cfg.Model.Name()

	res, err := backoff.Do(ctx, backoff.Retrier{
		Policy:    o.cfg.Backoff,
		Attempts:  o.cfg.ModelRetries + 1,
		Retryable: model.Retryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			observability.RecordModelRetry(name)
			run.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Model call failed, retrying")
		},
	}, func(ctx context.Context, attempt int) (model.Completion, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.ModelTimeout)
		defer cancel()

		start := time.Now()
		comp, err := o.cfg.Model.Generate(callCtx, req)
		observability.RecordModelCall(name, time.Since(start), err == nil)
		return comp, err
	})
	run.meta.ModelAttempts += res.Attempts
	if err != nil {
		return model.Completion{}, err
	}
	return res.Value, nil
}

// dispatch invokes the requested tool and records the call as a tool turn.
// Tool failures become part of the conversation, never request failures.
func (o *Orchestrator) dispatch(ctx context.Context, run *turnRun, comp model.Completion, conv *conversation) {
	name := comp.ToolName
	if name == "" {
		name = "unknown"
	}
	args := comp.Args
	if args == nil {
		args = map[string]any{}
	}
	callID := comp.ToolCallID
	if callID == "" {
		callID = session.NewID()
	}

	res := o.cfg.Tools.Invoke(ctx, name, args, o.cfg.ToolTimeout)

	call := session.ToolCall{ID: callID, Name: name, Args: args, Latency: res.Latency}
	if res.Err != nil {
		call.Error = res.Err.Record()
	} else {
		call.Result = res.Output
		if call.Result == nil {
			call.Result = map[string]any{}
		}
	}

	turn := session.NewTurn(session.RoleTool, model.ToolResultText(&call))
	turn.ToolCall = &call
	conv.turns = append(conv.turns, turn)
	conv.calls = append(conv.calls, call)

	if name == builtin.SearchDocumentsName && call.Error == nil {
		conv.supplied = mergePassages(conv.supplied, passagesFromOutput(call.Result))
	}

	event := run.logger.Debug()
	if call.Error != nil {
		event = run.logger.Warn().Str("kind", call.Error.Kind)
	}
	event.Str("tool", name).Dur("latency", res.Latency).Msg("Tool dispatched")
}

// failTurn persists the user turn with a synthetic assistant reply so the
// session never holds an unanswered user turn.
func (o *Orchestrator) failTurn(ctx context.Context, run *turnRun, sessionID string, conv *conversation, cause error) (*Response, error) {
	run.transition(StateFailed)
	run.meta.Failed = true
	run.logger.Error().Err(cause).Int("attempts", run.meta.ModelAttempts).Msg("Model unavailable, recording failure reply")

	assistant := session.NewTurn(session.RoleAssistant, modelFailureMessage)
	resp := &Response{
		SessionID:        sessionID,
		AssistantMessage: assistant.Content,
		Citations:        []string{},
		ToolCalls:        conv.calls,
	}

	if err := o.persist(ctx, sessionID, append(conv.turns, assistant)); err != nil {
		return resp, newError(ErrPersistenceFailure, "persist failure reply", errors.Join(cause, err))
	}
	return resp, newError(ErrModelUnavailable, "generate", cause)
}

// persist appends turns as one unit. It is not cancelled with the request so
// an answered turn is not lost to a client disconnect.
func (o *Orchestrator) persist(ctx context.Context, sessionID string, turns []session.Turn) error {
	return o.cfg.Store.Append(context.WithoutCancel(ctx), sessionID, turns...)
}

func passagesFromOutput(output any) []retrieval.Passage {
	out, ok := output.(map[string]any)
	if !ok {
		return nil
	}

	var items []map[string]any
	switch raw := out["passages"].(type) {
	case []map[string]any:
		items = raw
	case []any:
		for _, r := range raw {
			if m, ok := r.(map[string]any); ok {
				items = append(items, m)
			}
		}
	}

	passages := make([]retrieval.Passage, 0, len(items))
	for _, m := range items {
		id, _ := m["id"].(string)
		if id == "" {
			continue
		}
		p := retrieval.Passage{ID: id}
		p.SourceID, _ = m["source"].(string)
		p.Text, _ = m["text"].(string)
		p.Score, _ = m["score"].(float64)
		passages = append(passages, p)
	}
	return passages
}

func mergePassages(existing, more []retrieval.Passage) []retrieval.Passage {
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p.ID] = true
	}
	for _, p := range more {
		if !seen[p.ID] {
			seen[p.ID] = true
			existing = append(existing, p)
		}
	}
	return existing
}
