package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/taskforge/sandbox"
	"github.com/martinemde/taskforge/unifiedllm"
)

const loopWarning = "Loop detected: your recent tool calls repeat the same pattern. Try a different approach."

// ModelClient is the model backend as seen by the loop. *unifiedllm.Client
// satisfies it.
type ModelClient interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// Loop drives sessions from pending to a terminal status, alternating model
// queries and tool dispatch. A Loop is shared by all sessions; each call to
// Run owns exactly one session.
type Loop struct {
	client    ModelClient
	registry  *ToolRegistry
	workspace Workspace
	retry     unifiedllm.RetryPolicy
	counter   TokenCounter
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithWorkspace sets the workspace described in the system prompt.
func WithWorkspace(ws Workspace) LoopOption {
	return func(l *Loop) { l.workspace = ws }
}

// WithRetryPolicy sets the backoff for transient model errors. The attempt
// count comes from SessionConfig.MaxModelAttempts.
func WithRetryPolicy(p unifiedllm.RetryPolicy) LoopOption {
	return func(l *Loop) { l.retry = p }
}

// WithTokenCounter replaces the tokenizer used for windowing and cost
// estimates.
func WithTokenCounter(c TokenCounter) LoopOption {
	return func(l *Loop) { l.counter = c }
}

// WithTracer sets the tracer for model and tool spans.
func WithTracer(t trace.Tracer) LoopOption {
	return func(l *Loop) { l.tracer = t }
}

// WithLoopLogger sets the loop logger.
func WithLoopLogger(logger zerolog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop creates a Loop.
func NewLoop(client ModelClient, registry *ToolRegistry, opts ...LoopOption) *Loop {
	l := &Loop{
		client:   client,
		registry: registry,
		retry:    unifiedllm.DefaultRetryPolicy(),
		counter:  unifiedllm.CountTokens,
		tracer:   otel.Tracer("github.com/martinemde/taskforge/agentloop"),
		logger:   log.With().Str("component", "agentloop").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the loop's tool registry.
func (l *Loop) Registry() *ToolRegistry { return l.registry }

// Run drives s until it is terminal. The session deadline starts when s
// enters running. When ctx is cancelled the session is marked cancelled and
// Run returns without waiting for in-flight tools.
func (l *Loop) Run(ctx context.Context, s *SessionState) {
	logger := l.logger.With().Str("session_id", s.ID()).Logger()
	cfg := s.Config()
	task := s.Task()

	if err := task.Validate(); err != nil {
		_ = s.Transition(StatusFailed, failureFromError(err))
		return
	}
	if err := s.Transition(StatusRunning, nil); err != nil {
		return
	}

	var (
		deadline time.Time
		cancel   context.CancelFunc
	)
	if cfg.Timeout > 0 {
		deadline = s.StartedAt().Add(cfg.Timeout)
		ctx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	r := &run{
		loop:     l,
		s:        s,
		cfg:      cfg,
		task:     task,
		deadline: deadline,
		failures: newFailureTracker(cfg.MaxConsecutiveFailures),
		logger:   logger,
		prompt:   BuildSystemPrompt(l.workspace, task, cfg.Model, l.registry.Names(), cfg.UserInstructions),
	}
	logger.Info().Str("model", cfg.Model).Msg("session started")
	r.drive(ctx)

	snap := s.Snapshot()
	ev := logger.Info().
		Str("status", string(snap.Status)).
		Int("turns", len(snap.History)).
		Int("tool_calls", snap.Counters.ToolCalls).
		Int("cost_units", snap.Counters.CostUnits).
		Dur("elapsed", snap.Counters.Elapsed)
	if snap.Failure != nil {
		ev = ev.Str("failure_kind", string(snap.Failure.Kind)).Str("failure", snap.Failure.Detail)
	}
	ev.Msg("session finished")
}

// run is the per-session state of one Run call.
type run struct {
	loop     *Loop
	s        *SessionState
	cfg      SessionConfig
	task     Task
	prompt   string
	deadline time.Time
	failures *failureTracker
	logger   zerolog.Logger
}

func (r *run) drive(ctx context.Context) {
	for {
		if r.stopIfDone(ctx) || r.checkLimits() {
			return
		}

		resp, err := r.queryModel(ctx)
		if err != nil {
			r.failModel(ctx, err)
			return
		}

		requests := toolRequests(resp.ToolCallsFromResponse(), r.s.RequestIssued)
		turn := NewModelTurn(resp.Text(), resp.Reasoning(), requests, resp.Usage, resp.ID)
		if _, err := r.s.AppendTurn(turn); err != nil {
			r.failAppend(err)
			return
		}

		if len(requests) == 0 {
			text := resp.Text()
			_ = r.s.Complete(Result{Text: text, LowConfidence: strings.TrimSpace(text) == ""})
			return
		}

		if failure := r.checkToolAllowance(len(requests)); failure != nil {
			_ = r.s.Transition(StatusFailed, failure)
			return
		}
		if err := r.s.Transition(StatusAwaitingTool, nil); err != nil {
			return
		}
		if failure := r.dispatch(ctx, requests); failure != nil {
			_ = r.s.Transition(StatusFailed, failure)
			return
		}
		if err := r.s.Transition(StatusRunning, nil); err != nil {
			return
		}
	}
}

// stopIfDone reports whether the session is already terminal, marking it
// cancelled or timed out first when ctx is done.
func (r *run) stopIfDone(ctx context.Context) bool {
	if r.s.Status().IsTerminal() {
		return true
	}
	select {
	case <-ctx.Done():
		r.markDone(ctx)
		return true
	default:
		return false
	}
}

func (r *run) markDone(ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		_ = r.s.Transition(StatusTimedOut, &Failure{
			Kind:   KindTimeout,
			Detail: fmt.Sprintf("session exceeded its %s timeout", r.cfg.Timeout),
		})
		return
	}
	detail := "session cancelled"
	var e *Error
	if errors.As(context.Cause(ctx), &e) && e.Message != "" {
		detail = e.Message
	}
	_ = r.s.Transition(StatusCancelled, &Failure{Kind: KindCancelled, Detail: detail})
}

// checkLimits fails or times out the session once a limit is exceeded.
// Using exactly the allowed tool calls or cost units is not a failure.
func (r *run) checkLimits() bool {
	if !r.deadline.IsZero() && !time.Now().Before(r.deadline) {
		_ = r.s.Transition(StatusTimedOut, &Failure{
			Kind:   KindTimeout,
			Detail: fmt.Sprintf("session exceeded its %s timeout", r.cfg.Timeout),
		})
		return true
	}

	c := r.s.Counters()
	var detail string
	switch {
	case r.cfg.MaxToolCalls > 0 && c.ToolCalls > r.cfg.MaxToolCalls:
		detail = fmt.Sprintf("tool call limit of %d exceeded", r.cfg.MaxToolCalls)
	case r.cfg.MaxCostUnits > 0 && c.CostUnits > r.cfg.MaxCostUnits:
		detail = fmt.Sprintf("cost budget of %d units exceeded (used %d)", r.cfg.MaxCostUnits, c.CostUnits)
	default:
		return false
	}
	_ = r.s.Transition(StatusFailed, &Failure{Kind: KindLimitExceeded, Detail: detail})
	return true
}

// checkToolAllowance rejects a turn whose requests would take the session
// past MaxToolCalls. Nothing from such a turn is dispatched.
func (r *run) checkToolAllowance(requested int) *Failure {
	if r.cfg.MaxToolCalls <= 0 {
		return nil
	}
	remaining := r.cfg.MaxToolCalls - r.s.Counters().ToolCalls
	if requested <= remaining {
		return nil
	}
	detail := fmt.Sprintf("tool call limit of %d exceeded: model requested %d calls with %d remaining",
		r.cfg.MaxToolCalls, requested, max(remaining, 0))
	return &Failure{Kind: KindLimitExceeded, Detail: detail}
}

func (r *run) buildRequest() unifiedllm.Request {
	history := r.s.History()
	budget := contextBudget(r.cfg, unifiedllm.ContextWindow(r.cfg.Model))
	windowed := WindowHistory(history, budget, r.loop.counter)
	if budget > 0 {
		if before, after := HistoryTokens(history, r.loop.counter), HistoryTokens(windowed, r.loop.counter); after < before {
			r.logger.Debug().Msg(elisionNote(before, after))
		}
	}

	messages := append([]unifiedllm.Message{unifiedllm.SystemMessage(r.prompt)},
		ConvertHistoryToMessages(r.task, windowed)...)
	if r.cfg.EnableLoopDetection && DetectLoop(history, r.cfg.LoopDetectionWindow) {
		r.logger.Warn().Msg("repeating tool call pattern detected")
		messages = append(messages, unifiedllm.UserMessage(loopWarning))
	}

	req := unifiedllm.Request{
		Model:      r.cfg.Model,
		Provider:   r.cfg.Provider,
		Messages:   messages,
		ToolDefs:   r.loop.registry.ModelDefinitions(),
		ToolChoice: &unifiedllm.ToolChoice{Mode: "auto"},
		Metadata:   map[string]string{"session_id": r.s.ID()},
	}
	if r.cfg.MaxTokens > 0 {
		maxTokens := r.cfg.MaxTokens
		req.MaxTokens = &maxTokens
	}
	return req
}

// queryModel sends the current history to the model, retrying transient
// failures, and records the call's cost.
func (r *run) queryModel(ctx context.Context) (*unifiedllm.Response, error) {
	req := r.buildRequest()

	policy := r.loop.retry
	if r.cfg.MaxModelAttempts > 0 {
		policy.MaxRetries = r.cfg.MaxModelAttempts - 1
	}
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		r.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying model call")
	}

	ctx, span := r.loop.tracer.Start(ctx, "agentloop.model",
		trace.WithAttributes(
			attribute.String("session.id", r.s.ID()),
			attribute.String("model", req.Model),
			attribute.Int("messages", len(req.Messages)),
		))
	defer span.End()

	resp, err := unifiedllm.Retry(ctx, policy, func(ctx context.Context) (*unifiedllm.Response, error) {
		return r.complete(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	units := resp.Usage.TotalTokens
	if units == 0 {
		units = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}
	if units == 0 {
		units = unifiedllm.CountMessageTokens(req.Messages) + r.loop.counter(resp.Text())
	}
	r.s.RecordModelCall(units)
	span.SetAttributes(attribute.Int("cost_units", units))
	return resp, nil
}

type reply struct {
	resp *unifiedllm.Response
	err  error
}

// complete calls the backend but stops waiting as soon as ctx is done, even
// if the backend does not honor ctx.
func (r *run) complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	ch := make(chan reply, 1)
	go func() {
		resp, err := r.loop.client.Complete(ctx, req)
		ch <- reply{resp: resp, err: err}
	}()
	select {
	case rp := <-ch:
		if rp.err == nil && rp.resp == nil {
			return nil, &unifiedllm.ServerError{ProviderError: unifiedllm.ProviderError{
				SDKError:  unifiedllm.SDKError{Message: "model returned no response"},
				Retryable: true,
			}}
		}
		return rp.resp, rp.err
	case <-ctx.Done():
		return nil, &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "model call abandoned", Cause: ctx.Err()}}
	}
}

func (r *run) failModel(ctx context.Context, err error) {
	if r.s.Status().IsTerminal() {
		return
	}
	if ctx.Err() != nil {
		r.markDone(ctx)
		return
	}
	switch unifiedllm.Classify(err) {
	case unifiedllm.ClassInvalidRequest:
		_ = r.s.Transition(StatusFailed, &Failure{Kind: KindInvalidRequest, Detail: err.Error()})
	default:
		_ = r.s.Transition(StatusFailed, &Failure{
			Kind:   KindBackendUnavailable,
			Detail: fmt.Sprintf("model backend unavailable after %d attempts: %v", max(r.cfg.MaxModelAttempts, 1), err),
		})
	}
}

func (r *run) failAppend(err error) {
	if KindOf(err) == KindInvalidTransition {
		return
	}
	r.logger.Error().Err(err).Msg("model turn rejected")
	_ = r.s.Transition(StatusFailed, failureFromError(err))
}

// dispatch runs the requests of one model turn. The tools run on a context
// detached from session cancellation so each can unwind through its own
// timeout; the loop itself stops waiting as soon as ctx is done.
func (r *run) dispatch(ctx context.Context, requests []ToolRequest) *Failure {
	toolCtx := context.WithoutCancel(ctx)
	done := make(chan *Failure, 1)
	go func() { done <- r.runTools(toolCtx, requests) }()

	select {
	case failure := <-done:
		return failure
	case <-ctx.Done():
		r.markDone(ctx)
		return nil
	}
}

func (r *run) runTools(ctx context.Context, requests []ToolRequest) *Failure {
	if r.canFanOut(requests) {
		results := make([]sandbox.Result, len(requests))
		var g errgroup.Group
		for i, req := range requests {
			g.Go(func() error {
				results[i] = r.invoke(ctx, req)
				return nil
			})
		}
		_ = g.Wait()
		for i, req := range requests {
			if failure := r.record(req, results[i]); failure != nil {
				return failure
			}
		}
		return nil
	}

	for _, req := range requests {
		if r.s.Status().IsTerminal() {
			return nil
		}
		if failure := r.record(req, r.invoke(ctx, req)); failure != nil {
			return failure
		}
	}
	return nil
}

// canFanOut reports whether every request may run concurrently: all tools
// are marked parallel and no request depends on another.
func (r *run) canFanOut(requests []ToolRequest) bool {
	if len(requests) < 2 {
		return false
	}
	for _, req := range requests {
		if len(req.DependsOn) > 0 {
			return false
		}
		tool := r.loop.registry.Get(req.Name)
		if tool == nil || !tool.Parallel() {
			return false
		}
	}
	return true
}

func (r *run) invoke(ctx context.Context, req ToolRequest) sandbox.Result {
	ctx, span := r.loop.tracer.Start(ctx, "agentloop.tool",
		trace.WithAttributes(
			attribute.String("session.id", r.s.ID()),
			attribute.String("tool.name", req.Name),
			attribute.String("tool.request_id", req.ID),
		))
	defer span.End()

	res, err := r.loop.registry.Dispatch(ctx, req.Name, req.Arguments)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if res.Error == nil {
			res = sandbox.Result{Error: &sandbox.Failure{Reason: sandbox.ReasonInvalidInput, Message: err.Error()}}
		}
	}
	return res
}

// record appends the result turn and reports a RepeatedToolFailure once the
// tool has failed MaxConsecutiveFailures times in a row.
func (r *run) record(req ToolRequest, res sandbox.Result) *Failure {
	turn, err := r.s.AppendTurn(NewToolResultTurn(req, res))
	if err != nil {
		if KindOf(err) != KindInvalidTransition {
			r.logger.Error().Err(err).Str("tool", req.Name).Msg("tool result rejected")
		}
		return nil
	}

	ev := r.logger.Debug().Str("tool", req.Name).Int("seq", turn.Seq).Bool("ok", res.OK).Dur("duration", res.Duration)
	if res.Error != nil {
		ev = ev.Str("reason", string(res.Error.Reason))
	}
	ev.Msg("tool result recorded")

	if !r.failures.record(req.Name, res.OK) {
		return nil
	}
	last := "unknown error"
	if res.Error != nil {
		last = res.Error.Error()
	}
	return &Failure{
		Kind:   KindRepeatedFailure,
		Detail: fmt.Sprintf("tool %q failed %d consecutive times; last error: %s", req.Name, r.failures.count(req.Name), last),
	}
}

// toolRequests converts model tool calls. A call with no id, or with an id
// that issued reports as taken or that repeats within the turn, gets a fresh
// one so backend id clashes never reach the session history. DependsOn
// entries follow the first call of the turn that carried the original id.
func toolRequests(calls []unifiedllm.ToolCall, issued func(id string) bool) []ToolRequest {
	if len(calls) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(calls))
	renamed := make(map[string]string)
	out := make([]ToolRequest, len(calls))
	for i, c := range calls {
		id := c.ID
		if id == "" || seen[id] || (issued != nil && issued(id)) {
			id = "call_" + uuid.NewString()
			if _, ok := renamed[c.ID]; c.ID != "" && !ok {
				renamed[c.ID] = id
			}
		}
		seen[id] = true
		out[i] = ToolRequest{ID: id, Name: c.Name, Arguments: c.Arguments, DependsOn: c.DependsOn}
	}
	if len(renamed) == 0 {
		return out
	}
	for i := range out {
		if len(out[i].DependsOn) == 0 {
			continue
		}
		deps := make([]string, len(out[i].DependsOn))
		for j, dep := range out[i].DependsOn {
			if id, ok := renamed[dep]; ok {
				dep = id
			}
			deps[j] = dep
		}
		out[i].DependsOn = deps
	}
	return out
}

func failureFromError(err error) *Failure {
	var e *Error
	if errors.As(err, &e) {
		return &Failure{Kind: e.Kind, Detail: e.Message}
	}
	return &Failure{Kind: KindInternal, Detail: err.Error()}
}
