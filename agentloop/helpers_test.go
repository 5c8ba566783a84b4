package agentloop

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/taskforge/sandbox"
	"github.com/martinemde/taskforge/unifiedllm"
)

type step func(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)

// scriptedClient answers model calls from a fixed script. Calls past the end
// of the script repeat the last step.
type scriptedClient struct {
	mu       sync.Mutex
	steps    []step
	requests []unifiedllm.Request
}

func script(steps ...step) *scriptedClient {
	return &scriptedClient{steps: steps}
}

func (c *scriptedClient) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	c.mu.Lock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	return c.steps[i](ctx, req)
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptedClient) request(i int) unifiedllm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

var testUsage = unifiedllm.Usage{InputTokens: 6, OutputTokens: 4, TotalTokens: 10}

func answer(text string) step {
	return func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
		return &unifiedllm.Response{
			ID:      "resp_answer",
			Message: unifiedllm.AssistantMessage(text),
			Usage:   testUsage,
		}, nil
	}
}

type call struct {
	id, name, args string
	dependsOn      []string
}

func callTools(calls ...call) step {
	return func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
		msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
		for _, c := range calls {
			msg.Content = append(msg.Content, unifiedllm.ToolCallPart(c.id, c.name, json.RawMessage(c.args), c.dependsOn...))
		}
		return &unifiedllm.Response{ID: "resp_tools", Message: msg, Usage: testUsage}, nil
	}
}

// counting returns a step that requests tool with a fresh id on every call.
func counting(tool, args string) step {
	var n atomic.Int32
	return func(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
		id := "call_" + string(rune('a'+n.Add(1)))
		return callTools(call{id: id, name: tool, args: args})(ctx, req)
	}
}

func fail(err error) step {
	return func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
		return nil, err
	}
}

// block waits until the call's context is done.
func block(ctx context.Context, _ unifiedllm.Request) (*unifiedllm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// concurrency tracks how many handlers run at once.
type concurrency struct {
	active atomic.Int32
	max    atomic.Int32
}

func (c *concurrency) enter() func() {
	n := c.active.Add(1)
	for {
		seen := c.max.Load()
		if n <= seen || c.max.CompareAndSwap(seen, n) {
			break
		}
	}
	return func() { c.active.Add(-1) }
}

func testRegistry(t *testing.T, tracker *concurrency) *ToolRegistry {
	t.Helper()
	reg := NewToolRegistry(sandbox.NewAdapter(sandbox.WithLogger(zerolog.Nop())))
	obj := map[string]interface{}{"type": "object", "properties": map[string]interface{}{
		"text": map[string]interface{}{"type": "string"},
	}}

	require.NoError(t, reg.Register(ToolDefinition{Name: "echo", Parameters: obj},
		func(ctx context.Context, args Arguments) (sandbox.Output, error) {
			text, _ := args.String("text")
			return sandbox.Output{Text: text}, nil
		}))
	require.NoError(t, reg.Register(ToolDefinition{Name: "fail", Parameters: obj},
		func(ctx context.Context, args Arguments) (sandbox.Output, error) {
			return sandbox.Output{Text: "compile error"}, &sandbox.ExitError{Code: 1}
		}))
	require.NoError(t, reg.Register(ToolDefinition{Name: "slow", Parameters: obj},
		func(ctx context.Context, args Arguments) (sandbox.Output, error) {
			<-ctx.Done()
			return sandbox.Output{}, ctx.Err()
		}, WithTimeout(2*time.Second)))
	require.NoError(t, reg.Register(ToolDefinition{Name: "screenshot", Parameters: obj},
		func(ctx context.Context, args Arguments) (sandbox.Output, error) {
			return sandbox.Output{Text: "captured", Image: []byte("png")}, nil
		}))

	if tracker != nil {
		// overlap blocks briefly so concurrent requests overlap.
		require.NoError(t, reg.Register(ToolDefinition{Name: "overlap", Parameters: obj},
			func(ctx context.Context, args Arguments) (sandbox.Output, error) {
				defer tracker.enter()()
				time.Sleep(50 * time.Millisecond)
				text, _ := args.String("text")
				return sandbox.Output{Text: text}, nil
			}, Parallel()))
	}
	return reg
}

func testLoop(client ModelClient, reg *ToolRegistry) *Loop {
	return NewLoop(client, reg,
		WithTokenCounter(unifiedllm.EstimateTokens),
		WithLoopLogger(zerolog.Nop()),
		WithRetryPolicy(unifiedllm.RetryPolicy{
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 1,
		}),
	)
}

func testConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Timeout = 10 * time.Second
	return cfg
}

// eventLog records events for later assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Status
	for _, e := range l.events {
		if e.Kind == EventStatusChanged {
			out = append(out, e.Status)
		}
	}
	return out
}

func toolResults(history []Turn) []*ToolResultTurn {
	var out []*ToolResultTurn
	for _, turn := range history {
		if turn.Kind == TurnToolResult {
			out = append(out, turn.ToolResult)
		}
	}
	return out
}

func modelTurns(history []Turn) []*ModelTurn {
	var out []*ModelTurn
	for _, turn := range history {
		if turn.Kind == TurnModel {
			out = append(out, turn.Model)
		}
	}
	return out
}
