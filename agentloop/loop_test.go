package agentloop

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/taskforge/sandbox"
	"github.com/martinemde/taskforge/unifiedllm"
)

func runSession(t *testing.T, client *scriptedClient, reg *ToolRegistry, cfg SessionConfig) Snapshot {
	t.Helper()
	s := NewSessionState("sess", Task{Description: "write a function that reverses a string"}, cfg, nil)
	testLoop(client, reg).Run(context.Background(), s)
	return s.Snapshot()
}

func TestDirectAnswer(t *testing.T) {
	client := script(answer("func Reverse(s string) string { ... }"))
	snap := runSession(t, client, testRegistry(t, nil), testConfig())

	assert.Equal(t, StatusSucceeded, snap.Status)
	require.Len(t, snap.History, 1)
	assert.True(t, snap.History[0].Model.Final)
	assert.Empty(t, toolResults(snap.History))
	require.NotNil(t, snap.Result)
	assert.Equal(t, "func Reverse(s string) string { ... }", snap.Result.Text)
	assert.False(t, snap.Result.LowConfidence)
	assert.Equal(t, 1, snap.Counters.ModelCalls)
	assert.Equal(t, 10, snap.Counters.CostUnits)

	req := client.request(0)
	require.GreaterOrEqual(t, len(req.Messages), 2)
	assert.Equal(t, unifiedllm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "write a function that reverses a string", req.Messages[1].TextContent())
	assert.Equal(t, "sess", req.Metadata["session_id"])
	assert.Len(t, req.ToolDefs, 4)
}

func TestEmptyAnswerIsLowConfidence(t *testing.T) {
	snap := runSession(t, script(answer("")), testRegistry(t, nil), testConfig())
	assert.Equal(t, StatusSucceeded, snap.Status)
	require.NotNil(t, snap.Result)
	assert.True(t, snap.Result.LowConfidence)
}

func TestToolRoundTrip(t *testing.T) {
	log := &eventLog{}
	client := script(
		callTools(call{id: "call_1", name: "echo", args: `{"text": "hello"}`}),
		answer("done"),
	)
	s := NewSessionState("sess", Task{Description: "say hello"}, testConfig(), log)
	testLoop(client, testRegistry(t, nil)).Run(context.Background(), s)
	snap := s.Snapshot()

	assert.Equal(t, StatusSucceeded, snap.Status)
	require.Len(t, snap.History, 3)
	assert.Equal(t, []TurnKind{TurnModel, TurnToolResult, TurnModel},
		[]TurnKind{snap.History[0].Kind, snap.History[1].Kind, snap.History[2].Kind})
	result := snap.History[1].ToolResult
	assert.Equal(t, "call_1", result.RequestID)
	assert.True(t, result.OK)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, 1, snap.Counters.ToolCalls)
	assert.Equal(t, 2, snap.Counters.ModelCalls)

	assert.Equal(t, []Status{StatusRunning, StatusAwaitingTool, StatusRunning, StatusSucceeded}, log.statuses())

	second := client.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, unifiedllm.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
}

func TestFailingCommandIsReportedBackToModel(t *testing.T) {
	client := script(
		callTools(call{id: "call_1", name: "fail", args: `{}`}),
		answer("fixed it"),
	)
	snap := runSession(t, client, testRegistry(t, nil), testConfig())

	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Equal(t, 2, client.calls())
	results := toolResults(snap.History)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, sandbox.ReasonExitStatus, results[0].Error.Reason)

	second := client.request(1)
	last := second.Messages[len(second.Messages)-1]
	require.Len(t, last.Content, 1)
	require.NotNil(t, last.Content[0].ToolResult)
	assert.True(t, last.Content[0].ToolResult.IsError)
	assert.Contains(t, last.Content[0].ToolResult.Content, "compile error")
}

func TestRepeatedToolFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 3
	cfg.EnableLoopDetection = false
	client := script(counting("fail", `{}`))
	snap := runSession(t, client, testRegistry(t, nil), cfg)

	assert.Equal(t, StatusFailed, snap.Status)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, KindRepeatedFailure, snap.Failure.Kind)
	assert.Contains(t, snap.Failure.Detail, `"fail" failed 3 consecutive times`)
	assert.Len(t, toolResults(snap.History), 3)
	assert.Equal(t, 3, client.calls())
}

func TestFailureStreaksArePerTool(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	client := script(
		callTools(call{id: "c1", name: "fail", args: `{}`}),
		callTools(call{id: "c2", name: "teleport", args: `{}`}),
		callTools(call{id: "c3", name: "echo", args: `{}`}),
		answer("ok"),
	)
	snap := runSession(t, client, testRegistry(t, nil), cfg)
	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Len(t, toolResults(snap.History), 3)
}

func TestUnknownToolBecomesFailedResult(t *testing.T) {
	client := script(
		callTools(call{id: "c1", name: "teleport", args: `{}`}),
		callTools(call{id: "c2", name: "echo", args: `{"text": 5}`}),
		answer("ok"),
	)
	snap := runSession(t, client, testRegistry(t, nil), testConfig())

	assert.Equal(t, StatusSucceeded, snap.Status)
	results := toolResults(snap.History)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.OK)
		assert.Equal(t, sandbox.ReasonInvalidInput, r.Error.Reason)
	}
	assert.Contains(t, results[0].Error.Message, "unknown tool")
}

func TestToolCallLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxToolCalls = 2
	cfg.EnableLoopDetection = false
	client := script(counting("echo", `{"text": "again"}`))
	snap := runSession(t, client, testRegistry(t, nil), cfg)

	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, KindLimitExceeded, snap.Failure.Kind)
	assert.Contains(t, snap.Failure.Detail, "exceeded")
	assert.Len(t, toolResults(snap.History), 2)
	assert.Equal(t, 2, snap.Counters.ToolCalls)
	assert.Equal(t, 3, client.calls(), "the model is asked again after using exactly the limit")
}

func TestToolCallLimitAllowsExactlyMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxToolCalls = 2
	client := script(
		callTools(call{id: "c1", name: "echo", args: `{"text": "a"}`}, call{id: "c2", name: "echo", args: `{"text": "b"}`}),
		answer("done"),
	)
	snap := runSession(t, client, testRegistry(t, nil), cfg)

	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Nil(t, snap.Failure)
	assert.Equal(t, 2, snap.Counters.ToolCalls)
	assert.Equal(t, "done", snap.Result.Text)
}

func TestToolCallsBeyondAllowanceAreNotDispatched(t *testing.T) {
	cfg := testConfig()
	cfg.MaxToolCalls = 1
	reg := testRegistry(t, nil)
	var ran atomic.Int32
	require.NoError(t, reg.Register(ToolDefinition{Name: "tally", Parameters: map[string]interface{}{"type": "object"}},
		func(context.Context, Arguments) (sandbox.Output, error) {
			ran.Add(1)
			return sandbox.Output{Text: "ok"}, nil
		}))

	var calls []call
	for i := range 5 {
		calls = append(calls, call{id: fmt.Sprintf("c%d", i), name: "tally", args: `{}`})
	}
	client := script(callTools(calls...), answer("never"))
	snap := runSession(t, client, reg, cfg)

	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, KindLimitExceeded, snap.Failure.Kind)
	assert.Contains(t, snap.Failure.Detail, "requested 5 calls with 1 remaining")
	assert.Zero(t, ran.Load())
	assert.Zero(t, snap.Counters.ToolCalls)
	assert.Empty(t, toolResults(snap.History))
	assert.Equal(t, 1, client.calls())
}

func TestCostLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCostUnits = 15
	cfg.EnableLoopDetection = false
	client := script(counting("echo", `{}`))
	snap := runSession(t, client, testRegistry(t, nil), cfg)

	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, KindLimitExceeded, snap.Failure.Kind)
	assert.Contains(t, snap.Failure.Detail, "cost budget")
	assert.Equal(t, 20, snap.Counters.CostUnits)
}

func TestCostLimitAllowsExactlyMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCostUnits = 10
	client := script(callTools(call{id: "c1", name: "echo", args: `{}`}), answer("done"))
	snap := runSession(t, client, testRegistry(t, nil), cfg)

	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Equal(t, 2, client.calls())
}

func TestSessionTimeoutDuringModelCall(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	start := time.Now()
	snap := runSession(t, script(block), testRegistry(t, nil), cfg)

	assert.Equal(t, StatusTimedOut, snap.Status)
	assert.Equal(t, KindTimeout, snap.Failure.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSessionTimeoutDuringTool(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond
	client := script(callTools(call{id: "c1", name: "slow", args: `{}`}), answer("never"))
	start := time.Now()
	snap := runSession(t, client, testRegistry(t, nil), cfg)

	assert.Equal(t, StatusTimedOut, snap.Status)
	assert.Less(t, time.Since(start), time.Second, "the loop does not wait for the tool")
	assert.Empty(t, toolResults(snap.History))
	assert.Equal(t, 1, client.calls())
}

func TestCancellationUsesCause(t *testing.T) {
	s := NewSessionState("sess", Task{Description: "x"}, testConfig(), nil)
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		testLoop(script(block), testRegistry(t, nil)).Run(ctx, s)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Status() == StatusRunning }, time.Second, 5*time.Millisecond)
	cancel(ErrCancelled)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}

	snap := s.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Equal(t, KindCancelled, snap.Failure.Kind)
	assert.Equal(t, "session cancelled", snap.Failure.Detail)
}

func TestBackendUnavailableAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxModelAttempts = 3
	unavailable := &unifiedllm.ServerError{ProviderError: unifiedllm.ProviderError{
		SDKError:   unifiedllm.SDKError{Message: "overloaded"},
		StatusCode: 529,
		Retryable:  true,
	}}
	client := script(fail(unavailable))
	snap := runSession(t, client, testRegistry(t, nil), cfg)

	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, KindBackendUnavailable, snap.Failure.Kind)
	assert.Equal(t, 3, client.calls())
	assert.Empty(t, snap.History)
}

func TestTransientErrorThenSuccess(t *testing.T) {
	client := script(fail(&unifiedllm.RateLimitError{}), answer("ok"))
	snap := runSession(t, client, testRegistry(t, nil), testConfig())
	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Equal(t, 2, client.calls())
}

func TestInvalidRequestIsNotRetried(t *testing.T) {
	client := script(fail(&unifiedllm.InvalidRequestError{ProviderError: unifiedllm.ProviderError{
		SDKError:   unifiedllm.SDKError{Message: "bad tool schema"},
		StatusCode: 400,
	}}))
	snap := runSession(t, client, testRegistry(t, nil), testConfig())

	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, KindInvalidRequest, snap.Failure.Kind)
	assert.Equal(t, 1, client.calls())
}

func TestInvalidTaskFailsWithoutModelCall(t *testing.T) {
	client := script(answer("unused"))
	s := NewSessionState("sess", Task{Description: ""}, testConfig(), nil)
	testLoop(client, testRegistry(t, nil)).Run(context.Background(), s)

	snap := s.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, KindValidation, snap.Failure.Kind)
	assert.Zero(t, client.calls())
}

func TestParallelToolsFanOut(t *testing.T) {
	tracker := &concurrency{}
	client := script(
		callTools(
			call{id: "p1", name: "overlap", args: `{"text": "one"}`},
			call{id: "p2", name: "overlap", args: `{"text": "two"}`},
			call{id: "p3", name: "overlap", args: `{"text": "three"}`},
		),
		answer("ok"),
	)
	snap := runSession(t, client, testRegistry(t, tracker), testConfig())

	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Greater(t, tracker.max.Load(), int32(1))
	results := toolResults(snap.History)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"p1", "p2", "p3"}, []string{results[0].RequestID, results[1].RequestID, results[2].RequestID})
	assert.Equal(t, "three", results[2].Output)
}

func TestDependentRequestsRunSequentially(t *testing.T) {
	tracker := &concurrency{}
	client := script(
		callTools(
			call{id: "p1", name: "overlap", args: `{}`},
			call{id: "p2", name: "overlap", args: `{}`, dependsOn: []string{"p1"}},
		),
		answer("ok"),
	)
	snap := runSession(t, client, testRegistry(t, tracker), testConfig())
	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Equal(t, int32(1), tracker.max.Load())
}

func TestMissingRequestIDsAreAssigned(t *testing.T) {
	client := script(callTools(call{name: "echo", args: `{}`}, call{name: "echo", args: `{}`}), answer("ok"))
	snap := runSession(t, client, testRegistry(t, nil), testConfig())

	require.Equal(t, StatusSucceeded, snap.Status)
	reqs := snap.History[0].Model.ToolRequests
	require.Len(t, reqs, 2)
	assert.True(t, strings.HasPrefix(reqs[0].ID, "call_"))
	assert.NotEqual(t, reqs[0].ID, reqs[1].ID)
}

func TestReusedRequestIDsAreReissued(t *testing.T) {
	client := script(
		callTools(call{id: "1", name: "echo", args: `{"text": "a"}`}),
		callTools(call{id: "1", name: "echo", args: `{"text": "b"}`}, call{id: "2", name: "echo", args: `{}`, dependsOn: []string{"1"}}),
		callTools(call{id: "x", name: "echo", args: `{}`}, call{id: "x", name: "echo", args: `{}`}),
		answer("done"),
	)
	cfg := testConfig()
	cfg.EnableLoopDetection = false
	snap := runSession(t, client, testRegistry(t, nil), cfg)

	require.Equal(t, StatusSucceeded, snap.Status, "failure: %+v", snap.Failure)
	turns := modelTurns(snap.History)
	require.Len(t, turns, 4)
	assert.Equal(t, "1", turns[0].ToolRequests[0].ID)

	second := turns[1].ToolRequests
	assert.True(t, strings.HasPrefix(second[0].ID, "call_"))
	assert.Equal(t, "2", second[1].ID)
	assert.Equal(t, []string{second[0].ID}, second[1].DependsOn)

	third := turns[2].ToolRequests
	assert.Equal(t, "x", third[0].ID)
	assert.NotEqual(t, "x", third[1].ID)

	results := toolResults(snap.History)
	require.Len(t, results, 5)
	ids := map[string]bool{}
	for _, r := range results {
		assert.True(t, r.OK)
		ids[r.RequestID] = true
	}
	assert.Len(t, ids, 5)
}

func TestLoopDetectionWarnsModel(t *testing.T) {
	cfg := testConfig()
	cfg.LoopDetectionWindow = 3
	client := script(
		callTools(call{id: "c1", name: "echo", args: `{"text": "x"}`}),
		callTools(call{id: "c2", name: "echo", args: `{"text": "x"}`}),
		callTools(call{id: "c3", name: "echo", args: `{"text": "x"}`}),
		answer("ok"),
	)
	snap := runSession(t, client, testRegistry(t, nil), cfg)
	require.Equal(t, StatusSucceeded, snap.Status)

	third := client.request(2)
	assert.NotContains(t, third.Messages[len(third.Messages)-1].TextContent(), "Loop detected")
	fourth := client.request(3)
	assert.Contains(t, fourth.Messages[len(fourth.Messages)-1].TextContent(), "Loop detected")
	for _, turn := range snap.History {
		assert.NotContains(t, turn.TextContent(), "Loop detected")
	}
}

func TestScreenshotIsForwardedAsImage(t *testing.T) {
	client := script(callTools(call{id: "c1", name: "screenshot", args: `{}`}), answer("I see it"))
	snap := runSession(t, client, testRegistry(t, nil), testConfig())
	require.Equal(t, StatusSucceeded, snap.Status)

	second := client.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, unifiedllm.RoleUser, last.Role)
	var image bool
	for _, part := range last.Content {
		if part.Kind == unifiedllm.ContentImage {
			image = true
		}
	}
	assert.True(t, image)
}

func TestModelRequestCarriesLimits(t *testing.T) {
	cfg := testConfig()
	cfg.Model = "claude-sonnet-4-5"
	cfg.MaxTokens = 1234
	client := script(answer("ok"))
	runSession(t, client, testRegistry(t, nil), cfg)

	req := client.request(0)
	assert.Equal(t, "claude-sonnet-4-5", req.Model)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 1234, *req.MaxTokens)
	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, "auto", req.ToolChoice.Mode)
}
