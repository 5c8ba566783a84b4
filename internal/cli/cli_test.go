package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/taskforge/agentloop"
	"github.com/martinemde/taskforge/internal/store"
	"github.com/martinemde/taskforge/sandbox"
	"github.com/martinemde/taskforge/unifiedllm"
)

// testEnv points config at a temp workspace and archive with console
// logging off, and returns the archive path.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	db := filepath.Join(dir, "archive.db")
	t.Setenv("TASKFORGE_LOGGING_CONSOLE", "false")
	t.Setenv("TASKFORGE_SANDBOX_WORKSPACE", dir)
	t.Setenv("TASKFORGE_STORE_PATH", db)
	return db
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(BuildInfo{Version: "1.2.3", Commit: "abc", Date: "2026-01-01"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "taskforge 1.2.3 (abc, 2026-01-01)\n", out)

	var buf bytes.Buffer
	writeVersion(&buf, BuildInfo{})
	assert.Equal(t, "taskforge dev\n", buf.String())
}

func TestToolsJSON(t *testing.T) {
	testEnv(t)
	out, err := execute(t, "tools", "--json")
	require.NoError(t, err)

	var defs []agentloop.ToolDefinition
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "edit_file")
	assert.Contains(t, names, "git")
	assert.NotContains(t, names, "computer")
}

func TestToolsTable(t *testing.T) {
	testEnv(t)
	out, err := execute(t, "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "read_file")
	assert.Contains(t, out, "run_tests")
}

func archivedSnapshot(id string) agentloop.Snapshot {
	req := agentloop.ToolRequest{ID: "c1", Name: "grep", Arguments: json.RawMessage(`{"pattern":"TODO"}`)}
	call := agentloop.NewModelTurn("", "", []agentloop.ToolRequest{req}, unifiedllm.Usage{}, "")
	call.Seq = 1
	result := agentloop.NewToolResultTurn(req, sandbox.Result{OK: true, Output: "main.go:3: TODO"})
	result.Seq = 2
	final := agentloop.NewModelTurn("found one TODO", "", nil, unifiedllm.Usage{}, "")
	final.Seq = 3
	now := time.Now()
	return agentloop.Snapshot{
		ID:        id,
		Task:      agentloop.Task{Description: "find TODOs"},
		Status:    agentloop.StatusSucceeded,
		History:   []agentloop.Turn{call, result, final},
		Counters:  agentloop.Counters{ToolCalls: 1, CostUnits: 42, ModelCalls: 2},
		Result:    &agentloop.Result{Text: "found one TODO"},
		CreatedAt: now,
	}
}

func seedArchive(t *testing.T, path string, snaps ...agentloop.Snapshot) {
	t.Helper()
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))
	for _, snap := range snaps {
		require.NoError(t, s.Archive(context.Background(), snap))
	}
}

func TestHistory(t *testing.T) {
	db := testEnv(t)
	seedArchive(t, db, archivedSnapshot("sess-1"))

	out, err := execute(t, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "sess-1")
	assert.Contains(t, out, "find TODOs")

	out, err = execute(t, "history", "show", "sess-1")
	require.NoError(t, err)
	assert.Contains(t, out, "call")
	assert.Contains(t, out, "grep")
	assert.Contains(t, out, "found one TODO")

	out, err = execute(t, "history", "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "grep")

	_, err = execute(t, "history", "show", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	out, err = execute(t, "history", "prune", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 0 sessions")
}

func TestHistoryDisabled(t *testing.T) {
	testEnv(t)
	t.Setenv("TASKFORGE_STORE_ENABLED", "false")
	_, err := execute(t, "history", "list")
	assert.ErrorContains(t, err, "disabled")
}

func TestRunOptions(t *testing.T) {
	opts := runOptions{language: "go", constraints: []string{"no deps"}, timeout: time.Minute, maxTools: 5}
	task := opts.task([]string{"fix", "the", "build"})
	assert.Equal(t, "fix the build", task.Description)
	assert.Equal(t, "go", task.Context.Language)
	assert.Equal(t, []string{"no deps"}, task.Context.Constraints)

	ov := opts.overrides()
	require.NotNil(t, ov.Timeout)
	assert.Equal(t, time.Minute, *ov.Timeout)
	require.NotNil(t, ov.MaxToolCalls)
	assert.Equal(t, 5, *ov.MaxToolCalls)
	assert.Nil(t, ov.MaxCostUnits)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 124, exitCode(&sessionError{status: agentloop.StatusTimedOut}))
	assert.Equal(t, 130, exitCode(&sessionError{status: agentloop.StatusCancelled}))
	assert.Equal(t, 1, exitCode(&sessionError{status: agentloop.StatusFailed}))
	assert.Equal(t, 2, exitCode(&agentloop.Error{Kind: agentloop.KindValidation}))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestReportSession(t *testing.T) {
	var buf bytes.Buffer
	ui := &UI{Out: &buf, ErrOut: &buf}

	require.NoError(t, reportSession(ui, archivedSnapshot("s"), false))
	assert.Contains(t, buf.String(), "found one TODO")

	buf.Reset()
	failed := agentloop.Snapshot{Status: agentloop.StatusFailed, Failure: &agentloop.Failure{Kind: agentloop.KindLimitExceeded, Detail: "tool call limit 2 reached"}}
	err := reportSession(ui, failed, true)
	var se *sessionError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "LimitExceeded")
	assert.Contains(t, buf.String(), `"status": "failed"`)
}

type answerClient struct{}

func (answerClient) Complete(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
	return &unifiedllm.Response{Message: unifiedllm.AssistantMessage("42")}, nil
}

type blockingClient struct{}

func (blockingClient) Complete(ctx context.Context, _ unifiedllm.Request) (*unifiedllm.Response, error) {
	<-ctx.Done()
	return nil, &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "aborted", Cause: ctx.Err()}}
}

func newTestManager(t *testing.T, client agentloop.ModelClient, b *agentloop.Broadcaster) *agentloop.Manager {
	t.Helper()
	registry := agentloop.NewToolRegistry(sandbox.NewAdapter(sandbox.WithLogger(zerolog.Nop())))
	loop := agentloop.NewLoop(client, registry, agentloop.WithLoopLogger(zerolog.Nop()))
	m := agentloop.NewManager(loop, agentloop.DefaultManagerConfig(),
		agentloop.WithObserver(b), agentloop.WithManagerLogger(zerolog.Nop()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestWaitForSession(t *testing.T) {
	b := agentloop.NewBroadcaster()
	m := newTestManager(t, answerClient{}, b)
	events, unsubscribe := b.Subscribe("", 64)
	defer unsubscribe()

	id, err := m.Submit(agentloop.Task{Description: "answer"}, nil)
	require.NoError(t, err)

	var seen []agentloop.EventKind
	snap, err := waitForSession(context.Background(), m, id, events, func(e agentloop.Event) { seen = append(seen, e.Kind) })
	require.NoError(t, err)
	assert.Equal(t, agentloop.StatusSucceeded, snap.Status)
	assert.Equal(t, "42", snap.Result.Text)
	assert.Contains(t, seen, agentloop.EventTurnAppended)
}

func TestWaitForSessionCancelsOnInterrupt(t *testing.T) {
	b := agentloop.NewBroadcaster()
	m := newTestManager(t, blockingClient{}, b)
	events, unsubscribe := b.Subscribe("", 64)
	defer unsubscribe()

	id, err := m.Submit(agentloop.Task{Description: "hang"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	snap, err := waitForSession(ctx, m, id, events, func(agentloop.Event) {})
	require.NoError(t, err)
	assert.Equal(t, agentloop.StatusCancelled, snap.Status)
	assert.Equal(t, 130, exitCode(reportSession(&UI{Out: &bytes.Buffer{}, ErrOut: &bytes.Buffer{}}, snap, false)))
}
