package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/taskforge/agentloop"
	"github.com/martinemde/taskforge/sandbox"
)

type fakeDesktop struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDesktop) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDesktop) Screenshot(ctx context.Context) ([]byte, error) {
	d.record("screenshot")
	return []byte("\x89PNG"), nil
}

func (d *fakeDesktop) MouseMove(ctx context.Context, x, y int) error {
	d.record("move")
	return nil
}

func (d *fakeDesktop) Click(ctx context.Context, x, y int, button sandbox.MouseButton, repeat int) error {
	d.record("click")
	return nil
}

func (d *fakeDesktop) Type(ctx context.Context, text string) error {
	d.record("type:" + text)
	return nil
}

func (d *fakeDesktop) Key(ctx context.Context, keys string) error {
	d.record("key:" + keys)
	return nil
}

func (d *fakeDesktop) Scroll(ctx context.Context, x, y int, up bool, amount int) error {
	d.record("scroll")
	return nil
}

func (d *fakeDesktop) Drag(ctx context.Context, fromX, fromY, toX, toY int) error {
	d.record("drag")
	return nil
}

func newRegistry(t *testing.T, desktop sandbox.Desktop) (*agentloop.ToolRegistry, string) {
	t.Helper()
	dir := t.TempDir()
	reg := agentloop.NewToolRegistry(nil)
	require.NoError(t, RegisterDefaults(reg, sandbox.NewLocalEnvironment(dir), desktop, DefaultOptions()))
	return reg, dir
}

func dispatch(t *testing.T, reg *agentloop.ToolRegistry, name string, args map[string]any) (sandbox.Result, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return reg.Dispatch(context.Background(), name, raw)
}

func TestRegisterDefaults(t *testing.T) {
	reg, _ := newRegistry(t, nil)
	assert.Equal(t, []string{
		"edit_file", "file_manager", "git", "glob", "grep",
		"read_file", "run_command", "run_tests", "write_file",
	}, reg.Names())
	assert.True(t, reg.Get("read_file").Parallel())
	assert.False(t, reg.Get("write_file").Parallel())

	withDesktop, _ := newRegistry(t, &fakeDesktop{})
	assert.NotNil(t, withDesktop.Get("computer"))
}

func TestRegisterDefaultsTwiceFails(t *testing.T) {
	reg, dir := newRegistry(t, nil)
	err := RegisterDefaults(reg, sandbox.NewLocalEnvironment(dir), nil, DefaultOptions())
	assert.ErrorIs(t, err, agentloop.ErrDuplicateTool)
}

func TestWriteAndReadFile(t *testing.T) {
	reg, dir := newRegistry(t, nil)

	res, err := dispatch(t, reg, "write_file", map[string]any{"file_path": "pkg/a.txt", "content": "one\ntwo\nthree"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "wrote 13 bytes")

	data, err := os.ReadFile(filepath.Join(dir, "pkg", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree", string(data))

	res, err = dispatch(t, reg, "read_file", map[string]any{"file_path": "pkg/a.txt", "offset": 2, "limit": 1})
	require.NoError(t, err)
	assert.Equal(t, "2 | two\n", res.Output)
}

func TestReadFileMissing(t *testing.T) {
	reg, _ := newRegistry(t, nil)
	res, err := dispatch(t, reg, "read_file", map[string]any{"file_path": "nope.txt"})
	require.Error(t, err)
	assert.ErrorIs(t, err, agentloop.ErrToolExecution)
	require.NotNil(t, res.Error)
	assert.Equal(t, sandbox.ReasonNotFound, res.Error.Reason)
}

func TestReadFileOutsideWorkspace(t *testing.T) {
	reg, _ := newRegistry(t, nil)
	res, err := dispatch(t, reg, "read_file", map[string]any{"file_path": "../../etc/passwd"})
	require.Error(t, err)
	assert.Equal(t, sandbox.ReasonPermissionDenied, res.Error.Reason)
}

func TestEditFile(t *testing.T) {
	reg, dir := newRegistry(t, nil)
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("a := 1\nb := 1\n"), 0o644))

	res, err := dispatch(t, reg, "edit_file", map[string]any{"file_path": "main.go", "old_string": "1", "new_string": "2"})
	require.Error(t, err)
	assert.Equal(t, sandbox.ReasonInvalidInput, res.Error.Reason)
	assert.Contains(t, res.Error.Message, "found 2 times")

	_, err = dispatch(t, reg, "edit_file", map[string]any{"file_path": "main.go", "old_string": "a := 1", "new_string": "a := 3"})
	require.NoError(t, err)

	res, err = dispatch(t, reg, "edit_file", map[string]any{"file_path": "main.go", "old_string": "1", "new_string": "9", "replace_all": true})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "replaced 1 occurrence")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a := 3\nb := 9\n", string(data))

	res, err = dispatch(t, reg, "edit_file", map[string]any{"file_path": "main.go", "old_string": "zzz", "new_string": "y"})
	require.Error(t, err)
	assert.Contains(t, res.Error.Message, "not found")
}

func TestFileManager(t *testing.T) {
	reg, dir := newRegistry(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	_, err := dispatch(t, reg, "file_manager", map[string]any{"operation": "mkdir", "path": "out"})
	require.NoError(t, err)
	_, err = dispatch(t, reg, "file_manager", map[string]any{"operation": "copy", "path": "a.txt", "destination": "out/b.txt"})
	require.NoError(t, err)
	_, err = dispatch(t, reg, "file_manager", map[string]any{"operation": "move", "path": "a.txt", "destination": "c.txt"})
	require.NoError(t, err)

	res, err := dispatch(t, reg, "file_manager", map[string]any{"operation": "list", "path": ".", "depth": 2})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "c.txt (1 bytes)")
	assert.Contains(t, res.Output, "out/\n")
	assert.Contains(t, res.Output, "out/b.txt")
	assert.NotContains(t, res.Output, "a.txt")

	_, err = dispatch(t, reg, "file_manager", map[string]any{"operation": "delete", "path": "out"})
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(dir, "out"))

	res, err = dispatch(t, reg, "file_manager", map[string]any{"operation": "copy", "path": "c.txt"})
	require.Error(t, err)
	assert.Equal(t, sandbox.ReasonInvalidInput, res.Error.Reason)
}

func TestFileManagerRejectsUnknownOperation(t *testing.T) {
	reg, _ := newRegistry(t, nil)
	_, err := dispatch(t, reg, "file_manager", map[string]any{"operation": "chmod", "path": "a"})
	assert.ErrorIs(t, err, agentloop.ErrInvalidArguments)
}

func TestRunCommand(t *testing.T) {
	reg, _ := newRegistry(t, nil)

	res, err := dispatch(t, reg, "run_command", map[string]any{"command": "echo $GREETING", "environment": map[string]string{"GREETING": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Output)

	res, err = dispatch(t, reg, "run_command", map[string]any{"command": "echo failing >&2; exit 3"})
	require.Error(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, sandbox.ReasonExitStatus, res.Error.Reason)
	assert.Equal(t, "exit status 3", res.Error.Message)
	assert.Contains(t, res.Output, "failing")
	assert.Contains(t, res.Output, "[Exit code: 3]")
}

func TestRunCommandTimeout(t *testing.T) {
	reg, _ := newRegistry(t, nil)
	res, err := dispatch(t, reg, "run_command", map[string]any{"command": "sleep 5", "timeout_ms": 100})
	require.Error(t, err)
	assert.Equal(t, sandbox.ReasonTimeout, res.Error.Reason)
	assert.Less(t, res.Duration.Seconds(), 4.0)
}

func TestGitArgs(t *testing.T) {
	tests := []struct {
		args    agentloop.Arguments
		want    []string
		wantErr bool
	}{
		{agentloop.Arguments{"action": "status"}, []string{"status", "--short", "--branch"}, false},
		{agentloop.Arguments{"action": "add", "files": []any{"a.go", "b.go"}}, []string{"add", "--", "a.go", "b.go"}, false},
		{agentloop.Arguments{"action": "add"}, nil, true},
		{agentloop.Arguments{"action": "commit", "message": "fix: it's done"}, []string{"commit", "-m", "fix: it's done"}, false},
		{agentloop.Arguments{"action": "commit", "message": "  "}, nil, true},
		{agentloop.Arguments{"action": "log", "limit": float64(3)}, []string{"log", "--oneline", "-3"}, false},
		{agentloop.Arguments{"action": "branch", "branch": "feature"}, []string{"checkout", "-b", "feature"}, false},
		{agentloop.Arguments{"action": "checkout"}, nil, true},
		{agentloop.Arguments{"action": "push", "branch": "main"}, []string{"push", "origin", "main"}, false},
		{agentloop.Arguments{"action": "rebase"}, nil, true},
	}
	for _, tt := range tests {
		got, err := gitArgs(tt.args)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.args)
			continue
		}
		require.NoError(t, err, "%v", tt.args)
		assert.Equal(t, tt.want, got)
	}
}

func TestGitCommitInRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	reg, dir := newRegistry(t, nil)
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "dev@example.com"},
		{"config", "user.name", "Dev"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hi"), 0o644))

	_, err := dispatch(t, reg, "git", map[string]any{"action": "add", "files": []string{"README"}})
	require.NoError(t, err)
	_, err = dispatch(t, reg, "git", map[string]any{"action": "commit", "message": "add readme; it's short"})
	require.NoError(t, err)

	res, err := dispatch(t, reg, "git", map[string]any{"action": "log"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "add readme; it's short")
}

func TestRunTestsDetection(t *testing.T) {
	reg, dir := newRegistry(t, nil)

	res, err := dispatch(t, reg, "run_tests", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, sandbox.ReasonInvalidInput, res.Error.Reason)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(""), 0o644))
	env := sandbox.NewLocalEnvironment(dir)
	cmd, err := detectTestCommand(env)
	require.NoError(t, err)
	assert.Equal(t, "cargo test", cmd)

	res, err = dispatch(t, reg, "run_tests", map[string]any{"command": "echo ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Output)
}

func TestGlob(t *testing.T) {
	reg, dir := newRegistry(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644))

	res, err := dispatch(t, reg, "glob", map[string]any{"pattern": "*.go"})
	require.NoError(t, err)
	assert.Equal(t, "a.go", res.Output)

	res, err = dispatch(t, reg, "glob", map[string]any{"pattern": "*.rs"})
	require.NoError(t, err)
	assert.Equal(t, "No files matched the pattern.", res.Output)
}

func TestGrep(t *testing.T) {
	reg, dir := newRegistry(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\nfunc Hello() {}\n"), 0o644))

	res, err := dispatch(t, reg, "grep", map[string]any{"pattern": "hello", "case_insensitive": true})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "Hello")

	res, err = dispatch(t, reg, "grep", map[string]any{"pattern": "absent_symbol"})
	require.NoError(t, err)
	assert.Equal(t, "No matches found.", res.Output)
}

func TestComputerScreenshotCarriesImage(t *testing.T) {
	desktop := &fakeDesktop{}
	reg, _ := newRegistry(t, desktop)

	res, err := dispatch(t, reg, "computer", map[string]any{"action": "screenshot"})
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), res.Image)
	assert.Contains(t, res.Output, "Captured screenshot")
}

func TestComputerActions(t *testing.T) {
	desktop := &fakeDesktop{}
	reg, _ := newRegistry(t, desktop)

	for _, args := range []map[string]any{
		{"action": "click", "coordinate": []int{10, 20}},
		{"action": "double_click", "coordinate": []int{10, 20}},
		{"action": "type", "text": "hello"},
		{"action": "key", "keys": "ctrl+s"},
		{"action": "scroll", "coordinate": []int{1, 1}, "direction": "up"},
		{"action": "drag", "coordinate": []int{0, 0}, "to": []int{5, 5}},
		{"action": "mouse_move", "coordinate": []int{3, 4}},
	} {
		_, err := dispatch(t, reg, "computer", args)
		require.NoError(t, err, "%v", args)
	}
	assert.Equal(t, []string{"click", "click", "type:hello", "key:ctrl+s", "scroll", "drag", "move"}, desktop.calls)

	res, err := dispatch(t, reg, "computer", map[string]any{"action": "click"})
	require.Error(t, err)
	assert.Equal(t, sandbox.ReasonInvalidInput, res.Error.Reason)

	_, err = dispatch(t, reg, "computer", map[string]any{"action": "click", "coordinate": []int{1}})
	assert.ErrorIs(t, err, agentloop.ErrInvalidArguments)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "main.go", shellQuote("main.go"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "'a b'", shellQuote("a b"))
}
