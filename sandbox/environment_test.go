package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *LocalEnvironment {
	t.Helper()
	env := NewLocalEnvironment(t.TempDir())
	require.NoError(t, env.Initialize())
	return env
}

func TestExecCommandCapturesExitCode(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.ExecCommand(context.Background(), "echo out; echo err >&2; exit 3", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stdout, "out")
	assert.Contains(t, res.Stderr, "err")
	assert.False(t, res.TimedOut)
}

func TestExecCommandTimeoutKillsProcessGroup(t *testing.T) {
	env := newTestEnv(t)
	marker := filepath.Join(env.WorkingDirectory(), "survived")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := env.ExecCommand(ctx, "(sleep 1; touch "+marker+") & sleep 5", ExecOptions{})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 4*time.Second)

	time.Sleep(1500 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "background child outlived the command")
}

func TestExecCommandEnvironment(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("TASKFORGE_TEST_API_KEY", "secret")
	res, err := env.ExecCommand(context.Background(), "echo \"$FOO:$TASKFORGE_TEST_API_KEY\"", ExecOptions{
		Env: map[string]string{"FOO": "bar"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bar:", strings.TrimSpace(res.Stdout))
}

func TestExecCommandCapsCapturedOutput(t *testing.T) {
	env := newTestEnv(t)
	env.SetCaptureLimit(1024)
	res, err := env.ExecCommand(context.Background(), "head -c 200000 /dev/zero | tr '\\0' a; echo done >&2", ExecOptions{})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.True(t, strings.HasPrefix(res.Stdout, strings.Repeat("a", 1024)))
	assert.Less(t, len(res.Stdout), 1200)
	assert.Contains(t, res.Stdout, "output truncated after 1024 bytes")
	assert.Equal(t, "done", strings.TrimSpace(res.Stderr))
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.overflowed)

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n, "writes past the limit still report success")
	assert.True(t, b.overflowed)
	assert.True(t, strings.HasPrefix(b.String(), "abcde\n"))
}

func TestPathsAreConfinedToWorkspace(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ReadFile("../../etc/passwd", 0, 0)
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
	assert.Equal(t, ReasonPermissionDenied, Classify(err))

	err = env.WriteFile("/tmp/elsewhere.txt", "x")
	assert.ErrorIs(t, err, ErrOutsideWorkspace)
}

func TestFileOperations(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.WriteFile("src/a.txt", "one\ntwo\nthree"))
	out, err := env.ReadFile("src/a.txt", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, "2 | two\n", out)

	require.NoError(t, env.Copy("src", "dst"))
	raw, err := env.ReadRaw("dst/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree", raw)

	require.NoError(t, env.Move("dst/a.txt", "moved/b.txt"))
	assert.False(t, env.FileExists("dst/a.txt"))
	assert.True(t, env.FileExists("moved/b.txt"))

	require.NoError(t, env.MakeDir("deep/er"))
	entries, err := env.ListDirectory("", 2)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "deep/er")
	assert.Contains(t, names, "moved/b.txt")

	require.NoError(t, env.Remove("moved"))
	assert.False(t, env.FileExists("moved/b.txt"))

	err = env.Remove("")
	var inputErr *InputError
	assert.ErrorAs(t, err, &inputErr)

	err = env.Remove("missing")
	assert.Equal(t, ReasonNotFound, Classify(err))
}

func TestGlobIsRelative(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.WriteFile("a.go", ""))
	require.NoError(t, env.WriteFile("b.go", ""))
	matches, err := env.Glob("*.go", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, matches)
}

func TestTruncateOutput(t *testing.T) {
	out, cut := TruncateOutput("short", 100, TruncateHeadTail)
	assert.False(t, cut)
	assert.Equal(t, "short", out)

	long := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	out, cut = TruncateOutput(long, 20, TruncateHeadTail)
	assert.True(t, cut)
	assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 10)))
	assert.True(t, strings.HasSuffix(out, strings.Repeat("b", 10)))

	out, cut = TruncateOutput(long, 20, TruncateTail)
	assert.True(t, cut)
	assert.True(t, strings.HasSuffix(out, strings.Repeat("b", 20)))
}
