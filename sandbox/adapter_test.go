package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterRunSuccess(t *testing.T) {
	a := NewAdapter()
	res := a.Run(context.Background(), Invocation{Tool: "echo", Timeout: time.Second}, func(ctx context.Context) (Output, error) {
		return Output{Text: "hello"}, nil
	})
	assert.True(t, res.OK)
	assert.Equal(t, "hello", res.Output)
	assert.Nil(t, res.Error)
	assert.False(t, res.Truncated)
}

func TestAdapterRunTimeoutDoesNotWaitForAction(t *testing.T) {
	a := NewAdapter()
	released := make(chan struct{})

	start := time.Now()
	res := a.Run(context.Background(), Invocation{Tool: "hang", Timeout: 20 * time.Millisecond}, func(ctx context.Context) (Output, error) {
		<-ctx.Done()
		time.Sleep(200 * time.Millisecond)
		close(released)
		return Output{}, ctx.Err()
	})

	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, ReasonTimeout, res.Error.Reason)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("action never observed its cancelled context")
	}
}

func TestAdapterRunParentCancelled(t *testing.T) {
	a := NewAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := a.Run(ctx, Invocation{Tool: "x", Timeout: time.Second}, func(ctx context.Context) (Output, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return Output{}, nil
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, ReasonCancelled, res.Error.Reason)
}

func TestAdapterTruncationIsExplicit(t *testing.T) {
	a := NewAdapter(WithMaxOutput(100))
	res := a.Run(context.Background(), Invocation{Tool: "big"}, func(ctx context.Context) (Output, error) {
		return Output{Text: strings.Repeat("x", 1000)}, nil
	})
	assert.True(t, res.OK)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.Output, "output truncated")
}

func TestAdapterKeepsActionTruncation(t *testing.T) {
	a := NewAdapter()
	res := a.Run(context.Background(), Invocation{Tool: "cmd"}, func(ctx context.Context) (Output, error) {
		return Output{Text: "partial", Truncated: true}, nil
	})
	assert.True(t, res.OK)
	assert.True(t, res.Truncated)
	assert.Equal(t, "partial", res.Output)
}

func TestAdapterPerInvocationLimits(t *testing.T) {
	a := NewAdapter(WithMaxOutput(1 << 20))
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i)
	}
	res := a.Run(context.Background(), Invocation{Tool: "grep", MaxLines: 10}, func(ctx context.Context) (Output, error) {
		return Output{Text: strings.Join(lines, "\n")}, nil
	})
	assert.True(t, res.Truncated)
	assert.Contains(t, res.Output, "lines omitted")
}

func TestAdapterPanicBecomesFailure(t *testing.T) {
	a := NewAdapter()
	res := a.Run(context.Background(), Invocation{Tool: "boom"}, func(ctx context.Context) (Output, error) {
		panic("boom")
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, ReasonInternal, res.Error.Reason)
}

func TestAdapterTimeoutClamping(t *testing.T) {
	a := NewAdapter(WithDefaultTimeout(5*time.Second), WithMaxTimeout(time.Minute))
	assert.Equal(t, 5*time.Second, a.Timeout(0))
	assert.Equal(t, time.Minute, a.Timeout(time.Hour))
	assert.Equal(t, 2*time.Second, a.Timeout(2*time.Second))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"exit", &ExitError{Code: 2}, ReasonExitStatus},
		{"wrapped exit", fmt.Errorf("run: %w", &ExitError{Code: 1}), ReasonExitStatus},
		{"deadline", context.DeadlineExceeded, ReasonTimeout},
		{"cancelled", context.Canceled, ReasonCancelled},
		{"missing file", &os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, ReasonNotFound},
		{"permission", &os.PathError{Op: "open", Path: "x", Err: os.ErrPermission}, ReasonPermissionDenied},
		{"outside workspace", fmt.Errorf("../x: %w", ErrOutsideWorkspace), ReasonPermissionDenied},
		{"input", &InputError{Message: "bad"}, ReasonInvalidInput},
		{"unavailable", ErrUnavailable, ReasonUnavailable},
		{"other", errors.New("weird"), ReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
