package agentloop

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/taskforge/sandbox"
	"github.com/martinemde/taskforge/unifiedllm"
)

func TestConvertHistoryToMessages(t *testing.T) {
	req := ToolRequest{ID: "c1", Name: "run_command", Arguments: json.RawMessage(`{"command":"ls"}`)}
	history := []Turn{
		NewModelTurn("", "", []ToolRequest{req}, unifiedllm.Usage{}, ""),
		NewToolResultTurn(req, sandbox.Result{Error: &sandbox.Failure{Reason: sandbox.ReasonExitStatus, Message: "exit status 2"}, Output: "ls: nope"}),
		NewModelTurn("all done", "", nil, unifiedllm.Usage{}, ""),
	}
	msgs := ConvertHistoryToMessages(Task{Description: "list files"}, history)

	require.Len(t, msgs, 4)
	assert.Equal(t, unifiedllm.RoleUser, msgs[0].Role)
	assert.Equal(t, "list files", msgs[0].TextContent())

	assert.Equal(t, unifiedllm.RoleAssistant, msgs[1].Role)
	calls := msgs[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Empty(t, msgs[1].TextContent())

	assert.Equal(t, unifiedllm.RoleTool, msgs[2].Role)
	result := msgs[2].Content[0].ToolResult
	assert.True(t, result.IsError)
	assert.Equal(t, "Tool error (exit_status): exit status 2\nls: nope", result.Content)

	assert.Equal(t, "all done", msgs[3].TextContent())
}

func TestOnlyLatestScreenshotIsForwarded(t *testing.T) {
	first := ToolRequest{ID: "c1", Name: "computer"}
	second := ToolRequest{ID: "c2", Name: "computer"}
	shot := func(req ToolRequest, img string) Turn {
		return NewToolResultTurn(req, sandbox.Result{OK: true, Output: "captured", Image: []byte(img)})
	}
	history := []Turn{
		NewModelTurn("", "", []ToolRequest{first}, unifiedllm.Usage{}, ""),
		shot(first, "old"),
		NewModelTurn("", "", []ToolRequest{second}, unifiedllm.Usage{}, ""),
		shot(second, "new"),
	}
	msgs := ConvertHistoryToMessages(Task{Description: "click"}, history)

	var images [][]byte
	for _, m := range msgs {
		for _, p := range m.Content {
			if p.Kind == unifiedllm.ContentImage {
				images = append(images, p.Image.Data)
			}
		}
	}
	assert.Equal(t, [][]byte{[]byte("new")}, images)
	assert.Equal(t, unifiedllm.RoleUser, msgs[len(msgs)-1].Role)
}

func TestToolResultImageIsNotSerialized(t *testing.T) {
	turn := NewToolResultTurn(ToolRequest{ID: "c1", Name: "computer"}, sandbox.Result{OK: true, Image: []byte("png")})
	data, err := json.Marshal(turn)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "image")
}

func TestBuildSystemPrompt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("Use tabs."), 0o644))
	ws := sandbox.NewLocalEnvironment(dir)

	task := Task{Description: "x", Context: TaskContext{Language: "go", Constraints: []string{"stdlib only"}}}
	prompt := BuildSystemPrompt(ws, task, "claude-sonnet-4-5", []string{"read_file", "edit_file"}, "Be brief.")

	assert.Contains(t, prompt, "Working directory: "+dir)
	assert.Contains(t, prompt, "Model: claude-sonnet-4-5")
	assert.Contains(t, prompt, "Target language: go")
	assert.Contains(t, prompt, "Constraint: stdlib only")
	assert.Contains(t, prompt, "Available tools: read_file, edit_file")
	assert.Contains(t, prompt, "Use tabs.")
	assert.True(t, len(prompt) > len("Be brief.") && prompt[len(prompt)-len("Be brief."):] == "Be brief.")

	bare := BuildSystemPrompt(nil, Task{Description: "x"}, "", nil, "")
	assert.Equal(t, basePrompt, bare)
}
