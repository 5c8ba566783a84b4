package agentloop

import (
	"encoding/json"
	"time"

	"github.com/martinemde/taskforge/sandbox"
	"github.com/martinemde/taskforge/unifiedllm"
)

// TurnKind discriminates between turn types.
type TurnKind string

const (
	TurnModel      TurnKind = "model"
	TurnToolResult TurnKind = "tool_result"
)

// Turn is a single entry in a session's history. Turns are never modified
// after they are appended.
type Turn struct {
	Seq        int             `json:"seq"`
	Kind       TurnKind        `json:"kind"`
	Timestamp  time.Time       `json:"timestamp"`
	Model      *ModelTurn      `json:"model,omitempty"`
	ToolResult *ToolResultTurn `json:"tool_result,omitempty"`
}

// ToolRequest is one tool invocation asked for by the model.
type ToolRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	DependsOn []string        `json:"depends_on,omitempty"`
}

// ModelTurn holds one model response.
type ModelTurn struct {
	Text         string           `json:"text"`
	Reasoning    string           `json:"reasoning,omitempty"`
	ToolRequests []ToolRequest    `json:"tool_requests,omitempty"`
	Usage        unifiedllm.Usage `json:"usage"`
	ResponseID   string           `json:"response_id,omitempty"`
	Final        bool             `json:"final"`
}

// ToolResultTurn holds the outcome of one ToolRequest.
type ToolResultTurn struct {
	RequestID string           `json:"request_id"`
	ToolName  string           `json:"tool_name"`
	OK        bool             `json:"ok"`
	Output    string           `json:"output,omitempty"`
	Error     *sandbox.Failure `json:"error,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
	Duration  time.Duration    `json:"duration"`
	Image     []byte           `json:"-"`
}

// NewModelTurn creates a Turn wrapping a model response.
func NewModelTurn(text, reasoning string, requests []ToolRequest, usage unifiedllm.Usage, responseID string) Turn {
	return Turn{
		Kind: TurnModel,
		Model: &ModelTurn{
			Text:         text,
			Reasoning:    reasoning,
			ToolRequests: requests,
			Usage:        usage,
			ResponseID:   responseID,
			Final:        len(requests) == 0,
		},
	}
}

// NewToolResultTurn creates a Turn from a sandbox result.
func NewToolResultTurn(req ToolRequest, res sandbox.Result) Turn {
	return Turn{
		Kind: TurnToolResult,
		ToolResult: &ToolResultTurn{
			RequestID: req.ID,
			ToolName:  req.Name,
			OK:        res.OK,
			Output:    res.Output,
			Error:     res.Error,
			Truncated: res.Truncated,
			Duration:  res.Duration,
			Image:     res.Image,
		},
	}
}

// Content is the text the model sees for this result.
func (r *ToolResultTurn) Content() string {
	if r.OK {
		return r.Output
	}
	msg := "Tool error"
	if r.Error != nil {
		msg += " (" + string(r.Error.Reason) + "): " + r.Error.Message
	}
	if r.Output != "" {
		msg += "\n" + r.Output
	}
	return msg
}

// TextContent returns the text of a turn regardless of its kind.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnModel:
		if t.Model != nil {
			return t.Model.Text
		}
	case TurnToolResult:
		if t.ToolResult != nil {
			return t.ToolResult.Content()
		}
	}
	return ""
}

// ConvertHistoryToMessages converts a task and its history into the message
// list sent to the model. The task is always the first user message. Only
// the most recent screenshot is attached, after the tool results of its
// turn.
func ConvertHistoryToMessages(task Task, history []Turn) []unifiedllm.Message {
	lastImage := -1
	for i, turn := range history {
		if turn.Kind == TurnToolResult && turn.ToolResult != nil && len(turn.ToolResult.Image) > 0 {
			lastImage = i
		}
	}

	messages := []unifiedllm.Message{unifiedllm.UserMessage(task.Render())}
	var pendingImage []byte
	flushImage := func() {
		if pendingImage == nil {
			return
		}
		messages = append(messages, unifiedllm.Message{
			Role: unifiedllm.RoleUser,
			Content: []unifiedllm.ContentPart{
				unifiedllm.TextPart("Screenshot from the last computer action:"),
				unifiedllm.ImageDataPart(pendingImage, "image/png"),
			},
		})
		pendingImage = nil
	}

	for i, turn := range history {
		switch turn.Kind {
		case TurnModel:
			if turn.Model == nil {
				continue
			}
			flushImage()
			msg := unifiedllm.AssistantMessage(turn.Model.Text)
			if turn.Model.Text == "" {
				msg.Content = nil
			}
			for _, req := range turn.Model.ToolRequests {
				msg.Content = append(msg.Content,
					unifiedllm.ToolCallPart(req.ID, req.Name, req.Arguments, req.DependsOn...))
			}
			messages = append(messages, msg)
		case TurnToolResult:
			if turn.ToolResult == nil {
				continue
			}
			messages = append(messages, unifiedllm.ToolResultMessage(
				turn.ToolResult.RequestID, turn.ToolResult.Content(), !turn.ToolResult.OK))
			if i == lastImage {
				pendingImage = turn.ToolResult.Image
			}
		}
	}
	flushImage()
	return messages
}
