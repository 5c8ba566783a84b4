package server

import (
	"time"

	"github.com/martinemde/taskforge/agentloop"
)

// Limits are the per-submission overrides accepted by the API.
type Limits struct {
	Model                  *string  `json:"model,omitempty"`
	TimeoutSeconds         *float64 `json:"timeout_seconds,omitempty"`
	MaxToolCalls           *int     `json:"max_tool_calls,omitempty"`
	MaxCostUnits           *int     `json:"max_cost_units,omitempty"`
	MaxConsecutiveFailures *int     `json:"max_consecutive_failures,omitempty"`
}

func (l *Limits) overrides() *agentloop.SessionOverrides {
	if l == nil {
		return nil
	}
	o := &agentloop.SessionOverrides{
		Model:                  l.Model,
		MaxToolCalls:           l.MaxToolCalls,
		MaxCostUnits:           l.MaxCostUnits,
		MaxConsecutiveFailures: l.MaxConsecutiveFailures,
	}
	if l.TimeoutSeconds != nil {
		d := time.Duration(*l.TimeoutSeconds * float64(time.Second))
		o.Timeout = &d
	}
	return o
}

// SubmitRequest is the body of POST /api/v1/sessions and POST /execute.
type SubmitRequest struct {
	Task    string                `json:"task"`
	Context agentloop.TaskContext `json:"context"`
	Limits  *Limits               `json:"limits,omitempty"`
}

// SubmitResponse is returned by POST /api/v1/sessions.
type SubmitResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionView is the list representation of a session (no history).
type SessionView struct {
	ID          string             `json:"id"`
	Description string             `json:"description"`
	Status      agentloop.Status   `json:"status"`
	Counters    agentloop.Counters `json:"counters"`
	Turns       int                `json:"turns"`
	Result      *agentloop.Result  `json:"result,omitempty"`
	Failure     *agentloop.Failure `json:"failure,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	FinishedAt  time.Time          `json:"finished_at,omitempty"`
}

func viewOf(s agentloop.Snapshot) SessionView {
	return SessionView{
		ID:          s.ID,
		Description: s.Task.Description,
		Status:      s.Status,
		Counters:    s.Counters,
		Turns:       len(s.History),
		Result:      s.Result,
		Failure:     s.Failure,
		CreatedAt:   s.CreatedAt,
		FinishedAt:  s.FinishedAt,
	}
}

// TaskSummary is the execution summary in an /execute response.
type TaskSummary struct {
	SessionID  string `json:"session_id"`
	Turns      int    `json:"turns"`
	ToolCalls  int    `json:"tool_calls"`
	ModelCalls int    `json:"model_calls"`
	CostUnits  int    `json:"cost_units"`
}

// ExecuteResponse is returned by POST /execute.
type ExecuteResponse struct {
	Status        string      `json:"status"`
	Response      string      `json:"response,omitempty"`
	Error         string      `json:"error,omitempty"`
	TaskSummary   TaskSummary `json:"task_summary"`
	ExecutionTime float64     `json:"execution_time"`
	RequestID     string      `json:"request_id"`
}

// ErrorBody is the error envelope of every non-2xx response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the error kind and message.
type ErrorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// StreamMessage is one websocket frame of the event stream.
type StreamMessage struct {
	Type     string              `json:"type"` // snapshot or event
	Snapshot *agentloop.Snapshot `json:"snapshot,omitempty"`
	Event    *agentloop.Event    `json:"event,omitempty"`
}
