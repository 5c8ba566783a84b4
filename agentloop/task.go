package agentloop

import (
	"encoding/json"
	"strings"
)

// TaskContext carries optional structured hints about the task.
type TaskContext struct {
	Language    string         `json:"language,omitempty"`
	Framework   string         `json:"framework,omitempty"`
	Constraints []string       `json:"constraints,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// IsZero reports whether no context was supplied.
func (c TaskContext) IsZero() bool {
	return c.Language == "" && c.Framework == "" && len(c.Constraints) == 0 && len(c.Extra) == 0
}

// Task is the immutable input of a session.
type Task struct {
	Description string      `json:"description"`
	Context     TaskContext `json:"context"`
}

// Validate rejects tasks that cannot be worked on.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Description) == "" {
		return newError(KindValidation, nil, "task description is empty")
	}
	for i, c := range t.Context.Constraints {
		if strings.TrimSpace(c) == "" {
			return newError(KindValidation, nil, "constraint %d is empty", i)
		}
	}
	return nil
}

// Render formats the task as the opening user message: the description
// followed by the structured context as JSON.
func (t Task) Render() string {
	if t.Context.IsZero() {
		return t.Description
	}
	data, err := json.MarshalIndent(t.Context, "", "  ")
	if err != nil {
		return t.Description
	}
	var sb strings.Builder
	sb.WriteString(t.Description)
	sb.WriteString("\n\nContext:\n```json\n")
	sb.Write(data)
	sb.WriteString("\n```")
	return sb.String()
}

// clone returns a deep copy so callers cannot mutate a stored task.
func (t Task) clone() Task {
	c := t
	if t.Context.Constraints != nil {
		c.Context.Constraints = append([]string(nil), t.Context.Constraints...)
	}
	if t.Context.Extra != nil {
		c.Context.Extra = make(map[string]any, len(t.Context.Extra))
		for k, v := range t.Context.Extra {
			c.Context.Extra[k] = v
		}
	}
	return c
}
