package agentloop

import "time"

// SessionConfig holds the limits and model settings for one session.
type SessionConfig struct {
	Model                  string        `json:"model,omitempty"`
	Provider               string        `json:"provider,omitempty"`
	MaxTokens              int           `json:"max_tokens,omitempty"`
	Timeout                time.Duration `json:"timeout"`
	MaxToolCalls           int           `json:"max_tool_calls"`           // 0 = unlimited
	MaxCostUnits           int           `json:"max_cost_units"`           // 0 = unlimited
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"` // per tool name
	MaxModelAttempts       int           `json:"max_model_attempts"`       // including the first
	ContextBudget          int           `json:"context_budget,omitempty"` // tokens; 0 = derived from the model
	EnableLoopDetection    bool          `json:"enable_loop_detection"`
	LoopDetectionWindow    int           `json:"loop_detection_window"`
	UserInstructions       string        `json:"user_instructions,omitempty"` // appended last to system prompt
}

// DefaultSessionConfig returns the default session limits.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxTokens:              4096,
		Timeout:                30 * time.Minute,
		MaxToolCalls:           200,
		MaxConsecutiveFailures: 3,
		MaxModelAttempts:       4,
		EnableLoopDetection:    true,
		LoopDetectionWindow:    10,
	}
}

// SessionOverrides are per-submission changes to the manager defaults. Nil
// fields keep the default.
type SessionOverrides struct {
	Model                  *string        `json:"model,omitempty"`
	Timeout                *time.Duration `json:"timeout,omitempty"`
	MaxToolCalls           *int           `json:"max_tool_calls,omitempty"`
	MaxCostUnits           *int           `json:"max_cost_units,omitempty"`
	MaxConsecutiveFailures *int           `json:"max_consecutive_failures,omitempty"`
}

// Validate rejects overrides that would produce an unusable session.
func (o *SessionOverrides) Validate() error {
	if o == nil {
		return nil
	}
	if o.Timeout != nil && *o.Timeout <= 0 {
		return newError(KindValidation, nil, "timeout must be positive")
	}
	if o.MaxToolCalls != nil && *o.MaxToolCalls < 0 {
		return newError(KindValidation, nil, "max_tool_calls must not be negative")
	}
	if o.MaxCostUnits != nil && *o.MaxCostUnits < 0 {
		return newError(KindValidation, nil, "max_cost_units must not be negative")
	}
	if o.MaxConsecutiveFailures != nil && *o.MaxConsecutiveFailures < 1 {
		return newError(KindValidation, nil, "max_consecutive_failures must be at least 1")
	}
	return nil
}

// Apply returns cfg with the overrides applied.
func (o *SessionOverrides) Apply(cfg SessionConfig) SessionConfig {
	if o == nil {
		return cfg
	}
	if o.Model != nil {
		cfg.Model = *o.Model
	}
	if o.Timeout != nil {
		cfg.Timeout = *o.Timeout
	}
	if o.MaxToolCalls != nil {
		cfg.MaxToolCalls = *o.MaxToolCalls
	}
	if o.MaxCostUnits != nil {
		cfg.MaxCostUnits = *o.MaxCostUnits
	}
	if o.MaxConsecutiveFailures != nil {
		cfg.MaxConsecutiveFailures = *o.MaxConsecutiveFailures
	}
	return cfg
}
