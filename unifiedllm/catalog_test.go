package unifiedllm

import "testing"

func TestGetModelInfo(t *testing.T) {
	info := GetModelInfo("claude-sonnet-4-5")
	if info == nil {
		t.Fatal("expected to find claude-sonnet-4-5")
	}
	if info.Provider != "anthropic" {
		t.Errorf("expected provider %q, got %q", "anthropic", info.Provider)
	}
	if info.ContextWindow != 200000 {
		t.Errorf("expected context window 200000, got %d", info.ContextWindow)
	}

	info = GetModelInfo("opus")
	if info == nil {
		t.Fatal("expected to find model by alias 'opus'")
	}
	if info.ID != "claude-opus-4-1" {
		t.Errorf("expected id %q, got %q", "claude-opus-4-1", info.ID)
	}

	if info := GetModelInfo("nonexistent-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %v", info)
	}
}

func TestListModels(t *testing.T) {
	if all := ListModels(""); len(all) != len(Models) {
		t.Errorf("expected %d models, got %d", len(Models), len(all))
	}
	if n := len(ListModels("anthropic")); n != 3 {
		t.Errorf("expected 3 Anthropic models, got %d", n)
	}
	if n := len(ListModels("openai")); n != 2 {
		t.Errorf("expected 2 OpenAI models, got %d", n)
	}
	if n := len(ListModels("nonexistent")); n != 0 {
		t.Errorf("expected 0 models for nonexistent provider, got %d", n)
	}
}

func TestDefaultModel(t *testing.T) {
	if m := DefaultModel("anthropic"); m == nil || m.ID != "claude-sonnet-4-5" {
		t.Errorf("unexpected anthropic default: %v", m)
	}
	if m := DefaultModel("nope"); m != nil {
		t.Errorf("expected nil, got %v", m)
	}
}

func TestContextWindow(t *testing.T) {
	if got := ContextWindow("gpt-4o-mini"); got != 128000 {
		t.Errorf("expected 128000, got %d", got)
	}
	if got := ContextWindow("unknown"); got != DefaultContextWindow {
		t.Errorf("expected default window, got %d", got)
	}
}

func TestModelInfoFields(t *testing.T) {
	for _, m := range Models {
		if m.ID == "" {
			t.Error("model ID must not be empty")
		}
		if m.Provider == "" {
			t.Errorf("model %q: provider must not be empty", m.ID)
		}
		if m.ContextWindow <= 0 {
			t.Errorf("model %q: context_window must be positive", m.ID)
		}
		if !m.SupportsTools {
			t.Errorf("model %q: every catalog model must support tools", m.ID)
		}
	}
}
