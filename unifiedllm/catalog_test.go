package unifiedllm

import "testing"

func TestGetModelInfo(t *testing.T) {
	// By exact ID.
	info := GetModelInfo("claude-sonnet-4-5-20250929")
	if info == nil {
		t.Fatal("expected to find claude-sonnet-4-5-20250929")
	}
	if info.Provider != "anthropic" {
		t.Errorf("expected provider %q, got %q", "anthropic", info.Provider)
	}
	if info.ContextWindow != 200000 {
		t.Errorf("expected context window 200000, got %d", info.ContextWindow)
	}
	if !info.SupportsTools {
		t.Error("expected supports_tools = true")
	}

	// By alias.
	info = GetModelInfo("sonnet")
	if info == nil {
		t.Fatal("expected to find model by alias 'sonnet'")
	}
	if info.ID != "claude-sonnet-4-5-20250929" {
		t.Errorf("expected id %q, got %q", "claude-sonnet-4-5-20250929", info.ID)
	}

	// Unknown model.
	info = GetModelInfo("nonexistent-model")
	if info != nil {
		t.Errorf("expected nil for unknown model, got %v", info)
	}
}

func TestListModels(t *testing.T) {
	all := ListModels("")
	if len(all) != len(Models) {
		t.Errorf("expected %d models, got %d", len(Models), len(all))
	}

	anthropic := ListModels("anthropic")
	if len(anthropic) != 3 {
		t.Errorf("expected 3 Anthropic models, got %d", len(anthropic))
	}
	for _, m := range anthropic {
		if m.Provider != "anthropic" {
			t.Errorf("expected provider anthropic, got %q", m.Provider)
		}
	}

	openai := ListModels("openai")
	if len(openai) != 3 {
		t.Errorf("expected 3 OpenAI models, got %d", len(openai))
	}

	empty := ListModels("nonexistent")
	if len(empty) != 0 {
		t.Errorf("expected 0 models for nonexistent provider, got %d", len(empty))
	}
}

func TestGetLatestModel(t *testing.T) {
	info := GetLatestModel("anthropic", "")
	if info == nil {
		t.Fatal("expected to find latest Anthropic model")
	}
	if info.ID != "claude-sonnet-4-5-20250929" {
		t.Errorf("expected %q, got %q", "claude-sonnet-4-5-20250929", info.ID)
	}

	info = GetLatestModel("openai", "reasoning")
	if info == nil {
		t.Fatal("expected to find OpenAI reasoning model")
	}
	if info.Provider != "openai" {
		t.Errorf("expected provider openai, got %q", info.Provider)
	}
	if !info.SupportsReasoning {
		t.Error("expected supports_reasoning = true")
	}

	info = GetLatestModel("nonexistent", "")
	if info != nil {
		t.Errorf("expected nil for nonexistent provider, got %v", info)
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
		if m.DisplayName == "" {
			t.Errorf("model %q: display_name must not be empty", m.ID)
		}
		if m.ContextWindow <= 0 {
			t.Errorf("model %q: context_window must be positive", m.ID)
		}
	}
}
