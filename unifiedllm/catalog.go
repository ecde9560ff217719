package unifiedllm

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID                  string   `json:"id"`
	Provider            string   `json:"provider"`
	DisplayName         string   `json:"display_name"`
	ContextWindow       int      `json:"context_window"`
	MaxOutput           *int     `json:"max_output,omitempty"`
	SupportsTools       bool     `json:"supports_tools"`
	SupportsVision      bool     `json:"supports_vision"`
	SupportsReasoning   bool     `json:"supports_reasoning"`
	InputCostPerMillion  *float64 `json:"input_cost_per_million,omitempty"`
	OutputCostPerMillion *float64 `json:"output_cost_per_million,omitempty"`
	Aliases             []string `json:"aliases,omitempty"`
}

func intPtr(v int) *int       { return &v }
func floatPtr(v float64) *float64 { return &v }

// Models is the built-in model catalog.
var Models = []ModelInfo{
	// Anthropic
	{
		ID: "claude-sonnet-4-5-20250929", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: intPtr(64000),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(3.0), OutputCostPerMillion: floatPtr(15.0),
		Aliases: []string{"sonnet", "claude-sonnet-4-5"},
	},
	{
		ID: "claude-opus-4-1-20250805", Provider: "anthropic", DisplayName: "Claude Opus 4.1",
		ContextWindow: 200000, MaxOutput: intPtr(32000),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(15.0), OutputCostPerMillion: floatPtr(75.0),
		Aliases: []string{"opus", "claude-opus-4-1"},
	},
	{
		ID: "claude-haiku-4-5-20251001", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: intPtr(64000),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(1.0), OutputCostPerMillion: floatPtr(5.0),
		Aliases: []string{"haiku", "claude-haiku-4-5"},
	},

	// OpenAI
	{
		ID: "gpt-4.1", Provider: "openai", DisplayName: "GPT-4.1",
		ContextWindow: 1047576, MaxOutput: intPtr(32768),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: false,
		InputCostPerMillion: floatPtr(2.0), OutputCostPerMillion: floatPtr(8.0),
		Aliases: []string{"gpt4.1"},
	},
	{
		ID: "gpt-4.1-mini", Provider: "openai", DisplayName: "GPT-4.1 Mini",
		ContextWindow: 1047576, MaxOutput: intPtr(32768),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: false,
		InputCostPerMillion: floatPtr(0.40), OutputCostPerMillion: floatPtr(1.60),
		Aliases: []string{"gpt4.1-mini"},
	},
	{
		ID: "o4-mini", Provider: "openai", DisplayName: "o4-mini",
		ContextWindow: 200000, MaxOutput: intPtr(100000),
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(1.10), OutputCostPerMillion: floatPtr(4.40),
	},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// GetLatestModel returns the first (newest/best) model for a provider,
// optionally filtered by capability.
func GetLatestModel(provider string, capability string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider != provider {
			continue
		}
		switch capability {
		case "":
			return &Models[i]
		case "vision":
			if Models[i].SupportsVision {
				return &Models[i]
			}
		case "tools":
			if Models[i].SupportsTools {
				return &Models[i]
			}
		case "reasoning":
			if Models[i].SupportsReasoning {
				return &Models[i]
			}
		}
	}
	return nil
}
