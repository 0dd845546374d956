package llm

import "strings"

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	ContextWindow int      `json:"context_window"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog.
var Models = []ModelInfo{
	{ID: "claude-opus-4-6", Provider: "anthropic", ContextWindow: 200000, SupportsTools: true, Aliases: []string{"opus"}},
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000, SupportsTools: true, Aliases: []string{"sonnet"}},
	{ID: "claude-haiku-4-5", Provider: "anthropic", ContextWindow: 200000, SupportsTools: true, Aliases: []string{"haiku"}},
	{ID: "gpt-5.2", Provider: "openai", ContextWindow: 1047576, SupportsTools: true, Aliases: []string{"gpt5"}},
	{ID: "gpt-5.2-mini", Provider: "openai", ContextWindow: 1047576, SupportsTools: true},
	{ID: "gemini-3-pro", Provider: "gemini", ContextWindow: 1048576, SupportsTools: true},
}

// GetModelInfo looks up a model by ID or alias. Returns nil if unknown.
func GetModelInfo(model string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == model {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == model {
				return &Models[i]
			}
		}
	}
	return nil
}

// InferProvider guesses the provider for a model ID via the catalog, then by
// name-prefix convention. Returns "" when nothing matches.
func InferProvider(model string) string {
	if info := GetModelInfo(model); info != nil {
		return info.Provider
	}
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt"):
		return "openai"
	case strings.HasPrefix(model, "gemini"):
		return "gemini"
	}
	return ""
}

// SupportsPromptCaching reports whether the model belongs to a provider
// family that honors cache-control annotations on content blocks.
func SupportsPromptCaching(model string) bool {
	return InferProvider(model) == "anthropic"
}
