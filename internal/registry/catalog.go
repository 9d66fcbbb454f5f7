package registry

import "strings"

// Built-in model capability catalog.
//
// Providers that list a model by name only inherit its window, output cap, aliases,
// and capability flags from here; custom models must spell those out in config.

var openAICatalog = []ModelSpec{
	{
		Name:            "o3",
		FriendlyName:    "OpenAI (O3)",
		ContextWindow:   200_000,
		MaxOutputTokens: 65_536,
		Capabilities:    Capabilities{Streaming: true, Images: true, FunctionCalling: true, JSONMode: true},
	},
	{
		Name:            "o3-mini",
		FriendlyName:    "OpenAI (O3-mini)",
		ContextWindow:   200_000,
		MaxOutputTokens: 65_536,
		Aliases:         []string{"o3mini"},
		Capabilities:    Capabilities{Streaming: true, Images: true, FunctionCalling: true, JSONMode: true},
	},
	{
		Name:            "o3-pro-2025-06-10",
		FriendlyName:    "OpenAI (O3-Pro)",
		ContextWindow:   200_000,
		MaxOutputTokens: 65_536,
		Aliases:         []string{"o3-pro"},
		Capabilities:    Capabilities{Streaming: true, Images: true, FunctionCalling: true, JSONMode: true},
	},
	{
		Name:            "o4-mini",
		FriendlyName:    "OpenAI (O4-mini)",
		ContextWindow:   200_000,
		MaxOutputTokens: 65_536,
		Aliases:         []string{"mini", "o4mini"},
		Capabilities:    Capabilities{Streaming: true, Images: true, FunctionCalling: true, JSONMode: true},
		Default:         true,
	},
	{
		Name:            "gpt-4.1-2025-04-14",
		FriendlyName:    "OpenAI (GPT 4.1)",
		ContextWindow:   1_000_000,
		MaxOutputTokens: 32_768,
		Aliases:         []string{"gpt4.1"},
		Capabilities:    Capabilities{Streaming: true, Images: true, FunctionCalling: true, JSONMode: true, Temperature: true},
	},
}

var anthropicCatalog = []ModelSpec{
	{
		Name:            "claude-opus-4-20250514",
		FriendlyName:    "Anthropic (Opus 4)",
		ContextWindow:   200_000,
		MaxOutputTokens: 32_000,
		Aliases:         []string{"opus", "opus-4"},
		Capabilities:    Capabilities{Streaming: true, Images: true, FunctionCalling: true, Temperature: true},
	},
	{
		Name:            "claude-sonnet-4-20250514",
		FriendlyName:    "Anthropic (Sonnet 4)",
		ContextWindow:   200_000,
		MaxOutputTokens: 64_000,
		Aliases:         []string{"sonnet", "sonnet-4"},
		Capabilities:    Capabilities{Streaming: true, Images: true, FunctionCalling: true, Temperature: true},
		Default:         true,
	},
	{
		Name:            "claude-3-5-haiku-20241022",
		FriendlyName:    "Anthropic (Haiku 3.5)",
		ContextWindow:   200_000,
		MaxOutputTokens: 8_192,
		Aliases:         []string{"haiku"},
		Capabilities:    Capabilities{Streaming: true, Images: true, FunctionCalling: true, Temperature: true},
	},
}

// CatalogModel looks up a built-in spec for the given provider type and model name.
func CatalogModel(providerType string, name string) (ModelSpec, bool) {
	var catalog []ModelSpec
	switch strings.TrimSpace(providerType) {
	case ProviderTypeOpenAI, ProviderTypeOpenAICompatible:
		catalog = openAICatalog
	case ProviderTypeAnthropic:
		catalog = anthropicCatalog
	default:
		return ModelSpec{}, false
	}
	want := strings.ToLower(strings.TrimSpace(name))
	for _, m := range catalog {
		if strings.ToLower(m.Name) == want {
			return m, true
		}
	}
	return ModelSpec{}, false
}
