package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Provider types supported by the adapter layer.
const (
	ProviderTypeOpenAI           = "openai"
	ProviderTypeAnthropic        = "anthropic"
	ProviderTypeOpenAICompatible = "openai_compatible"
)

// Capabilities are the per-model feature flags the router consults before building a
// payload.
type Capabilities struct {
	Streaming       bool `json:"streaming"`
	Images          bool `json:"images"`
	FunctionCalling bool `json:"function_calling"`
	JSONMode        bool `json:"json_mode"`
	Temperature     bool `json:"temperature"`
}

// ModelSpec describes one model a provider exposes.
//
// Notes:
// - Aliases are matched case-insensitively; their order is significant for tie-break.
// - Default marks the profile's recommended model for "auto" resolution. At most one
//   model per profile may be marked.
type ModelSpec struct {
	Name            string       `json:"name"`
	FriendlyName    string       `json:"friendly_name,omitempty"`
	ContextWindow   int          `json:"context_window"`
	MaxOutputTokens int          `json:"max_output_tokens"`
	Aliases         []string     `json:"aliases,omitempty"`
	Capabilities    Capabilities `json:"capabilities"`
	Default         bool         `json:"default,omitempty"`
}

// Profile is the normalized provider record consumed from the config-loading
// collaborator. Connection metadata beyond BaseURL is opaque to the core.
type Profile struct {
	ID      string      `json:"id"`
	Name    string      `json:"name,omitempty"`
	Type    string      `json:"type"`
	BaseURL string      `json:"base_url,omitempty"`
	Models  []ModelSpec `json:"models"`
}

// RecommendedModel returns the profile's default model, falling back to the first
// listed model.
func (p Profile) RecommendedModel() (ModelSpec, bool) {
	for _, m := range p.Models {
		if m.Default {
			return m, true
		}
	}
	if len(p.Models) > 0 {
		return p.Models[0], true
	}
	return ModelSpec{}, false
}

// Validate checks the profile the way registration requires. Errors carry enough
// position detail to pinpoint the offending field.
func (p Profile) Validate() error {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return errors.New("missing id")
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("invalid id %q (must not contain /)", id)
	}

	switch strings.TrimSpace(p.Type) {
	case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeOpenAICompatible:
	default:
		return fmt.Errorf("invalid type %q", p.Type)
	}

	baseURL := strings.TrimSpace(p.BaseURL)
	if strings.TrimSpace(p.Type) == ProviderTypeOpenAICompatible && baseURL == "" {
		return errors.New("base_url is required for openai_compatible")
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("invalid base_url scheme %q", u.Scheme)
		}
		if strings.TrimSpace(u.Host) == "" {
			return errors.New("invalid base_url host")
		}
	}

	if len(p.Models) == 0 {
		return errors.New("missing models")
	}
	names := make(map[string]struct{}, len(p.Models))
	defaults := 0
	for i, m := range p.Models {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return fmt.Errorf("models[%d]: missing name", i)
		}
		key := strings.ToLower(name)
		if _, ok := names[key]; ok {
			return fmt.Errorf("models[%d]: duplicate name %q", i, name)
		}
		names[key] = struct{}{}

		if m.ContextWindow <= 0 {
			return fmt.Errorf("models[%d]: context_window must be a positive integer", i)
		}
		if m.MaxOutputTokens <= 0 {
			return fmt.Errorf("models[%d]: max_output_tokens must be a positive integer", i)
		}
		if m.MaxOutputTokens > m.ContextWindow {
			return fmt.Errorf("models[%d]: max_output_tokens %d exceeds context_window %d", i, m.MaxOutputTokens, m.ContextWindow)
		}

		seenAliases := make(map[string]struct{}, len(m.Aliases))
		for j, alias := range m.Aliases {
			a := strings.ToLower(strings.TrimSpace(alias))
			if a == "" {
				return fmt.Errorf("models[%d].aliases[%d]: empty alias", i, j)
			}
			if _, ok := seenAliases[a]; ok {
				return fmt.Errorf("models[%d].aliases[%d]: duplicate alias %q", i, j, alias)
			}
			seenAliases[a] = struct{}{}
		}
		if m.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("multiple default models")
	}
	return nil
}
