// Package config loads and validates the provider profile configuration.
//
// The routing core never parses raw configuration itself; this collaborator turns a
// YAML file into normalized registry profiles, merging built-in model capabilities
// for known model names and requiring explicit limits for custom ones.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/continuum-ai/continuum/internal/registry"
)

type Config struct {
	// Providers define the registry in priority order: the first provider is the
	// highest-priority candidate for "auto" resolution and fallback.
	Providers []Provider `yaml:"providers"`

	// ReservedOutputTokens optionally overrides the per-model reserved output budget.
	ReservedOutputTokens int `yaml:"reserved_output_tokens,omitempty"`

	// ThreadTTLMinutes and MaxThreads tune continuation eviction. Zero means default.
	ThreadTTLMinutes int `yaml:"thread_ttl_minutes,omitempty"`
	MaxThreads       int `yaml:"max_threads,omitempty"`

	// BusyPolicy is "queue" or "reject" for concurrent calls on one continuation.
	BusyPolicy string `yaml:"busy_policy,omitempty"`

	// ThreadDBPath enables the SQLite persistence collaborator when set.
	ThreadDBPath string `yaml:"thread_db_path,omitempty"`
}

type Provider struct {
	// ID is a stable internal id (primary key for secrets/model routing).
	ID string `yaml:"id"`

	// Name is a human-friendly display name (safe to rename at any time).
	Name string `yaml:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `yaml:"type"`

	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`

	Models []Model `yaml:"models"`
}

// Model references a built-in catalog model by name, or defines a custom model.
//
// Custom models (names unknown to the catalog) must set context_window and
// max_output_tokens explicitly.
type Model struct {
	Name            string   `yaml:"name"`
	ContextWindow   int      `yaml:"context_window,omitempty"`
	MaxOutputTokens int      `yaml:"max_output_tokens,omitempty"`
	Aliases         []string `yaml:"aliases,omitempty"`
	Default         bool     `yaml:"default,omitempty"`

	SupportsStreaming       *bool `yaml:"supports_streaming,omitempty"`
	SupportsImages          *bool `yaml:"supports_images,omitempty"`
	SupportsFunctionCalling *bool `yaml:"supports_function_calling,omitempty"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	switch strings.TrimSpace(strings.ToLower(c.BusyPolicy)) {
	case "", "queue", "reject":
	default:
		return fmt.Errorf("invalid busy_policy %q", c.BusyPolicy)
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if _, ok := seen[strings.ToLower(id)]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[strings.ToLower(id)] = struct{}{}
		if len(p.Models) == 0 {
			return fmt.Errorf("providers[%d]: missing models", i)
		}
		for j, m := range p.Models {
			name := strings.TrimSpace(m.Name)
			if name == "" {
				return fmt.Errorf("providers[%d].models[%d]: missing name", i, j)
			}
			if _, ok := registry.CatalogModel(p.Type, name); ok {
				continue
			}
			// Custom model: limits must be explicit.
			if m.ContextWindow <= 0 {
				return fmt.Errorf("providers[%d].models[%d]: context_window must be a positive integer for custom model %q", i, j, name)
			}
			if m.MaxOutputTokens <= 0 {
				return fmt.Errorf("providers[%d].models[%d]: max_output_tokens must be a positive integer for custom model %q", i, j, name)
			}
		}
	}
	return nil
}

// Profiles converts the configuration into normalized registry profiles, merging
// catalog capabilities for known model names. It assumes Validate() has passed; the
// registry re-validates at registration time.
func (c *Config) Profiles() ([]registry.Profile, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	out := make([]registry.Profile, 0, len(c.Providers))
	for _, p := range c.Providers {
		// When the config marks any model default, the config owns the default flag
		// for the whole provider; otherwise catalog defaults pass through.
		configDefault := false
		for _, m := range p.Models {
			if m.Default {
				configDefault = true
				break
			}
		}
		prof := registry.Profile{
			ID:      strings.TrimSpace(p.ID),
			Name:    strings.TrimSpace(p.Name),
			Type:    strings.TrimSpace(p.Type),
			BaseURL: strings.TrimSpace(p.BaseURL),
			Models:  make([]registry.ModelSpec, 0, len(p.Models)),
		}
		for _, m := range p.Models {
			spec, ok := registry.CatalogModel(p.Type, m.Name)
			if !ok {
				spec = registry.ModelSpec{
					Name:            strings.TrimSpace(m.Name),
					ContextWindow:   m.ContextWindow,
					MaxOutputTokens: m.MaxOutputTokens,
					Capabilities:    registry.Capabilities{Streaming: true, FunctionCalling: true},
				}
			}
			// Config-level fields override catalog values when set.
			if m.ContextWindow > 0 {
				spec.ContextWindow = m.ContextWindow
			}
			if m.MaxOutputTokens > 0 {
				spec.MaxOutputTokens = m.MaxOutputTokens
			}
			if len(m.Aliases) > 0 {
				spec.Aliases = append([]string(nil), m.Aliases...)
			}
			if m.SupportsStreaming != nil {
				spec.Capabilities.Streaming = *m.SupportsStreaming
			}
			if m.SupportsImages != nil {
				spec.Capabilities.Images = *m.SupportsImages
			}
			if m.SupportsFunctionCalling != nil {
				spec.Capabilities.FunctionCalling = *m.SupportsFunctionCalling
			}
			if configDefault {
				spec.Default = m.Default
			}
			prof.Models = append(prof.Models, spec)
		}
		if err := prof.Validate(); err != nil {
			return nil, fmt.Errorf("provider %q: %w", prof.ID, err)
		}
		out = append(out, prof)
	}
	return out, nil
}

// EffectiveBusyPolicy normalizes the configured busy policy.
func (c *Config) EffectiveBusyPolicy() string {
	if c == nil {
		return "queue"
	}
	v := strings.TrimSpace(strings.ToLower(c.BusyPolicy))
	if v == "reject" {
		return "reject"
	}
	return "queue"
}
