// Package provider defines the adapter seam between the routing core and model
// providers, plus production adapters over the OpenAI and Anthropic SDKs.
//
// The core treats network behavior as opaque: an adapter either returns a complete
// result or fails with one of four kinds the router can reason about.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message roles on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Payload is the assembled prompt for one adapter invocation: retained history plus
// the incoming content, already budget-checked by the caller.
type Payload struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type Result struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// ErrorKind classifies adapter failures for the router's fallback decisions.
type ErrorKind string

const (
	KindAuth               ErrorKind = "auth_error"
	KindRateLimited        ErrorKind = "rate_limited"
	KindUnavailable        ErrorKind = "unavailable"
	KindUnsupportedRequest ErrorKind = "unsupported_request"
)

// Error is a classified adapter failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("provider %s model %s: %s: %v", e.Provider, e.Model, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the error kind, or KindUnavailable for unclassified failures.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Kind
	}
	return KindUnavailable
}

// Adapter invokes one provider with an assembled payload.
//
// Implementations must honor ctx cancellation and deadlines; a blocked call must not
// outlive its context.
type Adapter interface {
	Invoke(ctx context.Context, model string, payload Payload, maxOutputTokens int) (*Result, error)
}

// Factory builds an adapter for the given provider connection metadata.
type Factory func(providerType string, baseURL string, apiKey string) (Adapter, error)

// NewAdapter is the production Factory over the official SDKs.
func NewAdapter(providerType string, baseURL string, apiKey string) (Adapter, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case "openai", "openai_compatible":
		return newOpenAIAdapter(providerType, baseURL, apiKey), nil
	case "anthropic":
		return newAnthropicAdapter(baseURL, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status == 400 || status == 404 || status == 413 || status == 422:
		return KindUnsupportedRequest
	default:
		return KindUnavailable
	}
}
