package provider

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxOutputTokens = 4096

type anthropicAdapter struct {
	client anthropic.Client
}

func newAnthropicAdapter(baseURL string, apiKey string) *anthropicAdapter {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicAdapter{client: anthropic.NewClient(opts...)}
}

func (a *anthropicAdapter) Invoke(ctx context.Context, model string, payload Payload, maxOutputTokens int) (*Result, error) {
	if a == nil {
		return nil, errors.New("nil adapter")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("missing model")
	}

	msgs := make([]anthropic.MessageParam, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		block := anthropic.NewTextBlock(m.Text)
		if m.Role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
			continue
		}
		msgs = append(msgs, anthropic.NewUserMessage(block))
	}
	if len(msgs) == 0 {
		msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicDefaultMaxOutputTokens,
		Messages:  msgs,
	}
	if maxOutputTokens > 0 {
		params.MaxTokens = int64(maxOutputTokens)
	}
	if system := strings.TrimSpace(payload.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.wrap(model, err)
	}

	var text strings.Builder
	for _, blk := range msg.Content {
		if tb, ok := blk.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return &Result{
		Text: text.String(),
		Usage: Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

func (a *anthropicAdapter) wrap(model string, err error) error {
	kind := KindUnavailable
	var apierr *anthropic.Error
	if errors.As(err, &apierr) && apierr != nil {
		kind = classifyStatus(apierr.StatusCode)
	}
	return &Error{Kind: kind, Provider: "anthropic", Model: model, Err: err}
}
