package provider

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

type openAIAdapter struct {
	client       openai.Client
	providerType string
}

func newOpenAIAdapter(providerType string, baseURL string, apiKey string) *openAIAdapter {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIAdapter{
		client:       openai.NewClient(opts...),
		providerType: providerType,
	}
}

func (a *openAIAdapter) Invoke(ctx context.Context, model string, payload Payload, maxOutputTokens int) (*Result, error) {
	if a == nil {
		return nil, errors.New("nil adapter")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("missing model")
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(payload.Messages)+1)
	if system := strings.TrimSpace(payload.System); system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	for _, m := range payload.Messages {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Text))
		default:
			msgs = append(msgs, openai.UserMessage(m.Text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if maxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxOutputTokens))
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.wrap(model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindUnavailable, Provider: a.providerType, Model: model, Err: errors.New("empty completion")}
	}
	return &Result{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (a *openAIAdapter) wrap(model string, err error) error {
	kind := KindUnavailable
	var apierr *openai.Error
	if errors.As(err, &apierr) && apierr != nil {
		kind = classifyStatus(apierr.StatusCode)
	}
	return &Error{Kind: kind, Provider: a.providerType, Model: model, Err: err}
}
