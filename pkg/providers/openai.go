package providers

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/lwgray/marcus/pkg/domain"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider calls the OpenAI chat completions API.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAI creates a provider; model may be empty for the default.
func NewOpenAI(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxTokens: openai.Int(int64(maxTokens)),
	})
	if err != nil {
		return "", domain.ErrExternalFailure("openai generate: %v", err)
	}
	if len(resp.Choices) == 0 {
		return "", domain.ErrExternalFailure("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) Analyse(ctx context.Context, prompt, schemaHint string) (map[string]interface{}, error) {
	text, err := p.Generate(ctx, analysePrompt(prompt, schemaHint), DefaultMaxTokens)
	if err != nil {
		return nil, err
	}
	return parseJSONObject(text)
}

var _ LanguageModel = (*OpenAIProvider)(nil)
