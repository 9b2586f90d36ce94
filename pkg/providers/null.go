package providers

import "context"

// NullProvider is used when no model is configured. Generate echoes nothing
// and Analyse returns an empty object, so callers degrade to their
// rule-based output.
type NullProvider struct{}

// NewNull creates the no-op provider.
func NewNull() *NullProvider { return &NullProvider{} }

func (p *NullProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return "", nil
}

func (p *NullProvider) Analyse(ctx context.Context, prompt, schemaHint string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

var _ LanguageModel = (*NullProvider)(nil)
