// Package providers holds the LanguageModel adapters. The core never
// requires a model: every provider call is an enrichment layered over output
// that already works without it.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lwgray/marcus/pkg/config"
	"github.com/lwgray/marcus/pkg/domain"
)

// DefaultMaxTokens bounds a generation when the caller passes no budget.
const DefaultMaxTokens = 1024

// LanguageModel is the external model surface: free-text generation and
// structured analysis.
type LanguageModel interface {
	// Generate produces free text for the prompt within the token budget.
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	// Analyse asks for a JSON object; schemaHint describes the expected
	// shape and is embedded into the prompt.
	Analyse(ctx context.Context, prompt, schemaHint string) (map[string]interface{}, error)
}

// New selects a provider from config. Disabled or provider "none" yields
// the Null model.
func New(cfg config.AIConfig) (LanguageModel, error) {
	if !cfg.Enabled || cfg.Provider == "" || cfg.Provider == "none" {
		return NewNull(), nil
	}
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("ai.provider anthropic requires an api key")
		}
		return NewAnthropic(cfg.APIKey, cfg.Model), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("ai.provider openai requires an api key")
		}
		return NewOpenAI(cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown ai.provider %q", cfg.Provider)
	}
}

// parseJSONObject extracts the first JSON object from model output,
// tolerating markdown code fences.
func parseJSONObject(text string) (map[string]interface{}, error) {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if i := strings.LastIndex(cleaned, "```"); i >= 0 {
			cleaned = cleaned[:i]
		}
		cleaned = strings.TrimSpace(cleaned)
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, domain.ErrExternalFailure("model returned no JSON object")
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &out); err != nil {
		return nil, domain.ErrExternalFailure("model returned invalid JSON: %v", err)
	}
	return out, nil
}

func analysePrompt(prompt, schemaHint string) string {
	return fmt.Sprintf("%s\n\nRespond with a single JSON object only, shaped as: %s", prompt, schemaHint)
}
