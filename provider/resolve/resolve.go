// Package resolve maps provider-agnostic configuration to a concrete
// tape.Provider. Callers (config files, CLI flags) name a provider by a
// short string and resolve fills in the base URL and wiring.
package resolve

import (
	"fmt"
	"strings"

	"github.com/oddlot/tape"
	"github.com/oddlot/tape/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "openrouter", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // overrides the default for known providers; required for unknown compat endpoints

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// Provider creates a tape.Provider from a provider-agnostic Config.
func Provider(cfg Config) (tape.Provider, error) {
	switch cfg.Provider {
	case "openai", "openrouter", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiCompatProvider(cfg), nil
	default:
		if cfg.BaseURL != "" {
			// Any OpenAI-compatible endpoint works if the caller supplies
			// the base URL.
			return openaiCompatProvider(cfg), nil
		}
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

func openaiCompatProvider(cfg Config) tape.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	var provOpts []openaicompat.ProviderOption
	provOpts = append(provOpts, openaicompat.WithName(cfg.Provider))

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens > 0 {
		reqOpts = append(reqOpts, openaicompat.WithMaxTokens(cfg.MaxTokens))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

// Dialect maps a model name to its schema dialect. OpenAI's first-party
// models validate tool schemas against strict draft-2020-12 and reject
// response_format alongside tools; everything else gets the relaxed
// treatment.
func Dialect(model string) tape.SchemaDialect {
	for _, prefix := range []string{"gpt-", "o1", "o3", "o4"} {
		if strings.HasPrefix(model, prefix) {
			return tape.DialectStrict
		}
	}
	return tape.DialectRelaxed
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
