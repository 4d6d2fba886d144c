// Package resolve creates engram providers from provider-agnostic
// configuration, mapping well-known provider names to their base URLs.
package resolve

import (
	"fmt"

	"github.com/nevindra/engram"
	"github.com/nevindra/engram/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "groq", "deepseek", "together", "mistral", "ollama", "openrouter"
	APIKey   string
	Model    string
	BaseURL  string // required for unknown providers; auto-filled for known ones

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// EmbeddingConfig holds provider-agnostic configuration for creating an
// EmbeddingProvider.
type EmbeddingConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// RerankConfig holds provider-agnostic configuration for creating a
// RerankProvider.
type RerankConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// Provider creates an engram.Provider from a provider-agnostic Config.
func Provider(cfg Config) (engram.Provider, error) {
	baseURL, err := resolveBaseURL(cfg.Provider, cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}

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
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...), nil
}

// EmbeddingProvider creates an engram.EmbeddingProvider from a
// provider-agnostic EmbeddingConfig.
func EmbeddingProvider(cfg EmbeddingConfig) (engram.EmbeddingProvider, error) {
	baseURL, err := resolveBaseURL(cfg.Provider, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("resolve: embedding dimensions must be positive, got %d", cfg.Dimensions)
	}
	return openaicompat.NewEmbeddingProvider(cfg.APIKey, cfg.Model, baseURL, cfg.Dimensions,
		openaicompat.WithEmbeddingName(cfg.Provider)), nil
}

// RerankProvider creates an engram.RerankProvider from a provider-agnostic
// RerankConfig. Rerank endpoints are less standardized than chat, so a
// BaseURL is usually required; only Jina has a well-known default.
func RerankProvider(cfg RerankConfig) (engram.RerankProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Provider == "jina" {
			baseURL = "https://api.jina.ai/v1"
		} else {
			return nil, fmt.Errorf("resolve: rerank provider %q requires a base URL", cfg.Provider)
		}
	}
	return openaicompat.NewRerankProvider(cfg.APIKey, cfg.Model, baseURL,
		openaicompat.WithRerankName(cfg.Provider)), nil
}

func resolveBaseURL(provider, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	base := defaultBaseURL(provider)
	if base == "" {
		return "", fmt.Errorf("resolve: unknown provider %q and no base URL given", provider)
	}
	return base, nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
