package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// ModelConfig selects a chat model for an agent.
type ModelConfig struct {
	Provider    string  `yaml:"provider" json:"provider"`
	Name        string  `yaml:"name" json:"name"`
	BaseURL     string  `yaml:"base_url,omitempty" json:"baseUrl,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty" json:"-"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"maxTokens,omitempty"`
}

// IsZero reports whether no model was configured.
func (c ModelConfig) IsZero() bool {
	return c.Provider == "" && c.Name == ""
}

// CallOptions returns the per-call options implied by the config.
func (c ModelConfig) CallOptions() []llms.CallOption {
	var opts []llms.CallOption
	if c.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(c.Temperature))
	}
	if c.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.MaxTokens))
	}
	return opts
}

// Credentials holds the platform-wide defaults used when an agent's model
// config carries no key or endpoint of its own.
type Credentials struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	OllamaURL       string
}

// Resolver builds langchaingo models from agent model configs.
type Resolver struct {
	creds Credentials
}

func NewResolver(creds Credentials) *Resolver {
	return &Resolver{creds: creds}
}

// Resolve returns a callable chat model for cfg.
func (r *Resolver) Resolve(_ context.Context, cfg ModelConfig) (llms.Model, error) {
	if cfg.IsZero() {
		return nil, fmt.Errorf("no model configured")
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, "":
		key := firstNonEmpty(cfg.APIKey, r.creds.OpenAIAPIKey)
		if key == "" {
			return nil, fmt.Errorf("openai model %q: missing api key", cfg.Name)
		}
		opts := []openai.Option{openai.WithToken(key), openai.WithModel(cfg.Name)}
		if base := firstNonEmpty(cfg.BaseURL, r.creds.OpenAIBaseURL); base != "" {
			opts = append(opts, openai.WithBaseURL(base))
		}
		return openai.New(opts...)
	case ProviderAnthropic:
		key := firstNonEmpty(cfg.APIKey, r.creds.AnthropicAPIKey)
		if key == "" {
			return nil, fmt.Errorf("anthropic model %q: missing api key", cfg.Name)
		}
		opts := []anthropic.Option{anthropic.WithToken(key), anthropic.WithModel(cfg.Name)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Name)}
		if base := firstNonEmpty(cfg.BaseURL, r.creds.OllamaURL); base != "" {
			opts = append(opts, ollama.WithServerURL(base))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
