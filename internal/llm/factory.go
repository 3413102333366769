package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAzure     = "azure"
	ProviderLocal     = "local"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"

	ollamaPrefix = "ollama/"
)

// Config holds credentials and endpoints for every supported provider
type Config struct {
	OpenAI struct {
		APIKey  string
		BaseURL string
	}
	Azure struct {
		APIKey     string
		Endpoint   string
		APIVersion string
	}
	Local struct {
		APIKey  string
		BaseURL string
	}
	Ollama struct {
		BaseURL string
	}
	Anthropic struct {
		APIKey  string
		BaseURL string
	}
	Timeout           time.Duration
	RequestsPerMinute int
}

// ResolveProvider picks the provider serving a model name
func ResolveProvider(cfg *Config, name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, ollamaPrefix):
		return ProviderOllama
	case strings.HasPrefix(lower, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(lower, "gpt"):
		if cfg.Azure.Endpoint != "" {
			return ProviderAzure
		}
		return ProviderOpenAI
	default:
		return ProviderLocal
	}
}

// New creates the chat model for a model name, wrapped in the configured rate limit
func New(cfg *Config, name string, logger *zap.Logger) (ChatModel, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("model name is required")
	}

	provider := ResolveProvider(cfg, name)
	logger = logger.With(zap.String("provider", provider), zap.String("model", name))

	var (
		model ChatModel
		err   error
	)
	switch provider {
	case ProviderAnthropic:
		model, err = NewAnthropicModel(name, AnthropicOptions{
			APIKey:  cfg.Anthropic.APIKey,
			BaseURL: cfg.Anthropic.BaseURL,
			Timeout: cfg.Timeout,
		}, logger)
	case ProviderAzure:
		model, err = NewOpenAIModel(name, OpenAIOptions{
			Provider:   ProviderAzure,
			APIKey:     cfg.Azure.APIKey,
			BaseURL:    cfg.Azure.Endpoint,
			APIVersion: cfg.Azure.APIVersion,
			Timeout:    cfg.Timeout,
		}, logger)
	case ProviderOpenAI:
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai API key required for model %s", name)
		}
		model, err = NewOpenAIModel(name, OpenAIOptions{
			Provider: ProviderOpenAI,
			APIKey:   cfg.OpenAI.APIKey,
			BaseURL:  cfg.OpenAI.BaseURL,
			Timeout:  cfg.Timeout,
		}, logger)
	case ProviderOllama:
		model, err = NewOpenAIModel(strings.TrimPrefix(name, ollamaPrefix), OpenAIOptions{
			Provider: ProviderOllama,
			APIKey:   "ollama",
			BaseURL:  strings.TrimRight(cfg.Ollama.BaseURL, "/") + "/v1",
			Timeout:  cfg.Timeout,
		}, logger)
	default:
		if cfg.Local.BaseURL == "" {
			return nil, fmt.Errorf("no provider configured for model %s: set providers.local.base_url", name)
		}
		model, err = NewOpenAIModel(name, OpenAIOptions{
			Provider: ProviderLocal,
			APIKey:   cfg.Local.APIKey,
			BaseURL:  cfg.Local.BaseURL,
			Timeout:  cfg.Timeout,
		}, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s model: %w", provider, err)
	}

	logger.Info("Chat model initialized", zap.Int("requests_per_minute", cfg.RequestsPerMinute))
	return NewRateLimited(model, cfg.RequestsPerMinute), nil
}

// RateLimited paces calls to an underlying model
type RateLimited struct {
	ChatModel
	limiter *rate.Limiter
}

// NewRateLimited wraps a model; a non-positive rate disables pacing
func NewRateLimited(model ChatModel, requestsPerMinute int) ChatModel {
	if requestsPerMinute <= 0 {
		return model
	}
	return &RateLimited{
		ChatModel: model,
		limiter:   rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
	}
}

// Chat waits for the limiter, then delegates
func (r *RateLimited) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}
	return r.ChatModel.Chat(ctx, messages, opts)
}
