package llm

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/usage"
)

// OpenAIModel serves OpenAI, Azure OpenAI and any OpenAI-compatible server
// (vLLM, OpenChat, Ollama's /v1 endpoint)
type OpenAIModel struct {
	client   *openai.Client
	name     string
	provider string
	logger   *zap.Logger
}

// OpenAIOptions configures an OpenAIModel
type OpenAIOptions struct {
	Provider   string // openai, azure, local, ollama
	APIKey     string
	BaseURL    string
	APIVersion string // azure only
	Timeout    time.Duration
}

// NewOpenAIModel creates a model backed by go-openai
func NewOpenAIModel(name string, opts OpenAIOptions, logger *zap.Logger) (*OpenAIModel, error) {
	var cfg openai.ClientConfig
	switch opts.Provider {
	case ProviderAzure:
		if opts.BaseURL == "" {
			return nil, fmt.Errorf("azure endpoint is required for model %s", name)
		}
		cfg = openai.DefaultAzureConfig(opts.APIKey, opts.BaseURL)
		if opts.APIVersion != "" {
			cfg.APIVersion = opts.APIVersion
		}
		// deployments are named after the model
		cfg.AzureModelMapperFunc = func(model string) string { return model }
	default:
		cfg = openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
	}

	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}

	provider := opts.Provider
	if provider == "" {
		provider = ProviderOpenAI
	}

	return &OpenAIModel{
		client:   openai.NewClientWithConfig(cfg),
		name:     name,
		provider: provider,
		logger:   logger,
	}, nil
}

// Name returns the model name
func (m *OpenAIModel) Name() string {
	return m.name
}

// Chat issues one chat completion
func (m *OpenAIModel) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       m.name,
		Messages:    toOpenAIMessages(messages),
		Temperature: openAITemperature(opts.Temperature),
		TopP:        1,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, &ProviderError{Provider: m.provider, Model: m.name, Err: err}
	}

	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: m.provider, Model: m.name, Err: fmt.Errorf("no choices returned")}
	}

	m.logger.Debug("Chat completion received",
		zap.String("provider", m.provider),
		zap.String("model", m.name),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: usage.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// openAITemperature keeps an explicit zero on the wire; go-openai omits a literal 0
// and the server would fall back to its default of 1.
func openAITemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return out
}
