package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/usage"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicModel serves Claude models through the Messages API
type AnthropicModel struct {
	client *anthropic.Client
	name   string
	logger *zap.Logger
}

// AnthropicOptions configures an AnthropicModel
type AnthropicOptions struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewAnthropicModel creates a model backed by the Anthropic SDK
func NewAnthropicModel(name string, opts AnthropicOptions, logger *zap.Logger) (*AnthropicModel, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required for model %s", name)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}

	client := anthropic.NewClient(reqOpts...)
	return &AnthropicModel{
		client: &client,
		name:   name,
		logger: logger,
	}, nil
}

// Name returns the model name
func (m *AnthropicModel) Name() string {
	return m.name
}

// Chat issues one Messages API call. System turns are hoisted into the system prompt.
func (m *AnthropicModel) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Completion, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	var system []anthropic.TextBlockParam
	params := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	resp, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(m.name),
		MaxTokens:   int64(maxTokens),
		System:      system,
		Messages:    params,
		Temperature: anthropic.Float(opts.Temperature),
	})
	if err != nil {
		return nil, &ProviderError{Provider: ProviderAnthropic, Model: m.name, Err: err}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	m.logger.Debug("Chat completion received",
		zap.String("provider", ProviderAnthropic),
		zap.String("model", m.name),
		zap.String("finish_reason", string(resp.StopReason)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens))

	return &Completion{
		Text:         text.String(),
		FinishReason: string(resp.StopReason),
		Usage: usage.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}
