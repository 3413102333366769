package cache

import (
	"context"

	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/llm"
)

// CachingModel serves zero-temperature calls from the cache. A cache hit
// reports zero usage because no tokens were consumed.
type CachingModel struct {
	llm.ChatModel
	cache  *CompletionCache
	logger *zap.Logger
}

// Wrap returns model behind the cache
func Wrap(model llm.ChatModel, cache *CompletionCache, logger *zap.Logger) *CachingModel {
	return &CachingModel{
		ChatModel: model,
		cache:     cache,
		logger:    logger,
	}
}

// Chat implements llm.ChatModel
func (m *CachingModel) Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (*llm.Completion, error) {
	if opts.Temperature > 0 {
		return m.ChatModel.Chat(ctx, messages, opts)
	}

	key := m.cache.Key(m.Name(), messages, opts)
	if cached, ok := m.cache.Lookup(ctx, key); ok {
		return &llm.Completion{
			Text:         cached.Text,
			FinishReason: cached.FinishReason,
		}, nil
	}

	completion, err := m.ChatModel.Chat(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	if err := m.cache.Store(ctx, key, &CachedCompletion{
		Model:        m.Name(),
		Text:         completion.Text,
		FinishReason: completion.FinishReason,
	}); err != nil {
		m.logger.Warn("Failed to cache completion", zap.Error(err))
	}

	return completion, nil
}
