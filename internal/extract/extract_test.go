package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/llm"
	"github.com/raaihank/llm-reflexion/internal/usage"
)

type verdict struct {
	Confirmation string `json:"confirmation" validate:"required,oneof=Yes No"`
	Advice       string `json:"advice"`
	Rank         int    `json:"rank" validate:"gte=0"`
}

// scriptedModel replays completions in order and records every conversation it saw
type scriptedModel struct {
	completions []*llm.Completion
	err         error
	seen        [][]llm.Message
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Chat(_ context.Context, messages []llm.Message, _ llm.ChatOptions) (*llm.Completion, error) {
	m.seen = append(m.seen, append([]llm.Message(nil), messages...))
	if m.err != nil {
		return nil, m.err
	}
	if len(m.seen) > len(m.completions) {
		return nil, errors.New("script exhausted")
	}
	return m.completions[len(m.seen)-1], nil
}

func completion(text, finish string, prompt, completionTokens int) *llm.Completion {
	return &llm.Completion{
		Text:         text,
		FinishReason: finish,
		Usage:        usage.TokenUsage{PromptTokens: prompt, CompletionTokens: completionTokens},
	}
}

const instructions = `Answer with a JSON object {"confirmation": "Yes"|"No", "advice": string, "rank": int}.`

func TestJSONParser(t *testing.T) {
	parser := NewJSONParser[verdict](instructions)

	t.Run("DirectJSON", func(t *testing.T) {
		v, err := parser.Parse(`{"confirmation": "No", "advice": "", "rank": 3}`)
		require.NoError(t, err)
		assert.Equal(t, "No", v.Confirmation)
		assert.Equal(t, 3, v.Rank)
	})

	t.Run("CodeFence", func(t *testing.T) {
		v, err := parser.Parse("Here you go:\n```json\n{\"confirmation\": \"Yes\", \"advice\": \"drop the city\", \"rank\": 1,}\n```")
		require.NoError(t, err)
		assert.Equal(t, "Yes", v.Confirmation)
		assert.Equal(t, "drop the city", v.Advice)
	})

	t.Run("MixedContent", func(t *testing.T) {
		v, err := parser.Parse(`The verdict is {"confirmation": "No", "rank": 0} as requested.`)
		require.NoError(t, err)
		assert.Equal(t, "No", v.Confirmation)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := parser.Parse("   ")
		assert.Error(t, err)
	})

	t.Run("ValidationUsesJSONNames", func(t *testing.T) {
		_, err := parser.Parse(`{"confirmation": "Maybe"}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"confirmation"`)
		assert.Contains(t, err.Error(), "Yes No")
	})

	t.Run("NotJSON", func(t *testing.T) {
		_, err := parser.Parse("I cannot answer that.")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid JSON")
	})
}

func TestExtract(t *testing.T) {
	ctx := context.Background()
	parser := NewJSONParser[verdict](instructions)
	messages := []llm.Message{llm.System("critic"), llm.User("judge this")}

	t.Run("FirstAttemptParses", func(t *testing.T) {
		model := &scriptedModel{completions: []*llm.Completion{
			completion(`{"confirmation": "No", "rank": 4}`, "stop", 10, 5),
		}}
		meter := usage.NewAccumulator()

		result, err := Extract[verdict](ctx, NewExtractor(model, meter, zap.NewNop()), "privacy", messages, parser, llm.ChatOptions{})
		require.NoError(t, err)

		assert.True(t, result.ParseSuccess)
		assert.False(t, result.Retried)
		assert.Equal(t, "stop", result.FinishReason)
		assert.Empty(t, result.RetryFinishReason)
		assert.Equal(t, 4, result.Value.Rank)
		assert.Equal(t, usage.TokenUsage{PromptTokens: 10, CompletionTokens: 5}, result.Usage)
		assert.Equal(t, result.Usage, meter.Totals())
		assert.Len(t, model.seen, 1)
	})

	t.Run("RetrySucceeds", func(t *testing.T) {
		model := &scriptedModel{completions: []*llm.Completion{
			completion("Sure! The text is fine.", "stop", 10, 5),
			completion(`{"confirmation": "Yes", "advice": "remove the date", "rank": 2}`, "stop", 30, 7),
		}}
		meter := usage.NewAccumulator()

		result, err := Extract[verdict](ctx, NewExtractor(model, meter, zap.NewNop()), "privacy", messages, parser, llm.ChatOptions{})
		require.NoError(t, err)

		assert.True(t, result.ParseSuccess)
		assert.True(t, result.Retried)
		assert.Equal(t, "Yes", result.Value.Confirmation)
		assert.Equal(t, "remove the date", result.Value.Advice)
		assert.Equal(t, usage.TokenUsage{PromptTokens: 40, CompletionTokens: 12}, result.Usage)
		assert.Equal(t, result.Usage, meter.Totals())

		require.Len(t, model.seen, 2)
		retryConversation := model.seen[1]
		require.Len(t, retryConversation, 4)
		assert.Equal(t, llm.Assistant("Sure! The text is fine."), retryConversation[2])
		assert.Equal(t, llm.RoleUser, retryConversation[3].Role)
		assert.True(t, strings.HasPrefix(retryConversation[3].Content, instructions))
		assert.Contains(t, retryConversation[3].Content, "When I parse your output, I got this error: invalid JSON")

		// the caller's conversation is untouched
		assert.Len(t, messages, 2)
	})

	t.Run("RetryFails", func(t *testing.T) {
		model := &scriptedModel{completions: []*llm.Completion{
			completion("no json here", "stop", 10, 5),
			completion(`{"advice": "still wrong"`, "length", 20, 9),
		}}

		result, err := Extract[verdict](ctx, NewExtractor(model, nil, zap.NewNop()), "privacy", messages, parser, llm.ChatOptions{})
		require.NoError(t, err)

		assert.False(t, result.ParseSuccess)
		assert.True(t, result.Retried)
		assert.Equal(t, `{"advice": "still wrong"`, result.RawResponse)
		assert.Equal(t, "stop", result.FinishReason)
		assert.Equal(t, "length", result.RetryFinishReason)
		assert.NotEmpty(t, result.ParseError)
		assert.Equal(t, verdict{}, result.Value)
		assert.Equal(t, usage.TokenUsage{PromptTokens: 30, CompletionTokens: 14}, result.Usage)
		assert.Len(t, model.seen, 2)
	})

	t.Run("BackendError", func(t *testing.T) {
		model := &scriptedModel{err: errors.New("connection refused")}

		_, err := Extract[verdict](ctx, NewExtractor(model, nil, zap.NewNop()), "privacy", messages, parser, llm.ChatOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "privacy")
	})
}
