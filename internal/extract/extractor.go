// Package extract turns free-form chat completions into typed results, retrying
// once with an error-directed correction before reporting a parse failure.
package extract

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/llm"
	"github.com/raaihank/llm-reflexion/internal/metrics"
	"github.com/raaihank/llm-reflexion/internal/usage"
)

// correctionPrefix follows the format instructions in the corrective user turn
const correctionPrefix = "\n\nWhen I parse your output, I got this error: "

// Result is a typed extraction outcome. When ParseSuccess is false, Value is the zero value.
type Result[T any] struct {
	Value             T
	ParseSuccess      bool
	RawResponse       string
	FinishReason      string
	RetryFinishReason string
	Retried           bool
	ParseError        string
	Usage             usage.TokenUsage
}

// Extractor issues chat calls against one model and meters their usage
type Extractor struct {
	model  llm.ChatModel
	meter  *usage.Accumulator
	logger *zap.Logger
}

// NewExtractor creates an extractor; meter may be nil
func NewExtractor(model llm.ChatModel, meter *usage.Accumulator, logger *zap.Logger) *Extractor {
	return &Extractor{
		model:  model,
		meter:  meter,
		logger: logger,
	}
}

// Model returns the underlying chat model
func (e *Extractor) Model() llm.ChatModel {
	return e.model
}

// Extract performs one call and, if its output does not parse, exactly one corrective call.
// A second parse failure is reported through Result.ParseSuccess, never as an error;
// errors are returned only when the backend call itself fails.
func Extract[T any](ctx context.Context, e *Extractor, schema string, messages []llm.Message, parser Parser[T], opts llm.ChatOptions) (*Result[T], error) {
	// the caller's slice is not extended in place
	conversation := make([]llm.Message, len(messages), len(messages)+2)
	copy(conversation, messages)

	first, err := e.call(ctx, conversation, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", schema, err)
	}

	result := &Result[T]{
		RawResponse:  first.Text,
		FinishReason: first.FinishReason,
		Usage:        first.Usage,
	}

	value, parseErr := parser.Parse(first.Text)
	if parseErr == nil {
		result.Value = value
		result.ParseSuccess = true
		return result, nil
	}

	e.logger.Debug("Structured output did not parse, retrying with correction",
		zap.String("schema", schema),
		zap.String("model", e.model.Name()),
		zap.Error(parseErr))

	conversation = append(conversation,
		llm.Assistant(first.Text),
		llm.User(parser.FormatInstructions()+correctionPrefix+parseErr.Error()),
	)

	retry, err := e.call(ctx, conversation, opts)
	if err != nil {
		return nil, fmt.Errorf("%s retry: %w", schema, err)
	}

	result.Retried = true
	result.RawResponse = retry.Text
	result.RetryFinishReason = retry.FinishReason
	result.Usage = result.Usage.Add(retry.Usage)

	value, parseErr = parser.Parse(retry.Text)
	if parseErr != nil {
		result.ParseError = parseErr.Error()
		metrics.ParseFailures.WithLabelValues(schema).Inc()
		e.logger.Warn("Structured output failed to parse after correction",
			zap.String("schema", schema),
			zap.String("model", e.model.Name()),
			zap.String("retry_finish_reason", retry.FinishReason),
			zap.Error(parseErr))
		return result, nil
	}

	result.Value = value
	result.ParseSuccess = true
	return result, nil
}

// call issues one chat completion and meters it
func (e *Extractor) call(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (*llm.Completion, error) {
	completion, err := e.model.Chat(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	if e.meter != nil {
		e.meter.Add(completion.Usage)
	}
	metrics.RecordUsage(e.model.Name(), completion.Usage.PromptTokens, completion.Usage.CompletionTokens)

	return completion, nil
}
