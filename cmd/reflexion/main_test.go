package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/llm-reflexion/internal/config"
	"github.com/raaihank/llm-reflexion/internal/llm"
	"github.com/raaihank/llm-reflexion/internal/reflexion"
	"github.com/raaihank/llm-reflexion/internal/usage"
)

func TestDefaultLogPath(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Dataset.Input = "data/reddit_sample.jsonl"
	cfg.Run.Model = "ollama/llama3:8b"

	path := defaultLogPath(cfg)
	assert.Equal(t, filepath.Join("results", "reddit_sample_ollama-llama3-8b_pass1_iter5_mem3_p10.jsonl"), path)

	cfg.Run.NoUtility = true
	assert.True(t, strings.HasSuffix(defaultLogPath(cfg), "_noutility.jsonl"))
}

func TestDeriveRunID(t *testing.T) {
	a := deriveRunID("results/a.jsonl")
	assert.Equal(t, a, deriveRunID("results/a.jsonl"))
	assert.NotEqual(t, a, deriveRunID("results/b.jsonl"))
	assert.Len(t, a, 36)
}

func TestProviderConfig(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Providers.Azure.Endpoint = "https://example.openai.azure.com"
	cfg.Providers.Anthropic.APIKey = "sk-ant"
	cfg.Providers.RequestsPerMinute = 60

	c := providerConfig(cfg)
	assert.Equal(t, "https://example.openai.azure.com", c.Azure.Endpoint)
	assert.Equal(t, "sk-ant", c.Anthropic.APIKey)
	assert.Equal(t, "http://localhost:11434", c.Ollama.BaseURL)
	assert.Equal(t, 60, c.RequestsPerMinute)
}

func TestPrintReport(t *testing.T) {
	summary := &reflexion.Summary{
		RunID:     "run-1",
		Total:     10,
		Resumed:   4,
		Processed: 6,
		Completed: 5,
		Skipped:   1,
		Usage:     usage.TokenUsage{PromptTokens: 1_000_000},
		Duration:  90 * time.Second,
	}

	var buf bytes.Buffer
	printReport(&buf, "gpt-4", summary, "results/x.jsonl")
	out := buf.String()

	assert.Contains(t, out, "10 total, 4 resumed, 6 processed")
	assert.Contains(t, out, "5 complete, 1 skipped")
	assert.Contains(t, out, "1000000 prompt, 0 completion")
	assert.Contains(t, out, "$30.0000")
	assert.Contains(t, out, "1m30s")

	buf.Reset()
	printReport(&buf, "local-model", summary, "results/x.jsonl")
	assert.NotContains(t, buf.String(), "est. cost")
}

// refusingModel never returns parseable output
type refusingModel struct {
	calls int
}

func (m *refusingModel) Name() string { return "gpt-4" }

func (m *refusingModel) Chat(_ context.Context, _ []llm.Message, _ llm.ChatOptions) (*llm.Completion, error) {
	m.calls++
	return &llm.Completion{
		Text:         "Sorry, I cannot help with that.",
		FinishReason: "stop",
		Usage:        usage.TokenUsage{PromptTokens: 7, CompletionTokens: 3},
	}, nil
}

func TestNewControllerCountsEveryCallOnce(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Run.MaxIters = 2
	cfg.Logging.Level = "error"

	log, err := newLogger(cfg)
	require.NoError(t, err)

	model := &refusingModel{}
	controller, err := newController(cfg, model, log)
	require.NoError(t, err)

	record, err := controller.Process(context.Background(), 0,
		reflexion.NewItem("Alice lives in Paris", []string{"Alice"}, "travel"))
	require.NoError(t, err)

	assert.False(t, record.Complete)
	require.Positive(t, model.calls)
	// every extraction retries once
	assert.Zero(t, model.calls%2)
	assert.Equal(t, usage.TokenUsage{
		PromptTokens:     7 * model.calls,
		CompletionTokens: 3 * model.calls,
	}, controller.Meter().Totals())
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), "llm-reflexion "+version)
}

func TestSentryReporterWithoutDSN(t *testing.T) {
	reporter, err := newSentryReporter(config.SentryConfig{}, "run-1", version)
	require.NoError(t, err)

	reporter.ItemSkipped(&reflexion.ItemError{Index: 2, Err: errors.New("timeout")})
	reporter.RunFinished(&reflexion.Summary{Processed: 3, Skipped: 1})
	reporter.Flush()
}
