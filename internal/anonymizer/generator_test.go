package anonymizer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/extract"
	"github.com/raaihank/llm-reflexion/internal/llm"
	"github.com/raaihank/llm-reflexion/internal/reflexion"
	"github.com/raaihank/llm-reflexion/internal/usage"
)

type route struct {
	contains string
	reply    string
}

// routedModel answers according to the last user message
type routedModel struct {
	routes   []route
	fallback string
	prompts  []string
}

func (m *routedModel) Name() string { return "routed" }

func (m *routedModel) Chat(_ context.Context, messages []llm.Message, _ llm.ChatOptions) (*llm.Completion, error) {
	last := messages[len(messages)-1].Content
	m.prompts = append(m.prompts, last)
	reply := m.fallback
	for _, r := range m.routes {
		if strings.Contains(last, r.contains) {
			reply = r.reply
			break
		}
	}
	return &llm.Completion{
		Text:         reply,
		FinishReason: "stop",
		Usage:        usage.TokenUsage{PromptTokens: 5, CompletionTokens: 1},
	}, nil
}

const (
	keyDetect        = "Identify every piece"
	keySimple        = "The following sensitive information"
	keyReflexion     = "previous editions"
	keyReidentify    = "list the real people"
	keyVerify        = "Does any candidate"
	keyPrivacyAdvice = "The anonymized text below can still be linked"
	keyPredict       = "What is the label"
	keyConsistency   = "still consistent with the label"
	keyUtilityAdvice = "no longer conveys it"
)

func newTestGenerator(t *testing.T, model llm.ChatModel, cfg Config) *Generator {
	t.Helper()
	g, err := New(extract.NewExtractor(model, nil, zap.NewNop()), cfg, zap.NewNop())
	require.NoError(t, err)
	return g
}

func TestNewUnknownLanguage(t *testing.T) {
	_, err := New(extract.NewExtractor(&routedModel{}, nil, zap.NewNop()), Config{Language: "tlh"}, zap.NewNop())
	assert.Error(t, err)
	assert.Contains(t, Languages(), "en")
}

func TestDetect(t *testing.T) {
	model := &routedModel{routes: []route{
		{contains: keyDetect, reply: `{"sensitive_entities": ["Alice", "Paris", "Alice", " "]}`},
	}}
	g := newTestGenerator(t, model, Config{})

	result, err := g.Detect(context.Background(), "Alice moved to Paris in 2019.")
	require.NoError(t, err)

	assert.Equal(t, []string{"Alice", "Paris"}, result.SensitiveEntities)
	assert.True(t, result.ParseSuccess)
	assert.Equal(t, usage.TokenUsage{PromptTokens: 5, CompletionTokens: 1}, result.Usage)
	assert.Contains(t, model.prompts[0], "Alice moved to Paris in 2019.")
}

func TestRewrite(t *testing.T) {
	model := &routedModel{routes: []route{
		{contains: keyReflexion, reply: `{"anonymized_text": "A person moved to a city."}`},
		{contains: keySimple, reply: "```json\n{\"anonymized_text\": \"Someone moved to a European capital.\"}\n```"},
	}}
	g := newTestGenerator(t, model, Config{})
	ctx := context.Background()

	t.Run("Simple", func(t *testing.T) {
		rewriting, err := g.Rewrite(ctx, reflexion.RewriteRequest{
			InputText:       "Alice moved to Paris.",
			Strategy:        reflexion.StrategySimple,
			DetectionResult: `{"sensitive_entities": ["Alice", "Paris"]}`,
		})
		require.NoError(t, err)

		assert.Equal(t, "Someone moved to a European capital.", rewriting.AnonymizedText)
		assert.Equal(t, reflexion.StrategySimple, rewriting.Strategy)
		assert.True(t, rewriting.ParseSuccess)
		assert.Contains(t, rewriting.RawText, "```json")
	})

	t.Run("Reflexion", func(t *testing.T) {
		rewriting, err := g.Rewrite(ctx, reflexion.RewriteRequest{
			InputText:         "Alice moved to Paris.",
			Strategy:          reflexion.StrategyReflexion,
			DetectionResult:   "Alice, Paris",
			PrevRewriting:     "Edition: 1\nEditing results; Someone moved to Paris.\n",
			ReflectionPrivacy: "drop the city",
			PrivacyScore:      reflexion.Yes,
			UtilityScore:      reflexion.Yes,
			PThreshold:        3,
		})
		require.NoError(t, err)
		assert.Equal(t, "A person moved to a city.", rewriting.AnonymizedText)

		prompt := model.prompts[len(model.prompts)-1]
		assert.Contains(t, prompt, "Sensitive entities: Alice, Paris.")
		assert.Contains(t, prompt, "Edition: 1\nEditing results; Someone moved to Paris.")
		assert.Contains(t, prompt, "Privacy advice: drop the city")
		assert.Contains(t, prompt, "top 3 guesses")
		assert.NotContains(t, prompt, "Utility advice")
	})

	t.Run("UnknownStrategy", func(t *testing.T) {
		_, err := g.Rewrite(ctx, reflexion.RewriteRequest{Strategy: "creative"})
		assert.Error(t, err)
	})

	t.Run("UnparsedOutputIsJudgedRaw", func(t *testing.T) {
		model := &routedModel{fallback: "Someone moved somewhere."}
		g := newTestGenerator(t, model, Config{})

		rewriting, err := g.Rewrite(ctx, reflexion.RewriteRequest{InputText: "x", Strategy: reflexion.StrategySimple})
		require.NoError(t, err)
		assert.False(t, rewriting.ParseSuccess)
		assert.Equal(t, "Someone moved somewhere.", rewriting.AnonymizedText)
		assert.Equal(t, usage.TokenUsage{PromptTokens: 10, CompletionTokens: 2}, rewriting.Usage)
	})
}

func TestPrivacyReflex(t *testing.T) {
	ctx := context.Background()
	people := []string{"Alice Martin"}

	t.Run("LeakWithinThreshold", func(t *testing.T) {
		model := &routedModel{routes: []route{
			{contains: keyReidentify, reply: `{"candidates": ["Bob Stone", "alice martin (the painter)", "Carol"]}`},
			{contains: keyPrivacyAdvice, reply: `{"advice": "Remove the profession."}`},
		}}
		g := newTestGenerator(t, model, Config{})

		judgment, err := g.PrivacyReflex(ctx, "A painter from Lyon", people, 3, false)
		require.NoError(t, err)

		assert.Equal(t, reflexion.Yes, judgment.Confirmation)
		assert.Equal(t, 2, judgment.Rank)
		assert.Equal(t, "Remove the profession.", judgment.Advice)
		assert.Nil(t, judgment.Usage2)
		require.NotNil(t, judgment.Usage3)
		assert.Equal(t, usage.TokenUsage{PromptTokens: 10, CompletionTokens: 2}, judgment.TotalUsage())
	})

	t.Run("MatchBeyondThreshold", func(t *testing.T) {
		model := &routedModel{routes: []route{
			{contains: keyReidentify, reply: `{"candidates": ["A", "B", "C", "Alice Martin"]}`},
		}}
		g := newTestGenerator(t, model, Config{})

		judgment, err := g.PrivacyReflex(ctx, "Someone", people, 3, false)
		require.NoError(t, err)

		assert.Equal(t, reflexion.No, judgment.Confirmation)
		assert.Equal(t, 4, judgment.Rank)
		assert.Nil(t, judgment.Usage3)
		assert.Len(t, model.prompts, 1)
	})

	t.Run("VerificationFindsMatch", func(t *testing.T) {
		model := &routedModel{routes: []route{
			{contains: keyReidentify, reply: `{"candidates": ["Mme Martin", "Someone else"]}`},
			{contains: keyVerify, reply: `{"index": 1}`},
			{contains: keyPrivacyAdvice, reply: `{"advice": "Drop the surname."}`},
		}}
		g := newTestGenerator(t, model, Config{})

		judgment, err := g.PrivacyReflex(ctx, "Mme M. from Lyon", people, 2, true)
		require.NoError(t, err)

		assert.Equal(t, reflexion.Yes, judgment.Confirmation)
		assert.Equal(t, 1, judgment.Rank)
		require.NotNil(t, judgment.Usage2)
		require.NotNil(t, judgment.Usage3)
		assert.Contains(t, model.prompts[1], "1. Mme Martin\n2. Someone else\n")
		assert.NotContains(t, model.prompts[2], "useful for its original purpose")
	})

	t.Run("VerificationFindsNothing", func(t *testing.T) {
		model := &routedModel{routes: []route{
			{contains: keyReidentify, reply: `{"candidates": ["Bob"]}`},
			{contains: keyVerify, reply: `{"index": 0}`},
		}}
		g := newTestGenerator(t, model, Config{})

		judgment, err := g.PrivacyReflex(ctx, "Someone", people, 2, false)
		require.NoError(t, err)
		assert.Equal(t, reflexion.No, judgment.Confirmation)
		assert.Equal(t, 3, judgment.Rank)
		assert.NotNil(t, judgment.Usage2)
	})

	t.Run("ParseFailureIsConservative", func(t *testing.T) {
		model := &routedModel{fallback: "I would rather not guess."}
		g := newTestGenerator(t, model, Config{})

		judgment, err := g.PrivacyReflex(ctx, "Someone", people, 2, false)
		require.NoError(t, err)

		assert.False(t, judgment.ParseSuccess)
		assert.Equal(t, reflexion.Yes, judgment.Confirmation)
		assert.Equal(t, 1, judgment.Rank)
		assert.NotEmpty(t, judgment.Advice)
		assert.Equal(t, usage.TokenUsage{PromptTokens: 10, CompletionTokens: 2}, judgment.Usage1)
	})
}

func TestUtilityReflex(t *testing.T) {
	ctx := context.Background()

	t.Run("LabelPreserved", func(t *testing.T) {
		model := &routedModel{routes: []route{
			{contains: keyPredict, reply: `{"label": "Travel", "confidence": 85}`},
		}}
		g := newTestGenerator(t, model, Config{})

		judgment, err := g.UtilityReflex(ctx, "orig", "cand", "travel", reflexion.No)
		require.NoError(t, err)

		assert.Equal(t, reflexion.Yes, judgment.Confirmation)
		assert.Equal(t, 85, judgment.ConfidenceScore)
		assert.Nil(t, judgment.Usage2)
		assert.NotNil(t, judgment.Usage1)
	})

	t.Run("LabelLost", func(t *testing.T) {
		model := &routedModel{routes: []route{
			{contains: keyPredict, reply: `{"label": "sports", "confidence": 60}`},
			{contains: keyUtilityAdvice, reply: `{"advice": "Mention the trip."}`},
		}}
		g := newTestGenerator(t, model, Config{})

		judgment, err := g.UtilityReflex(ctx, "Alice travelled to Rome", "Someone went somewhere", "travel", reflexion.Yes)
		require.NoError(t, err)

		assert.Equal(t, reflexion.No, judgment.Confirmation)
		assert.Equal(t, 60, judgment.ConfidenceScore)
		assert.Equal(t, "sports", judgment.Prediction)
		assert.Equal(t, "Mention the trip.", judgment.Advice)
		require.NotNil(t, judgment.Usage2)
		assert.Contains(t, model.prompts[1], "without reintroducing identifying details")
	})

	t.Run("ParseFailureIsConservative", func(t *testing.T) {
		model := &routedModel{routes: []route{
			{contains: keyUtilityAdvice, reply: `{"advice": "Keep the topic."}`},
		}, fallback: "unsure"}
		g := newTestGenerator(t, model, Config{})

		judgment, err := g.UtilityReflex(ctx, "orig", "cand", "travel", reflexion.No)
		require.NoError(t, err)

		assert.Equal(t, reflexion.No, judgment.Confirmation)
		assert.Equal(t, 0, judgment.ConfidenceScore)
		assert.False(t, judgment.ParseSuccess)
	})

	t.Run("SpecialConsistency", func(t *testing.T) {
		model := &routedModel{routes: []route{
			{contains: keyConsistency, reply: `{"consistent": "Yes", "confidence": 70, "advice": ""}`},
		}}
		g := newTestGenerator(t, model, Config{Special: true})

		judgment, err := g.UtilityReflex(ctx, "orig", "cand", "travel", reflexion.No)
		require.NoError(t, err)

		assert.Equal(t, reflexion.Yes, judgment.Confirmation)
		assert.Equal(t, 70, judgment.ConfidenceScore)
		assert.Len(t, model.prompts, 1)
		assert.Nil(t, judgment.Usage2)
	})
}

func TestMatchRank(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		people     []string
		expected   int
	}{
		{name: "exact", candidates: []string{"Bob", "Alice"}, people: []string{"Alice"}, expected: 2},
		{name: "case insensitive", candidates: []string{"ALICE MARTIN"}, people: []string{"alice martin"}, expected: 1},
		{name: "candidate contains person", candidates: []string{"Dr. Alice Martin"}, people: []string{"Alice Martin"}, expected: 1},
		{name: "person contains candidate", candidates: []string{"Martin"}, people: []string{"Alice Martin"}, expected: 1},
		{name: "no match", candidates: []string{"Bob"}, people: []string{"Alice"}, expected: 0},
		{name: "blank ignored", candidates: []string{" ", "Alice"}, people: []string{"", "Alice"}, expected: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, matchRank(tt.candidates, tt.people))
		})
	}
}
