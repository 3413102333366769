package reflexion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/usage"
)

var callUsage = usage.TokenUsage{PromptTokens: 10, CompletionTokens: 2}

// fakeGenerator returns scripted judgments and records every request
type fakeGenerator struct {
	detectCalls  int
	rewrites     []RewriteRequest
	privacyCalls int
	utilityCalls int

	// privacy and utility receive the 1-based call number
	privacy func(call int) *PrivacyJudgment
	utility func(call int) *UtilityJudgment

	// unparsed reports which rewrites (1-based) fail to parse
	unparsed func(call int) bool

	rewriteErr error
	panicOn    string
}

func (g *fakeGenerator) Detect(_ context.Context, text string) (*DetectionResult, error) {
	g.detectCalls++
	if text == g.panicOn {
		panic("detector exploded")
	}
	return &DetectionResult{
		SensitiveEntities: []string{"Alice", "Paris"},
		RawResponse:       `{"sensitive_entities": ["Alice", "Paris"]}`,
		ParseSuccess:      true,
		Usage:             callUsage,
	}, nil
}

func (g *fakeGenerator) Rewrite(_ context.Context, req RewriteRequest) (*Rewriting, error) {
	if g.rewriteErr != nil {
		return nil, g.rewriteErr
	}
	g.rewrites = append(g.rewrites, req)
	n := len(g.rewrites)
	if g.unparsed != nil && g.unparsed(n) {
		return &Rewriting{
			AnonymizedText: "Sorry, I cannot help with that.",
			RawText:        "Sorry, I cannot help with that.",
			Strategy:       req.Strategy,
			ParseSuccess:   false,
			Usage:          callUsage,
		}, nil
	}
	return &Rewriting{
		AnonymizedText: fmt.Sprintf("rewrite-%d", n),
		RawText:        fmt.Sprintf(`{"anonymized_text": "rewrite-%d"}`, n),
		Strategy:       req.Strategy,
		ParseSuccess:   true,
		Usage:          callUsage,
	}, nil
}

func (g *fakeGenerator) PrivacyReflex(_ context.Context, _ string, _ []string, _ int, _ bool) (*PrivacyJudgment, error) {
	g.privacyCalls++
	if g.privacy == nil {
		return leak(1), nil
	}
	return g.privacy(g.privacyCalls), nil
}

func (g *fakeGenerator) UtilityReflex(_ context.Context, _, _, _ string, _ Confirmation) (*UtilityJudgment, error) {
	g.utilityCalls++
	if g.utility == nil {
		return useful(80), nil
	}
	return g.utility(g.utilityCalls), nil
}

func leak(rank int) *PrivacyJudgment {
	return &PrivacyJudgment{Confirmation: Yes, Advice: "remove the name", Rank: rank, ParseSuccess: true, Usage1: callUsage}
}

func safe(rank int) *PrivacyJudgment {
	return &PrivacyJudgment{Confirmation: No, Rank: rank, ParseSuccess: true, Usage1: callUsage}
}

func useful(confidence int) *UtilityJudgment {
	u := callUsage
	return &UtilityJudgment{Confirmation: Yes, ConfidenceScore: confidence, ParseSuccess: true, Usage1: &u}
}

func useless(confidence int) *UtilityJudgment {
	u := callUsage
	return &UtilityJudgment{Confirmation: No, Advice: "keep the topic", ConfidenceScore: confidence, ParseSuccess: true, Usage1: &u}
}

func testOptions() Options {
	return Options{MaxIters: 3, PassAtK: 1, MemLen: 5, PThreshold: 10}
}

func newTestController(t *testing.T, gen Generator, opts Options) *Controller {
	t.Helper()
	c, err := NewController(gen, opts, usage.NewAccumulator(), zap.NewNop())
	require.NoError(t, err)
	return c
}

func strategies(reqs []RewriteRequest) []Strategy {
	out := make([]Strategy, len(reqs))
	for i, r := range reqs {
		out[i] = r.Strategy
	}
	return out
}

func countBoundaries(history []HistoryRecord) int {
	n := 0
	for _, rec := range history {
		if rec.Kind == KindPassBoundary {
			n++
		}
	}
	return n
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "max_iters", mutate: func(o *Options) { o.MaxIters = 0 }},
		{name: "pass_at_k", mutate: func(o *Options) { o.PassAtK = 0 }},
		{name: "mem_len", mutate: func(o *Options) { o.MemLen = 0 }},
		{name: "p_threshold", mutate: func(o *Options) { o.PThreshold = -1 }},
		{name: "memory_scope", mutate: func(o *Options) { o.MemoryScope = "forever" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	assert.NoError(t, testOptions().Validate())
}

func TestProcessFirstAttemptSuccess(t *testing.T) {
	gen := &fakeGenerator{
		privacy: func(int) *PrivacyJudgment { return safe(11) },
	}
	c := newTestController(t, gen, testOptions())

	record, err := c.Process(context.Background(), 0, NewItem("Alice lives in Paris", []string{"Alice"}, "travel"))
	require.NoError(t, err)

	assert.True(t, record.Complete)
	assert.Equal(t, 10+101, record.AccReward)
	assert.Equal(t, 0, record.Revisions)
	assert.Equal(t, 1, record.Passes)
	assert.Equal(t, []Strategy{StrategySimple}, strategies(gen.rewrites))
	assert.Equal(t, float64(0), gen.rewrites[0].Temperature)
	assert.Equal(t, `{"sensitive_entities": ["Alice", "Paris"]}`, gen.rewrites[0].DetectionResult)
	assert.Equal(t, 1, gen.detectCalls)
	assert.Len(t, record.Rewritings(), 1)
}

func TestProcessNoUtility(t *testing.T) {
	gen := &fakeGenerator{
		privacy: func(call int) *PrivacyJudgment {
			if call < 3 {
				return leak(call)
			}
			return safe(11)
		},
	}
	opts := testOptions()
	opts.NoUtility = true
	c := newTestController(t, gen, opts)

	record, err := c.Process(context.Background(), 0, NewItem("Alice lives in Paris", []string{"Alice"}, "travel"))
	require.NoError(t, err)

	assert.Equal(t, 0, gen.utilityCalls)
	assert.True(t, record.Complete)
	assert.Equal(t, 2, record.Revisions)
	// the window reward is never computed without utility
	assert.Equal(t, 0, record.AccReward)

	for _, rec := range record.History {
		if rec.Kind != KindEntry {
			continue
		}
		assert.Equal(t, Yes, rec.Entry.Utility.Confirmation)
		assert.Empty(t, rec.Entry.Utility.Advice)
		assert.True(t, rec.Entry.Utility.TotalUsage().IsZero())
	}

	// feedback is the previous raw rewriting only
	require.Len(t, gen.rewrites, 3)
	assert.Equal(t, `{"anonymized_text": "rewrite-1"}`, gen.rewrites[1].PrevRewriting)
	assert.Equal(t, `{"anonymized_text": "rewrite-2"}`, gen.rewrites[2].PrevRewriting)
	assert.True(t, gen.rewrites[1].NoUtility)

	// detect + 3 rewrites + 3 privacy calls
	assert.Equal(t, usage.TokenUsage{PromptTokens: 70, CompletionTokens: 14}, c.Meter().Totals())
}

func TestProcessExhaustsIterations(t *testing.T) {
	gen := &fakeGenerator{}
	c := newTestController(t, gen, testOptions())

	record, err := c.Process(context.Background(), 3, NewItem("Alice lives in Paris", []string{"Alice"}, "travel"))
	require.NoError(t, err)

	assert.False(t, record.Complete)
	assert.Equal(t, 3, record.Revisions)
	assert.Equal(t, 3, record.Index)
	assert.Equal(t, []Strategy{StrategySimple, StrategyReflexion, StrategyReflexion, StrategyReflexion}, strategies(gen.rewrites))
	assert.Len(t, record.Rewritings(), 4)
	assert.Equal(t, 1, countBoundaries(record.History))
}

func TestProcessPassRestartsWithSimpleRewrite(t *testing.T) {
	gen := &fakeGenerator{}
	opts := testOptions()
	opts.PassAtK = 2
	c := newTestController(t, gen, opts)

	record, err := c.Process(context.Background(), 0, NewItem("Alice lives in Paris", []string{"Alice"}, "travel"))
	require.NoError(t, err)

	assert.False(t, record.Complete)
	assert.Equal(t, 2, record.Passes)
	assert.Equal(t, 6, record.Revisions)
	assert.Equal(t, []Strategy{
		StrategySimple, StrategyReflexion, StrategyReflexion, StrategyReflexion,
		StrategySimple, StrategyReflexion, StrategyReflexion, StrategyReflexion,
	}, strategies(gen.rewrites))
	assert.Equal(t, 1, gen.detectCalls)

	// history across both passes is retained
	assert.Equal(t, 2, countBoundaries(record.History))
	assert.Len(t, record.Rewritings(), 8)
	assert.Equal(t, 1, record.History[len(record.History)-1].Pass)
}

func TestProcessSuccessAfterRevision(t *testing.T) {
	gen := &fakeGenerator{
		privacy: func(call int) *PrivacyJudgment {
			switch call {
			case 1:
				return leak(2)
			case 2:
				return leak(3)
			default:
				return safe(11)
			}
		},
		utility: func(int) *UtilityJudgment { return useful(40) },
	}
	c := newTestController(t, gen, testOptions())

	record, err := c.Process(context.Background(), 0, NewItem("Alice lives in Paris", []string{"Alice"}, "travel"))
	require.NoError(t, err)

	assert.True(t, record.Complete)
	assert.Equal(t, 2, record.Revisions)
	// reward composed before the successful revision: ranks 2 and 3
	assert.Equal(t, 5, record.AccReward)

	second := gen.rewrites[2]
	assert.Equal(t, StrategyReflexion, second.Strategy)
	assert.Equal(t, "Alice, Paris", second.DetectionResult)
	assert.Equal(t, Yes, second.PrivacyScore)
	assert.Equal(t, Yes, second.UtilityScore)
	assert.Equal(t, "remove the name", second.ReflectionPrivacy)
	assert.Equal(t, 10, second.PThreshold)
	assert.Contains(t, second.PrevRewriting, "Edition: 1\nEditing results; rewrite-1\nPrivacy score: 2\n")
	assert.Contains(t, second.PrevRewriting, "Edition: 2\nEditing results; rewrite-2\nPrivacy score: 3\n")
}

func TestProcessSuccessOnFirstRevisionKeepsWindowReward(t *testing.T) {
	gen := &fakeGenerator{
		privacy: func(int) *PrivacyJudgment { return safe(11) },
		utility: func(call int) *UtilityJudgment {
			if call == 1 {
				return useless(35)
			}
			return useful(90)
		},
	}
	c := newTestController(t, gen, testOptions())

	record, err := c.Process(context.Background(), 0, NewItem("Alice lives in Paris", []string{"Alice"}, "travel"))
	require.NoError(t, err)

	assert.True(t, record.Complete)
	assert.Equal(t, 1, record.Revisions)
	assert.Equal(t, 35, record.AccReward)
	assert.Equal(t, "keep the topic", gen.rewrites[1].ReflectionUtility)
	assert.Equal(t, No, gen.rewrites[1].UtilityScore)
}

func TestProcessUnparsedRewriteNeverSucceeds(t *testing.T) {
	t.Run("RevisedAfterUnparsedSimpleRewrite", func(t *testing.T) {
		gen := &fakeGenerator{
			privacy:  func(int) *PrivacyJudgment { return safe(11) },
			utility:  func(int) *UtilityJudgment { return useful(60) },
			unparsed: func(call int) bool { return call == 1 },
		}
		c := newTestController(t, gen, testOptions())

		record, err := c.Process(context.Background(), 0, NewItem("Alice lives in Paris", []string{"Alice"}, "travel"))
		require.NoError(t, err)

		assert.True(t, record.Complete)
		assert.Equal(t, 1, record.Revisions)
		assert.Equal(t, 60, record.AccReward)
		assert.Equal(t, []Strategy{StrategySimple, StrategyReflexion}, strategies(gen.rewrites))

		rewritings := record.Rewritings()
		require.Len(t, rewritings, 2)
		assert.False(t, rewritings[0].ParseSuccess)
		assert.Equal(t, "Sorry, I cannot help with that.", rewritings[0].RawText)
	})

	t.Run("AlwaysUnparsedExhausts", func(t *testing.T) {
		gen := &fakeGenerator{
			privacy:  func(int) *PrivacyJudgment { return safe(11) },
			utility:  func(int) *UtilityJudgment { return useful(60) },
			unparsed: func(int) bool { return true },
		}
		c := newTestController(t, gen, testOptions())

		record, err := c.Process(context.Background(), 0, NewItem("Alice lives in Paris", []string{"Alice"}, "travel"))
		require.NoError(t, err)

		assert.False(t, record.Complete)
		assert.Equal(t, 3, record.Revisions)
		assert.NotEqual(t, 10+101, record.AccReward)
		assert.Len(t, record.Rewritings(), 4)
	})
}

func TestProcessMemoryScope(t *testing.T) {
	run := func(scope MemoryScope) *fakeGenerator {
		gen := &fakeGenerator{}
		opts := testOptions()
		opts.PassAtK = 2
		opts.MaxIters = 2
		opts.MemoryScope = scope
		c := newTestController(t, gen, opts)
		_, err := c.Process(context.Background(), 0, NewItem("Alice", []string{"Alice"}, "x"))
		require.NoError(t, err)
		return gen
	}

	// first revision of the second pass is request index 4
	t.Run("Pass", func(t *testing.T) {
		gen := run(ScopePass)
		assert.Contains(t, gen.rewrites[4].PrevRewriting, "Editing results; rewrite-4\n")
		assert.NotContains(t, gen.rewrites[4].PrevRewriting, "rewrite-1\n")
		assert.NotContains(t, gen.rewrites[4].PrevRewriting, "Edition: 2")
	})

	t.Run("Run", func(t *testing.T) {
		gen := run(ScopeRun)
		assert.Contains(t, gen.rewrites[4].PrevRewriting, "Editing results; rewrite-1\n")
		assert.Contains(t, gen.rewrites[4].PrevRewriting, "Edition: 4\nEditing results; rewrite-4\n")
	})
}

func TestProcessUsageAccounting(t *testing.T) {
	extra := usage.TokenUsage{PromptTokens: 100, CompletionTokens: 50}
	gen := &fakeGenerator{
		privacy: func(int) *PrivacyJudgment {
			p := safe(11)
			p.Usage2 = &extra
			return p
		},
		utility: func(int) *UtilityJudgment {
			// a judgment without any usage sub-record is tolerated
			return &UtilityJudgment{Confirmation: Yes, ConfidenceScore: 70}
		},
	}
	c := newTestController(t, gen, testOptions())

	_, err := c.Process(context.Background(), 0, NewItem("Alice", []string{"Alice"}, "x"))
	require.NoError(t, err)

	// detect + rewrite + privacy usage_1 + privacy usage_2
	assert.Equal(t, usage.TokenUsage{PromptTokens: 130, CompletionTokens: 56}, c.Meter().Totals())
}

func TestProcessGeneratorError(t *testing.T) {
	gen := &fakeGenerator{rewriteErr: errors.New("backend unavailable")}
	c := newTestController(t, gen, testOptions())

	_, err := c.Process(context.Background(), 0, NewItem("Alice", []string{"Alice"}, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
	assert.Equal(t, 1, gen.detectCalls)
}
