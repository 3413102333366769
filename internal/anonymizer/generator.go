// Package anonymizer implements detection, rewriting and the privacy and
// utility critiques on top of a chat model.
package anonymizer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/extract"
	"github.com/raaihank/llm-reflexion/internal/llm"
	"github.com/raaihank/llm-reflexion/internal/reflexion"
	"github.com/raaihank/llm-reflexion/internal/usage"
)

// critiqueTemperature is used by every call except reflexion rewrites
const critiqueTemperature = 0

// fallbackAdvice is given to the rewriter when a critique could not be parsed
const fallbackAdvice = "The critique could not be read. Generalize any remaining names, places, dates and other distinctive details."

// Config configures a Generator
type Config struct {
	Language string
	// Special switches the utility critique to a direct consistency judgment against the label
	Special   bool
	MaxTokens int
}

// Generator implements reflexion.Generator
type Generator struct {
	extractor *extract.Extractor
	prompts   *PromptSet
	cfg       Config
	logger    *zap.Logger
}

var _ reflexion.Generator = (*Generator)(nil)

// New creates a generator issuing its calls through extractor
func New(extractor *extract.Extractor, cfg Config, logger *zap.Logger) (*Generator, error) {
	prompts, err := NewPromptSet(cfg.Language)
	if err != nil {
		return nil, err
	}
	return &Generator{
		extractor: extractor,
		prompts:   prompts,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

func (g *Generator) chatOptions(temperature float64) llm.ChatOptions {
	return llm.ChatOptions{Temperature: temperature, MaxTokens: g.cfg.MaxTokens}
}

// conversation renders a system prompt and one user prompt with the parser's instructions appended
func (g *Generator) conversation(system, prompt string, data interface{}, instructions string) ([]llm.Message, error) {
	sys, err := g.prompts.Render(system, nil)
	if err != nil {
		return nil, err
	}
	user, err := g.prompts.Render(prompt, data)
	if err != nil {
		return nil, err
	}
	return []llm.Message{
		llm.System(sys),
		llm.User(user + "\n\n" + instructions),
	}, nil
}

// Detect finds the sensitive entities of a text
func (g *Generator) Detect(ctx context.Context, text string) (*reflexion.DetectionResult, error) {
	messages, err := g.conversation(systemAnonymizer, promptDetect, map[string]string{"Text": text}, detectionParser.FormatInstructions())
	if err != nil {
		return nil, err
	}

	result, err := extract.Extract[detectionOutput](ctx, g.extractor, "detection", messages, detectionParser, g.chatOptions(critiqueTemperature))
	if err != nil {
		return nil, err
	}

	return &reflexion.DetectionResult{
		SensitiveEntities: dedupe(result.Value.SensitiveEntities),
		RawResponse:       result.RawResponse,
		ParseSuccess:      result.ParseSuccess,
		Usage:             result.Usage,
	}, nil
}

// Rewrite produces a candidate text with the requested strategy
func (g *Generator) Rewrite(ctx context.Context, req reflexion.RewriteRequest) (*reflexion.Rewriting, error) {
	var (
		prompt string
		data   map[string]interface{}
	)
	switch req.Strategy {
	case reflexion.StrategySimple:
		prompt = promptSimple
		data = map[string]interface{}{
			"Text":      req.InputText,
			"Detection": req.DetectionResult,
		}
	case reflexion.StrategyReflexion:
		prompt = promptReflexion
		data = map[string]interface{}{
			"Text":          req.InputText,
			"Entities":      req.DetectionResult,
			"Previous":      req.PrevRewriting,
			"PrivacyAdvice": req.ReflectionPrivacy,
			"UtilityAdvice": req.ReflectionUtility,
			"PrivacyScore":  string(req.PrivacyScore),
			"UtilityScore":  string(req.UtilityScore),
			"Threshold":     req.PThreshold,
			"NoUtility":     req.NoUtility,
		}
	default:
		return nil, fmt.Errorf("unknown rewrite strategy %q", req.Strategy)
	}

	messages, err := g.conversation(systemAnonymizer, prompt, data, rewriteParser.FormatInstructions())
	if err != nil {
		return nil, err
	}

	result, err := extract.Extract[rewriteOutput](ctx, g.extractor, "rewriting", messages, rewriteParser, g.chatOptions(req.Temperature))
	if err != nil {
		return nil, err
	}

	anonymized := result.Value.AnonymizedText
	if !result.ParseSuccess {
		// kept for the history; the controller never accepts it as a success
		anonymized = result.RawResponse
	}

	return &reflexion.Rewriting{
		AnonymizedText: anonymized,
		RawText:        result.RawResponse,
		Strategy:       req.Strategy,
		ParseSuccess:   result.ParseSuccess,
		Usage:          result.Usage,
	}, nil
}

// PrivacyReflex tries to re-identify the people behind the candidate text.
// The candidate leaks when one of people appears within the top pThreshold guesses.
func (g *Generator) PrivacyReflex(ctx context.Context, candidate string, people []string, pThreshold int, noUtility bool) (*reflexion.PrivacyJudgment, error) {
	messages, err := g.conversation(systemPrivacyCrit, promptReidentify, map[string]string{"Text": candidate}, reidentifyParser.FormatInstructions())
	if err != nil {
		return nil, err
	}

	guess, err := extract.Extract[reidentifyOutput](ctx, g.extractor, "reidentification", messages, reidentifyParser, g.chatOptions(critiqueTemperature))
	if err != nil {
		return nil, err
	}

	judgment := &reflexion.PrivacyJudgment{
		Candidates:   guess.Value.Candidates,
		ParseSuccess: guess.ParseSuccess,
		Usage1:       guess.Usage,
	}
	if !guess.ParseSuccess {
		judgment.Confirmation = reflexion.Yes
		judgment.Rank = 1
		judgment.Advice = fallbackAdvice
		return judgment, nil
	}

	rank := matchRank(guess.Value.Candidates, people)
	if rank == 0 && len(guess.Value.Candidates) > 0 && len(people) > 0 {
		verified, verifyUsage, err := g.verify(ctx, guess.Value.Candidates, people)
		if err != nil {
			return nil, err
		}
		judgment.Usage2 = &verifyUsage
		rank = verified
	}

	if rank == 0 || rank > pThreshold {
		judgment.Confirmation = reflexion.No
		judgment.Rank = pThreshold + 1
		return judgment, nil
	}

	judgment.Confirmation = reflexion.Yes
	judgment.Rank = rank

	messages, err = g.conversation(systemAnonymizer, promptPrivacyAdv, map[string]interface{}{
		"Text":      candidate,
		"People":    strings.Join(people, ", "),
		"NoUtility": noUtility,
	}, adviceParser.FormatInstructions())
	if err != nil {
		return nil, err
	}

	advice, err := extract.Extract[adviceOutput](ctx, g.extractor, "privacy_advice", messages, adviceParser, g.chatOptions(critiqueTemperature))
	if err != nil {
		return nil, err
	}
	advUsage := advice.Usage
	judgment.Usage3 = &advUsage
	judgment.Advice = advice.Value.Advice
	if !advice.ParseSuccess {
		judgment.Advice = fallbackAdvice
	}

	return judgment, nil
}

// verify asks which candidate, if any, denotes one of people. It returns the 1-based rank or 0.
func (g *Generator) verify(ctx context.Context, candidates, people []string) (int, usage.TokenUsage, error) {
	messages, err := g.conversation(systemPrivacyCrit, promptVerify, map[string]interface{}{
		"Candidates": candidates,
		"People":     strings.Join(people, ", "),
	}, verifyParser.FormatInstructions())
	if err != nil {
		return 0, usage.TokenUsage{}, err
	}

	result, err := extract.Extract[verifyOutput](ctx, g.extractor, "verification", messages, verifyParser, g.chatOptions(critiqueTemperature))
	if err != nil {
		return 0, usage.TokenUsage{}, err
	}

	if !result.ParseSuccess {
		// unreadable verification counts as a hit on the top guess
		return 1, result.Usage, nil
	}
	if result.Value.Index > len(candidates) {
		return 0, result.Usage, nil
	}
	return result.Value.Index, result.Usage, nil
}

// UtilityReflex checks that the candidate still conveys the item's label
func (g *Generator) UtilityReflex(ctx context.Context, original, candidate, label string, privacyScore reflexion.Confirmation) (*reflexion.UtilityJudgment, error) {
	if g.cfg.Special {
		return g.consistency(ctx, candidate, label)
	}

	messages, err := g.conversation(systemUtilityCrit, promptPredict, map[string]string{"Text": candidate}, predictionParser.FormatInstructions())
	if err != nil {
		return nil, err
	}

	prediction, err := extract.Extract[predictionOutput](ctx, g.extractor, "prediction", messages, predictionParser, g.chatOptions(critiqueTemperature))
	if err != nil {
		return nil, err
	}

	predUsage := prediction.Usage
	judgment := &reflexion.UtilityJudgment{
		Prediction:   prediction.Value.Label,
		ParseSuccess: prediction.ParseSuccess,
		Usage1:       &predUsage,
	}

	if prediction.ParseSuccess && sameLabel(prediction.Value.Label, label) {
		judgment.Confirmation = reflexion.Yes
		judgment.ConfidenceScore = prediction.Value.Confidence
		return judgment, nil
	}

	judgment.Confirmation = reflexion.No
	if prediction.ParseSuccess {
		judgment.ConfidenceScore = prediction.Value.Confidence
	}

	messages, err = g.conversation(systemAnonymizer, promptUtilityAdv, map[string]string{
		"Original":     original,
		"Text":         candidate,
		"Label":        label,
		"PrivacyScore": string(privacyScore),
	}, adviceParser.FormatInstructions())
	if err != nil {
		return nil, err
	}

	advice, err := extract.Extract[adviceOutput](ctx, g.extractor, "utility_advice", messages, adviceParser, g.chatOptions(critiqueTemperature))
	if err != nil {
		return nil, err
	}
	advUsage := advice.Usage
	judgment.Usage2 = &advUsage
	judgment.Advice = advice.Value.Advice
	if !advice.ParseSuccess {
		judgment.Advice = fallbackAdvice
	}

	return judgment, nil
}

// consistency judges the candidate directly against the label in a single call
func (g *Generator) consistency(ctx context.Context, candidate, label string) (*reflexion.UtilityJudgment, error) {
	messages, err := g.conversation(systemUtilityCrit, promptConsistency, map[string]string{
		"Text":  candidate,
		"Label": label,
	}, consistencyParser.FormatInstructions())
	if err != nil {
		return nil, err
	}

	result, err := extract.Extract[consistencyOutput](ctx, g.extractor, "consistency", messages, consistencyParser, g.chatOptions(critiqueTemperature))
	if err != nil {
		return nil, err
	}

	resUsage := result.Usage
	judgment := &reflexion.UtilityJudgment{
		ParseSuccess: result.ParseSuccess,
		Usage1:       &resUsage,
	}
	if !result.ParseSuccess {
		judgment.Confirmation = reflexion.No
		judgment.Advice = fallbackAdvice
		return judgment, nil
	}

	judgment.Confirmation = reflexion.Confirmation(result.Value.Consistent)
	judgment.ConfidenceScore = result.Value.Confidence
	judgment.Advice = result.Value.Advice
	return judgment, nil
}

// matchRank returns the 1-based position of the first candidate naming one of people, or 0
func matchRank(candidates, people []string) int {
	for i, candidate := range candidates {
		c := strings.ToLower(strings.TrimSpace(candidate))
		if c == "" {
			continue
		}
		for _, person := range people {
			p := strings.ToLower(strings.TrimSpace(person))
			if p == "" {
				continue
			}
			if strings.Contains(c, p) || strings.Contains(p, c) {
				return i + 1
			}
		}
	}
	return 0
}

func sameLabel(predicted, label string) bool {
	return strings.EqualFold(strings.TrimSpace(predicted), strings.TrimSpace(label))
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
