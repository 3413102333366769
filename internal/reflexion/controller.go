// Package reflexion drives the detect, rewrite, critique and revise loop for each item.
//
// Every item gets one detection. Each pass starts from a simple rewriting;
// while the critiques do not both pass, the inner loop revises the latest
// rewriting using a bounded window of earlier attempts and their scores.
package reflexion

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/metrics"
	"github.com/raaihank/llm-reflexion/internal/usage"
)

// sentinelBonus is added to the privacy threshold when the first rewriting already succeeds
const sentinelBonus = 101

// RewriteRequest carries everything a rewrite may be conditioned on.
// For the simple strategy DetectionResult is the raw detection text;
// for reflexion it is the joined entity list.
type RewriteRequest struct {
	InputText         string
	Strategy          Strategy
	Temperature       float64
	DetectionResult   string
	PrevRewriting     string
	ReflectionPrivacy string
	ReflectionUtility string
	PrivacyScore      Confirmation
	UtilityScore      Confirmation
	PThreshold        int
	NoUtility         bool
}

// Generator performs the four generative operations the controller depends on
type Generator interface {
	Detect(ctx context.Context, text string) (*DetectionResult, error)
	Rewrite(ctx context.Context, req RewriteRequest) (*Rewriting, error)
	PrivacyReflex(ctx context.Context, candidate string, people []string, pThreshold int, noUtility bool) (*PrivacyJudgment, error)
	UtilityReflex(ctx context.Context, original, candidate, label string, privacyScore Confirmation) (*UtilityJudgment, error)
}

// Options bounds the search
type Options struct {
	MaxIters    int
	PassAtK     int
	MemLen      int
	PThreshold  int
	NoUtility   bool
	MemoryScope MemoryScope
	// Temperature is used by reflexion rewrites; simple rewrites always use zero
	Temperature float64
}

// Validate checks the bounds
func (o Options) Validate() error {
	switch {
	case o.MaxIters < 1:
		return fmt.Errorf("%w: max_iters must be at least 1, got %d", ErrInvalidConfig, o.MaxIters)
	case o.PassAtK < 1:
		return fmt.Errorf("%w: pass_at_k must be at least 1, got %d", ErrInvalidConfig, o.PassAtK)
	case o.MemLen < 1:
		return fmt.Errorf("%w: mem_len must be at least 1, got %d", ErrInvalidConfig, o.MemLen)
	case o.PThreshold < 0:
		return fmt.Errorf("%w: p_threshold must not be negative, got %d", ErrInvalidConfig, o.PThreshold)
	}
	switch o.MemoryScope {
	case "", ScopePass, ScopeRun:
	default:
		return fmt.Errorf("%w: unknown memory scope %q", ErrInvalidConfig, o.MemoryScope)
	}
	return nil
}

// Controller runs the two-level search for one item at a time
type Controller struct {
	gen    Generator
	opts   Options
	meter  *usage.Accumulator
	logger *zap.Logger
}

// NewController creates a controller. The accumulator receives the usage of every record produced.
func NewController(gen Generator, opts Options, meter *usage.Accumulator, logger *zap.Logger) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.MemoryScope == "" {
		opts.MemoryScope = ScopePass
	}
	if meter == nil {
		meter = usage.NewAccumulator()
	}
	return &Controller{
		gen:    gen,
		opts:   opts,
		meter:  meter,
		logger: logger,
	}, nil
}

// Meter returns the run's usage accumulator
func (c *Controller) Meter() *usage.Accumulator {
	return c.meter
}

// Options returns the controller's bounds
func (c *Controller) Options() Options {
	return c.opts
}

// Process runs one item to its terminal state and returns its record.
// It has no side effects beyond generative calls and usage accounting;
// the caller emits the record.
func (c *Controller) Process(ctx context.Context, index int, item *Item) (*Record, error) {
	logger := c.logger.With(zap.Int("item_index", index))

	detection, err := c.gen.Detect(ctx, item.Text)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	c.meter.Add(detection.Usage)
	entities := strings.Join(detection.SensitiveEntities, ", ")

	state := &RunState{}
	passes := 0

	for pass := 0; pass < c.opts.PassAtK && !state.Complete; pass++ {
		passes++
		state.startPass(pass)

		rewriting, err := c.gen.Rewrite(ctx, RewriteRequest{
			InputText:       item.Text,
			Strategy:        StrategySimple,
			Temperature:     0,
			DetectionResult: detection.RawResponse,
		})
		if err != nil {
			return nil, fmt.Errorf("pass %d: simple rewrite: %w", pass, err)
		}
		c.meter.Add(rewriting.Usage)

		last, err := c.evaluate(ctx, item, rewriting)
		if err != nil {
			return nil, fmt.Errorf("pass %d: %w", pass, err)
		}
		state.record(last)

		if last.Success() {
			state.Complete = true
			state.AccReward = c.opts.PThreshold + sentinelBonus
			logger.Debug("First rewriting succeeded", zap.Int("pass", pass))
			break
		}

		state.AccReward = 0
		for state.Iteration = 1; state.Iteration <= c.opts.MaxIters; state.Iteration++ {
			var feedback string
			if c.opts.NoUtility {
				feedback = last.Rewriting.RawText
			} else {
				memory := ComposeMemory(state.History, c.opts.MemLen, pass, c.opts.MemoryScope)
				feedback = memory.Feedback
				state.AccReward = memory.Reward
			}

			rewriting, err := c.gen.Rewrite(ctx, RewriteRequest{
				InputText:         item.Text,
				Strategy:          StrategyReflexion,
				Temperature:       c.opts.Temperature,
				DetectionResult:   entities,
				PrevRewriting:     feedback,
				ReflectionPrivacy: last.Privacy.Advice,
				ReflectionUtility: last.Utility.Advice,
				PrivacyScore:      last.Privacy.Confirmation,
				UtilityScore:      last.Utility.Confirmation,
				PThreshold:        c.opts.PThreshold,
				NoUtility:         c.opts.NoUtility,
			})
			if err != nil {
				return nil, fmt.Errorf("pass %d iteration %d: reflexion rewrite: %w", pass, state.Iteration, err)
			}
			c.meter.Add(rewriting.Usage)
			state.Revisions++

			last, err = c.evaluate(ctx, item, rewriting)
			if err != nil {
				return nil, fmt.Errorf("pass %d iteration %d: %w", pass, state.Iteration, err)
			}
			state.record(last)

			logger.Debug("Revision evaluated",
				zap.Int("pass", pass),
				zap.Int("iteration", state.Iteration),
				zap.String("privacy", string(last.Privacy.Confirmation)),
				zap.Int("rank", last.Privacy.Rank),
				zap.String("utility", string(last.Utility.Confirmation)),
				zap.Int("acc_reward", state.AccReward))

			if last.Success() {
				state.Complete = true
				break
			}
		}
	}

	metrics.Revisions.Observe(float64(state.Revisions))
	metrics.Reward.Observe(float64(state.AccReward))

	return &Record{
		Index:     index,
		Item:      item,
		Detection: detection,
		Complete:  state.Complete,
		AccReward: state.AccReward,
		Passes:    passes,
		Revisions: state.Revisions,
		History:   state.History,
	}, nil
}

// evaluate runs the privacy critique and, unless disabled, the utility critique
func (c *Controller) evaluate(ctx context.Context, item *Item, rewriting *Rewriting) (MemoryEntry, error) {
	privacy, err := c.gen.PrivacyReflex(ctx, rewriting.AnonymizedText, item.People, c.opts.PThreshold, c.opts.NoUtility)
	if err != nil {
		return MemoryEntry{}, fmt.Errorf("privacy critique: %w", err)
	}
	c.meter.Add(privacy.Usage1)
	c.meter.AddOptional(privacy.Usage2)
	c.meter.AddOptional(privacy.Usage3)

	utility := PassingUtility()
	if !c.opts.NoUtility {
		utility, err = c.gen.UtilityReflex(ctx, item.Text, rewriting.AnonymizedText, item.Label, privacy.Confirmation)
		if err != nil {
			return MemoryEntry{}, fmt.Errorf("utility critique: %w", err)
		}
		c.meter.AddOptional(utility.Usage1)
		c.meter.AddOptional(utility.Usage2)
		c.meter.AddOptional(utility.Usage3)
	}

	return MemoryEntry{Rewriting: rewriting, Privacy: privacy, Utility: utility}, nil
}
