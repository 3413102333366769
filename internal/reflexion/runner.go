package reflexion

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/metrics"
	"github.com/raaihank/llm-reflexion/internal/usage"
)

// Sink durably stores completed records
type Sink interface {
	Append(ctx context.Context, record *Record) error
}

// Observer is notified of run progress
type Observer interface {
	ItemStarted(index int)
	ItemCompleted(record *Record, totals usage.TokenUsage)
	ItemSkipped(err *ItemError)
	RunFinished(summary *Summary)
}

// Summary describes a finished run
type Summary struct {
	RunID     string
	Total     int
	Resumed   int
	Processed int
	Completed int
	Skipped   int
	Usage     usage.TokenUsage
	Duration  time.Duration
}

// RunnerOptions configures a Runner
type RunnerOptions struct {
	RunID string
	// LogPath is reported after every item
	LogPath string
	// Done holds item positions already present in the output log. An item's
	// position is its dataset position when known, else its slice index.
	Done map[int]bool
	// Limit stops after this many processed items when positive
	Limit int
}

// Runner processes items sequentially. Each record is appended to the log once,
// after its item reaches a terminal state; mirrors only receive copies.
type Runner struct {
	controller *Controller
	log        Sink
	mirrors    []Sink
	observers  []Observer
	opts       RunnerOptions
	logger     *zap.Logger
}

// NewRunner creates a runner writing to log
func NewRunner(controller *Controller, log Sink, opts RunnerOptions, logger *zap.Logger) *Runner {
	return &Runner{
		controller: controller,
		log:        log,
		opts:       opts,
		logger:     logger,
	}
}

// AddMirror registers a secondary sink whose failures are logged, not fatal
func (r *Runner) AddMirror(sink Sink) {
	r.mirrors = append(r.mirrors, sink)
}

// AddObserver registers a progress observer
func (r *Runner) AddObserver(observer Observer) {
	r.observers = append(r.observers, observer)
}

// Run processes every item not yet in the log. A failing item is skipped;
// only a failure to append to the log or a cancelled context stops the run.
func (r *Runner) Run(ctx context.Context, items []*Item) (*Summary, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	started := time.Now()
	summary := &Summary{RunID: r.opts.RunID, Total: len(items)}
	meter := r.controller.Meter()

	defer func() {
		summary.Usage = meter.Totals()
		summary.Duration = time.Since(started)
		for _, o := range r.observers {
			o.RunFinished(summary)
		}
	}()

	for i, item := range items {
		index := item.Position(i)
		if r.opts.Done[index] {
			summary.Resumed++
			continue
		}
		if r.opts.Limit > 0 && summary.Processed >= r.opts.Limit {
			r.logger.Info("Item limit reached", zap.Int("limit", r.opts.Limit))
			break
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		for _, o := range r.observers {
			o.ItemStarted(index)
		}
		summary.Processed++

		record, itemErr := r.processItem(ctx, index, item)
		if itemErr != nil {
			summary.Skipped++
			metrics.Items.WithLabelValues("skipped").Inc()
			r.logger.Error("Item skipped",
				zap.Int("item_index", index),
				zap.Bool("panic", itemErr.Panic),
				zap.Error(itemErr.Err))
			for _, o := range r.observers {
				o.ItemSkipped(itemErr)
			}
			r.reportProgress(meter)
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			continue
		}

		if err := r.log.Append(ctx, record); err != nil {
			return summary, fmt.Errorf("append item %d: %w", index, err)
		}
		for _, mirror := range r.mirrors {
			if err := mirror.Append(ctx, record); err != nil {
				r.logger.Warn("Mirror append failed", zap.Int("item_index", index), zap.Error(err))
			}
		}

		outcome := "exhausted"
		if record.Complete {
			summary.Completed++
			outcome = "complete"
		}
		metrics.Items.WithLabelValues(outcome).Inc()

		totals := meter.Totals()
		for _, o := range r.observers {
			o.ItemCompleted(record, totals)
		}

		r.logger.Info("Item finished",
			zap.Int("item_index", index),
			zap.Bool("complete", record.Complete),
			zap.Int("acc_reward", record.AccReward),
			zap.Int("passes", record.Passes),
			zap.Int("revisions", record.Revisions))
		r.reportProgress(meter)
	}

	return summary, nil
}

// processItem isolates one item; errors and panics become an *ItemError
func (r *Runner) processItem(ctx context.Context, index int, item *Item) (record *Record, itemErr *ItemError) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Debug("Recovered item panic", zap.Int("item_index", index), zap.ByteString("stack", debug.Stack()))
			record = nil
			itemErr = &ItemError{Index: index, Err: fmt.Errorf("%v", p), Panic: true}
		}
	}()

	record, err := r.controller.Process(ctx, index, item)
	if err != nil {
		return nil, &ItemError{Index: index, Err: err}
	}
	record.RunID = r.opts.RunID
	return record, nil
}

func (r *Runner) reportProgress(meter *usage.Accumulator) {
	totals := meter.Totals()
	r.logger.Info("Token usage",
		zap.Int("prompt_tokens", totals.PromptTokens),
		zap.Int("completion_tokens", totals.CompletionTokens),
		zap.String("log_path", r.opts.LogPath))
}
