package main

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/raaihank/llm-reflexion/internal/config"
	"github.com/raaihank/llm-reflexion/internal/reflexion"
	"github.com/raaihank/llm-reflexion/internal/usage"
)

// sentryReporter sends skipped items to Sentry
type sentryReporter struct {
	hub   *sentry.Hub
	runID string
}

var _ reflexion.Observer = (*sentryReporter)(nil)

func newSentryReporter(cfg config.SentryConfig, runID, release string) (*sentryReporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     "llm-reflexion@" + release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return &sentryReporter{
		hub:   sentry.NewHub(client, sentry.NewScope()),
		runID: runID,
	}, nil
}

func (r *sentryReporter) ItemStarted(int) {}

func (r *sentryReporter) ItemCompleted(*reflexion.Record, usage.TokenUsage) {}

func (r *sentryReporter) ItemSkipped(err *reflexion.ItemError) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", r.runID)
		scope.SetTag("panic", fmt.Sprint(err.Panic))
		scope.SetContext("item", sentry.Context{"item_index": err.Index})
		r.hub.CaptureException(err)
	})
}

func (r *sentryReporter) RunFinished(summary *reflexion.Summary) {
	if summary.Skipped > 0 {
		r.hub.CaptureMessage(fmt.Sprintf("run %s skipped %d of %d items", r.runID, summary.Skipped, summary.Processed))
	}
}

// Flush waits for queued events to be sent
func (r *sentryReporter) Flush() {
	r.hub.Flush(2 * time.Second)
}
