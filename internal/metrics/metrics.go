// Package metrics holds the Prometheus collectors of a reflexion run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reflexion"

var (
	// Tokens counts tokens consumed by generative calls.
	// Labels: model, kind (prompt, completion)
	Tokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Tokens consumed by generative calls",
	}, []string{"model", "kind"})

	// Calls counts generative calls.
	// Labels: model
	Calls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Generative calls issued",
	}, []string{"model"})

	// ParseFailures counts structured outputs that failed to parse after the corrective retry.
	// Labels: schema (detection, rewriting, privacy, utility, ...)
	ParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "extract",
		Name:      "parse_failures_total",
		Help:      "Structured outputs that failed to parse after correction",
	}, []string{"schema"})

	// Items counts processed items by outcome.
	// Labels: outcome (complete, exhausted, skipped)
	Items = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "controller",
		Name:      "items_total",
		Help:      "Items processed by outcome",
	}, []string{"outcome"})

	// Revisions observes the number of reflexion revisions spent per item.
	Revisions = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "controller",
		Name:      "revisions_per_item",
		Help:      "Reflexion revisions performed per item",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	// Reward observes the final accumulated reward per item.
	Reward = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "controller",
		Name:      "final_reward",
		Help:      "Final accumulated reward per item",
		Buckets:   []float64{0, 5, 10, 25, 50, 100, 200, 400},
	})
)

// RecordUsage adds one call's usage to the token counters
func RecordUsage(model string, promptTokens, completionTokens int) {
	Calls.WithLabelValues(model).Inc()
	Tokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	Tokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
}
