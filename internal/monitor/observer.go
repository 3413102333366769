package monitor

import (
	"sync"
	"time"

	"github.com/raaihank/llm-reflexion/internal/reflexion"
	"github.com/raaihank/llm-reflexion/internal/usage"
)

// Progress is a snapshot of the run
type Progress struct {
	Current          int       `json:"current"`
	Processed        int       `json:"processed"`
	Completed        int       `json:"completed"`
	Skipped          int       `json:"skipped"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Finished         bool      `json:"finished"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Observer turns run progress into stream events
type Observer struct {
	runID string
	hub   *Hub

	mu       sync.RWMutex
	progress Progress
}

var _ reflexion.Observer = (*Observer)(nil)

// NewObserver creates an observer broadcasting on hub
func NewObserver(runID string, hub *Hub) *Observer {
	return &Observer{
		runID:    runID,
		hub:      hub,
		progress: Progress{Current: -1},
	}
}

// Progress returns the current snapshot
func (o *Observer) Progress() Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.progress
}

func (o *Observer) update(fn func(p *Progress)) {
	o.mu.Lock()
	fn(&o.progress)
	o.progress.UpdatedAt = time.Now()
	o.mu.Unlock()
}

func (o *Observer) emit(t EventType, data interface{}) {
	o.hub.BroadcastEvent(Event{
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
		RunID:     o.runID,
	})
}

// ItemStarted implements reflexion.Observer
func (o *Observer) ItemStarted(index int) {
	o.update(func(p *Progress) { p.Current = index })
	o.emit(EventTypeItemStarted, ItemStartedEvent{ItemIndex: index})
}

// ItemCompleted implements reflexion.Observer
func (o *Observer) ItemCompleted(record *reflexion.Record, totals usage.TokenUsage) {
	o.update(func(p *Progress) {
		p.Processed++
		if record.Complete {
			p.Completed++
		}
		p.PromptTokens = totals.PromptTokens
		p.CompletionTokens = totals.CompletionTokens
	})

	event := ItemCompletedEvent{
		ItemIndex:        record.Index,
		Complete:         record.Complete,
		AccReward:        record.AccReward,
		Passes:           record.Passes,
		Revisions:        record.Revisions,
		PromptTokens:     totals.PromptTokens,
		CompletionTokens: totals.CompletionTokens,
	}
	if rewritings := record.Rewritings(); len(rewritings) > 0 {
		event.FinalText = rewritings[len(rewritings)-1].AnonymizedText
	}
	o.emit(EventTypeItemCompleted, event)
}

// ItemSkipped implements reflexion.Observer
func (o *Observer) ItemSkipped(err *reflexion.ItemError) {
	o.update(func(p *Progress) {
		p.Processed++
		p.Skipped++
	})
	o.emit(EventTypeItemSkipped, ItemSkippedEvent{
		ItemIndex: err.Index,
		Error:     err.Error(),
		Panic:     err.Panic,
	})
}

// RunFinished implements reflexion.Observer
func (o *Observer) RunFinished(summary *reflexion.Summary) {
	o.update(func(p *Progress) {
		p.Finished = true
		p.Current = -1
		p.PromptTokens = summary.Usage.PromptTokens
		p.CompletionTokens = summary.Usage.CompletionTokens
	})
	o.emit(EventTypeRunFinished, RunFinishedEvent{
		Total:            summary.Total,
		Resumed:          summary.Resumed,
		Processed:        summary.Processed,
		Completed:        summary.Completed,
		Skipped:          summary.Skipped,
		PromptTokens:     summary.Usage.PromptTokens,
		CompletionTokens: summary.Usage.CompletionTokens,
		DurationSeconds:  summary.Duration.Seconds(),
	})
}
