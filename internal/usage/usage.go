package usage

import (
	"strings"
	"sync"
)

// TokenUsage is the prompt/completion token count reported by one or more generative calls
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add returns the sum of two usages
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
	}
}

// Total returns prompt plus completion tokens
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// IsZero reports whether no tokens were recorded
func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0
}

// Accumulator sums token usage across every generative call of a run.
// It is created at run start and never reset while the run is alive.
type Accumulator struct {
	mu     sync.Mutex
	totals TokenUsage
	calls  int64
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add records the usage of one call
func (a *Accumulator) Add(u TokenUsage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totals = a.totals.Add(u)
	a.calls++
}

// AddOptional records usage only when present
func (a *Accumulator) AddOptional(u *TokenUsage) {
	if u == nil {
		return
	}
	a.Add(*u)
}

// Totals returns the current totals
func (a *Accumulator) Totals() TokenUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}

// Calls returns how many usages were recorded
func (a *Accumulator) Calls() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Price is the USD cost per one million tokens
type Price struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
}

// prices is keyed by model-name prefix; the longest matching prefix wins
var prices = map[string]Price{
	"gpt-4":             {PromptPerMillion: 30, CompletionPerMillion: 60},
	"gpt4-turbo":        {PromptPerMillion: 10, CompletionPerMillion: 30},
	"gpt-4-turbo":       {PromptPerMillion: 10, CompletionPerMillion: 30},
	"gpt-4o":            {PromptPerMillion: 2.5, CompletionPerMillion: 10},
	"gpt-4o-mini":       {PromptPerMillion: 0.15, CompletionPerMillion: 0.6},
	"gpt-35":            {PromptPerMillion: 0.5, CompletionPerMillion: 1.5},
	"gpt-3.5":           {PromptPerMillion: 0.5, CompletionPerMillion: 1.5},
	"claude-3-5-haiku":  {PromptPerMillion: 0.8, CompletionPerMillion: 4},
	"claude-sonnet-4":   {PromptPerMillion: 3, CompletionPerMillion: 15},
	"claude-3-5-sonnet": {PromptPerMillion: 3, CompletionPerMillion: 15},
	"claude-opus-4":     {PromptPerMillion: 15, CompletionPerMillion: 75},
}

// LookupPrice returns the price for a model, false when the model is unpriced
// (local and self-hosted models)
func LookupPrice(model string) (Price, bool) {
	model = strings.ToLower(model)
	best := ""
	for prefix := range prices {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Price{}, false
	}
	return prices[best], true
}

// Cost estimates the USD cost of a usage for a model
func Cost(model string, u TokenUsage) (float64, bool) {
	p, ok := LookupPrice(model)
	if !ok {
		return 0, false
	}
	return float64(u.PromptTokens)/1_000_000*p.PromptPerMillion +
		float64(u.CompletionTokens)/1_000_000*p.CompletionPerMillion, true
}
