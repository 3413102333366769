package reflexion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/raaihank/llm-reflexion/internal/usage"
)

// Confirmation is the categorical verdict of a critique
type Confirmation string

const (
	Yes Confirmation = "Yes"
	No  Confirmation = "No"
)

// Strategy selects how a rewriting is produced
type Strategy string

const (
	// StrategySimple rewrites from the detection result alone
	StrategySimple Strategy = "simple"
	// StrategyReflexion revises using feedback from earlier attempts
	StrategyReflexion Strategy = "reflexion"
)

// Item is one input record. Fields not known to the controller are kept
// verbatim and written back with the result.
type Item struct {
	Text   string
	People []string
	Label  string

	fields map[string]json.RawMessage

	// position in the source dataset, when known
	position   int
	positioned bool
}

// AtPosition records the item's 0-based record position in its dataset
func (it *Item) AtPosition(position int) *Item {
	it.position = position
	it.positioned = true
	return it
}

// Position returns the item's dataset position, or fallback when unknown
func (it *Item) Position(fallback int) int {
	if it.positioned {
		return it.position
	}
	return fallback
}

// NewItem builds an item from its three known fields
func NewItem(text string, people []string, label string) *Item {
	item := &Item{
		Text:   text,
		People: people,
		Label:  label,
		fields: map[string]json.RawMessage{},
	}
	item.fields["text"], _ = json.Marshal(text)
	item.fields["people"], _ = json.Marshal(people)
	item.fields["label"], _ = json.Marshal(label)
	return item
}

// UnmarshalJSON accepts people as a list or a single string and a label of any scalar type
func (it *Item) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	raw, ok := fields["text"]
	if !ok {
		return errors.New(`item has no "text" field`)
	}
	if err := json.Unmarshal(raw, &it.Text); err != nil {
		return fmt.Errorf("text: %w", err)
	}

	it.People = nil
	if raw, ok := fields["people"]; ok {
		people, err := decodePeople(raw)
		if err != nil {
			return fmt.Errorf("people: %w", err)
		}
		it.People = people
	}

	it.Label = ""
	if raw, ok := fields["label"]; ok {
		it.Label = decodeScalar(raw)
	}

	it.fields = fields
	return nil
}

// MarshalJSON writes the item as it was read
func (it *Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(it.Fields())
}

// Fields returns a copy of the item's raw fields
func (it *Item) Fields() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(it.fields)+3)
	for k, v := range it.fields {
		out[k] = v
	}
	if _, ok := out["text"]; !ok {
		out["text"], _ = json.Marshal(it.Text)
	}
	return out
}

func decodePeople(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, errors.New("expected a string or a list of strings")
	}
	if strings.TrimSpace(single) == "" {
		return nil, nil
	}
	return []string{single}, nil
}

// decodeScalar renders strings unquoted and any other JSON value as written
func decodeScalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	return string(trimmed)
}

// DetectionResult is computed once per item, before the first pass
type DetectionResult struct {
	SensitiveEntities []string         `json:"sensitive_entities"`
	RawResponse       string           `json:"raw_response"`
	ParseSuccess      bool             `json:"parse_success"`
	Usage             usage.TokenUsage `json:"usage"`
}

// Rewriting is one candidate text
type Rewriting struct {
	AnonymizedText string           `json:"anonymized_text"`
	RawText        string           `json:"raw_text"`
	Strategy       Strategy         `json:"strategy"`
	ParseSuccess   bool             `json:"parse_success"`
	Usage          usage.TokenUsage `json:"usage"`
}

// PrivacyJudgment reports whether a candidate still leaks. Confirmation No is the success signal.
type PrivacyJudgment struct {
	Confirmation Confirmation      `json:"confirmation"`
	Advice       string            `json:"advice"`
	Rank         int               `json:"rank"`
	Candidates   []string          `json:"candidates,omitempty"`
	ParseSuccess bool              `json:"parse_success"`
	Usage1       usage.TokenUsage  `json:"usage_1"`
	Usage2       *usage.TokenUsage `json:"usage_2,omitempty"`
	Usage3       *usage.TokenUsage `json:"usage_3,omitempty"`
}

// Violation reports whether the candidate was judged to leak
func (p *PrivacyJudgment) Violation() bool {
	return p.Confirmation == Yes
}

// TotalUsage sums the usage sub-records that are present
func (p *PrivacyJudgment) TotalUsage() usage.TokenUsage {
	total := p.Usage1
	for _, u := range []*usage.TokenUsage{p.Usage2, p.Usage3} {
		if u != nil {
			total = total.Add(*u)
		}
	}
	return total
}

// UtilityJudgment reports whether a candidate still serves its purpose. Confirmation Yes is the success signal.
type UtilityJudgment struct {
	Confirmation    Confirmation      `json:"confirmation"`
	Advice          string            `json:"advice"`
	ConfidenceScore int               `json:"confidence_score"`
	Prediction      string            `json:"prediction,omitempty"`
	ParseSuccess    bool              `json:"parse_success"`
	Usage1          *usage.TokenUsage `json:"usage_1,omitempty"`
	Usage2          *usage.TokenUsage `json:"usage_2,omitempty"`
	Usage3          *usage.TokenUsage `json:"usage_3,omitempty"`
}

// TotalUsage sums the usage sub-records that are present
func (u *UtilityJudgment) TotalUsage() usage.TokenUsage {
	var total usage.TokenUsage
	for _, sub := range []*usage.TokenUsage{u.Usage1, u.Usage2, u.Usage3} {
		if sub != nil {
			total = total.Add(*sub)
		}
	}
	return total
}

// PassingUtility is the judgment used when utility checking is disabled
func PassingUtility() *UtilityJudgment {
	return &UtilityJudgment{Confirmation: Yes, Advice: "", ParseSuccess: true}
}

// MemoryEntry is the outcome of one rewrite and its two critiques
type MemoryEntry struct {
	Rewriting *Rewriting
	Privacy   *PrivacyJudgment
	Utility   *UtilityJudgment
}

// Success holds when the rewriting parsed, nothing leaks and utility is
// preserved. An unparsed rewriting always needs another revision.
func (e MemoryEntry) Success() bool {
	if e.Rewriting == nil || !e.Rewriting.ParseSuccess {
		return false
	}
	return e.Privacy.Confirmation == No && e.Utility.Confirmation == Yes
}

// Reward is the privacy rank for a violation, else the utility confidence
func (e MemoryEntry) Reward() int {
	if e.Privacy.Violation() {
		return e.Privacy.Rank
	}
	return e.Utility.ConfidenceScore
}

// EntryKind tags a history record
type EntryKind string

const (
	KindPassBoundary EntryKind = "pass_boundary"
	KindEntry        EntryKind = "entry"
)

// HistoryRecord is one element of an item's history. Pass boundaries carry no entry.
type HistoryRecord struct {
	Kind      EntryKind
	Pass      int
	Iteration int
	Entry     *MemoryEntry
}

// RunState is the per-item state of the controller
type RunState struct {
	Pass      int
	Iteration int
	AccReward int
	Complete  bool
	Revisions int
	History   []HistoryRecord
}

func (s *RunState) startPass(pass int) {
	s.Pass = pass
	s.Iteration = 0
	s.History = append(s.History, HistoryRecord{Kind: KindPassBoundary, Pass: pass})
}

func (s *RunState) record(entry MemoryEntry) {
	s.History = append(s.History, HistoryRecord{
		Kind:      KindEntry,
		Pass:      s.Pass,
		Iteration: s.Iteration,
		Entry:     &entry,
	})
}

// Entries returns the complete entries of the history in order
func (s *RunState) Entries() []MemoryEntry {
	var out []MemoryEntry
	for _, rec := range s.History {
		if rec.Kind == KindEntry {
			out = append(out, *rec.Entry)
		}
	}
	return out
}

// Record is the terminal output for one item
type Record struct {
	Index     int
	RunID     string
	Item      *Item
	Detection *DetectionResult
	Complete  bool
	AccReward int
	Passes    int
	Revisions int
	History   []HistoryRecord
}

type historyJSON[T any] struct {
	Kind      EntryKind `json:"kind"`
	Pass      int       `json:"pass"`
	Iteration *int      `json:"iteration,omitempty"`
	Payload   *T        `json:"payload,omitempty"`
}

func projectHistory[T any](history []HistoryRecord, pick func(*MemoryEntry) *T) []historyJSON[T] {
	out := make([]historyJSON[T], 0, len(history))
	for _, rec := range history {
		h := historyJSON[T]{Kind: rec.Kind, Pass: rec.Pass}
		if rec.Kind == KindEntry {
			iteration := rec.Iteration
			h.Iteration = &iteration
			h.Payload = pick(rec.Entry)
		}
		out = append(out, h)
	}
	return out
}

// Rewritings returns every rewriting across all passes, in order
func (r *Record) Rewritings() []*Rewriting {
	var out []*Rewriting
	for _, rec := range r.History {
		if rec.Kind == KindEntry {
			out = append(out, rec.Entry.Rewriting)
		}
	}
	return out
}

// MarshalJSON merges the result fields into the item's own fields
func (r *Record) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if r.Item != nil {
		fields = r.Item.Fields()
	}

	values := map[string]interface{}{
		"item_index": r.Index,
		"rewritings": projectHistory(r.History, func(e *MemoryEntry) *Rewriting { return e.Rewriting }),
		"privacy_reflections": projectHistory(r.History, func(e *MemoryEntry) *PrivacyJudgment {
			return e.Privacy
		}),
		"utility_reflections": projectHistory(r.History, func(e *MemoryEntry) *UtilityJudgment {
			return e.Utility
		}),
		"detection_result": r.Detection,
		"complete":         r.Complete,
		"acc_reward":       r.AccReward,
		"passes":           r.Passes,
		"revisions":        r.Revisions,
	}
	if r.RunID != "" {
		values["run_id"] = r.RunID
	}

	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		fields[key] = raw
	}
	return json.Marshal(fields)
}
