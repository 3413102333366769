package reflexion

import (
	"fmt"
	"strings"
)

// MemoryScope selects which passes the memory window draws from
type MemoryScope string

const (
	// ScopePass limits the window to entries of the current pass
	ScopePass MemoryScope = "pass"
	// ScopeRun lets the window reach back into earlier passes
	ScopeRun MemoryScope = "run"
)

// Memory is the feedback composed for one revision step
type Memory struct {
	Entries  []MemoryEntry
	Feedback string
	Reward   int
}

// Window returns at most memLen of the most recent complete entries.
// Pass boundaries are skipped and never count toward the limit.
func Window(history []HistoryRecord, memLen, pass int, scope MemoryScope) []MemoryEntry {
	var entries []MemoryEntry
	for _, rec := range history {
		if rec.Kind != KindEntry || rec.Entry == nil {
			continue
		}
		if scope != ScopeRun && rec.Pass != pass {
			continue
		}
		entries = append(entries, *rec.Entry)
	}

	if memLen > 0 && len(entries) > memLen {
		entries = entries[len(entries)-memLen:]
	}
	return entries
}

// WindowReward sums the per-entry rewards over exactly the given entries
func WindowReward(entries []MemoryEntry) int {
	total := 0
	for _, e := range entries {
		total += e.Reward()
	}
	return total
}

// RenderFeedback formats the window for the next rewrite, numbering editions from 1
func RenderFeedback(entries []MemoryEntry) string {
	var b strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&b, "Edition: %d\nEditing results; %s\nPrivacy score: %d\nUtility score: %d\nReward: %d\n\n",
			i+1, e.Rewriting.AnonymizedText, e.Privacy.Rank, e.Utility.ConfidenceScore, e.Reward())
	}
	return b.String()
}

// ComposeMemory builds the scored feedback and the reward for the current revision step.
// The reward is recomputed from the window every time.
func ComposeMemory(history []HistoryRecord, memLen, pass int, scope MemoryScope) Memory {
	entries := Window(history, memLen, pass, scope)
	return Memory{
		Entries:  entries,
		Feedback: RenderFeedback(entries),
		Reward:   WindowReward(entries),
	}
}
