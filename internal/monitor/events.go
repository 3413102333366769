package monitor

import "time"

// EventType represents the type of a streamed event
type EventType string

const (
	// EventTypeItemStarted is sent before an item is processed
	EventTypeItemStarted EventType = "item_started"
	// EventTypeItemCompleted is sent after an item's record was logged
	EventTypeItemCompleted EventType = "item_completed"
	// EventTypeItemSkipped is sent when an item failed and was skipped
	EventTypeItemSkipped EventType = "item_skipped"
	// EventTypeRunFinished is sent once when the run ends
	EventTypeRunFinished EventType = "run_finished"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
)

// Event represents a message sent to stream clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RunID     string      `json:"run_id,omitempty"`
}

// ItemStartedEvent announces an item
type ItemStartedEvent struct {
	ItemIndex int `json:"item_index"`
}

// ItemCompletedEvent reports the outcome of an item
type ItemCompletedEvent struct {
	ItemIndex        int    `json:"item_index"`
	Complete         bool   `json:"complete"`
	AccReward        int    `json:"acc_reward"`
	Passes           int    `json:"passes"`
	Revisions        int    `json:"revisions"`
	FinalText        string `json:"final_text,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// ItemSkippedEvent reports a failed item
type ItemSkippedEvent struct {
	ItemIndex int    `json:"item_index"`
	Error     string `json:"error"`
	Panic     bool   `json:"panic"`
}

// RunFinishedEvent summarizes the run
type RunFinishedEvent struct {
	Total            int     `json:"total"`
	Resumed          int     `json:"resumed"`
	Processed        int     `json:"processed"`
	Completed        int     `json:"completed"`
	Skipped          int     `json:"skipped"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	DurationSeconds  float64 `json:"duration_seconds"`
}

// ConnectionEvent represents stream connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	ClientIP string `json:"client_ip"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string    `json:"type"`
	Data ClientSub `json:"data"`
}

// ClientSub restricts a client to some event types
type ClientSub struct {
	Events []EventType `json:"events"`
}
