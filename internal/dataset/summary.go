package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LogSummary aggregates the records of an output log
type LogSummary struct {
	Path           string  `json:"path"`
	Records        int     `json:"records"`
	Completed      int     `json:"completed"`
	CompletionRate float64 `json:"completion_rate"`
	MeanReward     float64 `json:"mean_reward"`
	MeanRevisions  float64 `json:"mean_revisions"`
	Unreadable     int     `json:"unreadable"`
}

// flexBool accepts JSON booleans and the strings "True"/"False"
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected a boolean, got %s", data)
	}
	*b = flexBool(strings.EqualFold(s, "true"))
	return nil
}

// Summarize reads a log and counts successful items
func Summarize(path string) (*LogSummary, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	summary := &LogSummary{Path: path}
	var rewardSum, revisionSum float64

	reader := bufio.NewReader(file)
	for {
		raw, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 && (err == nil || errors.Is(err, io.EOF)) {
			var rec struct {
				Complete  flexBool `json:"complete"`
				AccReward float64  `json:"acc_reward"`
				Revisions float64  `json:"revisions"`
			}
			if jsonErr := json.Unmarshal(bytes.TrimSpace(raw), &rec); jsonErr != nil {
				summary.Unreadable++
			} else {
				summary.Records++
				if rec.Complete {
					summary.Completed++
				}
				rewardSum += rec.AccReward
				revisionSum += rec.Revisions
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read log: %w", err)
		}
	}

	if summary.Records > 0 {
		n := float64(summary.Records)
		summary.CompletionRate = float64(summary.Completed) / n
		summary.MeanReward = rewardSum / n
		summary.MeanRevisions = revisionSum / n
	}
	return summary, nil
}
