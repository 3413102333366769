package dataset

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/reflexion"
)

// OutputLog is the append-only JSONL result log. Each record is written with a
// single write followed by a sync, so a crash leaves at most one partial line,
// which is removed the next time the log is opened.
type OutputLog struct {
	path   string
	file   *os.File
	done   map[int]bool
	count  int
	mu     sync.Mutex
	logger *zap.Logger
}

var _ reflexion.Sink = (*OutputLog)(nil)

// OpenLog opens or creates the log at path and scans it for completed items
func OpenLog(path string, logger *zap.Logger) (*OutputLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	done, count, validSize, err := scanLog(path, logger)
	if err != nil {
		return nil, err
	}

	if info, statErr := os.Stat(path); statErr == nil && info.Size() > validSize {
		logger.Warn("Truncating partial record at end of log",
			zap.String("path", path),
			zap.Int64("size", info.Size()),
			zap.Int64("valid_size", validSize))
		if err := os.Truncate(path, validSize); err != nil {
			return nil, fmt.Errorf("failed to truncate log: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	logger.Info("Output log opened",
		zap.String("path", path),
		zap.Int("records", count),
		zap.Int("completed_items", len(done)))

	return &OutputLog{
		path:   path,
		file:   file,
		done:   done,
		count:  count,
		logger: logger,
	}, nil
}

// scanLog returns the item positions present in the log, the number of
// complete lines and the byte length covered by them
func scanLog(path string, logger *zap.Logger) (map[int]bool, int, int64, error) {
	done := map[int]bool{}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return done, 0, 0, nil
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read log: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var (
		offset int64
		line   int
	)
	for {
		raw, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// raw holds a partial line without its newline, if any
			break
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("failed to read log: %w", err)
		}
		offset += int64(len(raw))

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			continue
		}

		var head struct {
			ItemIndex *int `json:"item_index"`
		}
		if err := json.Unmarshal(trimmed, &head); err != nil {
			logger.Warn("Unreadable log line", zap.Int("line", line+1), zap.Error(err))
			line++
			continue
		}
		index := line
		if head.ItemIndex != nil {
			index = *head.ItemIndex
		}
		done[index] = true
		line++
	}

	return done, line, offset, nil
}

// Append writes one record durably
func (l *OutputLog) Append(_ context.Context, record *reflexion.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("log is closed")
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}

	l.done[record.Index] = true
	l.count++
	return nil
}

// Done returns a copy of the item positions already logged
func (l *OutputLog) Done() map[int]bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[int]bool, len(l.done))
	for k, v := range l.done {
		out[k] = v
	}
	return out
}

// Count returns the number of records in the log
func (l *OutputLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Path returns the log location
func (l *OutputLog) Path() string {
	return l.path
}

// Close closes the log file
func (l *OutputLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
