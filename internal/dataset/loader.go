// Package dataset reads input items and keeps the append-only output log.
package dataset

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/reflexion"
)

const defaultMaxTextLength = 20000

// Loader reads datasets in any supported format
type Loader struct {
	config *Config
	logger *zap.Logger
}

// NewLoader creates a loader
func NewLoader(config *Config, logger *zap.Logger) *Loader {
	if config == nil {
		config = &Config{Format: FormatAuto, ValidateData: true}
	}
	return &Loader{
		config: config,
		logger: logger,
	}
}

// Load reads every valid item of the file, in file order. Each item keeps its
// record position so rejected records do not shift later indices.
func (l *Loader) Load(ctx context.Context, filePath string) ([]*reflexion.Item, *LoadResult, error) {
	start := time.Now()

	format := l.config.Format
	if format == "" || format == FormatAuto {
		format = DetectFileFormat(filePath)
	}
	l.logger.Info("Loading dataset",
		zap.String("file", filePath),
		zap.String("format", string(format)))

	result := &LoadResult{Format: format}
	var (
		items []*reflexion.Item
		err   error
	)

	switch format {
	case FormatCSV:
		items, err = l.loadCSV(ctx, filePath, result)
	case FormatParquet:
		items, err = l.loadParquet(ctx, filePath, result)
	case FormatJSON, FormatJSONL:
		items, err = l.loadJSON(ctx, filePath, result)
	default:
		return nil, result, fmt.Errorf("unsupported file format: %s", format)
	}
	if err != nil {
		return nil, result, fmt.Errorf("%s loading failed: %w", format, err)
	}

	result.Duration = time.Since(start)
	l.logger.Info("Dataset loaded",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("loaded", result.Loaded),
		zap.Int64("invalid", result.Invalid),
		zap.Duration("duration", result.Duration))

	return items, result, nil
}

// loadCSV reads a CSV file with a header naming the text, people and label columns
func (l *Loader) loadCSV(ctx context.Context, filePath string, result *LoadResult) ([]*reflexion.Item, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	columns := map[string]int{}
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	textCol, ok := columns["text"]
	if !ok {
		return nil, fmt.Errorf("CSV header has no text column: %v", header)
	}
	l.logger.Debug("CSV header detected", zap.Strings("columns", header))

	field := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var items []*reflexion.Item
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		result.TotalRecords++
		if err != nil {
			l.reject(result, fmt.Sprintf("row %d: %v", result.TotalRecords, err))
			continue
		}
		if textCol >= len(row) {
			l.reject(result, fmt.Sprintf("row %d: missing text", result.TotalRecords))
			continue
		}

		record := &DataRecord{
			Text:   row[textCol],
			People: field(row, "people"),
			Label:  field(row, "label"),
		}
		if l.validateRecord(record.Text, result) {
			item := reflexion.NewItem(record.Text, splitPeople(record.People), record.Label)
			items = append(items, item.AtPosition(int(result.TotalRecords-1)))
		}
	}

	return items, nil
}

// loadParquet reads rows into DataRecord
func (l *Loader) loadParquet(ctx context.Context, filePath string, result *LoadResult) ([]*reflexion.Item, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	defer file.Close()

	reader := parquet.NewReader(file)
	defer reader.Close()

	var items []*reflexion.Item
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var record DataRecord
		err := reader.Read(&record)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read Parquet record %d: %w", result.TotalRecords+1, err)
		}
		result.TotalRecords++

		if l.validateRecord(record.Text, result) {
			item := reflexion.NewItem(record.Text, splitPeople(record.People), record.Label)
			items = append(items, item.AtPosition(int(result.TotalRecords-1)))
		}
	}

	return items, nil
}

// loadJSON reads either a JSON array of objects or a stream of objects (JSONL)
func (l *Loader) loadJSON(ctx context.Context, filePath string, result *LoadResult) ([]*reflexion.Item, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSON file: %w", err)
	}
	defer file.Close()

	buffered := bufio.NewReader(file)
	decoder := json.NewDecoder(buffered)

	array, err := startsWithArray(buffered)
	if err != nil {
		return nil, err
	}
	if array {
		if _, err := decoder.Token(); err != nil {
			return nil, fmt.Errorf("failed to read JSON array: %w", err)
		}
	}

	var items []*reflexion.Item
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if array && !decoder.More() {
			break
		}

		var raw json.RawMessage
		err := decoder.Decode(&raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			// the stream cannot be resynchronized after a syntax error
			return nil, fmt.Errorf("record %d: %w", result.TotalRecords+1, err)
		}
		result.TotalRecords++

		var item reflexion.Item
		if err := json.Unmarshal(raw, &item); err != nil {
			l.reject(result, fmt.Sprintf("record %d: %v", result.TotalRecords, err))
			continue
		}
		if l.validateRecord(item.Text, result) {
			items = append(items, item.AtPosition(int(result.TotalRecords-1)))
		}
	}

	return items, nil
}

// startsWithArray peeks past leading whitespace
func startsWithArray(r *bufio.Reader) (bool, error) {
	for {
		b, err := r.Peek(1)
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := r.ReadByte(); err != nil {
				return false, err
			}
		case '[':
			return true, nil
		default:
			return false, nil
		}
	}
}

// validateRecord checks the text of a record
func (l *Loader) validateRecord(text string, result *LoadResult) bool {
	if !l.config.ValidateData {
		result.Loaded++
		return true
	}

	if strings.TrimSpace(text) == "" {
		l.reject(result, fmt.Sprintf("record %d: empty text", result.TotalRecords))
		return false
	}

	maxLen := l.config.MaxTextLength
	if maxLen <= 0 {
		maxLen = defaultMaxTextLength
	}
	if len(text) > maxLen {
		l.reject(result, fmt.Sprintf("record %d: text too long (%d bytes)", result.TotalRecords, len(text)))
		return false
	}

	result.Loaded++
	return true
}

func (l *Loader) reject(result *LoadResult, msg string) {
	result.Invalid++
	result.Errors = append(result.Errors, msg)
	l.logger.Warn("Invalid record", zap.String("reason", msg))
}
