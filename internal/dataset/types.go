package dataset

import (
	"path/filepath"
	"strings"
	"time"
)

// DataRecord is one row of a tabular (CSV or Parquet) dataset.
// People are separated by semicolons.
type DataRecord struct {
	Text   string `csv:"text" parquet:"text" json:"text"`
	People string `csv:"people" parquet:"people" json:"people"`
	Label  string `csv:"label" parquet:"label" json:"label"`
}

// LoadResult describes a loaded dataset
type LoadResult struct {
	Format       FileFormat    `json:"format"`
	TotalRecords int64         `json:"total_records"`
	Loaded       int64         `json:"loaded"`
	Invalid      int64         `json:"invalid"`
	Duration     time.Duration `json:"duration"`
	Errors       []string      `json:"errors,omitempty"`
}

// Config contains loader configuration
type Config struct {
	Format        FileFormat `yaml:"format" mapstructure:"format"`                   // auto
	ValidateData  bool       `yaml:"validate_data" mapstructure:"validate_data"`     // true
	MaxTextLength int        `yaml:"max_text_length" mapstructure:"max_text_length"` // 20000
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatAuto    FileFormat = "auto"
	FormatJSONL   FileFormat = "jsonl"
	FormatJSON    FileFormat = "json"
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV
	case ".parquet":
		return FormatParquet
	case ".json":
		return FormatJSON
	default:
		return FormatJSONL
	}
}

// splitPeople splits a semicolon separated list
func splitPeople(s string) []string {
	var people []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			people = append(people, p)
		}
	}
	return people
}
