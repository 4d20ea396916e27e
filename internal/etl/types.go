package etl

import (
	"path/filepath"
	"strings"
	"time"
)

// Record is one row read from an input dataset. Fields holds every column
// other than the id and text columns.
type Record struct {
	ID     string
	Text   string
	Fields map[string]any
}

// ProcessingResult represents the result of processing a dataset
type ProcessingResult struct {
	TotalRecords int64         `json:"total_records"`
	Embedded     int64         `json:"embedded"`
	Failed       int64         `json:"failed"`
	Invalid      int64         `json:"invalid"`
	Duplicates   int64         `json:"duplicates"`
	Duration     time.Duration `json:"duration"`
	ReadTime     time.Duration `json:"read_time"`
	EmbedTime    time.Duration `json:"embed_time"`
	Errors       []string      `json:"errors,omitempty"`
}

// Config contains ETL pipeline configuration
type Config struct {
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`           // 1000 records per read batch
	IDColumn       string        `yaml:"id_column" mapstructure:"id_column"`             // "id"
	TextColumn     string        `yaml:"text_column" mapstructure:"text_column"`         // "text"
	SkipDuplicates bool          `yaml:"skip_duplicates" mapstructure:"skip_duplicates"` // true
	ValidateData   bool          `yaml:"validate_data" mapstructure:"validate_data"`     // true
	MaxTextLength  int           `yaml:"max_text_length" mapstructure:"max_text_length"` // 10000 bytes
	ProgressReport int           `yaml:"progress_report" mapstructure:"progress_report"` // 1000
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`                 // 0 = no limit
}

// DefaultConfig returns the ETL configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		BatchSize:      1000,
		IDColumn:       "id",
		TextColumn:     "text",
		SkipDuplicates: true,
		ValidateData:   true,
		MaxTextLength:  10000,
		ProgressReport: 1000,
	}
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	RecordsRead    int64     `json:"records_read"`
	RecordsValid   int64     `json:"records_valid"`
	RecordsInvalid int64     `json:"records_invalid"`
	Embedded       int64     `json:"embedded"`
	Failed         int64     `json:"failed"`
	CurrentBatch   int64     `json:"current_batch"`
	ProcessingRate float64   `json:"processing_rate"` // records per second
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV // Default to CSV
	}
}
