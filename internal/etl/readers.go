package etl

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
)

// recordSource yields records in batches. read returns an empty slice once
// the input is exhausted.
type recordSource interface {
	read(max int) ([]*Record, error)
	malformed() int64
	Close() error
}

func openSource(format FileFormat, path string, cfg Config, logger *zap.Logger) (recordSource, error) {
	switch format {
	case FormatCSV:
		return openCSV(path, cfg, logger)
	case FormatJSON:
		return openJSON(path, cfg, logger)
	case FormatParquet:
		return openParquet(path, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", format)
	}
}

// newRecord splits a decoded row into id, text and payload fields
func newRecord(fields map[string]any, cfg Config) *Record {
	rec := &Record{Fields: fields}
	if v, ok := fields[cfg.TextColumn]; ok && v != nil {
		if s, ok := v.(string); ok {
			rec.Text = strings.TrimSpace(s)
		} else {
			rec.Text = fmt.Sprint(v)
		}
	}
	if v, ok := fields[cfg.IDColumn]; ok && v != nil {
		rec.ID = strings.TrimSpace(fmt.Sprint(v))
	}
	delete(fields, cfg.TextColumn)
	delete(fields, cfg.IDColumn)
	return rec
}

type csvSource struct {
	file   *os.File
	reader *csv.Reader
	header []string
	cfg    Config
	logger *zap.Logger
	bad    int64
}

func openCSV(path string, cfg Config, logger *zap.Logger) (*csvSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}

	reader := csv.NewReader(file)
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if !slices.Contains(header, cfg.TextColumn) {
		file.Close()
		return nil, fmt.Errorf("CSV header has no %q column", cfg.TextColumn)
	}
	reader.FieldsPerRecord = len(header)

	logger.Info("CSV header detected", zap.Strings("columns", header))
	return &csvSource{file: file, reader: reader, header: header, cfg: cfg, logger: logger}, nil
}

func (s *csvSource) read(max int) ([]*Record, error) {
	var batch []*Record
	for len(batch) < max {
		row, err := s.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				s.logger.Warn("Failed to read CSV record", zap.Error(err))
				s.bad++
				continue
			}
			return batch, err
		}

		fields := make(map[string]any, len(row))
		for i, col := range s.header {
			fields[col] = row[i]
		}
		batch = append(batch, newRecord(fields, s.cfg))
	}
	return batch, nil
}

func (s *csvSource) malformed() int64 { return s.bad }
func (s *csvSource) Close() error     { return s.file.Close() }

// jsonSource reads one JSON object per line
type jsonSource struct {
	file    *os.File
	scanner *bufio.Scanner
	cfg     Config
	logger  *zap.Logger
	line    int64
	bad     int64
}

func openJSON(path string, cfg Config, logger *zap.Logger) (*jsonSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSON file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &jsonSource{file: file, scanner: scanner, cfg: cfg, logger: logger}, nil
}

func (s *jsonSource) read(max int) ([]*Record, error) {
	var batch []*Record
	for len(batch) < max && s.scanner.Scan() {
		s.line++
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var fields map[string]any
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			s.logger.Warn("Failed to read JSON record", zap.Int64("line", s.line), zap.Error(err))
			s.bad++
			continue
		}
		batch = append(batch, newRecord(fields, s.cfg))
	}
	return batch, s.scanner.Err()
}

func (s *jsonSource) malformed() int64 { return s.bad }
func (s *jsonSource) Close() error     { return s.file.Close() }

// parquetSource reads flat parquet files column by column name, so any
// schema with a text column works.
type parquetSource struct {
	file    *os.File
	reader  *parquet.Reader
	columns []string
	rows    []parquet.Row
	cfg     Config
}

func openParquet(path string, cfg Config, logger *zap.Logger) (*parquetSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}

	reader := parquet.NewReader(file)
	var columns []string
	for _, p := range reader.Schema().Columns() {
		columns = append(columns, strings.Join(p, "."))
	}
	if !slices.Contains(columns, cfg.TextColumn) {
		reader.Close()
		file.Close()
		return nil, fmt.Errorf("parquet schema has no %q column", cfg.TextColumn)
	}

	logger.Info("Parquet schema detected", zap.Strings("columns", columns))
	return &parquetSource{file: file, reader: reader, columns: columns, cfg: cfg}, nil
}

func (s *parquetSource) read(max int) ([]*Record, error) {
	if cap(s.rows) < max {
		s.rows = make([]parquet.Row, max)
	}
	rows := s.rows[:max]

	var batch []*Record
	for len(batch) < max {
		n, err := s.reader.ReadRows(rows[:max-len(batch)])
		for _, row := range rows[:n] {
			fields := make(map[string]any, len(s.columns))
			for _, v := range row {
				if v.IsNull() {
					continue
				}
				col := v.Column()
				if col < 0 || col >= len(s.columns) {
					continue
				}
				fields[s.columns[col]] = parquetValue(v)
			}
			batch = append(batch, newRecord(fields, s.cfg))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return batch, err
		}
		if n == 0 {
			break
		}
	}
	return batch, nil
}

func parquetValue(v parquet.Value) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return string(v.ByteArray())
	}
}

func (s *parquetSource) malformed() int64 { return 0 }

func (s *parquetSource) Close() error {
	return errors.Join(s.reader.Close(), s.file.Close())
}
