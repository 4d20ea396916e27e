package etl

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/raaihank/llm-embedder/internal/embeddings"
)

// Pipeline reads dataset files into an EmbedQueue and drains it through a
// queue worker into a sink.
type Pipeline struct {
	queue  *embeddings.EmbedQueue
	worker *embeddings.Worker
	config Config
	logger *zap.Logger

	stats *ProcessingStats
	seen  map[[sha256.Size]byte]struct{}
	mu    sync.RWMutex
}

// NewPipeline creates a new ETL pipeline. Zero config fields take their
// defaults.
func NewPipeline(
	embedder embeddings.Embedder,
	sink embeddings.Sink,
	config Config,
	workerConfig embeddings.WorkerConfig,
	deps embeddings.BackendDeps,
) *Pipeline {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.IDColumn == "" {
		config.IDColumn = def.IDColumn
	}
	if config.TextColumn == "" {
		config.TextColumn = def.TextColumn
	}
	if config.MaxTextLength <= 0 {
		config.MaxTextLength = def.MaxTextLength
	}
	if config.ProgressReport <= 0 {
		config.ProgressReport = def.ProgressReport
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	queue := embeddings.NewEmbedQueue()
	return &Pipeline{
		queue:  queue,
		worker: embeddings.NewWorker(queue, embedder, sink, workerConfig, deps),
		config: config,
		logger: deps.Logger.With(zap.String("component", "etl")),
		stats:  &ProcessingStats{StartTime: time.Now()},
	}
}

// ProcessFile processes a dataset file (CSV, Parquet, or JSON lines)
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (result *ProcessingResult, err error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	format := DetectFileFormat(filePath)
	ctx, span := otel.Tracer("github.com/raaihank/llm-embedder/internal/etl").Start(ctx, "etl.ProcessFile")
	span.SetAttributes(attribute.String("etl.file", filePath), attribute.String("etl.format", string(format)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	p.logger.Info("Starting ETL pipeline",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize))

	start := time.Now()
	result = &ProcessingResult{}
	p.resetStats()

	source, err := openSource(format, filePath, p.config, p.logger)
	if err != nil {
		return result, err
	}
	defer source.Close()

	if err := p.processBatches(ctx, source, result); err != nil {
		return result, fmt.Errorf("%s processing failed: %w", strings.ToUpper(string(format)), err)
	}
	result.Invalid += source.malformed()
	result.Duration = time.Since(start)

	p.logger.Info("ETL pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("embedded", result.Embedded),
		zap.Int64("failed", result.Failed),
		zap.Int64("invalid", result.Invalid),
		zap.Int64("duplicates", result.Duplicates),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embed_time", result.EmbedTime))

	return result, nil
}

// processBatches reads a batch, queues its chunks and drains the queue,
// until the source is exhausted.
func (p *Pipeline) processBatches(ctx context.Context, source recordSource, result *ProcessingResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		readStart := time.Now()
		batch, err := source.read(p.config.BatchSize)
		result.ReadTime += time.Since(readStart)
		if err != nil {
			return fmt.Errorf("failed to read batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		result.TotalRecords += int64(len(batch))

		queued := p.enqueue(batch, result)
		p.logger.Debug("Batch queued", zap.Int("records", len(batch)), zap.Int("queued", queued))
		if queued == 0 {
			p.updateStats(int64(len(batch)), 0, 0, 0)
			continue
		}

		before := p.worker.Stats()
		embedStart := time.Now()
		if err := p.worker.Drain(ctx); err != nil {
			return err
		}
		result.EmbedTime += time.Since(embedStart)

		after := p.worker.Stats()
		embedded := after.Embedded - before.Embedded
		failed := after.Failed - before.Failed
		result.Embedded += embedded
		result.Failed += failed
		if failed > 0 {
			result.Errors = append(result.Errors,
				fmt.Sprintf("%d of %d chunks failed in batch ending at record %d", failed, queued, result.TotalRecords))
		}

		p.updateStats(int64(len(batch)), int64(queued), embedded, failed)
		if result.TotalRecords/int64(p.config.ProgressReport) != (result.TotalRecords-int64(len(batch)))/int64(p.config.ProgressReport) {
			p.reportProgress(result)
		}
	}
}

// enqueue validates records and pushes the survivors to the queue
func (p *Pipeline) enqueue(batch []*Record, result *ProcessingResult) int {
	queued := 0
	for _, record := range batch {
		if !p.validateRecord(record) {
			result.Invalid++
			continue
		}
		if p.config.SkipDuplicates && p.isDuplicate(record.Text) {
			result.Duplicates++
			continue
		}

		chunk, err := embeddings.NewEmbedChunk(record.Text, record.Fields)
		if err != nil {
			p.logger.Warn("Invalid record payload", zap.String("id", record.ID), zap.Error(err))
			result.Invalid++
			continue
		}
		if record.ID != "" {
			chunk.ID = record.ID
		}
		p.queue.Push(chunk)
		queued++
	}
	return queued
}

// validateRecord validates a data record
func (p *Pipeline) validateRecord(record *Record) bool {
	if !p.config.ValidateData {
		return record.Text != ""
	}

	if strings.TrimSpace(record.Text) == "" {
		p.logger.Debug("Invalid record: empty text", zap.String("id", record.ID))
		return false
	}

	if len(record.Text) > p.config.MaxTextLength {
		p.logger.Debug("Invalid record: text too long",
			zap.String("id", record.ID),
			zap.Int("length", len(record.Text)))
		return false
	}

	return true
}

func (p *Pipeline) isDuplicate(text string) bool {
	sum := sha256.Sum256([]byte(text))

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[sum]; ok {
		return true
	}
	p.seen[sum] = struct{}{}
	return false
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	stats := p.GetStats()
	p.logger.Info("Processing progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("embedded", result.Embedded),
		zap.Int64("failed", result.Failed),
		zap.Float64("rate_per_sec", stats.ProcessingRate),
		zap.Duration("elapsed", time.Since(stats.StartTime)))
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = &ProcessingStats{StartTime: time.Now()}
	p.seen = make(map[[sha256.Size]byte]struct{})
}

func (p *Pipeline) updateStats(read, valid, embedded, failed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.RecordsRead += read
	p.stats.RecordsValid += valid
	p.stats.RecordsInvalid += read - valid
	p.stats.Embedded += embedded
	p.stats.Failed += failed
	p.stats.CurrentBatch++
	if elapsed := time.Since(p.stats.StartTime).Seconds(); elapsed > 0 {
		p.stats.ProcessingRate = float64(p.stats.RecordsRead) / elapsed
	}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Create a copy
	stats := *p.stats
	return &stats
}
