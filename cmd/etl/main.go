package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/llm-embedder/internal/app"
	"github.com/raaihank/llm-embedder/internal/config"
	"github.com/raaihank/llm-embedder/internal/embeddings"
	"github.com/raaihank/llm-embedder/internal/etl"
	"github.com/raaihank/llm-embedder/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Input dataset file (CSV, Parquet, or JSON lines)")
		outputFile = flag.String("output", "", "Output file for qdrant points (default: <input>.points.jsonl, - for stdout)")
		batchSize  = flag.Int("batch-size", 1000, "Records read per batch")
		embedBatch = flag.Int("embed-batch", 0, "Chunks per BatchEmbed call (default from config)")
		workers    = flag.Int("workers", 0, "Number of queue workers (default from config)")
		textColumn = flag.String("text-column", "text", "Column holding the text to embed")
		idColumn   = flag.String("id-column", "id", "Column holding the record id")
		keepDups   = flag.Bool("keep-duplicates", false, "Embed repeated texts again")
		dryRun     = flag.Bool("dry-run", false, "Embed but discard the output")
		clearCache = flag.Bool("clear-cache", false, "Clear the embedding cache and exit")
		showStats  = flag.Bool("stats", false, "Show backend and cache statistics and exit")
	)
	flag.Parse()

	if *inputFile == "" && !*clearCache && !*showStats {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input dataset.csv --batch-size 500\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input dataset.parquet --workers 8 --output points.jsonl\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --clear-cache\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger; stdout may carry points
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting LLM-Embedder ETL pipeline",
		zap.String("config", *configPath),
		zap.String("backend", string(cfg.Engine.Backend)))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	services, err := app.NewServices(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}

	switch {
	case *showStats:
		err = printStats(services)
	case *clearCache:
		err = clearEmbeddingCache(ctx, services, log)
	default:
		queueConfig := cfg.Queue
		if *embedBatch > 0 {
			queueConfig.BatchSize = *embedBatch
		}
		if *workers > 0 {
			queueConfig.Concurrency = *workers
		}

		etlConfig := etl.DefaultConfig()
		etlConfig.BatchSize = *batchSize
		etlConfig.TextColumn = *textColumn
		etlConfig.IDColumn = *idColumn
		etlConfig.SkipDuplicates = !*keepDups

		err = processDataset(ctx, services, etlConfig, queueConfig, *inputFile, *outputFile, *dryRun, log)
	}
	if closeErr := services.Close(); closeErr != nil {
		log.Warn("Failed to release engine resources", zap.Error(closeErr))
	}
	if err != nil {
		log.Error("ETL failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}

	log.Info("ETL pipeline completed successfully")
}

// processDataset embeds the input dataset and writes qdrant points
func processDataset(
	ctx context.Context,
	services *app.Services,
	etlConfig etl.Config,
	queueConfig embeddings.WorkerConfig,
	inputFile, outputFile string,
	dryRun bool,
	log *logger.Logger,
) error {
	if _, err := os.Stat(inputFile); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}

	var out io.Writer = io.Discard
	if !dryRun {
		switch outputFile {
		case "-":
			out = os.Stdout
		case "":
			outputFile = inputFile + ".points.jsonl"
			fallthrough
		default:
			f, err := os.Create(outputFile)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close()
			out = f
		}
	}
	sink := etl.NewPointWriter(out)

	pipeline := etl.NewPipeline(
		services.Embedder,
		sink,
		etlConfig,
		queueConfig,
		embeddings.BackendDeps{Logger: log.Logger, Metrics: services.Metrics},
	)

	result, err := pipeline.ProcessFile(ctx, inputFile)
	if flushErr := sink.Flush(); flushErr != nil && err == nil {
		err = fmt.Errorf("failed to write points: %w", flushErr)
	}
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}

	rate := 0.0
	if result.Duration > 0 {
		rate = float64(result.TotalRecords) / result.Duration.Seconds()
	}
	log.Info("Dataset processing completed",
		zap.String("file", inputFile),
		zap.String("output", outputFile),
		zap.Bool("dry_run", dryRun),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("embedded", result.Embedded),
		zap.Int64("failed", result.Failed),
		zap.Int64("invalid", result.Invalid),
		zap.Int64("duplicates", result.Duplicates),
		zap.Int64("points_written", sink.Written()),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("read_time", result.ReadTime),
		zap.Duration("embed_time", result.EmbedTime),
		zap.Float64("records_per_second", rate))

	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}
	return nil
}

// printStats displays backend and cache statistics
func printStats(services *app.Services) error {
	type infoProvider interface {
		Info() embeddings.BackendInfo
	}

	fmt.Printf("\n=== LLM-Embedder Backend ===\n")
	if ip, ok := services.Embedder.(infoProvider); ok {
		info := ip.Info()
		fmt.Printf("Backend:            %s\n", info.Backend)
		fmt.Printf("Provider:           %s\n", info.Provider)
		fmt.Printf("Pool Size:          %d\n", info.PoolSize)
		fmt.Printf("Threads:            %d\n", info.Threads)
	}
	fmt.Printf("Dimensions:         %d\n", services.Embedder.Dimensions())

	if services.Store != nil {
		stats := services.Store.Stats()
		fmt.Printf("\n=== Cache Statistics ===\n")
		fmt.Printf("Cache Hits:         %d\n", stats.Hits)
		fmt.Printf("Cache Misses:       %d\n", stats.Misses)
		fmt.Printf("Cache Errors:       %d\n", stats.Errors)
		fmt.Printf("Hit Rate:           %.1f%%\n", stats.HitRate)
	}

	if services.Metrics != nil {
		families, err := services.Metrics.Registry.Gather()
		if err != nil {
			return fmt.Errorf("failed to gather metrics: %w", err)
		}
		fmt.Printf("Metric Families:    %d\n", len(families))
	}
	return nil
}

// clearEmbeddingCache removes every cached embedding
func clearEmbeddingCache(ctx context.Context, services *app.Services, log *logger.Logger) error {
	if services.Store == nil {
		return fmt.Errorf("embedding cache is not enabled")
	}

	log.Info("Clearing embedding cache...")
	if err := services.Store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	log.Info("Embedding cache cleared")
	return nil
}
