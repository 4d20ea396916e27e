package embeddings

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// WorkerConfig contains queue worker configuration
type WorkerConfig struct {
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`       // 32
	Concurrency  int           `yaml:"concurrency" mapstructure:"concurrency"`     // 4
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"` // 50ms
	RateLimit    float64       `yaml:"rate_limit" mapstructure:"rate_limit"`       // batches per second, 0 = unlimited
}

// DefaultWorkerConfig returns the worker configuration used when nothing is set
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    32,
		Concurrency:  4,
		PollInterval: 50 * time.Millisecond,
	}
}

// Sink receives embedded chunks from a worker
type Sink interface {
	Handle(ctx context.Context, chunks []EmbeddedChunk) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, chunks []EmbeddedChunk) error

// Handle calls f
func (f SinkFunc) Handle(ctx context.Context, chunks []EmbeddedChunk) error {
	return f(ctx, chunks)
}

// WorkerStats counts what a worker has processed
type WorkerStats struct {
	Batches  int64 `json:"batches"`
	Embedded int64 `json:"embedded"`
	Failed   int64 `json:"failed"`
}

// Worker drains an EmbedQueue through an Embedder into a Sink. Failed
// batches are counted and logged; their chunks are not re-queued.
type Worker struct {
	queue    *EmbedQueue
	embedder Embedder
	sink     Sink
	cfg      WorkerConfig
	limiter  *rate.Limiter
	deps     BackendDeps

	batches  atomic.Int64
	embedded atomic.Int64
	failed   atomic.Int64
}

// NewWorker creates a worker. Zero config fields take their defaults.
func NewWorker(queue *EmbedQueue, embedder Embedder, sink Sink, cfg WorkerConfig, deps BackendDeps) *Worker {
	def := DefaultWorkerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	w := &Worker{
		queue:    queue,
		embedder: embedder,
		sink:     sink,
		cfg:      cfg,
		deps:     deps.withDefaults(),
	}
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return w
}

// Run processes the queue until ctx is done, polling when it is empty
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(w.cfg.PollInterval)
			defer ticker.Stop()
			for {
				n, err := w.step(gctx)
				if err != nil {
					return nil
				}
				if n > 0 {
					continue
				}
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// Drain processes the queue until it is empty
func (w *Worker) Drain(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				n, err := w.step(gctx)
				if err != nil {
					return err
				}
				if n == 0 {
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// step embeds one batch. It returns the number of chunks popped and an error
// only when ctx ended.
func (w *Worker) step(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if w.queue.IsEmpty() {
		return 0, nil
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	batch := w.queue.PopN(w.cfg.BatchSize)
	w.deps.Metrics.SetQueueLength(w.queue.Len())
	if len(batch) == 0 {
		return 0, nil
	}
	w.batches.Add(1)

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	start := time.Now()
	vecs, err := w.embedder.BatchEmbed(ctx, texts)
	if err == nil && len(vecs) != len(batch) {
		err = fmt.Errorf("%w: got %d vectors for %d chunks", ErrTensorShape, len(vecs), len(batch))
	}
	popped := len(batch)
	if err != nil {
		if ClassOf(err) != ClassInput || len(batch) == 1 {
			w.fail(batch, "Batch embedding failed", err)
			return popped, nil
		}
		// One bad chunk fails the whole batch call; isolate it.
		w.deps.Logger.Warn("Batch rejected input, embedding chunks individually",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		batch, vecs = w.embedEach(ctx, batch)
		if len(batch) == 0 {
			return popped, nil
		}
	}

	results := make([]EmbeddedChunk, len(batch))
	for i, c := range batch {
		results[i] = EmbeddedChunk{Chunk: c, Embedding: vecs[i]}
	}
	if err := w.sink.Handle(ctx, results); err != nil {
		w.fail(batch, "Sink rejected batch", err)
		return popped, nil
	}

	w.embedded.Add(int64(len(batch)))
	w.deps.Metrics.AddWorkerChunks("ok", len(batch))
	w.deps.Logger.Debug("Batch embedded",
		zap.Int("batch_size", len(batch)),
		zap.Duration("duration", time.Since(start)))
	return popped, nil
}

// embedEach embeds chunks one at a time, failing only those that error. It
// returns the chunks that succeeded alongside their vectors.
func (w *Worker) embedEach(ctx context.Context, batch []EmbedChunk) ([]EmbedChunk, []Embedding) {
	kept := make([]EmbedChunk, 0, len(batch))
	vecs := make([]Embedding, 0, len(batch))
	for _, c := range batch {
		out, err := w.embedder.BatchEmbed(ctx, []string{c.Text})
		if err == nil && len(out) != 1 {
			err = fmt.Errorf("%w: got %d vectors for 1 chunk", ErrTensorShape, len(out))
		}
		if err != nil {
			w.fail([]EmbedChunk{c}, "Chunk embedding failed", err)
			continue
		}
		kept = append(kept, c)
		vecs = append(vecs, out[0])
	}
	return kept, vecs
}

func (w *Worker) fail(batch []EmbedChunk, msg string, err error) {
	w.failed.Add(int64(len(batch)))
	w.deps.Metrics.AddWorkerChunks("failed", len(batch))
	w.deps.Logger.Error(msg,
		zap.Int("batch_size", len(batch)),
		zap.String("first_chunk", batch[0].ID),
		zap.String("class", string(ClassOf(err))),
		zap.Error(err))
}

// Stats returns a snapshot of the worker counters
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Batches:  w.batches.Load(),
		Embedded: w.embedded.Load(),
		Failed:   w.failed.Load(),
	}
}
