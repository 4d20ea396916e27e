package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type collectingSink struct {
	mu     sync.Mutex
	chunks []EmbeddedChunk
	err    error
}

func (s *collectingSink) Handle(ctx context.Context, chunks []EmbeddedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (s *collectingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func fillQueue(q *EmbedQueue, n int) {
	for i := 0; i < n; i++ {
		q.Push(EmbedChunk{ID: fmt.Sprintf("chunk-%d", i), Text: fmt.Sprintf("text number %d", i)})
	}
}

func TestWorker(t *testing.T) {
	ctx := context.Background()
	deps := BackendDeps{Logger: zap.NewNop()}

	t.Run("DrainEmbedsEveryChunkOnce", func(t *testing.T) {
		q := NewEmbedQueue()
		fillQueue(q, 103)
		inner := &echoEmbedder{}
		sink := &collectingSink{}

		w := NewWorker(q, inner, sink, WorkerConfig{BatchSize: 10, Concurrency: 4}, deps)
		if err := w.Drain(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if sink.len() != 103 {
			t.Fatalf("Expected 103 embedded chunks, got %d", sink.len())
		}
		seen := make(map[string]bool)
		for _, c := range sink.chunks {
			if seen[c.Chunk.ID] {
				t.Errorf("Chunk %s embedded twice", c.Chunk.ID)
			}
			seen[c.Chunk.ID] = true
			if !vectorsEqual(c.Embedding, inner.vector(c.Chunk.Text)) {
				t.Errorf("Chunk %s paired with the wrong embedding", c.Chunk.ID)
			}
		}

		stats := w.Stats()
		if stats.Embedded != 103 || stats.Failed != 0 {
			t.Errorf("Unexpected stats: %+v", stats)
		}
		if stats.Batches < 11 {
			t.Errorf("Expected at least 11 batches, got %d", stats.Batches)
		}
		if !q.IsEmpty() {
			t.Errorf("Expected empty queue, got %d", q.Len())
		}
	})

	t.Run("FailedBatchesAreCounted", func(t *testing.T) {
		q := NewEmbedQueue()
		fillQueue(q, 5)
		sink := &collectingSink{}

		w := NewWorker(q, &echoEmbedder{err: ErrInferenceFailed}, sink, WorkerConfig{BatchSize: 2, Concurrency: 1}, deps)
		if err := w.Drain(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if sink.len() != 0 {
			t.Errorf("Expected nothing delivered, got %d", sink.len())
		}
		if stats := w.Stats(); stats.Failed != 5 || stats.Embedded != 0 {
			t.Errorf("Unexpected stats: %+v", stats)
		}
	})

	t.Run("BadChunkIsIsolated", func(t *testing.T) {
		q := NewEmbedQueue()
		fillQueue(q, 5)
		sink := &collectingSink{}
		inner := &echoEmbedder{reject: "text number 2"}

		w := NewWorker(q, inner, sink, WorkerConfig{BatchSize: 5, Concurrency: 1}, deps)
		if err := w.Drain(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if stats := w.Stats(); stats.Embedded != 4 || stats.Failed != 1 || stats.Batches != 1 {
			t.Errorf("Unexpected stats: %+v", stats)
		}
		if sink.len() != 4 {
			t.Fatalf("Expected 4 chunks delivered, got %d", sink.len())
		}
		for _, c := range sink.chunks {
			if c.Chunk.ID == "chunk-2" {
				t.Error("Expected chunk-2 to be dropped")
			}
			if len(c.Embedding) != testDims {
				t.Errorf("Expected %d dimensions for %s, got %d", testDims, c.Chunk.ID, len(c.Embedding))
			}
		}
		// one batch call plus one per chunk
		if calls := inner.batchCalls.Load(); calls != 6 {
			t.Errorf("Expected 6 embed calls, got %d", calls)
		}
	})

	t.Run("TransientFailureIsNotSplit", func(t *testing.T) {
		q := NewEmbedQueue()
		fillQueue(q, 4)
		inner := &echoEmbedder{err: ErrInferenceFailed}

		w := NewWorker(q, inner, &collectingSink{}, WorkerConfig{BatchSize: 4, Concurrency: 1}, deps)
		if err := w.Drain(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if calls := inner.batchCalls.Load(); calls != 1 {
			t.Errorf("Expected 1 embed call, got %d", calls)
		}
		if stats := w.Stats(); stats.Failed != 4 {
			t.Errorf("Expected 4 failed chunks, got %+v", stats)
		}
	})

	t.Run("SinkErrorsAreCounted", func(t *testing.T) {
		q := NewEmbedQueue()
		fillQueue(q, 4)
		sink := &collectingSink{err: errors.New("downstream unavailable")}

		w := NewWorker(q, &echoEmbedder{}, sink, WorkerConfig{BatchSize: 4, Concurrency: 1}, deps)
		if err := w.Drain(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if stats := w.Stats(); stats.Failed != 4 {
			t.Errorf("Expected 4 failed chunks, got %+v", stats)
		}
	})

	t.Run("RunPicksUpLatePushes", func(t *testing.T) {
		q := NewEmbedQueue()
		sink := &collectingSink{}
		w := NewWorker(q, &echoEmbedder{}, sink, WorkerConfig{BatchSize: 4, Concurrency: 2, PollInterval: time.Millisecond}, deps)

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- w.Run(runCtx) }()

		fillQueue(q, 9)
		deadline := time.Now().Add(5 * time.Second)
		for sink.len() < 9 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		cancel()

		if err := <-done; err != nil {
			t.Errorf("Expected clean stop, got %v", err)
		}
		if sink.len() != 9 {
			t.Errorf("Expected 9 embedded chunks, got %d", sink.len())
		}
	})

	t.Run("DrainHonoursCancellation", func(t *testing.T) {
		q := NewEmbedQueue()
		fillQueue(q, 3)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		w := NewWorker(q, &echoEmbedder{}, &collectingSink{}, WorkerConfig{}, deps)
		if err := w.Drain(cancelled); !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
		if q.Len() != 3 {
			t.Errorf("Expected queue untouched, got %d", q.Len())
		}
	})

	t.Run("RateLimited", func(t *testing.T) {
		q := NewEmbedQueue()
		fillQueue(q, 3)
		sink := &collectingSink{}

		w := NewWorker(q, &echoEmbedder{}, sink, WorkerConfig{BatchSize: 1, Concurrency: 1, RateLimit: 1000}, deps)
		if err := w.Drain(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if sink.len() != 3 {
			t.Errorf("Expected 3 embedded chunks, got %d", sink.len())
		}
	})
}
