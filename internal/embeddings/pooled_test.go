package embeddings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/raaihank/llm-embedder/internal/metrics"
)

func newTestPooledBackend(t *testing.T, size int, opener *fakeOpener, mutate func(*EngineConfig), deps BackendDeps) *PooledBackend {
	t.Helper()
	cfg := testEngineConfig(t, PooledBackendType)
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := newPooledBackend(cfg, size, &fakeTokenizer{}, &fakeTokenizer{}, opener, deps)
	if err != nil {
		t.Fatalf("Failed to create pooled backend: %v", err)
	}
	b.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPoolSizeFor(t *testing.T) {
	if PoolSizeFor(ProviderCUDA) != 3 || PoolSizeFor(ProviderCoreML) != 3 {
		t.Error("Expected accelerated pool size 3")
	}
	if PoolSizeFor(ProviderCPU) != 25 {
		t.Error("Expected CPU pool size 25")
	}
}

func TestPooledBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("BuildsFixedPool", func(t *testing.T) {
		opener := newFakeOpener(nil)
		cfg := testEngineConfig(t, PooledBackendType)
		cfg.Provider = ProviderCUDA

		b, err := NewPooledBackend(cfg, &fakeTokenizer{}, &fakeTokenizer{}, opener, BackendDeps{})
		if err != nil {
			t.Fatalf("Failed to create pooled backend: %v", err)
		}
		defer b.Close()

		if b.PoolSize() != PoolSizeAccelerated || len(opener.sessions) != PoolSizeAccelerated {
			t.Errorf("Expected %d sessions, got %d", PoolSizeAccelerated, len(opener.sessions))
		}
		for _, o := range opener.opts {
			if o.Provider != ProviderCUDA {
				t.Errorf("Expected cuda provider, got %s", o.Provider)
			}
		}
	})

	t.Run("PartialOpenFailureCleansUp", func(t *testing.T) {
		opener := newFakeOpener(nil)
		opener.failAfter = 2
		_, err := newPooledBackend(testEngineConfig(t, PooledBackendType), 3, &fakeTokenizer{}, nil, opener, BackendDeps{})
		if !errors.Is(err, ErrModelNotLoaded) {
			t.Fatalf("Expected ErrModelNotLoaded, got %v", err)
		}
		for i, s := range opener.sessions {
			if !s.destroyed.Load() {
				t.Errorf("Expected session %d to be destroyed", i)
			}
		}
	})

	t.Run("ChunkingTokenizer", func(t *testing.T) {
		chunker := &fakeTokenizer{}
		b, err := newPooledBackend(testEngineConfig(t, PooledBackendType), 1, &fakeTokenizer{}, chunker, newFakeOpener(nil), BackendDeps{})
		if err != nil {
			t.Fatalf("Failed to create pooled backend: %v", err)
		}
		defer b.Close()

		if b.Tokenizer() != chunker {
			t.Error("Expected Tokenizer to return the chunking tokenizer")
		}
		if _, err := b.Embed(ctx, "hello"); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if chunker.calls.Load() != 0 {
			t.Error("Expected model inputs to use the model tokenizer")
		}
	})

	t.Run("BatchMatchesSingle", func(t *testing.T) {
		opener := newFakeOpener(nil)
		b := newTestPooledBackend(t, 2, opener, nil, BackendDeps{})
		texts := []string{"short", "a considerably longer input sequence", "mid length text"}

		batch, err := b.BatchEmbed(ctx, texts)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(batch) != len(texts) {
			t.Fatalf("Expected %d embeddings, got %d", len(texts), len(batch))
		}

		var runs int64
		for _, s := range opener.sessions {
			runs += s.runs.Load()
		}
		if runs != 1 {
			t.Errorf("Expected one evaluation for the whole batch, got %d", runs)
		}

		for i, text := range texts {
			single, err := b.Embed(ctx, text)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(single) != testDims {
				t.Errorf("Expected %d dimensions, got %d", testDims, len(single))
			}
			if !vectorsEqual(batch[i], single) {
				t.Errorf("Embedding %d differs between batch and single call", i)
			}
		}
	})

	t.Run("EmptyText", func(t *testing.T) {
		b := newTestPooledBackend(t, 1, newFakeOpener(nil), nil, BackendDeps{})
		if _, err := b.Embed(ctx, ""); !errors.Is(err, ErrTokenizationFailed) {
			t.Errorf("Expected ErrTokenizationFailed, got %v", err)
		}
		if _, err := b.BatchEmbed(ctx, []string{"fine", ""}); !errors.Is(err, ErrTokenizationFailed) {
			t.Errorf("Expected ErrTokenizationFailed, got %v", err)
		}
	})

	t.Run("ConcurrencyNeverExceedsPool", func(t *testing.T) {
		const size, extra = 3, 9
		tracker := &concurrencyTracker{}
		opener := newFakeOpener(func() *fakeSession {
			return &fakeSession{dims: testDims, tracker: tracker, delay: 10 * time.Millisecond}
		})
		b := newTestPooledBackend(t, size, opener, nil, BackendDeps{})

		var wg sync.WaitGroup
		errs := make(chan error, size+extra)
		for i := 0; i < size+extra; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := b.Embed(ctx, "concurrent request"); err != nil {
					errs <- err
				}
			}()
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(5 * time.Second)
	sample:
		for {
			select {
			case <-done:
				break sample
			case <-ticker.C:
				if n := b.InFlight(); n > size {
					t.Errorf("Observed %d evaluations in flight, pool size %d", n, size)
				}
			case <-deadline:
				t.Fatal("Concurrent embeds did not complete")
			}
		}

		close(errs)
		for err := range errs {
			t.Errorf("Unexpected error: %v", err)
		}
		if peak := tracker.peak.Load(); peak > size {
			t.Errorf("Expected at most %d concurrent runs, got %d", size, peak)
		}
		if b.InFlight() != 0 {
			t.Errorf("Expected nothing in flight, got %d", b.InFlight())
		}
	})

	t.Run("CancelledAdmissionLeaksNoPermit", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{}, 1)
		opener := newFakeOpener(func() *fakeSession {
			return &fakeSession{dims: testDims, started: started, release: release}
		})
		b := newTestPooledBackend(t, 1, opener, nil, BackendDeps{})

		holder := make(chan error, 1)
		go func() {
			_, err := b.Embed(ctx, "holds the only permit")
			holder <- err
		}()
		<-started

		waitCtx, cancel := context.WithCancel(ctx)
		waiter := make(chan error, 1)
		go func() {
			_, err := b.Embed(waitCtx, "waits for admission")
			waiter <- err
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()

		err := <-waiter
		if !errors.Is(err, ErrTimeoutError) || !errors.Is(err, context.Canceled) {
			t.Errorf("Expected cancelled admission, got %v", err)
		}

		close(release)
		if err := <-holder; err != nil {
			t.Fatalf("Unexpected error from permit holder: %v", err)
		}

		if !b.gate.TryAcquire(1) {
			t.Fatal("Expected the permit to be free after cancellation")
		}
		b.gate.Release(1)
	})

	t.Run("PoolExhaustionIsReported", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		m := metrics.New(metrics.Config{Namespace: "test"})
		b := newTestPooledBackend(t, 2, newFakeOpener(nil), nil, BackendDeps{Logger: zap.New(core), Metrics: m})

		// Slots held outside the gate break the permit/slot correspondence.
		for _, s := range b.slots {
			s.mu.Lock()
		}
		_, err := b.Embed(ctx, "no slot available")
		for _, s := range b.slots {
			s.mu.Unlock()
		}

		if !errors.Is(err, ErrPoolExhausted) {
			t.Fatalf("Expected ErrPoolExhausted, got %v", err)
		}
		if !IsRetryable(err) {
			t.Error("Expected pool exhaustion to be retryable")
		}
		if logs.FilterMessage("Admitted request found no free session slot").Len() != 1 {
			t.Errorf("Expected one pool fault log entry, got %d", logs.Len())
		}
		if !b.gate.TryAcquire(2) {
			t.Fatal("Expected every permit to be released after the fault")
		}
		b.gate.Release(2)

		if _, err := b.Embed(ctx, "recovered"); err != nil {
			t.Errorf("Expected recovery once slots are free, got %v", err)
		}
	})

	t.Run("NaNWarnReturnsVectors", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		b := newTestPooledBackend(t, 1, newFakeOpener(nil), nil, BackendDeps{Logger: zap.New(core)})

		texts := []string{"clean first", "broken <nan> text", "clean last"}
		vecs, err := b.BatchEmbed(ctx, texts)
		if err != nil {
			t.Fatalf("Expected NaN to be tolerated, got %v", err)
		}
		if !HasNaN(vecs[1]) {
			t.Error("Expected the contaminated vector to be returned as is")
		}
		for _, i := range []int{0, 2} {
			single, err := b.Embed(ctx, texts[i])
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if HasNaN(vecs[i]) || !vectorsEqual(vecs[i], single) {
				t.Errorf("Expected vector %d to be unaffected by its neighbour", i)
			}
		}

		entries := logs.FilterMessage("Embedding contains NaN values").All()
		if len(entries) != 1 {
			t.Fatalf("Expected 1 data-quality log entry, got %d", len(entries))
		}
		if idx := entries[0].ContextMap()["index"]; idx != int64(1) {
			t.Errorf("Expected index 1 in log entry, got %v", idx)
		}
	})

	t.Run("NaNRejectFails", func(t *testing.T) {
		b := newTestPooledBackend(t, 1, newFakeOpener(nil), func(c *EngineConfig) {
			c.NaNPolicy = NaNReject
		}, BackendDeps{})

		_, err := b.BatchEmbed(ctx, []string{"clean", "<nan>"})
		if !errors.Is(err, ErrDataQuality) {
			t.Fatalf("Expected ErrDataQuality, got %v", err)
		}
		if ClassOf(err) != ClassInput {
			t.Errorf("Expected input class, got %s", ClassOf(err))
		}
		if _, err := b.Embed(ctx, "<nan>"); !errors.Is(err, ErrDataQuality) {
			t.Errorf("Expected ErrDataQuality from Embed, got %v", err)
		}
	})

	t.Run("CloseWaitsAndRejects", func(t *testing.T) {
		opener := newFakeOpener(nil)
		b := newTestPooledBackend(t, 2, opener, nil, BackendDeps{})

		if err := b.Close(); err != nil {
			t.Fatalf("Unexpected error closing backend: %v", err)
		}
		for i, s := range opener.sessions {
			if !s.destroyed.Load() {
				t.Errorf("Expected session %d to be destroyed", i)
			}
		}
		if _, err := b.Embed(ctx, "late"); !errors.Is(err, ErrModelNotLoaded) {
			t.Errorf("Expected ErrModelNotLoaded, got %v", err)
		}
	})
}
