package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/raaihank/llm-embedder/internal/tokenizer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const cpuBackendName = string(CPUBackendType)

// CPUBackend runs every request on one session, one request at a time.
// Native calls are handed off through runBlocking so a waiting caller can
// give up without stalling on the session.
type CPUBackend struct {
	cfg     EngineConfig
	tok     tokenizer.Tokenizer
	threads int
	deps    BackendDeps

	// mu guards session; it is held for the whole native call.
	mu      sync.Mutex
	session Session
}

// NewCPUBackend opens a single session on cfg.ModelDir/cfg.ModelFile.
// tok is used both for model inputs and as the exposed chunking tokenizer.
func NewCPUBackend(cfg EngineConfig, tok tokenizer.Tokenizer, opener SessionOpener, deps BackendDeps) (*CPUBackend, error) {
	deps = deps.withDefaults()
	if tok == nil {
		return nil, fmt.Errorf("%w: tokenizer is required", ErrConfigError)
	}

	threads := resolveThreads(cfg.Threads)
	modelPath := filepath.Join(cfg.ModelDir, cfg.ModelFile)

	session, err := opener.Open(modelPath, SessionOptions{
		IntraOpThreads:    threads,
		Provider:          ProviderCPU,
		SharedLibraryPath: cfg.SharedLibraryPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	deps.Logger.Info("CPU embedding backend ready",
		zap.String("model", modelPath),
		zap.Int("threads", threads),
		zap.Int("dimensions", cfg.Dimensions))

	return &CPUBackend{
		cfg:     cfg,
		tok:     tok,
		threads: threads,
		deps:    deps,
		session: session,
	}, nil
}

// Embed returns the embedding of a single text
func (b *CPUBackend) Embed(ctx context.Context, text string) (Embedding, error) {
	start := time.Now()
	ctx, span := tracer().Start(ctx, "embeddings.cpu.Embed")

	vec, err := b.embed(ctx, -1, text)

	b.deps.Metrics.ObserveEmbed(cpuBackendName, "embed", err, time.Since(start))
	endSpan(span, err)
	return vec, err
}

// BatchEmbed embeds each text in turn. The first failure aborts the batch.
func (b *CPUBackend) BatchEmbed(ctx context.Context, texts []string) ([]Embedding, error) {
	start := time.Now()
	ctx, span := tracer().Start(ctx, "embeddings.cpu.BatchEmbed",
		trace.WithAttributes(attribute.Int("embedder.batch_size", len(texts))))

	out := make([]Embedding, 0, len(texts))
	var err error
	for i, text := range texts {
		var vec Embedding
		if vec, err = b.embed(ctx, i, text); err != nil {
			break
		}
		out = append(out, vec)
	}

	b.deps.Metrics.ObserveEmbed(cpuBackendName, "batch_embed", err, time.Since(start))
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *CPUBackend) embed(ctx context.Context, index int, text string) (Embedding, error) {
	enc, err := b.tok.Encode(text)
	if err != nil {
		return nil, tokenizationError(index, err)
	}

	in, err := NewInputTensors([]*tokenizer.Encoding{enc})
	if err != nil {
		return nil, err
	}

	flat, err := runBlocking(ctx, func() ([]float32, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.session == nil {
			return nil, fmt.Errorf("%w: backend closed", ErrModelNotLoaded)
		}
		// A caller that gave up while queued on the lock must not run.
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTimeoutError, err)
		}

		b.deps.Metrics.AddInFlight(cpuBackendName, 1)
		out, err := b.session.Run(in)
		b.deps.Metrics.AddInFlight(cpuBackendName, -1)
		if err != nil {
			return nil, asInferenceError(err)
		}
		return PoolOutput(out, in, b.cfg.Dimensions)
	})
	if err != nil {
		if index >= 0 {
			return nil, fmt.Errorf("input %d: %w", index, err)
		}
		return nil, err
	}

	vecs, err := SplitFlat(flat, b.cfg.Dimensions)
	if err != nil {
		return nil, err
	}
	if err := applyNaNPolicy(vecs, b.cfg.NaNPolicy, cpuBackendName, b.deps); err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Tokenizer returns the tokenizer used for model inputs
func (b *CPUBackend) Tokenizer() tokenizer.Tokenizer {
	return b.tok
}

// Dimensions returns the embedding length
func (b *CPUBackend) Dimensions() int {
	return b.cfg.Dimensions
}

// Info describes the backend
func (b *CPUBackend) Info() BackendInfo {
	return BackendInfo{
		Backend:    CPUBackendType,
		Provider:   ProviderCPU,
		Dimensions: b.cfg.Dimensions,
		PoolSize:   1,
		Threads:    b.threads,
	}
}

// Close waits for a running call and destroys the session
func (b *CPUBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	return err
}
