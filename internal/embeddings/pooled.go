package embeddings

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raaihank/llm-embedder/internal/tokenizer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	pooledBackendName = string(PooledBackendType)

	// maxClaimRetries bounds the slot scan retries of a permit holder
	maxClaimRetries = 5
)

var errAllSlotsBusy = errors.New("all session slots busy")

// poolSlot pairs a session with the lock that owns it
type poolSlot struct {
	mu      sync.Mutex
	session Session
}

// PooledBackend spreads requests over a fixed pool of sessions.
//
// A weighted semaphore sized to the pool admits at most N callers; each
// admitted caller then claims a free slot with TryLock. Permits are acquired
// before slot locks and released after them, so running evaluations never
// outnumber issued permits.
type PooledBackend struct {
	cfg      EngineConfig
	tok      tokenizer.Tokenizer
	chunker  tokenizer.Tokenizer
	slots    []*poolSlot
	gate     *semaphore.Weighted
	deps     BackendDeps
	threads  int
	inFlight atomic.Int64
	closed   atomic.Bool

	newBackOff func() backoff.BackOff
}

// NewPooledBackend opens PoolSizeFor(cfg.Provider) sessions on the model.
// tok produces model inputs; chunker is the no-padding tokenizer returned by
// Tokenizer.
func NewPooledBackend(cfg EngineConfig, tok, chunker tokenizer.Tokenizer, opener SessionOpener, deps BackendDeps) (*PooledBackend, error) {
	return newPooledBackend(cfg, PoolSizeFor(cfg.Provider), tok, chunker, opener, deps)
}

func newPooledBackend(cfg EngineConfig, size int, tok, chunker tokenizer.Tokenizer, opener SessionOpener, deps BackendDeps) (*PooledBackend, error) {
	deps = deps.withDefaults()
	if tok == nil {
		return nil, fmt.Errorf("%w: tokenizer is required", ErrConfigError)
	}
	if chunker == nil {
		chunker = tok
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: pool size must be positive, got %d", ErrConfigError, size)
	}

	threads := resolveThreads(cfg.Threads)
	modelPath := filepath.Join(cfg.ModelDir, cfg.ModelFile)
	opts := SessionOptions{
		IntraOpThreads:    threads,
		Provider:          cfg.Provider,
		SharedLibraryPath: cfg.SharedLibraryPath,
	}

	slots := make([]*poolSlot, 0, size)
	for i := 0; i < size; i++ {
		session, err := opener.Open(modelPath, opts)
		if err != nil {
			for _, s := range slots {
				_ = s.session.Destroy()
			}
			return nil, fmt.Errorf("failed to open session %d of %d: %w", i+1, size, err)
		}
		slots = append(slots, &poolSlot{session: session})
	}

	deps.Logger.Info("Pooled embedding backend ready",
		zap.String("model", modelPath),
		zap.String("provider", string(cfg.Provider)),
		zap.Int("pool_size", size),
		zap.Int("threads", threads),
		zap.Int("dimensions", cfg.Dimensions))

	return &PooledBackend{
		cfg:        cfg,
		tok:        tok,
		chunker:    chunker,
		slots:      slots,
		gate:       semaphore.NewWeighted(int64(size)),
		deps:       deps,
		threads:    threads,
		newBackOff: defaultClaimBackOff,
	}, nil
}

func defaultClaimBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = time.Second
	return b
}

// Embed returns the embedding of a single text
func (b *PooledBackend) Embed(ctx context.Context, text string) (Embedding, error) {
	start := time.Now()
	ctx, span := tracer().Start(ctx, "embeddings.pooled.Embed")

	var vec Embedding
	enc, err := b.tok.Encode(text)
	if err != nil {
		err = tokenizationError(-1, err)
	} else {
		var vecs []Embedding
		if vecs, err = b.evaluate(ctx, []*tokenizer.Encoding{enc}); err == nil {
			vec = vecs[0]
		}
	}

	b.deps.Metrics.ObserveEmbed(pooledBackendName, "embed", err, time.Since(start))
	endSpan(span, err)
	return vec, err
}

// BatchEmbed evaluates all texts in one run on one session. Sequences keep
// their own length; the batch is padded with a zero attention mask.
func (b *PooledBackend) BatchEmbed(ctx context.Context, texts []string) ([]Embedding, error) {
	if len(texts) == 0 {
		return []Embedding{}, nil
	}

	start := time.Now()
	ctx, span := tracer().Start(ctx, "embeddings.pooled.BatchEmbed",
		trace.WithAttributes(attribute.Int("embedder.batch_size", len(texts))))

	vecs, err := b.batchEmbed(ctx, texts)

	b.deps.Metrics.ObserveEmbed(pooledBackendName, "batch_embed", err, time.Since(start))
	endSpan(span, err)
	return vecs, err
}

func (b *PooledBackend) batchEmbed(ctx context.Context, texts []string) ([]Embedding, error) {
	encs := make([]*tokenizer.Encoding, len(texts))
	for i, text := range texts {
		enc, err := b.tok.Encode(text)
		if err != nil {
			return nil, tokenizationError(i, err)
		}
		encs[i] = enc
	}
	return b.evaluate(ctx, encs)
}

// evaluate runs one batch on a pooled session and splits the result
func (b *PooledBackend) evaluate(ctx context.Context, encs []*tokenizer.Encoding) ([]Embedding, error) {
	in, err := NewInputTensors(encs)
	if err != nil {
		return nil, err
	}

	var flat []float32
	err = b.withSession(ctx, func(s Session) error {
		out, err := s.Run(in)
		if err != nil {
			return asInferenceError(err)
		}
		flat, err = PoolOutput(out, in, b.cfg.Dimensions)
		return err
	})
	if err != nil {
		return nil, err
	}

	vecs, err := SplitFlat(flat, b.cfg.Dimensions)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(encs) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrTensorShape, len(vecs), len(encs))
	}
	if err := applyNaNPolicy(vecs, b.cfg.NaNPolicy, pooledBackendName, b.deps); err != nil {
		return nil, err
	}
	return vecs, nil
}

// withSession admits the caller, claims a free slot and runs fn on its
// session. The slot is unlocked before the permit is released.
func (b *PooledBackend) withSession(ctx context.Context, fn func(Session) error) error {
	if b.closed.Load() {
		return fmt.Errorf("%w: backend closed", ErrModelNotLoaded)
	}

	if err := b.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for admission: %w", ErrTimeoutError, err)
	}
	b.deps.Metrics.AddPermits(pooledBackendName, 1)
	defer func() {
		b.gate.Release(1)
		b.deps.Metrics.AddPermits(pooledBackendName, -1)
	}()

	slot, err := b.claimSlot(ctx)
	if err != nil {
		return err
	}
	defer slot.mu.Unlock()

	if slot.session == nil {
		return fmt.Errorf("%w: backend closed", ErrModelNotLoaded)
	}

	b.inFlight.Add(1)
	b.deps.Metrics.AddInFlight(pooledBackendName, 1)
	defer func() {
		b.inFlight.Add(-1)
		b.deps.Metrics.AddInFlight(pooledBackendName, -1)
	}()

	return fn(slot.session)
}

// claimSlot returns the first slot whose lock is free, retrying with bounded
// backoff. A permit holder finding every slot busy means something holds a
// slot outside the gate; that is reported as ErrPoolExhausted.
func (b *PooledBackend) claimSlot(ctx context.Context) (*poolSlot, error) {
	var claimed *poolSlot
	scan := func() error {
		for _, s := range b.slots {
			if s.mu.TryLock() {
				claimed = s
				return nil
			}
		}
		b.deps.Metrics.IncPoolRetry(pooledBackendName)
		return errAllSlotsBusy
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), maxClaimRetries), ctx)
	if err := backoff.Retry(scan, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: claiming session slot: %w", ErrTimeoutError, ctxErr)
		}
		b.deps.Metrics.IncPoolFault(pooledBackendName)
		b.deps.Logger.Error("Admitted request found no free session slot",
			zap.Int("pool_size", len(b.slots)),
			zap.Int64("in_flight", b.inFlight.Load()),
			zap.Int("retries", maxClaimRetries))
		return nil, fmt.Errorf("%w: %d slots busy after %d retries", ErrPoolExhausted, len(b.slots), maxClaimRetries)
	}
	return claimed, nil
}

// Tokenizer returns the chunking tokenizer (no padding, no truncation)
func (b *PooledBackend) Tokenizer() tokenizer.Tokenizer {
	return b.chunker
}

// Dimensions returns the embedding length
func (b *PooledBackend) Dimensions() int {
	return b.cfg.Dimensions
}

// PoolSize returns the number of sessions
func (b *PooledBackend) PoolSize() int {
	return len(b.slots)
}

// InFlight returns the number of evaluations currently running
func (b *PooledBackend) InFlight() int {
	return int(b.inFlight.Load())
}

// Info describes the backend
func (b *PooledBackend) Info() BackendInfo {
	return BackendInfo{
		Backend:    PooledBackendType,
		Provider:   b.cfg.Provider,
		Dimensions: b.cfg.Dimensions,
		PoolSize:   len(b.slots),
		Threads:    b.threads,
	}
}

// Close waits for running evaluations and destroys every session. Calls made
// after Close fail with ErrModelNotLoaded.
func (b *PooledBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	size := int64(len(b.slots))
	if err := b.gate.Acquire(context.Background(), size); err != nil {
		return err
	}
	defer b.gate.Release(size)

	var errs []error
	for i, s := range b.slots {
		s.mu.Lock()
		if s.session != nil {
			if err := s.session.Destroy(); err != nil {
				errs = append(errs, fmt.Errorf("session %d: %w", i, err))
			}
			s.session = nil
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}
