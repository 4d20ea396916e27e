package embeddings

import (
	"errors"
	"fmt"

	"github.com/raaihank/llm-embedder/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/raaihank/llm-embedder/internal/embeddings"

// BackendDeps carries the ambient dependencies shared by every backend
type BackendDeps struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (d BackendDeps) withDefaults() BackendDeps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// endSpan records err on span and ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("embedder.error_class", string(ClassOf(err))))
	}
	span.End()
}

// asInferenceError keeps typed errors as they are and classifies anything
// else coming out of a session as an inference failure.
func asInferenceError(err error) error {
	var ee *EmbeddingError
	if errors.As(err, &ee) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInferenceFailed, err)
}

// tokenizationError wraps a tokenizer failure for the input at index
func tokenizationError(index int, err error) error {
	if index < 0 {
		return fmt.Errorf("%w: %w", ErrTokenizationFailed, err)
	}
	return fmt.Errorf("%w: input %d: %w", ErrTokenizationFailed, index, err)
}

// applyNaNPolicy inspects every vector for NaN values. Under NaNWarn each
// affected vector is logged and counted and all vectors are returned as they
// are; under NaNReject the call fails with ErrDataQuality.
func applyNaNPolicy(vecs []Embedding, policy NaNPolicy, backend string, deps BackendDeps) error {
	var bad []int
	for i, v := range vecs {
		if HasNaN(v) {
			bad = append(bad, i)
			deps.Metrics.IncNaN(backend)
		}
	}
	if len(bad) == 0 {
		return nil
	}

	if policy == NaNReject {
		return fmt.Errorf("%w: indices %v", ErrDataQuality, bad)
	}

	for _, i := range bad {
		deps.Logger.Error("Embedding contains NaN values",
			zap.String("backend", backend),
			zap.Int("index", i),
			zap.Int("batch_size", len(vecs)))
	}
	return nil
}
