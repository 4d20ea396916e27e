package embeddings

import (
	"context"
	"errors"
)

// ErrorClass tells callers whether retrying can help
type ErrorClass string

const (
	// ClassInput errors repeat for the same input; retry with different input.
	ClassInput ErrorClass = "input"
	// ClassTransient errors come from resource pressure; retry may succeed.
	ClassTransient ErrorClass = "transient"
	// ClassFatal errors mean the engine is misconfigured; restart required.
	ClassFatal   ErrorClass = "fatal"
	ClassUnknown ErrorClass = "unknown"
)

// EmbeddingError is the typed failure returned by the engine
type EmbeddingError struct {
	Type    string     `json:"type"`
	Message string     `json:"message"`
	Code    int        `json:"code"`
	Class   ErrorClass `json:"class"`
}

func (e *EmbeddingError) Error() string {
	return e.Message
}

// Is matches on Type so copies of a sentinel compare equal
func (e *EmbeddingError) Is(target error) bool {
	t, ok := target.(*EmbeddingError)
	return ok && t.Type == e.Type
}

// Common error types
var (
	ErrModelNotLoaded     = &EmbeddingError{Type: "model_not_loaded", Message: "model not loaded", Code: 1002, Class: ClassFatal}
	ErrInferenceFailed    = &EmbeddingError{Type: "inference_failed", Message: "inference failed", Code: 1003, Class: ClassTransient}
	ErrConfigError        = &EmbeddingError{Type: "config_error", Message: "configuration error", Code: 1005, Class: ClassFatal}
	ErrTimeoutError       = &EmbeddingError{Type: "timeout_error", Message: "operation timed out", Code: 1007, Class: ClassTransient}
	ErrTokenizationFailed = &EmbeddingError{Type: "tokenization_failed", Message: "tokenization failed", Code: 1008, Class: ClassInput}
	ErrTensorShape        = &EmbeddingError{Type: "tensor_shape", Message: "tensor shape mismatch", Code: 1011, Class: ClassInput}
	ErrPoolExhausted      = &EmbeddingError{Type: "pool_exhausted", Message: "no session available for admitted request", Code: 1012, Class: ClassTransient}
	ErrDataQuality        = &EmbeddingError{Type: "data_quality", Message: "embedding contains NaN values", Code: 1013, Class: ClassInput}
	ErrBackendUnavailable = &EmbeddingError{Type: "backend_unavailable", Message: "inference runtime not compiled in", Code: 1014, Class: ClassFatal}
)

// ClassOf returns the class of the first EmbeddingError in err's chain.
// Context cancellation and deadlines count as transient.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var ee *EmbeddingError
	if errors.As(err, &ee) {
		return ee.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassUnknown
}

// IsRetryable reports whether retrying the same call may succeed
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransient
}
