package embeddings

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// Session is one native inference context bound to a loaded model. A
// Session is not safe for concurrent use; backends guard each one with its
// own lock and never hand it out.
type Session interface {
	// Run evaluates the inputs and returns the first model output.
	Run(in *InputTensors) (*Output, error)
	// Destroy releases native resources.
	Destroy() error
}

// SessionOptions configures a new session
type SessionOptions struct {
	IntraOpThreads    int
	Provider          ExecutionProvider
	SharedLibraryPath string
}

// SessionOpener creates sessions from a model file
type SessionOpener interface {
	Open(modelPath string, opts SessionOptions) (Session, error)
}

// SessionOpenerFunc adapts a function to SessionOpener
type SessionOpenerFunc func(modelPath string, opts SessionOptions) (Session, error)

// Open calls f
func (f SessionOpenerFunc) Open(modelPath string, opts SessionOptions) (Session, error) {
	return f(modelPath, opts)
}

// resolveThreads returns the configured intra-op thread count, falling back
// to NUM_OMP_THREADS and then to 1.
func resolveThreads(configured int) int {
	if configured > 0 {
		return configured
	}
	if v := os.Getenv("NUM_OMP_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

type blockingResult[T any] struct {
	value T
	err   error
}

// runBlocking hands fn to its own goroutine and waits for either the result or
// ctx. fn keeps running to completion if ctx ends first; anything it holds
// (such as a session lock) is released by fn itself, not by the caller.
func runBlocking[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrTimeoutError, err)
	}

	done := make(chan blockingResult[T], 1)
	go func() {
		v, err := fn()
		done <- blockingResult[T]{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %w", ErrTimeoutError, ctx.Err())
	}
}
