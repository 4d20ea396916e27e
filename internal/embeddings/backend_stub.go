//go:build !onnx
// +build !onnx

package embeddings

import (
	"fmt"

	"go.uber.org/zap"
)

type unavailableOpener struct{}

// NewONNXOpener returns an opener that always fails with ErrBackendUnavailable.
// Build with the 'onnx' tag to link ONNX Runtime.
func NewONNXOpener(logger *zap.Logger) SessionOpener {
	return unavailableOpener{}
}

func (unavailableOpener) Open(modelPath string, opts SessionOptions) (Session, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags onnx to load %s", ErrBackendUnavailable, modelPath)
}
