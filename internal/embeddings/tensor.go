package embeddings

import (
	"fmt"
	"math"

	"github.com/raaihank/llm-embedder/internal/tokenizer"
)

// InputTensors holds the three (batch, seqLen) int64 inputs of a BERT-style
// model, flattened row-major.
type InputTensors struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
	Batch         int
	SeqLen        int
}

// Shape returns the tensor shape shared by all three inputs
func (in *InputTensors) Shape() []int64 {
	return []int64{int64(in.Batch), int64(in.SeqLen)}
}

// NewInputTensors assembles tensors for a batch of encodings. Sequences
// shorter than the longest one are right-padded with id 0 and mask 0.
func NewInputTensors(encs []*tokenizer.Encoding) (*InputTensors, error) {
	if len(encs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrTensorShape)
	}

	seqLen := 0
	for i, enc := range encs {
		if enc == nil {
			return nil, fmt.Errorf("%w: sequence %d is nil", ErrTensorShape, i)
		}
		if err := enc.Validate(); err != nil {
			return nil, fmt.Errorf("%w: sequence %d: %v", ErrTensorShape, i, err)
		}
		if enc.Len() > seqLen {
			seqLen = enc.Len()
		}
	}

	batch := len(encs)
	in := &InputTensors{
		InputIDs:      make([]int64, batch*seqLen),
		AttentionMask: make([]int64, batch*seqLen),
		TokenTypeIDs:  make([]int64, batch*seqLen),
		Batch:         batch,
		SeqLen:        seqLen,
	}
	for b, enc := range encs {
		offset := b * seqLen
		copy(in.InputIDs[offset:], enc.IDs)
		copy(in.AttentionMask[offset:], enc.AttentionMask)
		copy(in.TokenTypeIDs[offset:], enc.TypeIDs)
	}
	return in, nil
}

// Output is the first model output, copied out of native memory
type Output struct {
	Data  []float32
	Shape []int64
}

// PoolOutput reduces a model output to one flat buffer of batch*dims floats.
//
// Rank-3 outputs (batch, seq, dims) are mean-pooled over the token axis using
// the attention mask, so padding never leaks into a sequence's vector. Rank-2
// outputs (batch, dims) are already pooled.
func PoolOutput(out *Output, in *InputTensors, dims int) ([]float32, error) {
	if out == nil {
		return nil, fmt.Errorf("%w: model returned no output", ErrTensorShape)
	}

	switch len(out.Shape) {
	case 2:
		if int(out.Shape[0]) != in.Batch || int(out.Shape[1]) != dims {
			return nil, fmt.Errorf("%w: output shape %v, want [%d %d]", ErrTensorShape, out.Shape, in.Batch, dims)
		}
		if len(out.Data) != in.Batch*dims {
			return nil, fmt.Errorf("%w: flat data length %d for shape %v", ErrTensorShape, len(out.Data), out.Shape)
		}
		flat := make([]float32, len(out.Data))
		copy(flat, out.Data)
		return flat, nil

	case 3:
		batch, seq, d := int(out.Shape[0]), int(out.Shape[1]), int(out.Shape[2])
		if batch != in.Batch || seq != in.SeqLen || d != dims {
			return nil, fmt.Errorf("%w: output shape %v, want [%d %d %d]", ErrTensorShape, out.Shape, in.Batch, in.SeqLen, dims)
		}
		if len(out.Data) != batch*seq*dims {
			return nil, fmt.Errorf("%w: flat data length %d for shape %v", ErrTensorShape, len(out.Data), out.Shape)
		}

		flat := make([]float32, batch*dims)
		for b := 0; b < batch; b++ {
			pooled := flat[b*dims : (b+1)*dims]
			count := 0
			for s := 0; s < seq; s++ {
				if in.AttentionMask[b*seq+s] == 0 {
					continue
				}
				count++
				offset := (b*seq + s) * dims
				for j := 0; j < dims; j++ {
					pooled[j] += out.Data[offset+j]
				}
			}
			if count == 0 {
				return nil, fmt.Errorf("%w: sequence %d has an all-zero attention mask", ErrTensorShape, b)
			}
			inv := 1.0 / float32(count)
			for j := range pooled {
				pooled[j] *= inv
			}
		}
		return flat, nil

	default:
		return nil, fmt.Errorf("%w: unsupported output rank %d (shape %v)", ErrTensorShape, len(out.Shape), out.Shape)
	}
}

// SplitFlat partitions a flat buffer into consecutive vectors of length dims
func SplitFlat(flat []float32, dims int) ([]Embedding, error) {
	if dims <= 0 || len(flat)%dims != 0 {
		return nil, fmt.Errorf("%w: cannot split %d floats into vectors of %d", ErrTensorShape, len(flat), dims)
	}
	out := make([]Embedding, 0, len(flat)/dims)
	for start := 0; start < len(flat); start += dims {
		vec := make(Embedding, dims)
		copy(vec, flat[start:start+dims])
		out = append(out, vec)
	}
	return out, nil
}

// HasNaN reports whether v contains a NaN
func HasNaN(v []float32) bool {
	for _, f := range v {
		if math.IsNaN(float64(f)) {
			return true
		}
	}
	return false
}
