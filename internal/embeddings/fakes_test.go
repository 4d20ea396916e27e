package embeddings

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raaihank/llm-embedder/internal/tokenizer"
)

const (
	testDims = 16

	clsID = 101
	sepID = 102
	// nanTokenID makes fakeSession emit NaN for the sequence containing it
	nanTokenID = 7
)

// fakeTokenizer splits on whitespace and hashes each word to an id
type fakeTokenizer struct {
	calls atomic.Int64
}

func (f *fakeTokenizer) Encode(text string) (*tokenizer.Encoding, error) {
	f.calls.Add(1)
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, tokenizer.ErrEmptyInput
	}

	ids := []int64{clsID}
	for _, w := range words {
		if w == "<nan>" {
			ids = append(ids, nanTokenID)
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		ids = append(ids, 1000+int64(h.Sum32()%20000))
	}
	ids = append(ids, sepID)

	mask := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return &tokenizer.Encoding{IDs: ids, AttentionMask: mask, TypeIDs: make([]int64, len(ids))}, nil
}

func (f *fakeTokenizer) Count(text string) (int, error) {
	enc, err := f.Encode(text)
	if err != nil {
		return 0, err
	}
	return enc.Len(), nil
}

// concurrencyTracker records the peak number of concurrent runs
type concurrencyTracker struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (c *concurrencyTracker) enter() {
	n := c.current.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (c *concurrencyTracker) exit() {
	c.current.Add(-1)
}

// fakeSession returns a (batch, seq, dims) hidden state where each token's
// vector depends only on its id, so pooled results do not depend on batching.
type fakeSession struct {
	dims    int
	delay   time.Duration
	tracker *concurrencyTracker
	started chan struct{}
	release chan struct{}
	runErr  error

	runs      atomic.Int64
	destroyed atomic.Bool
}

func (s *fakeSession) Run(in *InputTensors) (*Output, error) {
	if s.destroyed.Load() {
		return nil, errors.New("session destroyed")
	}
	if s.tracker != nil {
		s.tracker.enter()
		defer s.tracker.exit()
	}
	s.runs.Add(1)
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.runErr != nil {
		return nil, s.runErr
	}

	data := make([]float32, in.Batch*in.SeqLen*s.dims)
	for pos, id := range in.InputIDs {
		for j := 0; j < s.dims; j++ {
			v := float32((id*int64(j+1))%97) / 97
			if id == nanTokenID {
				v = float32(math.NaN())
			}
			data[pos*s.dims+j] = v
		}
	}
	return &Output{Data: data, Shape: []int64{int64(in.Batch), int64(in.SeqLen), int64(s.dims)}}, nil
}

func (s *fakeSession) Destroy() error {
	s.destroyed.Store(true)
	return nil
}

// fakeOpener hands out sessions built by newSession
type fakeOpener struct {
	mu         sync.Mutex
	newSession func() *fakeSession
	sessions   []*fakeSession
	opts       []SessionOptions
	paths      []string
	failAfter  int
}

func newFakeOpener(newSession func() *fakeSession) *fakeOpener {
	if newSession == nil {
		newSession = func() *fakeSession { return &fakeSession{dims: testDims} }
	}
	return &fakeOpener{newSession: newSession, failAfter: -1}
}

func (o *fakeOpener) Open(modelPath string, opts SessionOptions) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failAfter >= 0 && len(o.sessions) >= o.failAfter {
		return nil, ErrModelNotLoaded
	}
	s := o.newSession()
	o.sessions = append(o.sessions, s)
	o.opts = append(o.opts, opts)
	o.paths = append(o.paths, modelPath)
	return s, nil
}

func testEngineConfig(t *testing.T, backend BackendType) EngineConfig {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.Backend = backend
	cfg.ModelDir = t.TempDir()
	cfg.Dimensions = testDims
	cfg.Threads = 1
	return cfg
}

func modelPathOf(cfg EngineConfig) string {
	return filepath.Join(cfg.ModelDir, cfg.ModelFile)
}

func vectorsEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// echoEmbedder embeds deterministically without a model
type echoEmbedder struct {
	tok        fakeTokenizer
	embedCalls atomic.Int64
	batchCalls atomic.Int64
	batchTexts atomic.Int64
	err        error
	// reject fails any batch containing this text with an input-class error.
	reject string
}

func (e *echoEmbedder) vector(text string) Embedding {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()
	vec := make(Embedding, testDims)
	for i := range vec {
		vec[i] = float32((seed>>uint(i%32))&0xff) / 255
	}
	return vec
}

func (e *echoEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	e.embedCalls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return e.vector(text), nil
}

func (e *echoEmbedder) BatchEmbed(ctx context.Context, texts []string) ([]Embedding, error) {
	e.batchCalls.Add(1)
	e.batchTexts.Add(int64(len(texts)))
	if e.err != nil {
		return nil, e.err
	}
	for i, t := range texts {
		if e.reject != "" && t == e.reject {
			return nil, fmt.Errorf("input %d: %w", i, ErrDataQuality)
		}
	}
	out := make([]Embedding, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *echoEmbedder) Tokenizer() tokenizer.Tokenizer { return &e.tok }

func (e *echoEmbedder) Dimensions() int { return testDims }

func (e *echoEmbedder) Close() error { return nil }
