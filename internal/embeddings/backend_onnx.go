//go:build onnx
// +build onnx

package embeddings

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// onnxOpener creates ONNX Runtime sessions
type onnxOpener struct {
	logger *zap.Logger
}

// NewONNXOpener returns a SessionOpener backed by ONNX Runtime. Requires build tag 'onnx'.
func NewONNXOpener(logger *zap.Logger) SessionOpener {
	return &onnxOpener{logger: logger}
}

func initEnvironment(sharedLibraryPath string) error {
	ortInitOnce.Do(func() {
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// Open loads the model and creates one session configured by opts
func (o *onnxOpener) Open(modelPath string, opts SessionOptions) (Session, error) {
	if err := initEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("%w: onnx runtime init: %w", ErrBackendUnavailable, err)
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect %s: %w", ErrModelNotLoaded, modelPath, err)
	}
	if len(outputsInfo) == 0 {
		return nil, fmt.Errorf("%w: model %s reports no outputs", ErrModelNotLoaded, modelPath)
	}

	inputNames := orderInputNames(inputsInfo)
	outputName := outputsInfo[0].Name

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %w", ErrModelNotLoaded, err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(resolveThreads(opts.IntraOpThreads)); err != nil {
		return nil, fmt.Errorf("%w: intra-op threads: %w", ErrConfigError, err)
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("%w: graph optimization: %w", ErrConfigError, err)
	}
	if err := appendProvider(options, opts.Provider); err != nil {
		return nil, err
	}

	sess, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputName}, options)
	if err != nil {
		return nil, fmt.Errorf("%w: create session for %s: %w", ErrModelNotLoaded, modelPath, err)
	}

	o.logger.Debug("ONNX Runtime session ready",
		zap.String("model", modelPath),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputName),
		zap.String("provider", string(opts.Provider)))

	return &onnxSession{session: sess, inputNames: inputNames}, nil
}

func appendProvider(options *ort.SessionOptions, provider ExecutionProvider) error {
	switch provider {
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("%w: cuda provider options: %w", ErrBackendUnavailable, err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("%w: cuda provider: %w", ErrBackendUnavailable, err)
		}
	case ProviderCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fmt.Errorf("%w: coreml provider: %w", ErrBackendUnavailable, err)
		}
	}
	return nil
}

// orderInputNames prefers the common transformer input order and falls back
// to the model's declared names sorted for determinism.
func orderInputNames(inputsInfo []ort.InputOutputInfo) []string {
	preferred := []string{"input_ids", "attention_mask", "token_type_ids"}
	available := map[string]string{}
	for _, ii := range inputsInfo {
		available[strings.ToLower(ii.Name)] = ii.Name
	}

	var names []string
	for _, name := range preferred {
		if raw, ok := available[name]; ok {
			names = append(names, raw)
		}
	}
	if len(names) == len(inputsInfo) {
		return names
	}

	names = names[:0]
	for _, ii := range inputsInfo {
		names = append(names, ii.Name)
	}
	sort.Strings(names)
	return names
}

type inputRole int

const (
	roleIDs inputRole = iota
	roleMask
	roleTypes
)

// roleOf maps a model input name to the tensor that feeds it
func roleOf(rawName string) (inputRole, bool) {
	name := strings.ToLower(rawName)
	switch {
	case strings.Contains(name, "attention") || strings.Contains(name, "mask"):
		return roleMask, true
	case strings.Contains(name, "token_type") || strings.Contains(name, "segment"):
		return roleTypes, true
	case name == "input" || strings.Contains(name, "ids"):
		return roleIDs, true
	}
	return 0, false
}

// onnxSession owns one DynamicAdvancedSession. Callers serialize access.
type onnxSession struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
}

func (s *onnxSession) Run(in *InputTensors) (*Output, error) {
	shape := ort.NewShape(in.Shape()...)

	ids, err := ort.NewTensor(shape, in.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: input_ids tensor: %w", ErrTensorShape, err)
	}
	defer ids.Destroy()
	mask, err := ort.NewTensor(shape, in.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("%w: attention_mask tensor: %w", ErrTensorShape, err)
	}
	defer mask.Destroy()
	types, err := ort.NewTensor(shape, in.TokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: token_type_ids tensor: %w", ErrTensorShape, err)
	}
	defer types.Destroy()

	byRole := map[inputRole]ort.Value{roleIDs: ids, roleMask: mask, roleTypes: types}
	positional := []inputRole{roleIDs, roleMask, roleTypes}
	used := map[inputRole]bool{}

	inputs := make([]ort.Value, 0, len(s.inputNames))
	for _, name := range s.inputNames {
		role, ok := roleOf(name)
		if !ok || used[role] {
			// Fall back by position: first unused of ids, mask, types
			for _, r := range positional {
				if !used[r] {
					role, ok = r, true
					break
				}
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: cannot map model input %q", ErrTensorShape, name)
		}
		used[role] = true
		inputs = append(inputs, byRole[role])
	}

	outputs := []ort.Value{nil}
	if err := s.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("%w: model returned no outputs", ErrInferenceFailed)
	}
	defer outputs[0].Destroy()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: unexpected output type (want float32 tensor)", ErrTensorShape)
	}

	data := tensor.GetData()
	out := &Output{
		Data:  make([]float32, len(data)),
		Shape: append([]int64(nil), tensor.GetShape()...),
	}
	copy(out.Data, data)
	return out, nil
}

func (s *onnxSession) Destroy() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
