package embeddings

// EmbeddingDimensions is the vector length of the MiniLM/BERT models we ship with
const EmbeddingDimensions = 384

// Embedding is a fixed-length vector produced by a backend
type Embedding []float32

// BackendType selects the Embedder implementation at startup
type BackendType string

const (
	// CPUBackendType runs a single session, one request at a time
	CPUBackendType BackendType = "cpu"

	// PooledBackendType runs a fixed pool of sessions behind an admission gate
	PooledBackendType BackendType = "pooled"
)

// ExecutionProvider selects the ONNX Runtime execution provider
type ExecutionProvider string

const (
	ProviderCPU    ExecutionProvider = "cpu"
	ProviderCUDA   ExecutionProvider = "cuda"
	ProviderCoreML ExecutionProvider = "coreml"
)

// Pool sizes per execution provider. Accelerated sessions hold device memory,
// so fewer of them fit.
const (
	PoolSizeAccelerated = 3
	PoolSizeCPU         = 25
)

// PoolSizeFor returns the fixed session pool size for a provider
func PoolSizeFor(p ExecutionProvider) int {
	switch p {
	case ProviderCUDA, ProviderCoreML:
		return PoolSizeAccelerated
	default:
		return PoolSizeCPU
	}
}

// IsAccelerated reports whether the provider runs on a device other than the CPU
func (p ExecutionProvider) IsAccelerated() bool {
	return p == ProviderCUDA || p == ProviderCoreML
}

// NaNPolicy decides what happens to embeddings that contain NaN values
type NaNPolicy string

const (
	// NaNWarn logs a data-quality event and returns the vector unchanged
	NaNWarn NaNPolicy = "warn"

	// NaNReject fails the call with ErrDataQuality
	NaNReject NaNPolicy = "reject"
)

// EngineConfig contains model and backend configuration
type EngineConfig struct {
	Backend               BackendType       `yaml:"backend" mapstructure:"backend"`                                 // "cpu" or "pooled"
	ModelName             string            `yaml:"model_name" mapstructure:"model_name"`                           // "sentence-transformers/all-MiniLM-L6-v2"
	ModelDir              string            `yaml:"model_dir" mapstructure:"model_dir"`                             // "./models/all-MiniLM-L6-v2"
	ModelFile             string            `yaml:"model_file" mapstructure:"model_file"`                           // "model.onnx"
	TokenizerFile         string            `yaml:"tokenizer_file" mapstructure:"tokenizer_file"`                   // "tokenizer.json"
	ChunkingTokenizerFile string            `yaml:"chunking_tokenizer_file" mapstructure:"chunking_tokenizer_file"` // "tokenizer_chunking.json"
	Dimensions            int               `yaml:"dimensions" mapstructure:"dimensions"`                           // 384
	Threads               int               `yaml:"threads" mapstructure:"threads"`                                 // 0 = NUM_OMP_THREADS or 1
	Provider              ExecutionProvider `yaml:"provider" mapstructure:"provider"`                               // "cpu", "cuda", "coreml"
	NaNPolicy             NaNPolicy         `yaml:"nan_policy" mapstructure:"nan_policy"`                           // "warn"
	SharedLibraryPath     string            `yaml:"shared_library_path" mapstructure:"shared_library_path"`         // onnxruntime shared library
}

// DefaultEngineConfig returns the configuration used when nothing is set
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Backend:               CPUBackendType,
		ModelName:             "sentence-transformers/all-MiniLM-L6-v2",
		ModelDir:              "./models/all-MiniLM-L6-v2",
		ModelFile:             "model.onnx",
		TokenizerFile:         "tokenizer.json",
		ChunkingTokenizerFile: "tokenizer_chunking.json",
		Dimensions:            EmbeddingDimensions,
		Threads:               0,
		Provider:              ProviderCPU,
		NaNPolicy:             NaNWarn,
	}
}

// BackendInfo describes a constructed backend
type BackendInfo struct {
	Backend    BackendType       `json:"backend"`
	Provider   ExecutionProvider `json:"provider"`
	Dimensions int               `json:"dimensions"`
	PoolSize   int               `json:"pool_size"`
	Threads    int               `json:"threads"`
}
