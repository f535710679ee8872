// Package providers - onnxruntime sessions and their execution providers.
package providers

import (
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ProviderBackend names an onnxruntime execution provider.
type ProviderBackend string

// ProviderOptions is a marker interface for provider-specific config.
type ProviderOptions interface {
	isProviderOptions()
}

// ExecutionProvider represents the contract that all execution providers must implement.
type ExecutionProvider interface {
	Backend() ProviderBackend
	Options() ProviderOptions
	// Append registers the provider on the session options.
	Append(options *ort.SessionOptions) error
}

// Backends lists the supported backends.
var Backends = []ProviderBackend{
	CPUProviderBackend,
	CUDAProviderBackend,
	CoreMLProviderBackend,
	OpenVINOProviderBackend,
}

// NewProvider creates a new provider based on the type of options.
//
// Arguments:
//   - options: The options for the provider.
//
// Returns:
//   - ExecutionProvider: The new provider.
//   - error: An error if the options type is unknown.
func NewProvider(options ProviderOptions) (ExecutionProvider, error) {
	switch opts := options.(type) {
	case CPUOptions:
		return NewCPUProvider(opts), nil
	case CoreMLOptions:
		return NewCoreMLProvider(opts), nil
	case OpenVINOOptions:
		return NewOpenVINOProvider(opts), nil
	case CUDAOptions:
		return NewCUDAProvider(opts), nil
	default:
		return nil, errors.Errorf("unsupported provider options type: %T", opts)
	}
}

// ProviderConfig selects a backend and carries the options of every backend
// so it can be read from a config file.
type ProviderConfig struct {
	Backend  ProviderBackend `json:"backend"  yaml:"backend"`
	CPU      CPUOptions      `json:"cpu"      yaml:"cpu"`
	CUDA     CUDAOptions     `json:"cuda"     yaml:"cuda"`
	CoreML   CoreMLOptions   `json:"coreml"   yaml:"coreml"`
	OpenVINO OpenVINOOptions `json:"openvino" yaml:"openvino"`
}

// Provider returns the execution provider for the selected backend. An empty
// backend selects the CPU.
func (c ProviderConfig) Provider() (ExecutionProvider, error) {
	switch c.Backend {
	case CPUProviderBackend, "":
		return NewProvider(c.CPU)
	case CUDAProviderBackend:
		return NewProvider(c.CUDA)
	case CoreMLProviderBackend:
		return NewProvider(c.CoreML)
	case OpenVINOProviderBackend:
		return NewProvider(c.OpenVINO)
	default:
		return nil, errors.Errorf("no matching provider backend registered: %s", c.Backend)
	}
}
