package providers

import ort "github.com/yalue/onnxruntime_go"

const (
	// CPUProviderBackend runs on the default onnxruntime CPU provider.
	CPUProviderBackend ProviderBackend = "cpu"
)

// CPUOptions contains arguments for the CPU provider. The CPU provider is
// always registered, so there is nothing to configure beyond the session's
// thread counts.
type CPUOptions struct{}

func (CPUOptions) isProviderOptions() {}

// CPUProvider represents the CPU execution provider.
type CPUProvider struct {
	options CPUOptions
}

// NewCPUProvider creates a new CPU provider.
func NewCPUProvider(options CPUOptions) *CPUProvider {
	return &CPUProvider{options: options}
}

// Backend returns CPUProviderBackend.
func (p *CPUProvider) Backend() ProviderBackend {
	return CPUProviderBackend
}

// Options returns the options of the CPU provider.
func (p *CPUProvider) Options() ProviderOptions {
	return p.options
}

// Append is a no-op.
func (p *CPUProvider) Append(*ort.SessionOptions) error {
	return nil
}
