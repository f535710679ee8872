package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-dataprep/inference"
	"github.com/nvr-ai/go-dataprep/inference/providers"
)

// modelConfig is the runtime side of a run: how the networks are executed
// and what their tensors look like. It is read from the -models file.
//
//	provider:
//	  backend: cuda
//	  cuda:
//	    deviceID: 1
//	    useTF32: true
//	intra_op_threads: 4
//	detector:
//	  input: images
//	  preprocess:
//	    channel_order: chw
//	    color_mode: bgr
type modelConfig struct {
	Provider       providers.ProviderConfig `yaml:"provider"`
	IntraOpThreads int                      `yaml:"intra_op_threads"`
	InterOpThreads int                      `yaml:"inter_op_threads"`
	LibraryPath    string                   `yaml:"library_path"`
	Detector       inference.DetectorConfig `yaml:"detector"`
	Restorer       inference.RestorerConfig `yaml:"restorer"`
}

func defaultModelConfig() modelConfig {
	return modelConfig{
		Provider: providers.ProviderConfig{Backend: providers.CPUProviderBackend},
		Detector: inference.DefaultDetectorConfig(),
		Restorer: inference.DefaultRestorerConfig(),
	}
}

// loadModelConfig reads path over the defaults. An empty path returns the
// defaults.
func loadModelConfig(path string) (modelConfig, error) {
	cfg := defaultModelConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return modelConfig{}, errors.Wrapf(err, "read model config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return modelConfig{}, errors.Wrapf(err, "parse model config %s", path)
	}
	if _, err := cfg.Provider.Provider(); err != nil {
		return modelConfig{}, errors.Wrapf(err, "model config %s", path)
	}
	return cfg, nil
}

// session returns the session config of one model.
func (c modelConfig) session(modelPath string, inputs, outputs []string) providers.SessionConfig {
	return providers.SessionConfig{
		ModelPath:      modelPath,
		Inputs:         inputs,
		Outputs:        outputs,
		Provider:       c.Provider,
		IntraOpThreads: c.IntraOpThreads,
		InterOpThreads: c.InterOpThreads,
		LibraryPath:    c.LibraryPath,
	}
}
