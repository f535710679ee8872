package providers

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-dataprep/inference"
)

// ErrClosed is returned by Invoke after Close.
var ErrClosed = errors.New("session closed")

// environment guards the process-wide onnxruntime environment.
var environment sync.Mutex

// SessionConfig describes one model session.
type SessionConfig struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// Inputs are the model input names, in the order the model declares them.
	Inputs []string `json:"inputs" yaml:"inputs"`
	// Outputs are the model output names to fetch.
	Outputs []string `json:"outputs" yaml:"outputs"`
	// Provider selects the execution provider.
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	// IntraOpThreads parallelizes work inside graph nodes. 0 lets onnxruntime decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	// InterOpThreads parallelizes independent graph nodes. 0 lets onnxruntime decide.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
	// LibraryPath overrides GetSharedLibPath.
	LibraryPath string `json:"library_path" yaml:"library_path"`
}

// Validate checks the config without touching the native library.
func (c SessionConfig) Validate() error {
	if c.ModelPath == "" {
		return errors.New("model path is required")
	}
	if _, err := os.Stat(c.ModelPath); err != nil {
		return errors.Wrapf(err, "model %s", c.ModelPath)
	}
	if len(c.Inputs) == 0 || len(c.Outputs) == 0 {
		return errors.Errorf("model %s needs input and output names", c.ModelPath)
	}
	if c.IntraOpThreads < 0 || c.InterOpThreads < 0 {
		return errors.Errorf("thread counts must not be negative: %d, %d", c.IntraOpThreads, c.InterOpThreads)
	}
	return nil
}

// Session is an onnxruntime model session. It implements inference.Invoker.
//
// Calls to Invoke are serialized.
type Session struct {
	mu       sync.Mutex
	session  *ort.DynamicAdvancedSession
	inputs   []string
	outputs  []string
	provider ProviderBackend
}

// InitializeEnvironment loads the onnxruntime shared library once per
// process. Later calls are no-ops.
//
// Arguments:
//   - libPath: The shared library, or "" for GetSharedLibPath.
//
// Returns:
//   - error: An error if the library is missing or fails to load.
func InitializeEnvironment(libPath string) error {
	environment.Lock()
	defer environment.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath == "" {
		var err error
		if libPath, err = GetSharedLibPath(); err != nil {
			return err
		}
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s, set %s", libPath, LibraryPathEnv)
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "error initializing ORT environment")
	}
	log.WithField("library", libPath).Debug("initialized onnxruntime")
	return nil
}

// NewSession creates a new onnxruntime session.
//
// Order of operations:
//  1. Config validation, before anything native is loaded.
//  2. Environment setup, once per process.
//  3. Session options: threading, graph optimization and the execution provider.
//  4. Session creation, binding the input and output names.
//
// Arguments:
//   - cfg: The session config.
//
// Returns:
//   - *Session: The session. Call Close to release it.
//   - error: An error if the session creation fails.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	provider, err := cfg.Provider.Provider()
	if err != nil {
		return nil, err
	}
	if err := InitializeEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session options")
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return nil, errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		return nil, errors.Wrap(err, "error setting inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return nil, errors.Wrap(err, "error setting graph optimization level")
	}
	if err := provider.Append(options); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, cfg.Inputs, cfg.Outputs, options)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating ORT session for %s", cfg.ModelPath)
	}

	log.WithFields(log.Fields{
		"model":    cfg.ModelPath,
		"provider": provider.Backend(),
		"inputs":   cfg.Inputs,
		"outputs":  cfg.Outputs,
	}).Info("created inference session")

	return &Session{
		session:  session,
		inputs:   append([]string(nil), cfg.Inputs...),
		outputs:  append([]string(nil), cfg.Outputs...),
		provider: provider.Backend(),
	}, nil
}

// Provider returns the backend the session runs on.
func (s *Session) Provider() ProviderBackend {
	return s.provider
}

// Invoke runs the model. Every configured input must be present; every
// configured output is returned as a float32 tensor owned by the caller.
func (s *Session) Invoke(ctx context.Context, inputs inference.Tensors) (inference.Tensors, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, ErrClosed
	}

	in := make([]ort.Value, len(s.inputs))
	defer destroyAll(in)
	for i, name := range s.inputs {
		data, err := inputs.Get(name)
		if err != nil {
			return nil, err
		}
		shape := inputs[name].Shape()
		dims := make([]int64, len(shape))
		for j, d := range shape {
			dims[j] = int64(d)
		}
		t, err := ort.NewTensor(ort.NewShape(dims...), data)
		if err != nil {
			return nil, errors.Wrapf(err, "error creating input tensor %q", name)
		}
		in[i] = t
	}

	// nil outputs are allocated by onnxruntime to the shapes the model produces.
	out := make([]ort.Value, len(s.outputs))
	defer destroyAll(out)

	start := time.Now()
	if err := s.session.Run(in, out); err != nil {
		return nil, errors.Wrap(err, "error running ORT session")
	}
	log.WithField("elapsed", time.Since(start)).Trace("ran inference session")

	result := make(inference.Tensors, len(out))
	for i, v := range out {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, errors.Errorf("output %q is %T, want a float32 tensor", s.outputs[i], v)
		}
		shape := t.GetShape()
		dims := make([]int, len(shape))
		for j, d := range shape {
			dims[j] = int(d)
		}
		data := append([]float32(nil), t.GetData()...)
		d, err := inference.NewTensor(dims, data)
		if err != nil {
			return nil, errors.Wrapf(err, "output %q", s.outputs[i])
		}
		result[s.outputs[i]] = d
	}
	return result, nil
}

// Close releases the native session. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	if err != nil {
		return errors.Wrap(err, "error destroying ORT session")
	}
	return nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}
