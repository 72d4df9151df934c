// Package model loads named ONNX classifiers at startup and evaluates
// them on behalf of censor programs. Model handles are immutable after
// loading and shared across all flows and workers.
package model

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/censorlab/censorlab/pkg/config"
)

// Input and output names are fixed by the model export convention of
// the reference classifiers.
const (
	inputName  = "float_input"
	outputName = "probabilities"
)

// Model is one loaded classifier.
type Model struct {
	name    string
	session *ort.DynamicAdvancedSession
	// rows x cols of the expected input tensor. A dynamic batch
	// dimension defaults to 1.
	rows int
	cols int
	// onnxruntime sessions are not documented reentrant; evaluation is
	// cheap relative to the lock.
	mu sync.Mutex
}

// Store holds every configured model, keyed by name.
type Store struct {
	models map[string]*Model
}

// Load initializes the ONNX runtime and loads every configured model.
// Any failure is fatal at startup.
func Load(cfgs map[string]config.ModelConfig) (*Store, error) {
	store := &Store{models: make(map[string]*Model, len(cfgs))}
	if len(cfgs) == 0 {
		return store, nil
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize onnx runtime: %w", err)
		}
	}
	for name, cfg := range cfgs {
		m, err := load(name, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
		store.models[name] = m
		logrus.Infof("Loaded model %q (%dx%d) from %s", name, m.rows, m.cols, cfg.Path)
	}
	return store, nil
}

func load(name, path string) (*Model, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model: %w", err)
	}
	rows, cols := 1, 0
	found := false
	for _, info := range inputs {
		if info.Name != inputName {
			continue
		}
		found = true
		dims := info.Dimensions
		if len(dims) != 2 {
			return nil, fmt.Errorf("input %s has %d dimensions, want 2", inputName, len(dims))
		}
		if dims[0] > 0 {
			rows = int(dims[0])
		}
		if dims[1] > 0 {
			cols = int(dims[1])
		}
	}
	if !found {
		return nil, fmt.Errorf("could not find input named %s", inputName)
	}
	if cols <= 0 {
		return nil, fmt.Errorf("input %s has a dynamic feature dimension", inputName)
	}
	haveOutput := false
	for _, info := range outputs {
		if info.Name == outputName {
			haveOutput = true
		}
	}
	if !haveOutput {
		return nil, fmt.Errorf("could not find output named %s", outputName)
	}
	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputName}, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &Model{name: name, session: session, rows: rows, cols: cols}, nil
}

// Evaluate runs the named model on a flat feature vector and returns
// the probability output as a flat vector. A missing model or a length
// mismatch is a script-visible error.
func (s *Store) Evaluate(name string, input []float32) ([]float32, error) {
	m, ok := s.models[name]
	if !ok {
		return nil, fmt.Errorf("no model named %q", name)
	}
	return m.Evaluate(input)
}

// Has reports whether a model with the given name is loaded.
func (s *Store) Has(name string) bool {
	_, ok := s.models[name]
	return ok
}

// Len returns the number of loaded models.
func (s *Store) Len() int {
	return len(s.models)
}

func (m *Model) Evaluate(input []float32) ([]float32, error) {
	if err := CheckInputLen(len(input), m.rows, m.cols); err != nil {
		return nil, err
	}
	tensor, err := ort.NewTensor(ort.NewShape(int64(m.rows), int64(m.cols)), input)
	if err != nil {
		return nil, fmt.Errorf("failed to build input tensor: %w", err)
	}
	defer tensor.Destroy()

	m.mu.Lock()
	defer m.mu.Unlock()
	outputs := []ort.Value{nil}
	if err := m.session.Run([]ort.Value{tensor}, outputs); err != nil {
		return nil, fmt.Errorf("failed to run model: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		outputs[0].Destroy()
		return nil, fmt.Errorf("output %s is not a float tensor", outputName)
	}
	defer out.Destroy()
	return append([]float32(nil), out.GetData()...), nil
}

// CheckInputLen validates a flat input vector against the configured
// rows x cols shape.
func CheckInputLen(n, rows, cols int) error {
	if n != rows*cols {
		return fmt.Errorf("input has %d values, model expects %d (%dx%d)", n, rows*cols, rows, cols)
	}
	return nil
}

// Close releases every session. Only called at shutdown.
func (s *Store) Close() {
	for _, m := range s.models {
		m.session.Destroy()
	}
}
