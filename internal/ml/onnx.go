package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig holds configuration for the ONNX Runtime backend
type ONNXConfig struct {
	// SharedLibraryPath is the path to the ONNX Runtime shared library
	SharedLibraryPath string
	// ModelPath is the path to the ONNX model file
	ModelPath string
	// InputName is the float input tensor, shape [1, NumFeatures]
	InputName string
	// OutputName is the probability tensor, shape [1, len(Classes)]
	OutputName string
	// NumFeatures is the row width
	NumFeatures int
	// Classes is the class order of the probability output
	Classes []string
	// NumThreads sets the number of intra-op threads
	NumThreads int
}

// envMu guards the process-wide ONNX Runtime environment.
var envMu sync.Mutex

// ONNXModel runs a classifier exported to ONNX with a probability output
type ONNXModel struct {
	config *ONNXConfig
	mu     sync.Mutex

	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXModel initializes the runtime and creates the inference session
func NewONNXModel(config *ONNXConfig) (*ONNXModel, error) {
	if config == nil || config.ModelPath == "" {
		return nil, errors.New("onnx: model path is required")
	}
	if config.NumFeatures <= 0 || len(config.Classes) == 0 {
		return nil, errors.New("onnx: feature count and classes are required")
	}
	if config.InputName == "" || config.OutputName == "" {
		return nil, errors.New("onnx: input and output names are required")
	}

	if err := initEnvironment(config.SharedLibraryPath); err != nil {
		return nil, err
	}

	m := &ONNXModel{config: config}
	if err := m.createSession(); err != nil {
		return nil, err
	}
	return m, nil
}

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// createSession creates the ONNX session with its bound tensors
func (m *ONNXModel) createSession() error {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.config.NumFeatures)))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(m.config.Classes))))
	if err != nil {
		input.Destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if m.config.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(m.config.NumThreads); err != nil {
			input.Destroy()
			output.Destroy()
			return fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(
		m.config.ModelPath,
		[]string{m.config.InputName},
		[]string{m.config.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return fmt.Errorf("failed to create session: %w", err)
	}

	m.session = session
	m.input = input
	m.output = output
	return nil
}

// Classes returns the class order of the probability output
func (m *ONNXModel) Classes() []string {
	return m.config.Classes
}

// PredictProba runs inference on one row
func (m *ONNXModel) PredictProba(ctx context.Context, x []float64) ([]float64, error) {
	if len(x) != m.config.NumFeatures {
		return nil, fmt.Errorf("onnx: expects %d features, got %d", m.config.NumFeatures, len(x))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, errors.New("onnx: model closed")
	}

	data := m.input.GetData()
	for i, v := range x {
		data[i] = float32(v)
	}

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	// Copy output to avoid aliasing the bound tensor
	out := m.output.GetData()
	probs := make([]float64, len(out))
	for i, p := range out {
		if math.IsNaN(float64(p)) {
			return nil, errors.New("onnx: NaN probability")
		}
		probs[i] = float64(p)
	}
	return probs, nil
}

// Predict returns the most probable class
func (m *ONNXModel) Predict(ctx context.Context, x []float64) (string, error) {
	probs, err := m.PredictProba(ctx, x)
	if err != nil {
		return "", err
	}
	best := 0
	for i := range probs {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return m.config.Classes[best], nil
}

// Close releases the session. The runtime environment stays initialized
// for the life of the process.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.input.Destroy()
	m.output.Destroy()
	m.session = nil
	return err
}
