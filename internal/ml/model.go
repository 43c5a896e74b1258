// Package ml scores feature vectors with a trained classifier. The
// classifier is one of several backends behind the Model interface; the
// Gateway adds input scaling and positive-class probability extraction.
package ml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Lolpotch/burai/internal/features"
	"github.com/Lolpotch/burai/internal/integrity"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/models"
)

var (
	// ErrModelUnavailable reports classifier or scaler artifacts that are
	// missing, malformed or inconsistent. It is fatal at startup.
	ErrModelUnavailable = errors.New("ml: model unavailable")

	// ErrNoProbabilities is returned by PredictProba when the backend
	// answered without class probabilities.
	ErrNoProbabilities = errors.New("ml: model returned no probabilities")
)

// Model is a trained classifier over scaled feature rows.
type Model interface {
	// Classes returns the class labels in output order.
	Classes() []string
	// Predict returns the hard label for one row.
	Predict(ctx context.Context, x []float64) (string, error)
	Close() error
}

// ProbabilityModel is a Model that also reports per-class probabilities
// aligned with Classes.
type ProbabilityModel interface {
	Model
	PredictProba(ctx context.Context, x []float64) ([]float64, error)
}

// Backend names.
const (
	BackendForest  = "forest"
	BackendONNX    = "onnx"
	BackendSidecar = "sidecar"
)

// Config selects and locates the classifier artifacts.
type Config struct {
	Backend        string
	Path           string
	ScalerPath     string
	Checksum       string
	ScalerChecksum string
	PositiveClass  string

	// ChecksumKey, when set, is a 64-digit hex key and both checksums are
	// keyed BLAKE3 digests.
	ChecksumKey string

	// Classes is the output order of ONNX probability tensors.
	Classes []string

	ONNXLibrary string
	ONNXInput   string
	ONNXOutput  string

	SidecarAddr    string
	SidecarTimeout time.Duration
}

// DefaultConfig returns a forest configuration with the stock positive
// class.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendForest,
		PositiveClass:  string(models.LabelMalicious),
		Classes:        []string{string(models.LabelBenign), string(models.LabelMalicious)},
		ONNXInput:      "float_input",
		ONNXOutput:     "probabilities",
		SidecarAddr:    "localhost:50051",
		SidecarTimeout: 2 * time.Second,
	}
}

// Load verifies and opens the configured artifacts and returns a ready
// gateway. Every failure wraps ErrModelUnavailable.
func Load(ctx context.Context, cfg Config, schema *features.Schema) (*Gateway, error) {
	logger := logging.MLLogger()
	hasher := integrity.NewBLAKE3Hasher()
	if cfg.ChecksumKey != "" {
		var err error
		if hasher, err = integrity.ParseKeyedHasher(cfg.ChecksumKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
	}

	if cfg.ScalerPath == "" {
		return nil, fmt.Errorf("%w: scaler path is required", ErrModelUnavailable)
	}
	if err := hasher.VerifyFile(cfg.ScalerPath, cfg.ScalerChecksum); err != nil {
		return nil, fmt.Errorf("%w: scaler: %v", ErrModelUnavailable, err)
	}
	scaler, err := LoadScaler(cfg.ScalerPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if err := scaler.Check(schema); err != nil {
		return nil, fmt.Errorf("%w: scaler: %v", ErrModelUnavailable, err)
	}

	if cfg.Backend != BackendSidecar {
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: model path is required", ErrModelUnavailable)
		}
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
		if err := hasher.VerifyFile(cfg.Path, cfg.Checksum); err != nil {
			return nil, fmt.Errorf("%w: model: %v", ErrModelUnavailable, err)
		}
	}

	var model Model
	switch cfg.Backend {
	case BackendForest, "":
		model, err = LoadForest(cfg.Path, schema.Len())
	case BackendONNX:
		model, err = NewONNXModel(&ONNXConfig{
			SharedLibraryPath: cfg.ONNXLibrary,
			ModelPath:         cfg.Path,
			InputName:         cfg.ONNXInput,
			OutputName:        cfg.ONNXOutput,
			NumFeatures:       schema.Len(),
			Classes:           cfg.Classes,
		})
	case BackendSidecar:
		client := NewSidecarClient(&SidecarConfig{
			Address:      cfg.SidecarAddr,
			Timeout:      cfg.SidecarTimeout,
			FeatureNames: schema.Names(),
		})
		if err = client.Connect(ctx); err != nil {
			client.Close()
		}
		model = client
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	backend := cfg.Backend
	if backend == "" {
		backend = BackendForest
	}
	g, err := NewGateway(backend, schema, scaler, model, cfg.PositiveClass)
	if err != nil {
		model.Close()
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	logger.Info("classifier loaded",
		"backend", backend,
		"classes", model.Classes(),
		"positive_class", g.positive,
		"probabilities", g.posIdx >= 0)
	return g, nil
}
