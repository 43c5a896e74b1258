package ml

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Lolpotch/burai/internal/features"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/metrics"
	"github.com/Lolpotch/burai/internal/models"
)

// Scoring methods reported on a Verdict.
const (
	MethodProbability = "proba"
	MethodLabel       = "label"
)

// Gateway scores feature vectors: it checks the vector width, scales it and
// extracts the positive-class probability from the model. It is safe for
// concurrent use when the model is.
type Gateway struct {
	backend  string
	schema   *features.Schema
	scaler   *Scaler
	model    Model
	proba    ProbabilityModel
	positive string
	posIdx   int // -1 when the model has no positive-class column
	logger   *logging.Logger
}

// NewGateway wires a loaded model and scaler. When the model does not list
// the positive class among its classes, scoring falls back to hard labels.
func NewGateway(backend string, schema *features.Schema, scaler *Scaler, model Model, positive string) (*Gateway, error) {
	if schema == nil || scaler == nil || model == nil {
		return nil, errors.New("ml: gateway needs a schema, a scaler and a model")
	}
	if scaler.Len() != schema.Len() {
		return nil, fmt.Errorf("%w: scaler has %d columns, schema %d", features.ErrSchemaMismatch, scaler.Len(), schema.Len())
	}
	if positive == "" {
		positive = string(models.LabelMalicious)
	}

	g := &Gateway{
		backend:  backend,
		schema:   schema,
		scaler:   scaler,
		model:    model,
		positive: positive,
		posIdx:   -1,
		logger:   logging.MLLogger(),
	}
	if pm, ok := model.(ProbabilityModel); ok {
		for i, c := range model.Classes() {
			if c == positive {
				g.proba = pm
				g.posIdx = i
				break
			}
		}
	}
	return g, nil
}

// Backend returns the backend name.
func (g *Gateway) Backend() string {
	return g.backend
}

// PositiveClass returns the label treated as malicious.
func (g *Gateway) PositiveClass() string {
	return g.positive
}

// Score returns the positive-class probability of v. The verdict carries no
// label; thresholding belongs to the caller.
func (g *Gateway) Score(ctx context.Context, v features.Vector) (models.Verdict, error) {
	verdict := models.Verdict{IP: v.SrcIP, FeatureAt: v.Timestamp}

	if len(v.Values) != g.schema.Len() {
		return verdict, fmt.Errorf("%w: vector has %d values, want %d", features.ErrSchemaMismatch, len(v.Values), g.schema.Len())
	}
	x, err := g.scaler.Transform(v.Values)
	if err != nil {
		return verdict, err
	}

	start := time.Now()
	defer func() {
		metrics.ScoringLatency.WithLabelValues(g.backend).Observe(time.Since(start).Seconds())
	}()

	if g.proba != nil {
		probs, err := g.proba.PredictProba(ctx, x)
		switch {
		case err == nil:
			if g.posIdx >= len(probs) {
				return verdict, fmt.Errorf("ml: %d probabilities, positive class at %d", len(probs), g.posIdx)
			}
			verdict.Probability = probs[g.posIdx]
			verdict.Method = MethodProbability
			verdict.ScoredAt = time.Now()
			return verdict, nil
		case errors.Is(err, ErrNoProbabilities):
			g.logger.Debug("model returned no probabilities, using label", "ip", v.SrcIP.String())
		default:
			return verdict, err
		}
	}

	label, err := g.model.Predict(ctx, x)
	if err != nil {
		return verdict, err
	}
	if label == g.positive {
		verdict.Probability = 1
	}
	verdict.Method = MethodLabel
	verdict.ScoredAt = time.Now()
	return verdict, nil
}

// Close releases the model.
func (g *Gateway) Close() error {
	return g.model.Close()
}
