package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/Lolpotch/burai/internal/features"
)

// Scaler standardizes rows as (x - mean) / scale, matching a fitted
// StandardScaler.
type Scaler struct {
	FeatureNames []string  `json:"feature_names"`
	Mean         []float64 `json:"mean"`
	Scale        []float64 `json:"scale"`
}

// LoadScaler reads a scaler exported as JSON.
func LoadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scaler: %w", err)
	}
	var s Scaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scaler: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scaler) validate() error {
	if len(s.Mean) == 0 {
		return fmt.Errorf("scaler has no features")
	}
	if len(s.Scale) != len(s.Mean) {
		return fmt.Errorf("scaler has %d means and %d scales", len(s.Mean), len(s.Scale))
	}
	if len(s.FeatureNames) != 0 && len(s.FeatureNames) != len(s.Mean) {
		return fmt.Errorf("scaler has %d names and %d means", len(s.FeatureNames), len(s.Mean))
	}
	for i := range s.Mean {
		if math.IsNaN(s.Mean[i]) || math.IsInf(s.Mean[i], 0) || math.IsNaN(s.Scale[i]) || math.IsInf(s.Scale[i], 0) {
			return fmt.Errorf("scaler column %d is not finite", i)
		}
	}
	return nil
}

// Len returns the number of columns the scaler was fitted on.
func (s *Scaler) Len() int {
	return len(s.Mean)
}

// Check verifies that the scaler was fitted on schema's columns in order.
// A scaler exported without names is checked by width only.
func (s *Scaler) Check(schema *features.Schema) error {
	if len(s.FeatureNames) == 0 {
		if s.Len() != schema.Len() {
			return fmt.Errorf("%w: scaler has %d columns, schema has %d", features.ErrSchemaMismatch, s.Len(), schema.Len())
		}
		return nil
	}
	return schema.CheckNames(s.FeatureNames)
}

// Transform returns a scaled copy of x. Zero scales are treated as 1.
func (s *Scaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("%w: row has %d columns, scaler has %d", features.ErrSchemaMismatch, len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out, nil
}
