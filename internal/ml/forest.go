package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Forest is a random forest classifier evaluated in pure Go from the tree
// arrays of a fitted ensemble.
type Forest struct {
	classes   []string
	nFeatures int
	trees     []tree
}

type tree struct {
	left      []int
	right     []int
	feature   []int
	threshold []float64
	value     [][]float64 // per node class distribution, normalized
}

type forestFile struct {
	Classes   []any      `json:"classes"`
	NFeatures int        `json:"n_features"`
	Trees     []treeFile `json:"trees"`
}

type treeFile struct {
	ChildrenLeft  []int       `json:"children_left"`
	ChildrenRight []int       `json:"children_right"`
	Feature       []int       `json:"feature"`
	Threshold     []float64   `json:"threshold"`
	Value         [][]float64 `json:"value"`
}

// LoadForest reads a forest exported as JSON. nFeatures is the expected row
// width; a file declaring a different width is rejected.
func LoadForest(path string, nFeatures int) (*Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read forest: %w", err)
	}
	var ff forestFile
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse forest: %w", err)
	}
	return newForest(ff, nFeatures)
}

// newForest validates a decoded forest.
func newForest(ff forestFile, nFeatures int) (*Forest, error) {
	if len(ff.Classes) == 0 {
		return nil, errors.New("forest has no classes")
	}
	if len(ff.Trees) == 0 {
		return nil, errors.New("forest has no trees")
	}
	if ff.NFeatures != 0 && ff.NFeatures != nFeatures {
		return nil, fmt.Errorf("forest expects %d features, schema has %d", ff.NFeatures, nFeatures)
	}

	f := &Forest{
		classes:   make([]string, len(ff.Classes)),
		nFeatures: nFeatures,
		trees:     make([]tree, 0, len(ff.Trees)),
	}
	for i, c := range ff.Classes {
		f.classes[i] = fmt.Sprint(c)
	}

	for i, tf := range ff.Trees {
		t, err := buildTree(tf, nFeatures, len(f.classes))
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		f.trees = append(f.trees, t)
	}
	return f, nil
}

func buildTree(tf treeFile, nFeatures, nClasses int) (tree, error) {
	n := len(tf.ChildrenLeft)
	if n == 0 {
		return tree{}, errors.New("empty tree")
	}
	if len(tf.ChildrenRight) != n || len(tf.Feature) != n || len(tf.Threshold) != n || len(tf.Value) != n {
		return tree{}, errors.New("node arrays differ in length")
	}

	t := tree{
		left:      tf.ChildrenLeft,
		right:     tf.ChildrenRight,
		feature:   tf.Feature,
		threshold: tf.Threshold,
		value:     make([][]float64, n),
	}
	for node := 0; node < n; node++ {
		l, r := t.left[node], t.right[node]
		if (l == -1) != (r == -1) {
			return tree{}, fmt.Errorf("node %d has one child", node)
		}
		if l != -1 {
			// Children always follow their parent in a fitted tree, which
			// also rules out cycles.
			if l <= node || l >= n || r <= node || r >= n {
				return tree{}, fmt.Errorf("node %d has out of range children", node)
			}
			if t.feature[node] < 0 || t.feature[node] >= nFeatures {
				return tree{}, fmt.Errorf("node %d splits on feature %d", node, t.feature[node])
			}
		}
		if len(tf.Value[node]) != nClasses {
			return tree{}, fmt.Errorf("node %d has %d class values, want %d", node, len(tf.Value[node]), nClasses)
		}
		t.value[node] = normalize(tf.Value[node])
	}
	return t, nil
}

func normalize(v []float64) []float64 {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	out := make([]float64, len(v))
	if sum <= 0 {
		return out
	}
	for i, x := range v {
		out[i] = x / sum
	}
	return out
}

// leaf walks t for x. Splits compare in single precision like the trained
// trees do.
func (t *tree) leaf(x []float64) []float64 {
	node := 0
	for t.left[node] != -1 {
		if float64(float32(x[t.feature[node]])) <= t.threshold[node] {
			node = t.left[node]
		} else {
			node = t.right[node]
		}
	}
	return t.value[node]
}

// Classes returns the class labels in output order.
func (f *Forest) Classes() []string {
	return f.classes
}

// PredictProba averages the leaf distributions of every tree.
func (f *Forest) PredictProba(_ context.Context, x []float64) ([]float64, error) {
	if len(x) != f.nFeatures {
		return nil, fmt.Errorf("forest expects %d features, got %d", f.nFeatures, len(x))
	}
	probs := make([]float64, len(f.classes))
	for i := range f.trees {
		for c, p := range f.trees[i].leaf(x) {
			probs[c] += p
		}
	}
	for c := range probs {
		probs[c] /= float64(len(f.trees))
	}
	return probs, nil
}

// Predict returns the class with the highest mean probability; ties go to
// the first class.
func (f *Forest) Predict(ctx context.Context, x []float64) (string, error) {
	probs, err := f.PredictProba(ctx, x)
	if err != nil {
		return "", err
	}
	best := 0
	for c := range probs {
		if probs[c] > probs[best] {
			best = c
		}
	}
	return f.classes[best], nil
}

// Close is a no-op.
func (f *Forest) Close() error {
	return nil
}
