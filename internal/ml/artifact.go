package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"koi-vetter/internal/features"
)

// Artifact kinds understood by the native backends.
const (
	KindForest   = "forest"
	KindLogistic = "logistic"
)

// artifactHeader is common to every JSON artifact.
type artifactHeader struct {
	Kind     string   `json:"kind"`
	Version  string   `json:"version"`
	Features []string `json:"features"`
	Classes  []int    `json:"classes"`
}

// TreeNode is one node of an exported decision tree. Children are node
// indexes; a leaf has Left == Right == -1 and carries the class weights
// (sample counts or fractions) in Value.
type TreeNode struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

// TreeSpec is the serialized form of one tree.
type TreeSpec struct {
	Nodes []TreeNode `json:"nodes"`
}

type forestArtifact struct {
	artifactHeader
	Trees []TreeSpec `json:"trees"`
}

type scalerArtifact struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

type logisticArtifact struct {
	artifactHeader
	Coef      []float64       `json:"coef"`
	Intercept float64         `json:"intercept"`
	Scaler    *scalerArtifact `json:"scaler,omitempty"`
}

// tree is a validated decision tree with leaf probabilities precomputed.
type tree struct {
	nodes []TreeNode
	proba [][2]float64 // per node; meaningful for leaves only
}

// Forest averages the leaf class distributions of its trees, the way a
// random forest's predict_proba does. A single decision tree is a forest
// of one.
type Forest struct {
	trees []tree
}

// Logistic is a binary logistic regression over optionally standardized
// inputs.
type Logistic struct {
	coef      [features.Size]float64
	intercept float64
	mean      [features.Size]float64
	scale     [features.Size]float64
}

// readHeader reads only the fields shared by every artifact kind.
func readHeader(data []byte) (artifactHeader, error) {
	var h artifactHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("decode artifact header: %w", err)
	}
	return h, nil
}

func (h artifactHeader) validate() error {
	if len(h.Features) > 0 {
		if err := checkColumnOrder(h.Features); err != nil {
			return err
		}
	}
	if len(h.Classes) > 0 && (len(h.Classes) != 2 || h.Classes[0] != 0 || h.Classes[1] != 1) {
		return fmt.Errorf("classes must be [0 1], got %v", h.Classes)
	}
	return nil
}

// LoadForest reads a tree-ensemble artifact.
func LoadForest(path string) (*Forest, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	var art forestArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, "", fmt.Errorf("decode forest: %w", err)
	}
	if art.Kind != "" && art.Kind != KindForest {
		return nil, "", fmt.Errorf("artifact kind %q is not %q", art.Kind, KindForest)
	}
	if err := art.validate(); err != nil {
		return nil, "", err
	}
	f, err := NewForest(art.Trees...)
	if err != nil {
		return nil, "", err
	}
	return f, art.Version, nil
}

// NewForest validates the trees and builds a Forest.
func NewForest(trees ...TreeSpec) (*Forest, error) {
	if len(trees) == 0 {
		return nil, errors.New("forest has no trees")
	}
	f := &Forest{trees: make([]tree, len(trees))}
	for i, t := range trees {
		built, err := buildTree(t.Nodes)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		f.trees[i] = built
	}
	return f, nil
}

// buildTree checks the node graph. Children must come after their parent,
// which is how exported trees are laid out and guarantees every walk ends.
func buildTree(nodes []TreeNode) (tree, error) {
	if len(nodes) == 0 {
		return tree{}, errors.New("empty tree")
	}
	t := tree{nodes: nodes, proba: make([][2]float64, len(nodes))}
	for i, n := range nodes {
		if n.Left == -1 && n.Right == -1 {
			if len(n.Value) != 2 {
				return tree{}, fmt.Errorf("leaf %d: expected 2 class weights, got %d", i, len(n.Value))
			}
			w0, w1 := n.Value[0], n.Value[1]
			if w0 < 0 || w1 < 0 || math.IsNaN(w0) || math.IsNaN(w1) || w0+w1 <= 0 {
				return tree{}, fmt.Errorf("leaf %d: invalid class weights %v", i, n.Value)
			}
			t.proba[i] = [2]float64{w0 / (w0 + w1), w1 / (w0 + w1)}
			continue
		}
		if n.Feature < 0 || n.Feature >= features.Size {
			return tree{}, fmt.Errorf("node %d: feature index %d out of range", i, n.Feature)
		}
		if math.IsNaN(n.Threshold) {
			return tree{}, fmt.Errorf("node %d: threshold is NaN", i)
		}
		for _, c := range []int{n.Left, n.Right} {
			if c <= i || c >= len(nodes) {
				return tree{}, fmt.Errorf("node %d: child %d out of order", i, c)
			}
		}
	}
	return t, nil
}

func (t tree) leaf(v features.FeatureVector) int {
	i := 0
	for {
		n := t.nodes[i]
		if n.Left == -1 {
			return i
		}
		// Trees are trained on float32 inputs, so the split is taken at
		// float32 precision.
		if float64(float32(v[n.Feature])) <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Predict implements Model.
func (f *Forest) Predict(_ context.Context, v features.FeatureVector) (PredictionResult, error) {
	var sum [2]float64
	for _, t := range f.trees {
		p := t.proba[t.leaf(v)]
		sum[0] += p[0]
		sum[1] += p[1]
	}
	n := float64(len(f.trees))
	return fromProba([2]float64{sum[0] / n, sum[1] / n}), nil
}

// LoadLogistic reads a logistic regression artifact.
func LoadLogistic(path string) (*Logistic, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	var art logisticArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, "", fmt.Errorf("decode logistic: %w", err)
	}
	if art.Kind != "" && art.Kind != KindLogistic {
		return nil, "", fmt.Errorf("artifact kind %q is not %q", art.Kind, KindLogistic)
	}
	if err := art.validate(); err != nil {
		return nil, "", err
	}
	var mean, scale []float64
	if art.Scaler != nil {
		mean, scale = art.Scaler.Mean, art.Scaler.Scale
	}
	m, err := NewLogistic(art.Coef, art.Intercept, mean, scale)
	if err != nil {
		return nil, "", err
	}
	return m, art.Version, nil
}

// NewLogistic builds a logistic model. mean and scale may both be nil for
// unscaled inputs.
func NewLogistic(coef []float64, intercept float64, mean, scale []float64) (*Logistic, error) {
	if len(coef) != features.Size {
		return nil, fmt.Errorf("expected %d coefficients, got %d", features.Size, len(coef))
	}
	m := &Logistic{intercept: intercept}
	copy(m.coef[:], coef)
	for i := range m.scale {
		m.scale[i] = 1
	}
	if mean != nil || scale != nil {
		if len(mean) != features.Size || len(scale) != features.Size {
			return nil, fmt.Errorf("scaler needs %d means and scales", features.Size)
		}
		for i, s := range scale {
			if s == 0 || math.IsNaN(s) {
				return nil, fmt.Errorf("scaler: scale %d is %v", i, s)
			}
		}
		copy(m.mean[:], mean)
		copy(m.scale[:], scale)
	}
	return m, nil
}

// Predict implements Model.
func (m *Logistic) Predict(_ context.Context, v features.FeatureVector) (PredictionResult, error) {
	z := m.intercept
	for i, x := range v {
		z += m.coef[i] * (x - m.mean[i]) / m.scale[i]
	}
	p1 := sigmoid(z)
	return fromProba([2]float64{1 - p1, p1}), nil
}

// sigmoid converts a score to a probability
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
