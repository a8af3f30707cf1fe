// Package ml provides the classifier adapter that turns a KOI feature vector
// into a confirmed-planet / false-positive decision.
//
// The adapter owns one model loaded at startup. Backends cover JSON tree
// ensembles and logistic regressions evaluated natively, the original
// scikit-learn joblib artifact served through a Python worker, and a remote
// koi-vetter instance reached over HTTP. The loaded model never changes, so
// one adapter is shared by every request handler.
package ml

import (
	"context"
	"fmt"
	"math"

	"koi-vetter/internal/features"
)

// Class labels.
const (
	FalsePositive = 0
	Confirmed     = 1
)

// probTolerance bounds how far a backend's probabilities may drift from
// summing to one before the result is rejected.
const probTolerance = 1e-6

// Classifier is the contract the front ends depend on.
type Classifier interface {
	// Classify returns the predicted class and the class probabilities.
	Classify(v features.FeatureVector) (PredictionResult, error)
}

// ContextClassifier is a Classifier whose calls can be bounded by a context.
type ContextClassifier interface {
	Classifier
	ClassifyContext(ctx context.Context, v features.FeatureVector) (PredictionResult, error)
}

// Service is what the HTTP front ends need from the adapter.
type Service interface {
	ContextClassifier
	Info() ModelInfo
	Health() HealthStatus
}

// Model is implemented by each backend. Implementations must be safe for
// concurrent use.
type Model interface {
	Predict(ctx context.Context, v features.FeatureVector) (PredictionResult, error)
}

// PredictionResult is the derived, per-request classification outcome.
// Probabilities[1] is the confidence that the candidate is a confirmed
// planet.
type PredictionResult struct {
	Label         int        `json:"label"`
	Probabilities [2]float64 `json:"probabilities"`
}

// Confidence is the probability of the predicted label.
func (r PredictionResult) Confidence() float64 {
	if r.Label == Confirmed {
		return r.Probabilities[1]
	}
	return r.Probabilities[0]
}

// fromProba derives the label as the argmax of the probabilities, ties
// resolving to FalsePositive.
func fromProba(p [2]float64) PredictionResult {
	label := FalsePositive
	if p[1] > p[0] {
		label = Confirmed
	}
	return PredictionResult{Label: label, Probabilities: p}
}

// check verifies the output guarantees and renormalizes rounding drift.
func (r PredictionResult) check() (PredictionResult, error) {
	if r.Label != FalsePositive && r.Label != Confirmed {
		return PredictionResult{}, fmt.Errorf("label %d is not binary", r.Label)
	}
	sum := 0.0
	for i, p := range r.Probabilities {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return PredictionResult{}, fmt.Errorf("invalid probability %d: %f", i, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-3 {
		return PredictionResult{}, fmt.Errorf("probabilities sum to %f", sum)
	}
	if math.Abs(sum-1) > probTolerance/2 {
		r.Probabilities[0] /= sum
		r.Probabilities[1] /= sum
	}
	return r, nil
}
