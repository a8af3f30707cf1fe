package ml

import (
	"time"

	"koi-vetter/internal/features"
)

// ClassifyRequest is the JSON body of the classify API. Exactly one of
// Features (slot order) or Values (by name) must be set.
type ClassifyRequest struct {
	Features  []float64          `json:"features,omitempty"`
	Values    map[string]float64 `json:"values,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
}

// Vector converts the request into a FeatureVector.
func (r ClassifyRequest) Vector() (features.FeatureVector, error) {
	switch {
	case r.Features != nil && r.Values != nil:
		return features.FeatureVector{}, &InputShapeError{Slot: -1, Reason: "give either features or values, not both"}
	case r.Values != nil:
		return features.FromNamed(r.Values)
	default:
		return features.FromSlice(r.Features)
	}
}

// ClassifyResponse is the JSON answer of the classify API.
type ClassifyResponse struct {
	Label         int        `json:"label"`
	Probabilities [2]float64 `json:"probabilities"`
	Text          string     `json:"text"`
	Confidence    string     `json:"confidence"`
	Percent       float64    `json:"confidence_percent"`
	OutOfRange    []string   `json:"out_of_range,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
	ModelVersion  string     `json:"model_version"`
	Latency       float64    `json:"latency_ms"`
	Timestamp     time.Time  `json:"timestamp"`
}

// ErrorResponse is returned with every non-2xx API status.
type ErrorResponse struct {
	Error string `json:"error"`
	Slot  string `json:"slot,omitempty"`
}

// ModelInfo describes the loaded model.
type ModelInfo struct {
	Kind       string    `json:"kind"`
	Path       string    `json:"path"`
	Version    string    `json:"version"`
	Features   []string  `json:"features"`
	TrainedAt  time.Time `json:"trained_at,omitempty"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	LoadedAt   time.Time `json:"loaded_at"`
}
