package storage

import (
	"time"

	"github.com/google/uuid"

	"koi-vetter/internal/features"
	"koi-vetter/internal/ml"
	"koi-vetter/internal/verdict"
)

// Record is one classification as it was shown to a user.
type Record struct {
	ID            uuid.UUID          `json:"id"`
	Timestamp     time.Time          `json:"timestamp"`
	Source        string             `json:"source"`
	Features      map[string]float64 `json:"features"`
	Label         int                `json:"label"`
	Probabilities [2]float64         `json:"probabilities"`
	Text          string             `json:"text"`
	Confidence    string             `json:"confidence"`
	ModelVersion  string             `json:"model_version,omitempty"`
}

// NewRecord captures a classification for the history.
func NewRecord(source string, v features.FeatureVector, r ml.PredictionResult, modelVersion string) Record {
	vd := verdict.Format(r)
	return Record{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Features:      v.Named(),
		Label:         r.Label,
		Probabilities: r.Probabilities,
		Text:          vd.Text,
		Confidence:    vd.Confidence,
		ModelVersion:  modelVersion,
	}
}

func (r Record) withDefaults() Record {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return r
}

// Summary counts records by label.
type Summary struct {
	Total          int     `json:"total"`
	Confirmed      int     `json:"confirmed"`
	FalsePositive  int     `json:"false_positive"`
	MeanProbPlanet float64 `json:"mean_probability_confirmed"`
}

// Summarize aggregates records.
func Summarize(records []Record) Summary {
	var s Summary
	var sum float64
	for _, r := range records {
		s.Total++
		if r.Label == ml.Confirmed {
			s.Confirmed++
		} else {
			s.FalsePositive++
		}
		sum += r.Probabilities[ml.Confirmed]
	}
	if s.Total > 0 {
		s.MeanProbPlanet = sum / float64(s.Total)
	}
	return s
}
