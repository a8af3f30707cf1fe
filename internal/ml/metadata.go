package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"koi-vetter/internal/features"
)

// ModelMetadata is the optional sidecar written next to the artifact by the
// training pipeline.
type ModelMetadata struct {
	Version       string    `json:"version"`
	TrainedAt     time.Time `json:"trained_at"`
	Features      []string  `json:"features"`
	Accuracy      float64   `json:"accuracy"`
	TrainingRows  int       `json:"training_rows"`
	ValidationAcc float64   `json:"validation_accuracy"`
}

// loadModelMetadata looks for model_metadata.json beside the artifact, then
// for the newest model_metadata_*.json.
func loadModelMetadata(modelPath string) (*ModelMetadata, error) {
	dir := filepath.Dir(modelPath)
	primary := filepath.Join(dir, "model_metadata.json")

	if md, err := decodeMetadata(primary); err == nil {
		return md, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	pattern := filepath.Join(dir, "model_metadata_*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, os.ErrNotExist
	}
	sort.Strings(matches)                          // timestamp suffixes sort chronologically
	return decodeMetadata(matches[len(matches)-1]) // newest
}

func decodeMetadata(path string) (*ModelMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var md ModelMetadata
	if err := json.NewDecoder(file).Decode(&md); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &md, nil
}

// checkColumnOrder verifies that a model's declared input columns are the
// canonical slots in canonical order. Either naming convention is accepted
// per column.
func checkColumnOrder(names []string) error {
	if len(names) != features.Size {
		return fmt.Errorf("model declares %d input columns, expected %d", len(names), features.Size)
	}
	for i, name := range names {
		slot, ok := features.IndexOf(name)
		if !ok {
			return fmt.Errorf("model input column %d %q is not a known feature", i, name)
		}
		if slot != i {
			return fmt.Errorf("model input column %d is %q, expected %s", i, name, features.Names()[i])
		}
	}
	return nil
}
