package ml

import (
	"errors"
	"fmt"

	"koi-vetter/internal/features"
)

// InputShapeError is the features package error, re-exported so callers of
// the adapter need only one import.
type InputShapeError = features.InputShapeError

// ErrModelUnavailable is matched by every ModelUnavailableError via errors.Is.
var ErrModelUnavailable = errors.New("model unavailable")

// ModelUnavailableError reports that the model artifact could not be loaded
// or does not describe the expected feature schema. It is fatal: the
// artifact is static, so retrying a request cannot help.
type ModelUnavailableError struct {
	Kind string
	Path string
	Err  error
}

func (e *ModelUnavailableError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("model unavailable (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("model unavailable (%s %s): %v", e.Kind, e.Path, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

func (e *ModelUnavailableError) Is(target error) bool {
	return target == ErrModelUnavailable
}

func unavailable(kind, path string, err error) error {
	return &ModelUnavailableError{Kind: kind, Path: path, Err: err}
}
