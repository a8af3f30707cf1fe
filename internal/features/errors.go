package features

import "errors"

// ErrInputShape is matched by every InputShapeError via errors.Is.
var ErrInputShape = errors.New("input shape error")

// InputShapeError reports a malformed or incomplete feature vector. Slot
// is the offending position, or -1 when the vector as a whole is wrong.
type InputShapeError struct {
	Got    int
	Slot   int
	Reason string
}

func (e *InputShapeError) Error() string {
	return "invalid feature vector: " + e.Reason
}

func (e *InputShapeError) Is(target error) bool {
	return target == ErrInputShape
}

// IsInputShape reports whether err is, or wraps, an InputShapeError.
func IsInputShape(err error) bool {
	var ise *InputShapeError
	return errors.As(err, &ise)
}
