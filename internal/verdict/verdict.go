// Package verdict turns a classification into the text shown to users.
package verdict

import (
	"fmt"

	"koi-vetter/internal/ml"
)

// Display strings for the two classes.
const (
	TextConfirmed     = "CONFIRMED PLANET"
	TextFalsePositive = "FALSE POSITIVE"
)

// Verdict is the presentation form of a PredictionResult.
type Verdict struct {
	Label      int     `json:"label"`
	Text       string  `json:"text"`
	Confidence string  `json:"confidence"`
	Percent    float64 `json:"confidence_percent"`
}

// Format derives the display text and the confidence of the predicted
// label, as a percentage with two decimals.
func Format(r ml.PredictionResult) Verdict {
	text := TextFalsePositive
	if r.Label == ml.Confirmed {
		text = TextConfirmed
	}
	pct := r.Confidence() * 100
	return Verdict{
		Label:      r.Label,
		Text:       text,
		Confidence: Percent(pct),
		Percent:    pct,
	}
}

// Percent formats a 0..100 value as "95.67%".
func Percent(pct float64) string {
	return fmt.Sprintf("%.2f%%", pct)
}

// ConfidenceText is the line rendered under the prediction on the form.
func (v Verdict) ConfidenceText() string {
	return "Confidence: " + v.Confidence
}

// Confirmed reports whether the verdict is a confirmed planet.
func (v Verdict) Confirmed() bool {
	return v.Label == ml.Confirmed
}
