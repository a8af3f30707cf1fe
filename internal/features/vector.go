// Package features defines the fixed-order feature vector describing a
// candidate transit signal (KOI) and the conversions from the shapes the
// front ends produce: raw slices, string tokens, named maps and HTML forms.
//
// Both front ends feed the same canonical schema. Long-form column names
// (period, duration, ...) and the abbreviated KOI catalogue names
// (koi_period, koi_duration, ...) resolve to the same slots.
package features

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Size is the number of slots in a FeatureVector.
const Size = 7

// Slot indexes, in the column order the model was trained on.
const (
	Period = iota
	Duration
	Depth
	PlanetRadius
	StellarTemp
	StellarGravity
	StellarRadius
)

// Slot describes one position of the feature vector.
type Slot struct {
	Name    string  `json:"name"`
	Alias   string  `json:"alias"`
	Label   string  `json:"label"`
	Unit    string  `json:"unit"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
	Default float64 `json:"default"`
}

var slots = [Size]Slot{
	{Name: "period", Alias: "koi_period", Label: "Orbital Period", Unit: "days", Min: 0.1, Max: 500, Step: 0.1, Default: 30.0},
	{Name: "duration", Alias: "koi_duration", Label: "Transit Duration", Unit: "hours", Min: 0.1, Max: 24, Step: 0.1, Default: 3.0},
	{Name: "depth", Alias: "koi_depth", Label: "Transit Depth", Unit: "ppm", Min: 0, Max: 200000, Step: 10, Default: 1000.0},
	{Name: "planet_radius", Alias: "koi_prad", Label: "Planetary Radius", Unit: "Earth radii", Min: 0.1, Max: 50, Step: 0.1, Default: 2.5},
	{Name: "stellar_temp", Alias: "koi_steff", Label: "Stellar Effective Temperature", Unit: "K", Min: 2000, Max: 10000, Step: 10, Default: 5700.0},
	{Name: "stellar_gravity", Alias: "koi_slogg", Label: "Stellar Surface Gravity", Unit: "log10 cm/s²", Min: 1.0, Max: 6.0, Step: 0.01, Default: 4.5},
	{Name: "stellar_radius", Alias: "koi_srad", Label: "Stellar Radius", Unit: "solar radii", Min: 0.1, Max: 20, Step: 0.01, Default: 1.0},
}

// slotIndex maps both naming conventions to a slot.
var slotIndex = func() map[string]int {
	m := make(map[string]int, 2*Size)
	for i, s := range slots {
		m[s.Name] = i
		m[s.Alias] = i
	}
	return m
}()

// Slots returns the slot descriptions in canonical order.
func Slots() []Slot {
	out := make([]Slot, Size)
	copy(out, slots[:])
	return out
}

// Names returns the long-form column names in canonical order.
func Names() []string {
	names := make([]string, Size)
	for i, s := range slots {
		names[i] = s.Name
	}
	return names
}

// IndexOf resolves a long-form name or abbreviated alias to its slot.
func IndexOf(name string) (int, bool) {
	i, ok := slotIndex[strings.ToLower(strings.TrimSpace(name))]
	return i, ok
}

// FeatureVector is an ordered, fixed-length sequence of the seven features.
// It is a value type; copies never alias.
type FeatureVector [Size]float64

// Defaults returns the documented default vector used to pre-fill both
// front ends.
func Defaults() FeatureVector {
	var v FeatureVector
	for i, s := range slots {
		v[i] = s.Default
	}
	return v
}

// FromSlice builds a vector from exactly Size finite values.
func FromSlice(values []float64) (FeatureVector, error) {
	var v FeatureVector
	if len(values) != Size {
		return v, &InputShapeError{Got: len(values), Slot: -1, Reason: fmt.Sprintf("expected %d features, got %d", Size, len(values))}
	}
	for i, x := range values {
		if err := checkFinite(i, x); err != nil {
			return FeatureVector{}, err
		}
		v[i] = x
	}
	return v, nil
}

// Parse converts Size numeric tokens in slot order.
func Parse(tokens []string) (FeatureVector, error) {
	var v FeatureVector
	if len(tokens) != Size {
		return v, &InputShapeError{Got: len(tokens), Slot: -1, Reason: fmt.Sprintf("expected %d features, got %d", Size, len(tokens))}
	}
	for i, tok := range tokens {
		x, err := parseToken(i, tok)
		if err != nil {
			return FeatureVector{}, err
		}
		v[i] = x
	}
	return v, nil
}

// FromNamed builds a vector from a name→value map. Every slot must be
// present exactly once under either naming convention; unknown keys are
// rejected so a typo never falls through to a default.
func FromNamed(values map[string]float64) (FeatureVector, error) {
	var v FeatureVector
	var seen [Size]bool
	for name, x := range values {
		i, ok := IndexOf(name)
		if !ok {
			return FeatureVector{}, &InputShapeError{Got: len(values), Slot: -1, Reason: fmt.Sprintf("unknown feature %q", name)}
		}
		if seen[i] {
			return FeatureVector{}, &InputShapeError{Got: len(values), Slot: i, Reason: fmt.Sprintf("feature %s given more than once", slots[i].Name)}
		}
		if err := checkFinite(i, x); err != nil {
			return FeatureVector{}, err
		}
		seen[i] = true
		v[i] = x
	}
	for i, ok := range seen {
		if !ok {
			return FeatureVector{}, &InputShapeError{Got: len(values), Slot: i, Reason: fmt.Sprintf("missing feature %s", slots[i].Name)}
		}
	}
	return v, nil
}

// FromForm reads the seven features from submitted form values. Fields
// that are not feature names (e.g. a submit button) are ignored.
func FromForm(form url.Values) (FeatureVector, error) {
	var v FeatureVector
	var seen [Size]bool
	found := 0
	for key, vals := range form {
		i, ok := IndexOf(key)
		if !ok {
			continue
		}
		if seen[i] || len(vals) != 1 {
			return FeatureVector{}, &InputShapeError{Got: found, Slot: i, Reason: fmt.Sprintf("feature %s given more than once", slots[i].Name)}
		}
		x, err := parseToken(i, vals[0])
		if err != nil {
			return FeatureVector{}, err
		}
		seen[i] = true
		v[i] = x
		found++
	}
	for i, ok := range seen {
		if !ok {
			return FeatureVector{}, &InputShapeError{Got: found, Slot: i, Reason: fmt.Sprintf("missing feature %s", slots[i].Name)}
		}
	}
	return v, nil
}

// Slice returns a copy of the values as a slice.
func (v FeatureVector) Slice() []float64 {
	out := make([]float64, Size)
	copy(out, v[:])
	return out
}

// Named returns the single-row record keyed by long-form column name.
func (v FeatureVector) Named() map[string]float64 {
	m := make(map[string]float64, Size)
	for i, s := range slots {
		m[s.Name] = v[i]
	}
	return m
}

// Validate re-checks that every slot is finite. Vectors built through the
// constructors always pass; a zero-value or hand-assembled one may not.
func (v FeatureVector) Validate() error {
	for i, x := range v {
		if err := checkFinite(i, x); err != nil {
			return err
		}
	}
	return nil
}

// OutOfRange lists the slots whose value lies outside the typical range.
// The ranges are advisory; the model still classifies such vectors.
func (v FeatureVector) OutOfRange() []string {
	var out []string
	for i, s := range slots {
		if v[i] < s.Min || v[i] > s.Max {
			out = append(out, s.Name)
		}
	}
	return out
}

// Key is the bit-exact identity of the vector, suitable as a cache key.
func (v FeatureVector) Key() [Size]uint64 {
	var k [Size]uint64
	for i, x := range v {
		k[i] = math.Float64bits(x)
	}
	return k
}

func (v FeatureVector) String() string {
	parts := make([]string, Size)
	for i, s := range slots {
		parts[i] = s.Name + "=" + strconv.FormatFloat(v[i], 'g', -1, 64)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func parseToken(slot int, tok string) (float64, error) {
	x, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
	if err != nil {
		return 0, &InputShapeError{Got: Size, Slot: slot, Reason: fmt.Sprintf("feature %s: %q is not a number", slots[slot].Name, tok)}
	}
	if err := checkFinite(slot, x); err != nil {
		return 0, err
	}
	return x, nil
}

func checkFinite(slot int, x float64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return &InputShapeError{Got: Size, Slot: slot, Reason: fmt.Sprintf("feature %s is not finite", slots[slot].Name)}
	}
	return nil
}
